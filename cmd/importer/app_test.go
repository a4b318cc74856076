package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/boddenberg/statement-import-go/internal/domain"
)

// postgrest answers like a PostgREST endpoint: GETs return the category
// tree or an empty array, writes echo the payload back with an id.
type postgrest struct {
	mu     sync.Mutex
	seq    int
	writes map[string]int
}

func (p *postgrest) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	table := strings.TrimPrefix(r.URL.Path, "/rest/v1/")
	w.Header().Set("Content-Type", "application/json")

	if r.Method == http.MethodGet {
		if table == "categories" {
			fmt.Fprint(w, `[{"id":"food","name":"Food","subcategories":[{"id":"groceries","category_id":"food","name":"Groceries"}]}]`)
			return
		}
		fmt.Fprint(w, `[]`)
		return
	}

	var row map[string]any
	if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p.mu.Lock()
	p.seq++
	row["id"] = fmt.Sprintf("%s-%d", table, p.seq)
	p.writes[r.Method+" "+table]++
	p.mu.Unlock()

	_ = json.NewEncoder(w).Encode([]map[string]any{row})
}

func (p *postgrest) count(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes[key]
}

// TestApp_FullFlow spins up mock external services and drives a foreground
// import through the wired application.
func TestApp_FullFlow(t *testing.T) {
	// --- Mock Supabase ---
	store := &postgrest{writes: map[string]int{}}
	supa := httptest.NewServer(store)
	defer supa.Close()

	// --- Mock Agent API ---
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/classify" {
			http.NotFound(w, r)
			return
		}
		var req domain.ClassifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		out := struct {
			Suggestions []domain.Suggestion `json:"suggestions"`
		}{}
		for _, item := range req.Items {
			out.Suggestions = append(out.Suggestions, domain.Suggestion{
				RowID: item.RowID, CategoryID: "food", SubcategoryID: "groceries", Confidence: 0.9,
			})
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	defer agent.Close()

	t.Setenv("SUPABASE_URL", supa.URL)
	t.Setenv("AGENT_API_URL", agent.URL)
	t.Setenv("CLASSIFIER_BACKEND", "agent")
	t.Setenv("LOG_LEVEL", "error")

	a, err := newApp(context.Background(), "")
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.close(context.Background())
	router := a.router()

	do := func(method, path string, body any) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if body != nil {
			_ = json.NewEncoder(&buf).Encode(body)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
		return rec
	}
	snapshot := func(rec *httptest.ResponseRecorder) domain.FlowSnapshot {
		t.Helper()
		var s domain.FlowSnapshot
		if err := json.Unmarshal(rec.Body.Bytes(), &s); err != nil {
			t.Fatalf("decode: %v (%s)", err, rec.Body.String())
		}
		return s
	}

	rec := do(http.MethodPost, "/v1/customers/cust-1/imports/", map[string]string{"filename": "extrato.csv"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	flow := "/v1/customers/cust-1/imports/" + snapshot(rec).ID

	if rec = do(http.MethodPost, flow+"/account", map[string]string{"statement_kind": "checking", "account_id": "acc-1"}); rec.Code != http.StatusOK {
		t.Fatalf("account: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(http.MethodPost, flow+"/rows", map[string]any{"rows": []map[string]any{
		{"external_id": "E1", "date": "2026-03-01T00:00:00Z", "description": "Mercado Central", "amount": "-42.10"},
		{"external_id": "E2", "date": "2026-03-02T00:00:00Z", "description": "Padaria Real", "amount": "-8.50"},
	}})
	if rec.Code != http.StatusOK {
		t.Fatalf("rows: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(http.MethodPost, flow+"/categorize", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("categorize: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	for _, row := range snapshot(rec).Rows {
		if row.CategoryID != "food" || row.SubcategoryID != "groceries" {
			t.Errorf("row %s not categorized by the agent: %+v", row.ExternalID, row)
		}
	}

	rec = do(http.MethodPost, flow+"/commit", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("commit: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	s := snapshot(rec)
	if s.State != domain.FlowCompleted || s.Summary == nil || s.Summary.Imported != 2 {
		t.Errorf("expected 2 rows imported, got state %s summary %+v", s.State, s.Summary)
	}
	if n := store.count("POST bank_transactions"); n != 2 {
		t.Errorf("expected 2 inserts into bank_transactions, got %d", n)
	}
	if n := store.count("POST transaction_mappings"); n != 2 {
		t.Errorf("expected 2 learned mappings, got %d", n)
	}

	if rec = do(http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Errorf("healthz: expected 200, got %d", rec.Code)
	}
}

func TestApp_RequiresSupabase(t *testing.T) {
	t.Setenv("SUPABASE_URL", "")
	if _, err := newApp(context.Background(), ""); err == nil {
		t.Error("expected an error without SUPABASE_URL")
	}
}

func TestRootCmd_Subcommands(t *testing.T) {
	cmd := rootCmd()
	want := map[string]bool{"serve": false, "worker": false, "run-job": false, "sweep": false}
	for _, c := range cmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing subcommand %s", name)
		}
	}
}

package handler_test

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
	"time"

	"github.com/boddenberg/statement-import-go/internal/domain"
	"github.com/boddenberg/statement-import-go/internal/handler"
	"github.com/boddenberg/statement-import-go/internal/infra/cache"
	"github.com/boddenberg/statement-import-go/internal/infra/jobfeed"
	"github.com/boddenberg/statement-import-go/internal/infra/observability"
	"github.com/boddenberg/statement-import-go/internal/service"

	"go.uber.org/zap"
)

// ============================================================
// In-memory store backing every port the router needs
// ============================================================

type memStore struct {
	mu            sync.Mutex
	seq           int
	transactions  map[string]*domain.TransactionRecord
	mappings      map[string]*domain.MappingRecord
	jobs          map[string]*domain.BackgroundJob
	notifications []domain.Notification
}

func newMemStore() *memStore {
	return &memStore{
		transactions: map[string]*domain.TransactionRecord{},
		mappings:     map[string]*domain.MappingRecord{},
		jobs:         map[string]*domain.BackgroundJob{},
	}
}

func (s *memStore) id(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

func (s *memStore) ListByAccount(ctx context.Context, userID string, kind domain.StatementKind, accountID string) ([]domain.ExistingTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ExistingTransaction
	for id, t := range s.transactions {
		if t.UserID == userID && t.Kind == kind && t.AccountID == accountID {
			out = append(out, domain.ExistingTransaction{ID: id, ExternalID: t.ExternalID})
		}
	}
	return out, nil
}

func (s *memStore) FindByExternalID(ctx context.Context, userID string, kind domain.StatementKind, externalID string) (*domain.ExistingTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.transactions {
		if t.UserID == userID && t.Kind == kind && t.ExternalID == externalID {
			return &domain.ExistingTransaction{ID: id, ExternalID: externalID}, nil
		}
	}
	return nil, nil
}

func (s *memStore) InsertTransaction(ctx context.Context, rec *domain.TransactionRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.id("tx")
	cp := *rec
	s.transactions[id] = &cp
	return id, nil
}

func (s *memStore) UpdateTransaction(ctx context.Context, id string, rec *domain.TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.transactions[id] = &cp
	return nil
}

func mappingKey(userID string, kind domain.StatementKind, key string) string {
	return userID + "/" + string(kind) + "/" + key
}

func (s *memStore) FindMapping(ctx context.Context, userID string, kind domain.StatementKind, key string) (*domain.MappingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.mappings[mappingKey(userID, kind, key)]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, nil
}

func (s *memStore) FindMappings(ctx context.Context, userID string, kind domain.StatementKind, keys []string) ([]domain.MappingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.MappingRecord
	for _, k := range keys {
		if m, ok := s.mappings[mappingKey(userID, kind, k)]; ok {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (s *memStore) InsertMapping(ctx context.Context, m *domain.MappingRecord) (*domain.MappingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := mappingKey(m.UserID, m.Kind, m.StandardizedKey)
	if _, ok := s.mappings[k]; ok {
		return nil, &domain.ErrConflict{Message: "duplicate mapping"}
	}
	cp := *m
	cp.ID = s.id("map")
	s.mappings[k] = &cp
	return &cp, nil
}

func (s *memStore) UpdateMapping(ctx context.Context, id string, m *domain.MappingRecord) (*domain.MappingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	cp.ID = id
	s.mappings[mappingKey(m.UserID, m.Kind, m.StandardizedKey)] = &cp
	return &cp, nil
}

func (s *memStore) CreateSession(ctx context.Context, sess *domain.ImportSession) (*domain.ImportSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	cp.ID = s.id("session")
	return &cp, nil
}

func (s *memStore) UpdateSession(ctx context.Context, id string, status domain.SessionStatus, processed int, errMsg string) error {
	return nil
}

func (s *memStore) CreateJob(ctx context.Context, job *domain.BackgroundJob) (*domain.BackgroundJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	cp.ID = s.id("job")
	s.jobs[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *memStore) GetJob(ctx context.Context, id string) (*domain.BackgroundJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "background_job", ID: id}
	}
	cp := *j
	return &cp, nil
}

func (s *memStore) ClaimJob(ctx context.Context, id string) (*domain.BackgroundJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != domain.JobPending {
		return nil, nil
	}
	j.Status = domain.JobProcessing
	cp := *j
	return &cp, nil
}

func (s *memStore) UpdateJob(ctx context.Context, id string, u domain.JobUpdate) (*domain.BackgroundJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	j.Status, j.Progress = u.Status, u.Progress
	if u.Result != nil {
		j.Result = u.Result
	}
	j.ErrorMessage = u.ErrorMessage
	cp := *j
	return &cp, nil
}

func (s *memStore) ListPendingJobs(ctx context.Context, limit int) ([]domain.BackgroundJob, error) {
	return nil, nil
}

func (s *memStore) CreateNotification(ctx context.Context, n *domain.Notification) (*domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *n
	cp.ID = s.id("note")
	s.notifications = append(s.notifications, cp)
	return &cp, nil
}

func (s *memStore) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Notification
	for _, n := range s.notifications {
		if n.UserID == userID && (!unreadOnly || !n.IsRead) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *memStore) MarkNotificationRead(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.notifications {
		if s.notifications[i].ID == id {
			s.notifications[i].IsRead = true
		}
	}
	return nil
}

func (s *memStore) DeleteReadNotificationsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}

func (s *memStore) GetCatalog(ctx context.Context, userID string) (*domain.Catalog, error) {
	return &domain.Catalog{Categories: []domain.Category{
		{ID: "food", Name: "Food", Subcategories: []domain.Subcategory{{ID: "groceries", CategoryID: "food", Name: "Groceries"}}},
	}}, nil
}

// ============================================================
// Router under test
// ============================================================

type testServer struct {
	store  *memStore
	jobs   *service.JobRunner
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zap.NewNop()
	metrics := observability.NewMetrics()
	store := newMemStore()

	catalogs := cache.New[*domain.Catalog](time.Minute)
	flows := cache.New[*service.ImportFlow](time.Hour, cache.WithSliding[*service.ImportFlow]())
	t.Cleanup(catalogs.Stop)
	t.Cleanup(flows.Stop)

	hub := jobfeed.NewHub(logger)
	watcher := jobfeed.NewPushWatcher(hub, store)
	resolver := service.NewMappingResolver(store, metrics, logger)
	policy := service.NewReviewPolicy(nil)
	categorizer := service.NewCategorizer(resolver, nil, store, catalogs, metrics, logger)
	persister := service.NewPersister(store, store, resolver, policy, metrics, logger)
	notifier := service.NewNotifier(store, logger)
	runner := service.NewJobRunner(store, categorizer, persister, hub, notifier, 2, metrics, logger)
	orch := service.NewOrchestrator(service.OrchestratorDeps{
		Flows:        flows,
		Transactions: store,
		Detector:     service.NewDetector(nil, nil),
		Categorizer:  categorizer,
		Policy:       policy,
		Persister:    persister,
		Jobs:         runner,
		Watcher:      watcher,
		Notifier:     notifier,
		Metrics:      metrics,
		Logger:       logger,
	})

	return &testServer{
		store: store,
		jobs:  runner,
		router: handler.NewRouter(handler.Deps{
			Imports:       orch,
			Jobs:          runner,
			Watcher:       watcher,
			Notifications: notifier,
			Metrics:       metrics,
			Logger:        logger,
		}),
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeSnapshot(t *testing.T, rec *httptest.ResponseRecorder) domain.FlowSnapshot {
	t.Helper()
	var snap domain.FlowSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v (body %s)", err, rec.Body.String())
	}
	return snap
}

func rawRows(rows ...[3]string) map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, map[string]any{
			"external_id": r[0],
			"date":        "2026-03-01T00:00:00Z",
			"description": r[1],
			"amount":      r[2],
		})
	}
	return map[string]any{"rows": out}
}

// ============================================================
// Operational endpoints
// ============================================================

func TestHealthz(t *testing.T) {
	router := handler.NewRouter(handler.Deps{
		Metrics: observability.NewMetrics(),
		Logger:  zap.NewNop(),
		Checks: map[string]handler.HealthCheck{
			"supabase": func(ctx context.Context) error { return fmt.Errorf("down") },
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var health domain.HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "degraded" {
		t.Errorf("expected degraded, got %s", health.Status)
	}
}

func TestReadyz(t *testing.T) {
	router := handler.NewRouter(handler.Deps{Metrics: observability.NewMetrics(), Logger: zap.NewNop()})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestMetrics(t *testing.T) {
	metrics := observability.NewMetrics()
	metrics.IncrCacheHit("catalog")
	router := handler.NewRouter(handler.Deps{Metrics: metrics, Logger: zap.NewNop()})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "importer_cache_hits_total") {
		t.Errorf("expected importer metrics in output")
	}
}

func TestImportsUnavailableWithoutService(t *testing.T) {
	router := handler.NewRouter(handler.Deps{Metrics: observability.NewMetrics(), Logger: zap.NewNop()})

	req := httptest.NewRequest(http.MethodPost, "/v1/customers/c1/imports/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

// ============================================================
// Import flow
// ============================================================

func TestImportFlow_EndToEnd(t *testing.T) {
	s := newTestServer(t)
	base := "/v1/customers/c1/imports"

	rec := s.do(t, http.MethodPost, base+"/", map[string]string{"filename": "extrato.csv"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	snap := decodeSnapshot(t, rec)
	if snap.State != domain.FlowSelection {
		t.Fatalf("expected selection, got %s", snap.State)
	}
	flow := base + "/" + snap.ID

	rec = s.do(t, http.MethodPost, flow+"/account", map[string]string{"statement_kind": "checking", "account_id": "acc-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("account: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodPost, flow+"/rows", rawRows(
		[3]string{"A", "Mercado Central", "-50.00"},
		[3]string{"B", "Posto Shell", "-120.00"},
	))
	if rec.Code != http.StatusOK {
		t.Fatalf("rows: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if snap = decodeSnapshot(t, rec); snap.State != domain.FlowCategorization {
		t.Fatalf("expected categorization, got %s", snap.State)
	}

	rec = s.do(t, http.MethodPost, flow+"/categorize", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("categorize: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	snap = decodeSnapshot(t, rec)

	rec = s.do(t, http.MethodPatch, flow+"/rows/"+snap.Rows[0].RowID, map[string]string{
		"category_id": "food", "subcategory_id": "groceries",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("edit: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodPost, flow+"/commit", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("commit: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	snap = decodeSnapshot(t, rec)
	if snap.State != domain.FlowCompleted {
		t.Errorf("expected completed, got %s", snap.State)
	}
	if snap.Summary == nil || snap.Summary.Imported != 2 {
		t.Errorf("expected 2 imported, got %+v", snap.Summary)
	}

	rec = s.do(t, http.MethodGet, "/v1/customers/c2/imports/"+snap.ID+"/", nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for another customer, got %d", rec.Code)
	}
}

func TestImportFlow_ErrorMapping(t *testing.T) {
	s := newTestServer(t)
	base := "/v1/customers/c1/imports"

	rec := s.do(t, http.MethodPost, base+"/", nil)
	snap := decodeSnapshot(t, rec)
	flow := base + "/" + snap.ID

	rec = s.do(t, http.MethodPost, flow+"/commit", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("commit out of order: expected 409, got %d", rec.Code)
	}

	rec = s.do(t, http.MethodPost, flow+"/upload", map[string]string{"file": "x"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown field: expected 400, got %d", rec.Code)
	}

	rec = s.do(t, http.MethodGet, base+"/does-not-exist/", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown flow: expected 404, got %d", rec.Code)
	}

	s.do(t, http.MethodPost, flow+"/upload", map[string]string{"filename": "fatura.csv"})
	s.do(t, http.MethodPost, flow+"/account", map[string]string{"statement_kind": "credit_card", "account_id": "card-1"})
	s.do(t, http.MethodPost, flow+"/rows", rawRows([3]string{"U", "Uber viagem", "32.90"}))
	s.do(t, http.MethodPost, flow+"/categorize", nil)

	rec = s.do(t, http.MethodPost, flow+"/commit", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("incomplete rows: expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Error string            `json:"error"`
		Rows  []domain.RowIssue `json:"rows"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Rows) != 1 || body.Rows[0].Description != "Uber viagem" {
		t.Errorf("expected the blocking row in the response, got %+v", body.Rows)
	}
}

// ============================================================
// Background jobs
// ============================================================

func TestBackgroundImport(t *testing.T) {
	s := newTestServer(t)
	base := "/v1/customers/c1/imports"

	snap := decodeSnapshot(t, s.do(t, http.MethodPost, base+"/", map[string]string{"filename": "extrato.csv"}))
	flow := base + "/" + snap.ID
	s.do(t, http.MethodPost, flow+"/account", map[string]string{"statement_kind": "checking", "account_id": "acc-1"})
	s.do(t, http.MethodPost, flow+"/rows", rawRows([3]string{"A", "Mercado", "-10"}))

	rec := s.do(t, http.MethodPost, flow+"/background", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("background: expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	snap = decodeSnapshot(t, rec)
	if snap.JobID == "" {
		t.Fatal("expected a job id")
	}

	if err := s.jobs.Run(context.Background(), snap.JobID); err != nil {
		t.Fatalf("run: %v", err)
	}

	rec = s.do(t, http.MethodGet, "/v1/customers/c1/jobs/"+snap.JobID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("job: expected 200, got %d", rec.Code)
	}
	var job domain.BackgroundJob
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.Status != domain.JobCompleted || job.Progress != 100 {
		t.Errorf("expected completed at 100, got %s at %d", job.Status, job.Progress)
	}

	rec = s.do(t, http.MethodGet, "/v1/customers/c2/jobs/"+snap.JobID, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for another customer, got %d", rec.Code)
	}

	rec = s.do(t, http.MethodGet, "/v1/customers/c1/jobs/"+snap.JobID+"/events", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("events: expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "event: completed") {
		t.Errorf("expected a completed event, got %q", rec.Body.String())
	}

	rec = s.do(t, http.MethodGet, "/v1/customers/c1/notifications?unread=true", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("notifications: expected 200, got %d", rec.Code)
	}
	var notes []domain.Notification
	if err := json.Unmarshal(rec.Body.Bytes(), &notes); err != nil {
		t.Fatalf("decode notifications: %v", err)
	}
	if len(notes) != 2 {
		t.Fatalf("expected queued and finished notifications, got %d", len(notes))
	}

	rec = s.do(t, http.MethodPost, "/v1/notifications/"+notes[0].ID+"/read", nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("mark read: expected 204, got %d", rec.Code)
	}
}

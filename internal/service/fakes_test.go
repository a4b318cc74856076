package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/boddenberg/statement-import-go/internal/domain"
)

// ============================================================
// In-memory fakes shared by the service tests
// ============================================================

type fakeTransactions struct {
	mu       sync.Mutex
	rows     map[string]*domain.TransactionRecord
	existing []domain.ExistingTransaction
	listErr  error
	failOn   map[string]error // by external id
	nextID   int
	inserts  int
	updates  int
}

func newFakeTransactions() *fakeTransactions {
	return &fakeTransactions{rows: map[string]*domain.TransactionRecord{}, failOn: map[string]error{}}
}

func (f *fakeTransactions) ListByAccount(ctx context.Context, userID string, kind domain.StatementKind, accountID string) ([]domain.ExistingTransaction, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.existing, nil
}

func (f *fakeTransactions) FindByExternalID(ctx context.Context, userID string, kind domain.StatementKind, externalID string) (*domain.ExistingTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, r := range f.rows {
		if r.UserID == userID && r.Kind == kind && r.ExternalID == externalID {
			return &domain.ExistingTransaction{ID: id, ExternalID: externalID}, nil
		}
	}
	return nil, nil
}

func (f *fakeTransactions) InsertTransaction(ctx context.Context, rec *domain.TransactionRecord) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[rec.ExternalID]; err != nil {
		return "", err
	}
	f.nextID++
	id := fmt.Sprintf("tx-%d", f.nextID)
	cp := *rec
	f.rows[id] = &cp
	f.inserts++
	return id, nil
}

func (f *fakeTransactions) UpdateTransaction(ctx context.Context, id string, rec *domain.TransactionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[rec.ExternalID]; err != nil {
		return err
	}
	cp := *rec
	f.rows[id] = &cp
	f.updates++
	return nil
}

func (f *fakeTransactions) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

type fakeMappings struct {
	mu      sync.Mutex
	records map[string]*domain.MappingRecord
	nextID  int
	// conflictOnce makes the next insert fail as if a concurrent import had
	// just stored the same key.
	conflictOnce *domain.MappingRecord
	inserts      int
	updates      int
}

func newFakeMappings() *fakeMappings {
	return &fakeMappings{records: map[string]*domain.MappingRecord{}}
}

func mappingKey(userID string, kind domain.StatementKind, key string) string {
	return userID + "/" + string(kind) + "/" + key
}

func (f *fakeMappings) FindMapping(ctx context.Context, userID string, kind domain.StatementKind, key string) (*domain.MappingRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.records[mappingKey(userID, kind, key)]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeMappings) FindMappings(ctx context.Context, userID string, kind domain.StatementKind, keys []string) ([]domain.MappingRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.MappingRecord
	for _, k := range keys {
		if r, ok := f.records[mappingKey(userID, kind, k)]; ok {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeMappings) InsertMapping(ctx context.Context, m *domain.MappingRecord) (*domain.MappingRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := mappingKey(m.UserID, m.Kind, m.StandardizedKey)
	if f.conflictOnce != nil {
		winner := *f.conflictOnce
		f.conflictOnce = nil
		f.nextID++
		winner.ID = fmt.Sprintf("map-%d", f.nextID)
		f.records[k] = &winner
		return nil, &domain.ErrConflict{Message: "duplicate key value violates unique constraint"}
	}
	if _, ok := f.records[k]; ok {
		return nil, &domain.ErrConflict{Message: "duplicate key value violates unique constraint"}
	}
	f.nextID++
	cp := *m
	cp.ID = fmt.Sprintf("map-%d", f.nextID)
	f.records[k] = &cp
	f.inserts++
	return &cp, nil
}

func (f *fakeMappings) UpdateMapping(ctx context.Context, id string, m *domain.MappingRecord) (*domain.MappingRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, r := range f.records {
		if r.ID == id {
			cp := *m
			cp.ID = id
			f.records[k] = &cp
			f.updates++
			return &cp, nil
		}
	}
	return nil, &domain.ErrNotFound{Resource: "mapping", ID: id}
}

func (f *fakeMappings) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type sessionUpdate struct {
	status    domain.SessionStatus
	processed int
	errMsg    string
}

type fakeSessions struct {
	mu      sync.Mutex
	nextID  int
	updates map[string][]sessionUpdate
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{updates: map[string][]sessionUpdate{}}
}

func (f *fakeSessions) CreateSession(ctx context.Context, s *domain.ImportSession) (*domain.ImportSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	cp := *s
	cp.ID = fmt.Sprintf("session-%d", f.nextID)
	return &cp, nil
}

func (f *fakeSessions) UpdateSession(ctx context.Context, id string, status domain.SessionStatus, processed int, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates[id] = append(f.updates[id], sessionUpdate{status, processed, errMsg})
	return nil
}

func (f *fakeSessions) last(id string) sessionUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.updates[id]
	return u[len(u)-1]
}

type fakeJobs struct {
	mu        sync.Mutex
	jobs      map[string]*domain.BackgroundJob
	nextID    int
	createErr error
	history   []domain.JobUpdate
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: map[string]*domain.BackgroundJob{}}
}

func (f *fakeJobs) CreateJob(ctx context.Context, job *domain.BackgroundJob) (*domain.BackgroundJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	cp := *job
	cp.ID = fmt.Sprintf("job-%d", f.nextID)
	cp.Status = domain.JobPending
	cp.CreatedAt = time.Now()
	f.jobs[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (f *fakeJobs) GetJob(ctx context.Context, id string) (*domain.BackgroundJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "background_job", ID: id}
	}
	cp := *j
	return &cp, nil
}

func (f *fakeJobs) ClaimJob(ctx context.Context, id string) (*domain.BackgroundJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status != domain.JobPending {
		return nil, nil
	}
	j.Status = domain.JobProcessing
	cp := *j
	return &cp, nil
}

func (f *fakeJobs) UpdateJob(ctx context.Context, id string, u domain.JobUpdate) (*domain.BackgroundJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status.Terminal() {
		return nil, &domain.ErrConflict{Message: "job finished"}
	}
	if u.Status != "" {
		j.Status = u.Status
	}
	j.Progress = u.Progress
	if u.Result != nil {
		j.Result = u.Result
	}
	if u.ErrorMessage != "" {
		j.ErrorMessage = u.ErrorMessage
	}
	f.history = append(f.history, u)
	cp := *j
	return &cp, nil
}

func (f *fakeJobs) ListPendingJobs(ctx context.Context, limit int) ([]domain.BackgroundJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.BackgroundJob
	for _, j := range f.jobs {
		if j.Status == domain.JobPending && len(out) < limit {
			out = append(out, *j)
		}
	}
	return out, nil
}

type fakeNotifications struct {
	mu       sync.Mutex
	created  []domain.Notification
	deleted  int
	cutoffs  []time.Time
	markRead []string
}

func (f *fakeNotifications) CreateNotification(ctx context.Context, n *domain.Notification) (*domain.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, *n)
	return n, nil
}

func (f *fakeNotifications) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Notification
	for _, n := range f.created {
		if n.UserID == userID && (!unreadOnly || !n.IsRead) && len(out) < limit {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeNotifications) MarkNotificationRead(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markRead = append(f.markRead, id)
	return nil
}

func (f *fakeNotifications) DeleteReadNotificationsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.deleted, nil
}

func (f *fakeNotifications) titles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.created))
	for _, n := range f.created {
		out = append(out, n.Title)
	}
	return out
}

type fakeCatalogs struct {
	mu      sync.Mutex
	catalog *domain.Catalog
	calls   int
}

func (f *fakeCatalogs) GetCatalog(ctx context.Context, userID string) (*domain.Catalog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.catalog, nil
}

type fakeClassifier struct {
	mu          sync.Mutex
	suggestions []domain.Suggestion
	err         error
	requests    []*domain.ClassifyRequest
}

func (f *fakeClassifier) Classify(ctx context.Context, req *domain.ClassifyRequest) ([]domain.Suggestion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.suggestions, f.err
}

type fakePublisher struct {
	mu     sync.Mutex
	events []domain.JobEvent
}

func (f *fakePublisher) Publish(ev domain.JobEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakePublisher) progress() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Progress)
	}
	return out
}

// chanWatcher replays whatever the test pushes into ch.
type chanWatcher struct {
	ch  chan domain.JobEvent
	err error
}

func (w *chanWatcher) Watch(ctx context.Context, userID, jobID string) (<-chan domain.JobEvent, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.ch, nil
}

var errStoreDown = errors.New("store unreachable")

func testCatalog() *domain.Catalog {
	return &domain.Catalog{Categories: []domain.Category{
		{ID: "food", Name: "Food", Subcategories: []domain.Subcategory{
			{ID: "groceries", CategoryID: "food", Name: "Groceries"},
			{ID: "restaurants", CategoryID: "food", Name: "Restaurants"},
		}},
		{ID: "transport", Name: "Transport", Subcategories: []domain.Subcategory{
			{ID: "fuel", CategoryID: "transport", Name: "Fuel"},
		}},
	}}
}

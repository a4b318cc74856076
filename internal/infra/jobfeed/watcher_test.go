package jobfeed_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/boddenberg/statement-import-go/internal/domain"
	"github.com/boddenberg/statement-import-go/internal/infra/jobfeed"
	"github.com/boddenberg/statement-import-go/internal/port"
)

// jobStore is a minimal JobStore holding job records in memory.
type jobStore struct {
	mu   sync.Mutex
	jobs map[string]domain.BackgroundJob
}

var _ port.JobStore = (*jobStore)(nil)

func newJobStore(jobs ...domain.BackgroundJob) *jobStore {
	s := &jobStore{jobs: map[string]domain.BackgroundJob{}}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *jobStore) set(id string, status domain.JobStatus, progress int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	j.Status, j.Progress = status, progress
	s.jobs[id] = j
}

func (s *jobStore) GetJob(ctx context.Context, id string) (*domain.BackgroundJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "background_job", ID: id}
	}
	return &j, nil
}

func (s *jobStore) CreateJob(ctx context.Context, job *domain.BackgroundJob) (*domain.BackgroundJob, error) {
	return nil, errors.New("not implemented")
}

func (s *jobStore) ClaimJob(ctx context.Context, id string) (*domain.BackgroundJob, error) {
	return nil, errors.New("not implemented")
}

func (s *jobStore) UpdateJob(ctx context.Context, id string, u domain.JobUpdate) (*domain.BackgroundJob, error) {
	return nil, errors.New("not implemented")
}

func (s *jobStore) ListPendingJobs(ctx context.Context, limit int) ([]domain.BackgroundJob, error) {
	return nil, errors.New("not implemented")
}

func collect(t *testing.T, ch <-chan domain.JobEvent) []domain.JobEvent {
	t.Helper()
	var out []domain.JobEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("channel not closed, got %d events", len(out))
			return out
		}
	}
}

func TestPollWatcher_EmitsChangesUntilTerminal(t *testing.T) {
	store := newJobStore(domain.BackgroundJob{ID: "j", UserID: "u", Status: domain.JobPending})
	w := jobfeed.NewPollWatcher(store, 5*time.Millisecond, zap.NewNop())

	events, err := w.Watch(context.Background(), "u", "j")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first := <-events
	if first.Status != domain.JobPending {
		t.Errorf("expected initial pending event, got %s", first.Status)
	}

	store.set("j", domain.JobProcessing, 30)
	time.Sleep(30 * time.Millisecond)
	store.set("j", domain.JobCompleted, 100)

	rest := collect(t, events)
	if len(rest) == 0 {
		t.Fatal("expected events after the initial one")
	}
	last := rest[len(rest)-1]
	if last.Status != domain.JobCompleted || last.Progress != 100 {
		t.Errorf("expected completed at 100, got %s at %d", last.Status, last.Progress)
	}
	for i := 1; i < len(rest); i++ {
		if rest[i] == rest[i-1] {
			t.Errorf("duplicate event emitted: %+v", rest[i])
		}
	}
}

func TestPollWatcher_TerminalJobClosesImmediately(t *testing.T) {
	store := newJobStore(domain.BackgroundJob{ID: "j", UserID: "u", Status: domain.JobFailed, Progress: 30, ErrorMessage: "boom"})
	w := jobfeed.NewPollWatcher(store, time.Hour, zap.NewNop())

	events, err := w.Watch(context.Background(), "u", "j")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := collect(t, events)
	if len(got) != 1 || got[0].ErrorMessage != "boom" {
		t.Errorf("expected a single failed event, got %+v", got)
	}
}

func TestWatchers_RejectOtherUsers(t *testing.T) {
	store := newJobStore(domain.BackgroundJob{ID: "j", UserID: "owner", Status: domain.JobPending})
	hub := jobfeed.NewHub(zap.NewNop())

	watchers := map[string]port.JobWatcher{
		"poll": jobfeed.NewPollWatcher(store, time.Second, zap.NewNop()),
		"push": jobfeed.NewPushWatcher(hub, store),
	}
	for name, w := range watchers {
		t.Run(name, func(t *testing.T) {
			_, err := w.Watch(context.Background(), "intruder", "j")
			var forbidden *domain.ErrForbidden
			if !errors.As(err, &forbidden) {
				t.Errorf("expected ErrForbidden, got %v", err)
			}
			_, err = w.Watch(context.Background(), "owner", "missing")
			var nf *domain.ErrNotFound
			if !errors.As(err, &nf) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
	if hub.Subscribers("j") != 0 {
		t.Errorf("failed watch must not leave a subscription behind")
	}
}

func TestPushWatcher_RelaysHubEvents(t *testing.T) {
	store := newJobStore(domain.BackgroundJob{ID: "j", UserID: "u", Status: domain.JobProcessing, Progress: 30})
	hub := jobfeed.NewHub(zap.NewNop())
	w := jobfeed.NewPushWatcher(hub, store)

	events, err := w.Watch(context.Background(), "u", "j")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first := <-events; first.Progress != 30 {
		t.Errorf("expected snapshot at 30, got %d", first.Progress)
	}

	hub.Publish(domain.JobEvent{JobID: "j", UserID: "u", Status: domain.JobProcessing, Progress: 5})
	hub.Publish(domain.JobEvent{JobID: "j", UserID: "u", Status: domain.JobProcessing, Progress: 60})
	hub.Publish(domain.JobEvent{JobID: "j", UserID: "u", Status: domain.JobCompleted, Progress: 100})

	got := collect(t, events)
	if len(got) != 2 {
		t.Fatalf("expected 2 events after the snapshot, got %+v", got)
	}
	if got[0].Progress != 60 {
		t.Errorf("stale progress must be skipped, got %d", got[0].Progress)
	}
	if got[1].Status != domain.JobCompleted {
		t.Errorf("expected completed, got %s", got[1].Status)
	}

	deadline := time.Now().Add(time.Second)
	for hub.Subscribers("j") != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.Subscribers("j") != 0 {
		t.Errorf("subscription should close after a terminal event")
	}
}

func TestPushWatcher_StopsWithContext(t *testing.T) {
	store := newJobStore(domain.BackgroundJob{ID: "j", UserID: "u", Status: domain.JobPending})
	hub := jobfeed.NewHub(zap.NewNop())
	w := jobfeed.NewPushWatcher(hub, store)

	ctx, cancel := context.WithCancel(context.Background())
	events, err := w.Watch(ctx, "u", "j")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-events
	cancel()

	collect(t, events)
}

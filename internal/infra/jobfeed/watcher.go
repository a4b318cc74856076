package jobfeed

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/boddenberg/statement-import-go/internal/domain"
	"github.com/boddenberg/statement-import-go/internal/port"
)

// load reads the job and checks that userID owns it.
func load(ctx context.Context, jobs port.JobStore, userID, jobID string) (*domain.BackgroundJob, error) {
	job, err := jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, &domain.ErrForbidden{Action: "watch job " + jobID}
	}
	return job, nil
}

// ============================================================
// Poll backend
// ============================================================

// PollWatcher reads the job record on a fixed interval and emits an event
// whenever status or progress changes.
type PollWatcher struct {
	jobs     port.JobStore
	interval time.Duration
	logger   *zap.Logger
}

// NewPollWatcher creates a poll-based watcher.
func NewPollWatcher(jobs port.JobStore, interval time.Duration, logger *zap.Logger) *PollWatcher {
	return &PollWatcher{jobs: jobs, interval: interval, logger: logger}
}

// Watch emits the current state at once, then every change. The channel
// closes after a terminal event or when ctx is done.
func (w *PollWatcher) Watch(ctx context.Context, userID, jobID string) (<-chan domain.JobEvent, error) {
	job, err := load(ctx, w.jobs, userID, jobID)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.JobEvent, 1)
	go func() {
		defer close(out)

		last := domain.EventFromJob(job)
		if !send(ctx, out, last) || last.Status.Terminal() {
			return
		}

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			job, err := w.jobs.GetJob(ctx, jobID)
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Warn("job poll failed", zap.String("job_id", jobID), zap.Error(err))
				}
				continue
			}
			ev := domain.EventFromJob(job)
			if ev.Status == last.Status && ev.Progress == last.Progress {
				continue
			}
			last = ev
			if !send(ctx, out, ev) || ev.Status.Terminal() {
				return
			}
		}
	}()
	return out, nil
}

// ============================================================
// Push backend
// ============================================================

// PushWatcher relays events from the hub. The job record is read once so
// a watcher that subscribes late still sees the current state.
type PushWatcher struct {
	hub  *Hub
	jobs port.JobStore
}

// NewPushWatcher creates a hub-backed watcher.
func NewPushWatcher(hub *Hub, jobs port.JobStore) *PushWatcher {
	return &PushWatcher{hub: hub, jobs: jobs}
}

// Watch emits the current state, then every published change. The channel
// closes after a terminal event or when ctx is done.
func (w *PushWatcher) Watch(ctx context.Context, userID, jobID string) (<-chan domain.JobEvent, error) {
	// Subscribe before reading so no write between the two is missed.
	sub := w.hub.Subscribe(userID, jobID)
	job, err := load(ctx, w.jobs, userID, jobID)
	if err != nil {
		sub.Close()
		return nil, err
	}

	out := make(chan domain.JobEvent, 1)
	go func() {
		defer close(out)
		defer sub.Close()

		last := domain.EventFromJob(job)
		if !send(ctx, out, last) || last.Status.Terminal() {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				if ev.Progress < last.Progress && !ev.Status.Terminal() {
					// stale, published before the snapshot was read
					continue
				}
				last = ev
				if !send(ctx, out, ev) || ev.Status.Terminal() {
					return
				}
			}
		}
	}()
	return out, nil
}

func send(ctx context.Context, out chan<- domain.JobEvent, ev domain.JobEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

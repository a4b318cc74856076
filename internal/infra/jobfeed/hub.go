// Package jobfeed is the in-process change feed for background job records.
// The runner publishes every job write; push watchers and SSE clients
// subscribe per job.
package jobfeed

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/boddenberg/statement-import-go/internal/domain"
)

const (
	subscriberBuffer = 16
	terminalWait     = 100 * time.Millisecond
)

// Subscription receives events for one job of one user.
type Subscription struct {
	events chan domain.JobEvent
	userID string
	jobID  string
	hub    *Hub
	once   sync.Once
}

// Events is closed when the subscription is closed.
func (s *Subscription) Events() <-chan domain.JobEvent {
	return s.events
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}

// Hub fans job events out to subscribers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	logger *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		logger: logger,
	}
}

// Subscribe registers interest in jobID. Only events carrying userID are
// delivered.
func (h *Hub) Subscribe(userID, jobID string) *Subscription {
	s := &Subscription{
		events: make(chan domain.JobEvent, subscriberBuffer),
		userID: userID,
		jobID:  jobID,
		hub:    h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[*Subscription]struct{})
	}
	h.subs[jobID][s] = struct{}{}
	return s
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[s.jobID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.jobID)
		}
	}
	close(s.events)
}

// Subscribers returns how many subscriptions are open for jobID.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}

// Publish delivers ev to every matching subscriber. Progress events are
// dropped for slow subscribers; terminal events wait briefly.
func (h *Hub) Publish(ev domain.JobEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for s := range h.subs[ev.JobID] {
		if s.userID != ev.UserID {
			continue
		}

		if ev.Status.Terminal() {
			select {
			case s.events <- ev:
			case <-time.After(terminalWait):
				h.logger.Error("jobfeed: failed to deliver terminal event",
					zap.String("job_id", ev.JobID),
					zap.String("status", string(ev.Status)),
				)
			}
			continue
		}

		select {
		case s.events <- ev:
		default:
			h.logger.Warn("jobfeed: subscriber full, dropping progress event",
				zap.String("job_id", ev.JobID),
				zap.Int("progress", ev.Progress),
			)
		}
	}
}

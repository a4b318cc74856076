package service

import (
	"context"
	"time"

	"github.com/boddenberg/statement-import-go/internal/domain"
	"github.com/boddenberg/statement-import-go/internal/port"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	defaultNotificationLimit = 50
	maxNotificationLimit     = 200
)

// Notifier stores user notifications and serves them back.
type Notifier struct {
	store  port.NotificationStore
	logger *zap.Logger
}

// NewNotifier creates the notifier.
func NewNotifier(store port.NotificationStore, logger *zap.Logger) *Notifier {
	return &Notifier{store: store, logger: logger}
}

// Notify stores n. Title and user are required.
func (n *Notifier) Notify(ctx context.Context, note *domain.Notification) error {
	ctx, span := tracer.Start(ctx, "Notifier.Notify")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", note.UserID), attribute.String("severity", string(note.Severity)))

	if note.UserID == "" {
		return &domain.ErrValidation{Field: "user_id", Message: "must not be empty"}
	}
	if note.Title == "" {
		return &domain.ErrValidation{Field: "title", Message: "must not be empty"}
	}
	if note.Severity == "" {
		note.Severity = domain.SeverityInfo
	}

	if _, err := n.store.CreateNotification(ctx, note); err != nil {
		return err
	}
	n.logger.Debug("notification created",
		zap.String("customer_id", note.UserID),
		zap.String("title", note.Title),
		zap.String("job_id", note.RelatedJobID),
	)
	return nil
}

// List returns the user's newest notifications. limit is clamped to
// [1, 200] and defaults to 50.
func (n *Notifier) List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	ctx, span := tracer.Start(ctx, "Notifier.List")
	defer span.End()

	switch {
	case limit <= 0:
		limit = defaultNotificationLimit
	case limit > maxNotificationLimit:
		limit = maxNotificationLimit
	}
	out, err := n.store.ListNotifications(ctx, userID, unreadOnly, limit)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []domain.Notification{}
	}
	return out, nil
}

// MarkRead flags a notification as read, making it eligible for sweeping.
func (n *Notifier) MarkRead(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "Notifier.MarkRead")
	defer span.End()

	if id == "" {
		return &domain.ErrValidation{Field: "id", Message: "must not be empty"}
	}
	return n.store.MarkNotificationRead(ctx, id)
}

// ============================================================
// Sweeper
// ============================================================

// Sweeper deletes read notifications older than maxAge on a fixed interval.
// Unread notifications are never touched.
type Sweeper struct {
	store    port.NotificationStore
	interval time.Duration
	maxAge   time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// NewSweeper creates the sweeper.
func NewSweeper(store port.NotificationStore, interval, maxAge time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		interval: interval,
		maxAge:   maxAge,
		now:      time.Now,
		logger:   logger,
	}
}

// SweepOnce runs one cleanup and returns how many notifications were removed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "Sweeper.SweepOnce")
	defer span.End()

	cutoff := s.now().Add(-s.maxAge)
	n, err := s.store.DeleteReadNotificationsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int("deleted", n))
	if n > 0 {
		s.logger.Info("swept read notifications", zap.Int("deleted", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("notification sweep failed", zap.Error(err))
			}
		}
	}
}

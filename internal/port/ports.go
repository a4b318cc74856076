// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the domain/service
// layer from concrete implementations.
package port

import (
	"context"
	"time"

	"github.com/boddenberg/statement-import-go/internal/domain"
)

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
}

// TransactionStore reads and writes statement rows. The target table is
// chosen by statement kind.
type TransactionStore interface {
	// ListByAccount loads every stored row for (user, account) in one query.
	ListByAccount(ctx context.Context, userID string, kind domain.StatementKind, accountID string) ([]domain.ExistingTransaction, error)
	// FindByExternalID returns nil, nil when no row matches.
	FindByExternalID(ctx context.Context, userID string, kind domain.StatementKind, externalID string) (*domain.ExistingTransaction, error)
	InsertTransaction(ctx context.Context, rec *domain.TransactionRecord) (string, error)
	UpdateTransaction(ctx context.Context, id string, rec *domain.TransactionRecord) error
}

// MappingStore persists category decisions per standardized key.
type MappingStore interface {
	// FindMapping returns nil, nil when no record exists.
	FindMapping(ctx context.Context, userID string, kind domain.StatementKind, key string) (*domain.MappingRecord, error)
	FindMappings(ctx context.Context, userID string, kind domain.StatementKind, keys []string) ([]domain.MappingRecord, error)
	// InsertMapping returns *domain.ErrConflict on a uniqueness violation.
	InsertMapping(ctx context.Context, m *domain.MappingRecord) (*domain.MappingRecord, error)
	UpdateMapping(ctx context.Context, id string, m *domain.MappingRecord) (*domain.MappingRecord, error)
}

// SessionStore persists import sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, s *domain.ImportSession) (*domain.ImportSession, error)
	UpdateSession(ctx context.Context, id string, status domain.SessionStatus, processed int, errMsg string) error
}

// JobStore persists background jobs.
type JobStore interface {
	CreateJob(ctx context.Context, job *domain.BackgroundJob) (*domain.BackgroundJob, error)
	GetJob(ctx context.Context, id string) (*domain.BackgroundJob, error)
	// ClaimJob moves a pending job to processing. It returns nil, nil when the
	// job is no longer pending.
	ClaimJob(ctx context.Context, id string) (*domain.BackgroundJob, error)
	UpdateJob(ctx context.Context, id string, u domain.JobUpdate) (*domain.BackgroundJob, error)
	ListPendingJobs(ctx context.Context, limit int) ([]domain.BackgroundJob, error)
}

// NotificationStore persists user notifications.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *domain.Notification) (*domain.Notification, error)
	ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]domain.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
	// DeleteReadNotificationsBefore removes read notifications created before cutoff.
	DeleteReadNotificationsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// CatalogStore loads the user's category tree.
type CatalogStore interface {
	GetCatalog(ctx context.Context, userID string) (*domain.Catalog, error)
}

// Classifier suggests categories for a batch of rows.
type Classifier interface {
	Classify(ctx context.Context, req *domain.ClassifyRequest) ([]domain.Suggestion, error)
}

// NotificationSink delivers user-facing notifications.
type NotificationSink interface {
	Notify(ctx context.Context, n *domain.Notification) error
}

// JobPublisher receives every job write so push watchers can see it.
type JobPublisher interface {
	Publish(ev domain.JobEvent)
}

// JobWatcher streams job updates. The channel is closed after a terminal
// event or when ctx is done.
type JobWatcher interface {
	Watch(ctx context.Context, userID, jobID string) (<-chan domain.JobEvent, error)
}

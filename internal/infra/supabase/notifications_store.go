package supabase

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/boddenberg/statement-import-go/internal/domain"

	"go.opentelemetry.io/otel/attribute"
)

// ============================================================
// Notifications store
// ============================================================

const notificationsTable = "notifications"

func (c *Client) CreateNotification(ctx context.Context, n *domain.Notification) (*domain.Notification, error) {
	ctx, span := tracer.Start(ctx, "Supabase.CreateNotification")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", n.UserID), attribute.String("severity", string(n.Severity)))

	row := map[string]any{
		"user_id":        n.UserID,
		"title":          n.Title,
		"message":        n.Message,
		"severity":       string(n.Severity),
		"related_job_id": nullable(n.RelatedJobID),
		"data":           n.Data,
		"is_read":        false,
	}

	var created *domain.Notification
	err := c.call(ctx, "notifications", func() error {
		body, err := c.doPost(ctx, notificationsTable, row)
		if err != nil {
			return err
		}
		rows, err := decode[domain.Notification](body, notificationsTable)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return notFound("notification", "(insert)")
		}
		created = &rows[0]
		return nil
	})
	return created, err
}

func (c *Client) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	ctx, span := tracer.Start(ctx, "Supabase.ListNotifications")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	filters := []string{eq("user_id", userID)}
	if unreadOnly {
		filters = append(filters, "is_read=eq.false")
	}
	filters = append(filters, "order=created_at.desc", fmt.Sprintf("limit=%d", limit))

	var out []domain.Notification
	err := c.call(ctx, "notifications", func() error {
		body, err := c.doRequest(ctx, http.MethodGet, query(notificationsTable, filters...))
		if err != nil {
			return err
		}
		out, err = decode[domain.Notification](body, notificationsTable)
		return err
	})
	if out == nil && err == nil {
		out = []domain.Notification{}
	}
	return out, err
}

func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "Supabase.MarkNotificationRead")
	defer span.End()

	return c.call(ctx, "notifications", func() error {
		body, err := c.doPatch(ctx, query(notificationsTable, eq("id", id)), map[string]any{
			"is_read": true,
			"read_at": timestamp(time.Now()),
		})
		if err != nil {
			return err
		}
		rows, err := decode[domain.Notification](body, notificationsTable)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return notFound("notification", id)
		}
		return nil
	})
}

// DeleteReadNotificationsBefore removes read notifications created before
// cutoff. Unread ones are never touched.
func (c *Client) DeleteReadNotificationsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, span := tracer.Start(ctx, "Supabase.DeleteReadNotificationsBefore")
	defer span.End()

	var deleted int
	err := c.call(ctx, "notifications", func() error {
		path := query(notificationsTable, "is_read=eq.true", "created_at=lt."+timestamp(cutoff), "select=id")
		body, err := c.doDelete(ctx, path)
		if err != nil {
			return err
		}
		rows, err := decode[struct {
			ID string `json:"id"`
		}](body, notificationsTable)
		if err != nil {
			return err
		}
		deleted = len(rows)
		return nil
	})
	span.SetAttributes(attribute.Int("deleted", deleted))
	return deleted, err
}

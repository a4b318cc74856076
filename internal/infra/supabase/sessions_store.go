package supabase

import (
	"context"
	"time"

	"github.com/boddenberg/statement-import-go/internal/domain"

	"go.opentelemetry.io/otel/attribute"
)

// ============================================================
// Import sessions store
// ============================================================

const sessionsTable = "import_sessions"

func (c *Client) CreateSession(ctx context.Context, s *domain.ImportSession) (*domain.ImportSession, error) {
	ctx, span := tracer.Start(ctx, "Supabase.CreateSession")
	defer span.End()
	span.SetAttributes(
		attribute.String("user.id", s.UserID),
		attribute.Int("records", s.TotalRecords),
	)

	row := map[string]any{
		"user_id":           s.UserID,
		"filename":          s.Filename,
		"total_records":     s.TotalRecords,
		"processed_records": s.ProcessedRecords,
		"status":            string(s.Status),
	}

	var created *domain.ImportSession
	err := c.call(ctx, "sessions", func() error {
		body, err := c.doPost(ctx, sessionsTable, row)
		if err != nil {
			return err
		}
		rows, err := decode[domain.ImportSession](body, sessionsTable)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return notFound("import_session", "(insert)")
		}
		created = &rows[0]
		return nil
	})
	return created, err
}

func (c *Client) UpdateSession(ctx context.Context, id string, status domain.SessionStatus, processed int, errMsg string) error {
	ctx, span := tracer.Start(ctx, "Supabase.UpdateSession")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", id), attribute.String("status", string(status)))

	return c.call(ctx, "sessions", func() error {
		_, err := c.doPatch(ctx, query(sessionsTable, eq("id", id)), map[string]any{
			"status":            string(status),
			"processed_records": processed,
			"error_message":     nullable(errMsg),
			"updated_at":        timestamp(time.Now()),
		})
		return err
	})
}

package supabase

import (
	"context"
	"net/http"
	"time"

	"github.com/boddenberg/statement-import-go/internal/domain"

	"go.opentelemetry.io/otel/attribute"
)

// ============================================================
// Transaction mappings store
// ============================================================

const mappingsTable = "transaction_mappings"

// maxKeysPerQuery keeps in.(...) filters well under URL length limits.
const maxKeysPerQuery = 100

func mappingColumns(m *domain.MappingRecord) map[string]any {
	return map[string]any{
		"standardized_key": m.StandardizedKey,
		"user_id":          m.UserID,
		"statement_kind":   string(m.Kind),
		"category_id":      m.CategoryID,
		"subcategory_id":   m.SubcategoryID,
		"confidence":       m.Confidence,
		"provenance":       string(m.Provenance),
		"updated_at":       timestamp(time.Now()),
	}
}

// FindMapping returns nil, nil when no record exists for (key, user, kind).
func (c *Client) FindMapping(ctx context.Context, userID string, kind domain.StatementKind, key string) (*domain.MappingRecord, error) {
	ctx, span := tracer.Start(ctx, "Supabase.FindMapping")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	var found *domain.MappingRecord
	err := c.call(ctx, "mappings", func() error {
		path := query(mappingsTable,
			eq("user_id", userID),
			eq("statement_kind", string(kind)),
			eq("standardized_key", key),
			"limit=1",
		)
		body, err := c.doRequest(ctx, http.MethodGet, path)
		if err != nil {
			return err
		}
		rows, err := decode[domain.MappingRecord](body, mappingsTable)
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			found = &rows[0]
		}
		return nil
	})
	return found, err
}

// FindMappings loads the records for many keys at once.
func (c *Client) FindMappings(ctx context.Context, userID string, kind domain.StatementKind, keys []string) ([]domain.MappingRecord, error) {
	ctx, span := tracer.Start(ctx, "Supabase.FindMappings")
	defer span.End()
	span.SetAttributes(
		attribute.String("user.id", userID),
		attribute.Int("keys", len(keys)),
	)

	var out []domain.MappingRecord
	for _, batch := range chunk(keys, maxKeysPerQuery) {
		err := c.call(ctx, "mappings", func() error {
			path := query(mappingsTable,
				eq("user_id", userID),
				eq("statement_kind", string(kind)),
				inList("standardized_key", batch),
			)
			body, err := c.doRequest(ctx, http.MethodGet, path)
			if err != nil {
				return err
			}
			rows, err := decode[domain.MappingRecord](body, mappingsTable)
			if err != nil {
				return err
			}
			out = append(out, rows...)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// InsertMapping returns *domain.ErrConflict when (key, user, kind) exists.
func (c *Client) InsertMapping(ctx context.Context, m *domain.MappingRecord) (*domain.MappingRecord, error) {
	ctx, span := tracer.Start(ctx, "Supabase.InsertMapping")
	defer span.End()

	var created *domain.MappingRecord
	err := c.call(ctx, "mappings", func() error {
		body, err := c.doPost(ctx, mappingsTable, mappingColumns(m))
		if err != nil {
			return err
		}
		rows, err := decode[domain.MappingRecord](body, mappingsTable)
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			created = &rows[0]
		}
		return nil
	})
	return created, err
}

func (c *Client) UpdateMapping(ctx context.Context, id string, m *domain.MappingRecord) (*domain.MappingRecord, error) {
	ctx, span := tracer.Start(ctx, "Supabase.UpdateMapping")
	defer span.End()

	var updated *domain.MappingRecord
	err := c.call(ctx, "mappings", func() error {
		body, err := c.doPatch(ctx, query(mappingsTable, eq("id", id)), mappingColumns(m))
		if err != nil {
			return err
		}
		rows, err := decode[domain.MappingRecord](body, mappingsTable)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return notFound("mapping", id)
		}
		updated = &rows[0]
		return nil
	})
	return updated, err
}

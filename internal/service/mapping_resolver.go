package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/boddenberg/statement-import-go/internal/domain"
	"github.com/boddenberg/statement-import-go/internal/identifier"
	"github.com/boddenberg/statement-import-go/internal/infra/observability"
	"github.com/boddenberg/statement-import-go/internal/port"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// MappingResolver remembers category decisions per standardized key.
// It holds no state of its own; every call goes to the store.
type MappingResolver struct {
	store   port.MappingStore
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewMappingResolver creates the resolver.
func NewMappingResolver(store port.MappingStore, metrics *observability.Metrics, logger *zap.Logger) *MappingResolver {
	return &MappingResolver{store: store, metrics: metrics, logger: logger}
}

// MappingResult partitions a batch by mapping outcome. All slices point
// into the caller's rows.
type MappingResult struct {
	Mapped      []*domain.ParsedRow
	Unmapped    []*domain.ParsedRow
	Passthrough []*domain.ParsedRow
}

// Find returns the record for (key, user, kind), or nil when there is none.
func (r *MappingResolver) Find(ctx context.Context, key, userID string, kind domain.StatementKind) (*domain.MappingRecord, error) {
	ctx, span := tracer.Start(ctx, "MappingResolver.Find")
	defer span.End()

	return r.store.FindMapping(ctx, userID, kind, key)
}

// Upsert stores a decision for (key, user, kind). An existing record is
// updated in place; an insert that loses a race to a concurrent import is
// retried as an update.
func (r *MappingResolver) Upsert(ctx context.Context, m *domain.MappingRecord) (*domain.MappingRecord, error) {
	ctx, span := tracer.Start(ctx, "MappingResolver.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", m.UserID), attribute.String("statement.kind", string(m.Kind)))

	if m.StandardizedKey == "" {
		return nil, &domain.ErrValidation{Field: "standardized_key", Message: "must not be empty"}
	}
	m.Confidence = clampConfidence(m.Confidence)

	existing, err := r.store.FindMapping(ctx, m.UserID, m.Kind, m.StandardizedKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return r.store.UpdateMapping(ctx, existing.ID, m)
	}

	created, err := r.store.InsertMapping(ctx, m)
	var conflict *domain.ErrConflict
	if !errors.As(err, &conflict) {
		return created, err
	}

	r.logger.Debug("mapping insert conflicted, retrying as update",
		zap.String("user_id", m.UserID),
		zap.String("key", m.StandardizedKey),
	)
	existing, err = r.store.FindMapping(ctx, m.UserID, m.Kind, m.StandardizedKey)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("mapping %q conflicted but could not be found", m.StandardizedKey)
	}
	return r.store.UpdateMapping(ctx, existing.ID, m)
}

// ApplyMappings standardizes every row and attaches remembered decisions.
// Reversed and unified-PIX rows need no category and pass through untouched.
func (r *MappingResolver) ApplyMappings(ctx context.Context, userID string, kind domain.StatementKind, rows []*domain.ParsedRow) (*MappingResult, error) {
	ctx, span := tracer.Start(ctx, "MappingResolver.ApplyMappings")
	defer span.End()

	result := &MappingResult{}
	var candidates []*domain.ParsedRow
	seen := make(map[string]bool)
	var keys []string

	for _, row := range rows {
		if row.Status == domain.StatusReversed || row.Status == domain.StatusUnifiedPix {
			result.Passthrough = append(result.Passthrough, row)
			continue
		}
		row.StandardizedKey = identifier.Standardize(row.EffectiveDescription())
		candidates = append(candidates, row)
		if row.StandardizedKey != "" && !seen[row.StandardizedKey] {
			seen[row.StandardizedKey] = true
			keys = append(keys, row.StandardizedKey)
		}
	}

	byKey := make(map[string]domain.MappingRecord)
	if len(keys) > 0 {
		records, err := r.store.FindMappings(ctx, userID, kind, keys)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			byKey[rec.StandardizedKey] = rec
		}
	}

	for _, row := range candidates {
		rec, ok := byKey[row.StandardizedKey]
		if !ok || row.StandardizedKey == "" {
			result.Unmapped = append(result.Unmapped, row)
			continue
		}
		row.CategoryID = rec.CategoryID
		row.SubcategoryID = rec.SubcategoryID
		row.Confidence = rec.Confidence
		row.Provenance = rec.Provenance
		row.FromMapping = true
		row.NeedsReview = false
		result.Mapped = append(result.Mapped, row)
	}

	r.metrics.RecordMappingLookups(len(result.Mapped), len(result.Unmapped))
	span.SetAttributes(
		attribute.Int("mapped", len(result.Mapped)),
		attribute.Int("unmapped", len(result.Unmapped)),
		attribute.Int("passthrough", len(result.Passthrough)),
	)
	return result, nil
}

func clampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

package service

import (
	"context"
	"time"

	"github.com/boddenberg/statement-import-go/internal/domain"
	"github.com/boddenberg/statement-import-go/internal/infra/observability"
	"github.com/boddenberg/statement-import-go/internal/port"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Categorizer attaches categories to rows: remembered mappings first, then
// one classifier batch for the rest.
type Categorizer struct {
	resolver   *MappingResolver
	classifier port.Classifier
	catalogs   port.CatalogStore
	cache      port.Cache[*domain.Catalog]
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// NewCategorizer creates the categorizer. classifier may be nil, in which
// case unmapped rows are left for review.
func NewCategorizer(
	resolver *MappingResolver,
	classifier port.Classifier,
	catalogs port.CatalogStore,
	cache port.Cache[*domain.Catalog],
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Categorizer {
	return &Categorizer{
		resolver:   resolver,
		classifier: classifier,
		catalogs:   catalogs,
		cache:      cache,
		metrics:    metrics,
		logger:     logger,
	}
}

// CategorizeReport summarizes one categorization pass.
type CategorizeReport struct {
	Mapped          int    `json:"mapped"`
	Suggested       int    `json:"suggested"`
	Unresolved      int    `json:"unresolved"`
	ClassifierError string `json:"classifier_error,omitempty"`
}

// Catalog returns the user's category tree, cached per user.
func (c *Categorizer) Catalog(ctx context.Context, userID string) (*domain.Catalog, error) {
	if cat, ok := c.cache.Get(userID); ok {
		c.metrics.IncrCacheHit("catalog")
		return cat, nil
	}
	c.metrics.IncrCacheMiss("catalog")

	cat, err := c.catalogs.GetCatalog(ctx, userID)
	if err != nil {
		c.metrics.IncrExternalError("catalog")
		return nil, err
	}
	c.cache.Set(userID, cat)
	return cat, nil
}

// Categorize resolves rows in place. With strict set, a classifier failure
// is returned as an error; otherwise it degrades to no suggestions and the
// affected rows are flagged for review. Mapping-store failures are always
// returned.
func (c *Categorizer) Categorize(ctx context.Context, userID string, kind domain.StatementKind, rows []*domain.ParsedRow, strict bool) (*CategorizeReport, error) {
	ctx, span := tracer.Start(ctx, "Categorizer.Categorize")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID), attribute.Int("rows", len(rows)))

	start := time.Now()
	defer func() { c.metrics.RecordStage("categorization", time.Since(start)) }()

	mapped, err := c.resolver.ApplyMappings(ctx, userID, kind, rows)
	if err != nil {
		c.metrics.IncrExternalError("mappings")
		return nil, err
	}
	report := &CategorizeReport{Mapped: len(mapped.Mapped)}

	pending := make([]*domain.ParsedRow, 0, len(mapped.Unmapped))
	for _, row := range mapped.Unmapped {
		if row.Provenance == domain.ProvenanceUser && row.HasCategory() {
			// already decided at review
			continue
		}
		row.ClearCategory()
		pending = append(pending, row)
	}
	if len(pending) == 0 {
		return report, nil
	}

	suggested, err := c.classify(ctx, userID, kind, pending)
	if err != nil {
		if strict {
			return nil, err
		}
		report.ClassifierError = err.Error()
		c.logger.Warn("classifier failed, continuing without suggestions",
			zap.String("customer_id", userID),
			zap.Int("rows", len(pending)),
			zap.Error(err),
		)
	}
	report.Suggested = suggested

	for _, row := range pending {
		row.NeedsReview = !row.HasCategory()
		if row.NeedsReview {
			report.Unresolved++
		}
	}

	span.SetAttributes(
		attribute.Int("mapped", report.Mapped),
		attribute.Int("suggested", report.Suggested),
		attribute.Int("unresolved", report.Unresolved),
	)
	return report, nil
}

// classify sends one batch and merges valid suggestions back by row id.
// It returns how many rows received a category.
func (c *Categorizer) classify(ctx context.Context, userID string, kind domain.StatementKind, rows []*domain.ParsedRow) (int, error) {
	if c.classifier == nil {
		return 0, nil
	}

	catalog, err := c.Catalog(ctx, userID)
	if err != nil {
		return 0, err
	}

	req := &domain.ClassifyRequest{
		UserID:  userID,
		Kind:    kind,
		Items:   make([]domain.ClassifyItem, 0, len(rows)),
		Catalog: catalog,
	}
	byID := make(map[string]*domain.ParsedRow, len(rows))
	for _, row := range rows {
		byID[row.RowID] = row
		req.Items = append(req.Items, domain.ClassifyItem{
			RowID:       row.RowID,
			Description: row.EffectiveDescription(),
			Amount:      row.Amount,
			Direction:   row.Direction,
		})
	}

	suggestions, err := c.classifier.Classify(ctx, req)
	if err != nil {
		c.metrics.IncrClassifierCall("error")
		c.metrics.IncrExternalError("classifier")
		return 0, err
	}
	c.metrics.IncrClassifierCall("success")

	applied := 0
	for _, s := range suggestions {
		row, ok := byID[s.RowID]
		if !ok || row.HasCategory() {
			continue
		}
		if applySuggestion(catalog, row, s) {
			applied++
		}
	}

	if len(suggestions) < len(rows) {
		c.logger.Info("classifier returned fewer suggestions than rows",
			zap.String("customer_id", userID),
			zap.Int("rows", len(rows)),
			zap.Int("suggestions", len(suggestions)),
		)
	}
	return applied, nil
}

// applySuggestion revalidates s against the catalog before copying it onto
// row. An unknown category drops the suggestion; a subcategory outside the
// category keeps the category and leaves the subcategory empty.
func applySuggestion(catalog *domain.Catalog, row *domain.ParsedRow, s domain.Suggestion) bool {
	if s.CategoryID == "" {
		return false
	}
	catOK, subOK := catalog.Lookup(s.CategoryID, s.SubcategoryID)
	if !catOK {
		return false
	}

	row.CategoryID = s.CategoryID
	row.SubcategoryID = ""
	if subOK {
		row.SubcategoryID = s.SubcategoryID
	}
	row.Confidence = clampConfidence(s.Confidence)
	row.Provenance = domain.ProvenanceAI
	row.Reasoning = s.Reasoning
	row.FromMapping = false
	return row.HasCategory()
}

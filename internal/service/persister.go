package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/boddenberg/statement-import-go/internal/domain"
	"github.com/boddenberg/statement-import-go/internal/infra/observability"
	"github.com/boddenberg/statement-import-go/internal/port"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// PersistRequest is one batch of reviewed rows to write.
type PersistRequest struct {
	UserID    string
	Filename  string
	Kind      domain.StatementKind
	AccountID string
	Rows      []domain.ParsedRow
}

// ProgressFunc is called after every row with the number of rows handled so far.
type ProgressFunc func(done, total int)

// Persister writes rows one at a time, tracking the run in an import session.
// The foreground flow and the background runner share it.
type Persister struct {
	transactions port.TransactionStore
	sessions     port.SessionStore
	resolver     *MappingResolver
	policy       *ReviewPolicy
	metrics      *observability.Metrics
	logger       *zap.Logger
}

// NewPersister creates the persister.
func NewPersister(
	transactions port.TransactionStore,
	sessions port.SessionStore,
	resolver *MappingResolver,
	policy *ReviewPolicy,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Persister {
	return &Persister{
		transactions: transactions,
		sessions:     sessions,
		resolver:     resolver,
		policy:       policy,
		metrics:      metrics,
		logger:       logger,
	}
}

// Persist writes every selected row. Row failures are collected into the
// summary and never stop the loop. A store outage does: the session fails
// and the *domain.ErrExternalService is returned. A returned error means the
// run itself could not proceed (session not created, store down, or ctx
// done mid-loop); the summary is still returned with whatever was written.
func (p *Persister) Persist(ctx context.Context, req *PersistRequest, progress ProgressFunc) (*domain.ImportSummary, error) {
	ctx, span := tracer.Start(ctx, "Persister.Persist")
	defer span.End()
	span.SetAttributes(
		attribute.String("user.id", req.UserID),
		attribute.String("statement.kind", string(req.Kind)),
		attribute.Int("rows", len(req.Rows)),
	)

	start := time.Now()
	defer func() { p.metrics.RecordStage("persistence", time.Since(start)) }()

	session, err := p.sessions.CreateSession(ctx, &domain.ImportSession{
		UserID:       req.UserID,
		Filename:     req.Filename,
		TotalRecords: len(req.Rows),
		Status:       domain.SessionPending,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create session")
		return nil, err
	}

	summary := &domain.ImportSummary{SessionID: session.ID, Errors: []string{}}
	p.updateSession(ctx, session.ID, domain.SessionProcessing, 0, "")

	total := len(req.Rows)
	attempted := 0
	for i := range req.Rows {
		row := &req.Rows[i]

		if err := ctx.Err(); err != nil {
			msg := fmt.Sprintf("import interrupted after %d of %d rows: %v", i, total, err)
			summary.Errors = append(summary.Errors, msg)
			p.updateSession(context.WithoutCancel(ctx), session.ID, domain.SessionFailed, i, msg)
			p.metrics.RecordSummary(summary)
			span.SetStatus(codes.Error, "interrupted")
			return summary, err
		}

		issue := p.policy.Issue(req.Kind, row)
		switch {
		case !row.Selected:
			summary.Skipped++
		case issue != nil:
			attempted++
			summary.Errors = append(summary.Errors, (&domain.ErrRowPersistence{
				RowID:       row.RowID,
				ExternalID:  row.ExternalID,
				Description: row.EffectiveDescription(),
				Err:         fmt.Errorf("missing %s", issue.Missing),
			}).Error())
		default:
			attempted++
			if err := p.writeRow(ctx, req, row); err != nil {
				summary.Errors = append(summary.Errors, err.Error())
				var ext *domain.ErrExternalService
				if errors.As(err, &ext) {
					msg := fmt.Sprintf("import aborted after %d of %d rows: %v", i, total, ext)
					p.updateSession(ctx, session.ID, domain.SessionFailed, i, msg)
					p.metrics.RecordSummary(summary)
					p.logger.Error("store unavailable, import aborted",
						zap.String("customer_id", req.UserID),
						zap.String("session_id", session.ID),
						zap.Int("imported", summary.Imported),
						zap.Error(ext),
					)
					span.RecordError(ext)
					span.SetStatus(codes.Error, "store unavailable")
					return summary, ext
				}
				p.logger.Warn("row persistence failed",
					zap.String("customer_id", req.UserID),
					zap.String("session_id", session.ID),
					zap.String("external_id", row.ExternalID),
					zap.Error(err),
				)
				break
			}
			summary.Imported++
			p.learn(ctx, req, row)
		}

		p.updateSession(ctx, session.ID, domain.SessionProcessing, i+1, "")
		if progress != nil {
			progress(i+1, total)
		}
	}

	status, msg := domain.SessionCompleted, ""
	if attempted > 0 && summary.Imported == 0 {
		status = domain.SessionFailed
		msg = fmt.Sprintf("all %d rows failed: %s", attempted, summary.Errors[0])
	}
	p.updateSession(ctx, session.ID, status, total, msg)

	p.metrics.RecordSummary(summary)
	span.SetAttributes(
		attribute.Int("imported", summary.Imported),
		attribute.Int("skipped", summary.Skipped),
		attribute.Int("errors", len(summary.Errors)),
	)

	p.logger.Info("import persisted",
		zap.String("customer_id", req.UserID),
		zap.String("session_id", session.ID),
		zap.Int("imported", summary.Imported),
		zap.Int("skipped", summary.Skipped),
		zap.Int("errors", len(summary.Errors)),
	)
	return summary, nil
}

// writeRow updates the stored row with the same external id, or inserts.
func (p *Persister) writeRow(ctx context.Context, req *PersistRequest, row *domain.ParsedRow) error {
	rec := domain.RecordFromRow(req.UserID, req.Kind, req.AccountID, row)
	fail := func(err error) error {
		return &domain.ErrRowPersistence{
			RowID:       row.RowID,
			ExternalID:  row.ExternalID,
			Description: row.EffectiveDescription(),
			Err:         err,
		}
	}

	if row.ExternalID != "" {
		existing, err := p.transactions.FindByExternalID(ctx, req.UserID, req.Kind, row.ExternalID)
		if err != nil {
			return fail(err)
		}
		if existing != nil {
			if err := p.transactions.UpdateTransaction(ctx, existing.ID, rec); err != nil {
				return fail(err)
			}
			return nil
		}
	}

	if _, err := p.transactions.InsertTransaction(ctx, rec); err != nil {
		return fail(err)
	}
	return nil
}

// learn remembers a decision that did not come unchanged from a mapping.
func (p *Persister) learn(ctx context.Context, req *PersistRequest, row *domain.ParsedRow) {
	if !row.HasCategory() || row.FromMapping || row.StandardizedKey == "" {
		return
	}
	provenance, confidence := domain.ProvenanceAI, row.Confidence
	if row.Provenance == domain.ProvenanceUser {
		provenance, confidence = domain.ProvenanceUser, 1
	}

	_, err := p.resolver.Upsert(ctx, &domain.MappingRecord{
		StandardizedKey: row.StandardizedKey,
		UserID:          req.UserID,
		Kind:            req.Kind,
		CategoryID:      row.CategoryID,
		SubcategoryID:   row.SubcategoryID,
		Confidence:      confidence,
		Provenance:      provenance,
	})
	if err != nil {
		p.logger.Warn("failed to remember mapping",
			zap.String("customer_id", req.UserID),
			zap.String("key", row.StandardizedKey),
			zap.Error(err),
		)
	}
}

func (p *Persister) updateSession(ctx context.Context, id string, status domain.SessionStatus, processed int, errMsg string) {
	if err := p.sessions.UpdateSession(ctx, id, status, processed, errMsg); err != nil {
		p.logger.Warn("failed to update import session",
			zap.String("session_id", id),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

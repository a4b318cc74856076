package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/boddenberg/statement-import-go/internal/domain"
	"github.com/boddenberg/statement-import-go/internal/infra/observability"
	"github.com/boddenberg/statement-import-go/internal/infra/resilience"
	"github.com/boddenberg/statement-import-go/internal/port"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Progress checkpoints of a background import.
const (
	progressClaimed     = 5
	progressCategorized = 30
	progressPersisted   = 95
	progressDone        = 100
)

// JobRunner executes background imports. Whoever claims a job is the only
// writer of its record until it ends.
type JobRunner struct {
	jobs        port.JobStore
	categorizer *Categorizer
	persister   *Persister
	publisher   port.JobPublisher
	notifier    port.NotificationSink
	bulkhead    *resilience.Bulkhead
	metrics     *observability.Metrics
	logger      *zap.Logger
}

// NewJobRunner creates the runner. maxConcurrent bounds how many jobs Work
// runs at once.
func NewJobRunner(
	jobs port.JobStore,
	categorizer *Categorizer,
	persister *Persister,
	publisher port.JobPublisher,
	notifier port.NotificationSink,
	maxConcurrent int,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *JobRunner {
	return &JobRunner{
		jobs:        jobs,
		categorizer: categorizer,
		persister:   persister,
		publisher:   publisher,
		notifier:    notifier,
		bulkhead:    resilience.NewBulkhead(maxConcurrent),
		metrics:     metrics,
		logger:      logger,
	}
}

// Submit stores a pending import job and tells the user it was queued.
func (r *JobRunner) Submit(ctx context.Context, userID string, payload *domain.ImportJobPayload) (*domain.BackgroundJob, error) {
	ctx, span := tracer.Start(ctx, "JobRunner.Submit")
	defer span.End()

	if !payload.Kind.Valid() {
		return nil, &domain.ErrValidation{Field: "statement_kind", Message: "must be checking or credit_card"}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode job payload: %w", err)
	}

	job, err := r.jobs.CreateJob(ctx, &domain.BackgroundJob{
		UserID:  userID,
		Type:    domain.JobTypeImport,
		Status:  domain.JobPending,
		Payload: raw,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create job")
		return nil, err
	}
	span.SetAttributes(attribute.String("job.id", job.ID))

	r.publisher.Publish(domain.EventFromJob(job))
	r.notify(ctx, &domain.Notification{
		UserID:       userID,
		Title:        "Import queued",
		Message:      fmt.Sprintf("%s (%d rows) will be imported in the background.", payload.Filename, len(payload.Rows)),
		Severity:     domain.SeverityInfo,
		RelatedJobID: job.ID,
	})

	r.logger.Info("background import queued",
		zap.String("customer_id", userID),
		zap.String("job_id", job.ID),
		zap.Int("rows", len(payload.Rows)),
	)
	return job, nil
}

// Get returns a job owned by userID.
func (r *JobRunner) Get(ctx context.Context, userID, jobID string) (*domain.BackgroundJob, error) {
	ctx, span := tracer.Start(ctx, "JobRunner.Get")
	defer span.End()

	job, err := r.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, &domain.ErrForbidden{Action: "read job " + jobID}
	}
	return job, nil
}

// Run claims and executes one job. A job that is no longer pending is left
// alone and Run returns nil. Failures inside the job are recorded on it;
// the returned error is only for failures to record anything at all.
func (r *JobRunner) Run(ctx context.Context, jobID string) error {
	ctx, span := tracer.Start(ctx, "JobRunner.Run")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	job, err := r.jobs.ClaimJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		r.logger.Debug("job already claimed", zap.String("job_id", jobID))
		return nil
	}
	r.publisher.Publish(domain.EventFromJob(job))

	start := time.Now()
	summary, runErr := r.execute(ctx, job)
	r.metrics.RecordStage("job", time.Since(start))

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "job failed")
		return r.finishFailed(ctx, job, summary, runErr)
	}
	return r.finishCompleted(ctx, job, summary)
}

func (r *JobRunner) execute(ctx context.Context, job *domain.BackgroundJob) (*domain.ImportSummary, error) {
	var payload domain.ImportJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode job payload: %w", err)
	}

	if err := r.progress(ctx, job, progressClaimed); err != nil {
		return nil, err
	}

	targets := make([]*domain.ParsedRow, 0, len(payload.Rows))
	for i := range payload.Rows {
		if payload.Rows[i].Selected {
			targets = append(targets, &payload.Rows[i])
		}
	}
	if _, err := r.categorizer.Categorize(ctx, job.UserID, payload.Kind, targets, true); err != nil {
		return nil, fmt.Errorf("categorization failed: %w", err)
	}
	if err := r.progress(ctx, job, progressCategorized); err != nil {
		return nil, err
	}

	last := progressCategorized
	summary, err := r.persister.Persist(ctx, &PersistRequest{
		UserID:    job.UserID,
		Filename:  payload.Filename,
		Kind:      payload.Kind,
		AccountID: payload.AccountID,
		Rows:      payload.Rows,
	}, func(done, total int) {
		p := progressCategorized + done*(progressPersisted-progressCategorized)/total
		if p <= last {
			return
		}
		last = p
		if err := r.progress(ctx, job, p); err != nil {
			r.logger.Warn("failed to record job progress", zap.String("job_id", job.ID), zap.Error(err))
		}
	})
	if err != nil {
		return summary, fmt.Errorf("persistence failed: %w", err)
	}
	return summary, nil
}

func (r *JobRunner) progress(ctx context.Context, job *domain.BackgroundJob, pct int) error {
	updated, err := r.jobs.UpdateJob(ctx, job.ID, domain.JobUpdate{Status: domain.JobProcessing, Progress: pct})
	if err != nil {
		return err
	}
	job.Progress = updated.Progress
	r.publisher.Publish(domain.EventFromJob(updated))
	return nil
}

func (r *JobRunner) finishCompleted(ctx context.Context, job *domain.BackgroundJob, summary *domain.ImportSummary) error {
	updated, err := r.jobs.UpdateJob(ctx, job.ID, domain.JobUpdate{
		Status:   domain.JobCompleted,
		Progress: progressDone,
		Result:   summary,
	})
	if err != nil {
		return err
	}
	r.publisher.Publish(domain.EventFromJob(updated))
	r.metrics.IncrJob(domain.JobCompleted)

	severity := domain.SeveritySuccess
	if len(summary.Errors) > 0 {
		severity = domain.SeverityWarning
	}
	r.notify(ctx, &domain.Notification{
		UserID:       job.UserID,
		Title:        "Import finished",
		Message:      fmt.Sprintf("%d imported, %d skipped, %d errors.", summary.Imported, summary.Skipped, len(summary.Errors)),
		Severity:     severity,
		RelatedJobID: job.ID,
		Data: map[string]any{
			"imported": summary.Imported,
			"skipped":  summary.Skipped,
			"errors":   summary.Errors,
		},
	})

	r.logger.Info("background import completed",
		zap.String("customer_id", job.UserID),
		zap.String("job_id", job.ID),
		zap.Int("imported", summary.Imported),
		zap.Int("errors", len(summary.Errors)),
	)
	return nil
}

// finishFailed records the failure. summary is what was written before the
// failure and may be nil.
func (r *JobRunner) finishFailed(ctx context.Context, job *domain.BackgroundJob, summary *domain.ImportSummary, cause error) error {
	// The failure must be recorded even when ctx was the cause.
	ctx = context.WithoutCancel(ctx)

	updated, err := r.jobs.UpdateJob(ctx, job.ID, domain.JobUpdate{
		Status:       domain.JobFailed,
		Progress:     job.Progress,
		ErrorMessage: cause.Error(),
		Result:       summary,
	})
	if err != nil {
		r.logger.Error("failed to record job failure",
			zap.String("job_id", job.ID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return err
	}
	r.publisher.Publish(domain.EventFromJob(updated))
	r.metrics.IncrJob(domain.JobFailed)

	r.notify(ctx, &domain.Notification{
		UserID:       job.UserID,
		Title:        "Import failed",
		Message:      cause.Error(),
		Severity:     domain.SeverityError,
		RelatedJobID: job.ID,
	})

	r.logger.Error("background import failed",
		zap.String("customer_id", job.UserID),
		zap.String("job_id", job.ID),
		zap.Error(cause),
	)
	return nil
}

// Work polls for pending jobs every interval until ctx is done. At most the
// bulkhead's capacity runs at once; jobs that do not fit wait for the next
// poll.
func (r *JobRunner) Work(ctx context.Context, interval time.Duration, batch int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	r.logger.Info("job worker started", zap.Duration("interval", interval), zap.Int("batch", batch))
	for {
		r.poll(ctx, &wg, batch)
		select {
		case <-ctx.Done():
			r.logger.Info("job worker stopping")
			return
		case <-ticker.C:
		}
	}
}

func (r *JobRunner) poll(ctx context.Context, wg *sync.WaitGroup, batch int) {
	pending, err := r.jobs.ListPendingJobs(ctx, batch)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("failed to list pending jobs", zap.Error(err))
		}
		return
	}

	for _, job := range pending {
		if !r.bulkhead.TryAcquire() {
			return
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer r.bulkhead.Release()
			if err := r.Run(ctx, id); err != nil {
				r.logger.Error("job run failed", zap.String("job_id", id), zap.Error(err))
			}
		}(job.ID)
	}
}

func (r *JobRunner) notify(ctx context.Context, n *domain.Notification) {
	if err := r.notifier.Notify(ctx, n); err != nil {
		r.logger.Warn("failed to send notification",
			zap.String("customer_id", n.UserID),
			zap.String("title", n.Title),
			zap.Error(err),
		)
	}
}

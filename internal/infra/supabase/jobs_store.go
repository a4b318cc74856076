package supabase

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/boddenberg/statement-import-go/internal/domain"
	"github.com/boddenberg/statement-import-go/internal/infra/resilience"

	"go.opentelemetry.io/otel/attribute"
)

// ============================================================
// Background jobs store: create, get, claim, update, list pending
// ============================================================

const jobsTable = "background_jobs"

// openJob filters out jobs in a terminal state, which are final.
const openJob = "status=not.in.(completed,failed,cancelled)"

func (c *Client) CreateJob(ctx context.Context, job *domain.BackgroundJob) (*domain.BackgroundJob, error) {
	ctx, span := tracer.Start(ctx, "Supabase.CreateJob")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", job.UserID), attribute.String("job.type", string(job.Type)))

	row := map[string]any{
		"user_id":  job.UserID,
		"type":     string(job.Type),
		"status":   string(domain.JobPending),
		"payload":  job.Payload,
		"progress": 0,
	}
	if job.ID != "" {
		row["id"] = job.ID
	}

	var created *domain.BackgroundJob
	err := c.call(ctx, "jobs", func() error {
		body, err := c.doPost(ctx, jobsTable, row)
		if err != nil {
			return err
		}
		rows, err := decode[domain.BackgroundJob](body, jobsTable)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return notFound("background_job", "(insert)")
		}
		created = &rows[0]
		return nil
	})
	return created, err
}

func (c *Client) GetJob(ctx context.Context, id string) (*domain.BackgroundJob, error) {
	ctx, span := tracer.Start(ctx, "Supabase.GetJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", id))

	var job *domain.BackgroundJob
	err := c.call(ctx, "jobs", func() error {
		body, err := c.doRequest(ctx, http.MethodGet, query(jobsTable, eq("id", id), "limit=1"))
		if err != nil {
			return err
		}
		rows, err := decode[domain.BackgroundJob](body, jobsTable)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return notFound("background_job", id)
		}
		job = &rows[0]
		return nil
	})
	return job, err
}

// ClaimJob moves a pending job to processing with a conditional update, so
// only one worker ever runs it. It returns nil, nil when the job was not pending.
func (c *Client) ClaimJob(ctx context.Context, id string) (*domain.BackgroundJob, error) {
	ctx, span := tracer.Start(ctx, "Supabase.ClaimJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", id))

	var job *domain.BackgroundJob
	err := c.call(ctx, "jobs", func() error {
		path := query(jobsTable, eq("id", id), eq("status", string(domain.JobPending)))
		body, err := c.doPatch(ctx, path, map[string]any{
			"status":     string(domain.JobProcessing),
			"updated_at": timestamp(time.Now()),
		})
		if err != nil {
			return err
		}
		rows, err := decode[domain.BackgroundJob](body, jobsTable)
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			job = &rows[0]
		}
		return nil
	})
	return job, err
}

// UpdateJob writes a partial update. Jobs already in a terminal state are
// left untouched and reported as a conflict.
func (c *Client) UpdateJob(ctx context.Context, id string, u domain.JobUpdate) (*domain.BackgroundJob, error) {
	ctx, span := tracer.Start(ctx, "Supabase.UpdateJob")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", id),
		attribute.String("status", string(u.Status)),
		attribute.Int("progress", u.Progress),
	)

	row := map[string]any{
		"progress":   u.Progress,
		"updated_at": timestamp(time.Now()),
	}
	if u.Status != "" {
		row["status"] = string(u.Status)
	}
	if u.Result != nil {
		row["result"] = u.Result
	}
	if u.ErrorMessage != "" {
		row["error_message"] = u.ErrorMessage
	}

	var job *domain.BackgroundJob
	err := c.call(ctx, "jobs", func() error {
		body, err := c.doPatch(ctx, query(jobsTable, eq("id", id), openJob), row)
		if err != nil {
			return err
		}
		rows, err := decode[domain.BackgroundJob](body, jobsTable)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return resilience.Permanent(&domain.ErrConflict{
				Message: fmt.Sprintf("job %s is missing or already finished", id),
			})
		}
		job = &rows[0]
		return nil
	})
	return job, err
}

func (c *Client) ListPendingJobs(ctx context.Context, limit int) ([]domain.BackgroundJob, error) {
	ctx, span := tracer.Start(ctx, "Supabase.ListPendingJobs")
	defer span.End()

	var jobs []domain.BackgroundJob
	err := c.call(ctx, "jobs", func() error {
		path := query(jobsTable,
			eq("status", string(domain.JobPending)),
			"order=created_at.asc",
			fmt.Sprintf("limit=%d", limit),
		)
		body, err := c.doRequest(ctx, http.MethodGet, path)
		if err != nil {
			return err
		}
		jobs, err = decode[domain.BackgroundJob](body, jobsTable)
		return err
	})
	return jobs, err
}

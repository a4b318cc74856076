package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/boddenberg/statement-import-go/internal/port"
	"github.com/boddenberg/statement-import-go/internal/service"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// Background jobs & notifications
// ============================================================

func getJobHandler(svc *service.JobRunner, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/customers/{customerId}/jobs/{jobId}")
		defer span.End()

		if svc == nil {
			writeError(w, http.StatusServiceUnavailable, "jobs unavailable")
			return
		}
		jobID := chi.URLParam(r, "jobId")
		span.SetAttributes(attribute.String("job.id", jobID))

		job, err := svc.Get(ctx, CustomerIDFromContext(ctx), jobID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// jobEventsHandler streams job events as Server-Sent Events until the job
// ends or the client goes away.
func jobEventsHandler(watcher port.JobWatcher, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if watcher == nil {
			writeError(w, http.StatusServiceUnavailable, "job events unavailable")
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming unsupported")
			return
		}

		jobID := chi.URLParam(r, "jobId")
		events, err := watcher.Watch(ctx, CustomerIDFromContext(ctx), jobID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for ev := range events {
			data, err := json.Marshal(ev)
			if err != nil {
				logger.Error("failed to encode job event", zap.String("job_id", jobID), zap.Error(err))
				return
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Status, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func listNotificationsHandler(svc *service.Notifier, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/customers/{customerId}/notifications")
		defer span.End()

		if svc == nil {
			writeError(w, http.StatusServiceUnavailable, "notifications unavailable")
			return
		}
		unreadOnly := r.URL.Query().Get("unread") == "true"
		list, err := svc.List(ctx, CustomerIDFromContext(ctx), unreadOnly, queryInt(r, "limit", 0))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func markNotificationReadHandler(svc *service.Notifier, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/notifications/{notificationId}/read")
		defer span.End()

		if svc == nil {
			writeError(w, http.StatusServiceUnavailable, "notifications unavailable")
			return
		}
		id := chi.URLParam(r, "notificationId")
		if err := svc.MarkRead(ctx, id); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

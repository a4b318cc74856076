package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/boddenberg/statement-import-go/internal/domain"
	"github.com/boddenberg/statement-import-go/internal/infra/observability"
	"github.com/boddenberg/statement-import-go/internal/port"
	"github.com/boddenberg/statement-import-go/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// Deps are the services the router exposes. Nil services leave their
// routes answering 503.
type Deps struct {
	Imports       *service.Orchestrator
	Jobs          *service.JobRunner
	Watcher       port.JobWatcher
	Notifications *service.Notifier
	Checks        map[string]HealthCheck
	Metrics       *observability.Metrics
	Logger        *zap.Logger
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(d.Checks, logger))
	r.Get("/readyz", readyzHandler())
	if d.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Metrics.Registry, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {
		r.Get("/metrics/import", importMetricsHandler(d.Metrics))
		r.Post("/notifications/{notificationId}/read", markNotificationReadHandler(d.Notifications, logger))

		r.Route("/customers/{customerId}", func(r chi.Router) {
			r.Use(CustomerScope(logger))

			// =============================================
			// Import flow
			// =============================================
			r.Route("/imports", func(r chi.Router) {
				if d.Imports == nil {
					r.Handle("/*", unavailable("import flow"))
					r.Handle("/", unavailable("import flow"))
					return
				}
				r.Post("/", startImportHandler(d.Imports, logger))
				r.Route("/{flowId}", func(r chi.Router) {
					r.Get("/", getImportHandler(d.Imports, logger))
					r.Post("/upload", uploadHandler(d.Imports, logger))
					r.Post("/account", selectAccountHandler(d.Imports, logger))
					r.Post("/rows", processRowsHandler(d.Imports, logger))
					r.Post("/decision", decisionHandler(d.Imports, logger))
					r.Post("/categorize", categorizeHandler(d.Imports, logger))
					r.Post("/background", backgroundHandler(d.Imports, logger))
					r.Patch("/rows/{rowId}", updateRowHandler(d.Imports, logger))
					r.Post("/commit", commitHandler(d.Imports, logger))
					r.Post("/reset", resetHandler(d.Imports, logger))
				})
			})

			// =============================================
			// Background jobs
			// =============================================
			r.Get("/jobs/{jobId}", getJobHandler(d.Jobs, logger))
			r.Get("/jobs/{jobId}/events", jobEventsHandler(d.Watcher, logger))

			// =============================================
			// Notifications
			// =============================================
			r.Get("/notifications", listNotificationsHandler(d.Notifications, logger))
		})
	})

	return r
}

func unavailable(what string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusServiceUnavailable, what+" unavailable")
	}
}

// ============================================================
// Operational
// ============================================================

func healthzHandler(checks map[string]HealthCheck, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		now := time.Now().Format(time.RFC3339)

		services := []domain.ServiceHealth{
			{Name: "statement-importer", Status: "healthy", LastChecked: now},
		}
		for name, check := range checks {
			start := time.Now()
			err := check(ctx)
			status := "healthy"
			if err != nil {
				status = "degraded"
				logger.Warn("health check failed", zap.String("service", name), zap.Error(err))
			}
			services = append(services, domain.ServiceHealth{
				Name:        name,
				Status:      status,
				LatencyMs:   time.Since(start).Milliseconds(),
				LastChecked: now,
			})
		}

		overallStatus := "healthy"
		for _, s := range services {
			if s.Status == "unhealthy" {
				overallStatus = "unhealthy"
				break
			}
			if s.Status == "degraded" {
				overallStatus = "degraded"
			}
		}

		writeJSON(w, http.StatusOK, domain.HealthStatus{
			Status:   overallStatus,
			Services: services,
		})
	}
}

func readyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func importMetricsHandler(metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if metrics == nil {
			writeError(w, http.StatusServiceUnavailable, "metrics unavailable")
			return
		}
		writeJSON(w, http.StatusOK, metrics.Snapshot())
	}
}

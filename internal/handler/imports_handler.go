package handler

import (
	"net/http"

	"github.com/boddenberg/statement-import-go/internal/domain"
	"github.com/boddenberg/statement-import-go/internal/service"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// Import flow
// ============================================================

type filenameRequest struct {
	Filename string `json:"filename"`
}

type accountRequest struct {
	Kind      domain.StatementKind `json:"statement_kind"`
	AccountID string               `json:"account_id"`
}

type rowsRequest struct {
	Rows []domain.RawRecord `json:"rows"`
}

type decisionRequest struct {
	Decision domain.Decision `json:"decision"`
}

func startImportHandler(svc *service.Orchestrator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/customers/{customerId}/imports")
		defer span.End()

		customerID := CustomerIDFromContext(ctx)
		span.SetAttributes(attribute.String("customer.id", customerID))

		var req filenameRequest
		if r.ContentLength != 0 {
			if err := decodeBody(r, &req); err != nil {
				handleServiceError(w, err, logger)
				return
			}
		}

		snap, err := svc.Start(ctx, customerID, req.Filename)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, snap)
	}
}

func getImportHandler(svc *service.Orchestrator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/customers/{customerId}/imports/{flowId}")
		defer span.End()

		snap, err := svc.Snapshot(ctx, CustomerIDFromContext(ctx), chi.URLParam(r, "flowId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func uploadHandler(svc *service.Orchestrator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/customers/{customerId}/imports/{flowId}/upload")
		defer span.End()

		var req filenameRequest
		if err := decodeBody(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		snap, err := svc.Upload(ctx, CustomerIDFromContext(ctx), chi.URLParam(r, "flowId"), req.Filename)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func selectAccountHandler(svc *service.Orchestrator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/customers/{customerId}/imports/{flowId}/account")
		defer span.End()

		var req accountRequest
		if err := decodeBody(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		span.SetAttributes(attribute.String("statement.kind", string(req.Kind)))

		snap, err := svc.SelectAccount(ctx, CustomerIDFromContext(ctx), chi.URLParam(r, "flowId"), req.Kind, req.AccountID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func processRowsHandler(svc *service.Orchestrator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/customers/{customerId}/imports/{flowId}/rows")
		defer span.End()

		var req rowsRequest
		if err := decodeBody(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		span.SetAttributes(attribute.Int("rows", len(req.Rows)))

		snap, err := svc.Process(ctx, CustomerIDFromContext(ctx), chi.URLParam(r, "flowId"), req.Rows)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func decisionHandler(svc *service.Orchestrator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/customers/{customerId}/imports/{flowId}/decision")
		defer span.End()

		var req decisionRequest
		if err := decodeBody(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		span.SetAttributes(attribute.String("decision", string(req.Decision)))

		snap, err := svc.Resolve(ctx, CustomerIDFromContext(ctx), chi.URLParam(r, "flowId"), req.Decision)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func categorizeHandler(svc *service.Orchestrator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/customers/{customerId}/imports/{flowId}/categorize")
		defer span.End()

		snap, err := svc.Categorize(ctx, CustomerIDFromContext(ctx), chi.URLParam(r, "flowId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func backgroundHandler(svc *service.Orchestrator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/customers/{customerId}/imports/{flowId}/background")
		defer span.End()

		snap, err := svc.HandOff(ctx, CustomerIDFromContext(ctx), chi.URLParam(r, "flowId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusAccepted, snap)
	}
}

func updateRowHandler(svc *service.Orchestrator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "PATCH /v1/customers/{customerId}/imports/{flowId}/rows/{rowId}")
		defer span.End()

		var edit domain.RowEdit
		if err := decodeBody(r, &edit); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		snap, err := svc.UpdateRow(ctx, CustomerIDFromContext(ctx), chi.URLParam(r, "flowId"), chi.URLParam(r, "rowId"), edit)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func commitHandler(svc *service.Orchestrator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/customers/{customerId}/imports/{flowId}/commit")
		defer span.End()

		snap, err := svc.Commit(ctx, CustomerIDFromContext(ctx), chi.URLParam(r, "flowId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func resetHandler(svc *service.Orchestrator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/customers/{customerId}/imports/{flowId}/reset")
		defer span.End()

		snap, err := svc.Reset(ctx, CustomerIDFromContext(ctx), chi.URLParam(r, "flowId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

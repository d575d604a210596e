package workflow

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/solarix/solarix/internal/platform/httpx"
	"github.com/solarix/solarix/internal/shared"
)

type workflowService interface {
	ListStepsWithDueDays(ctx context.Context, bookingID int64) (*StepList, error)
	CompleteStep(ctx context.Context, stepID int64, notes string) (*CompletionResult, error)
	AdminCompleteStep(ctx context.Context, stepID int64, notes string, actorID int64) (*CompletionResult, error)
	UndoStep(ctx context.Context, stepID, actorID int64) (*CompletionResult, error)
	IssueCertificate(ctx context.Context, bookingID int64) (*CertificateOutcome, error)
}

// Handler exposes booking steps over JSON.
type Handler struct {
	logger  *slog.Logger
	service workflowService
}

// NewHandler constructs a workflow HTTP handler.
func NewHandler(logger *slog.Logger, service workflowService) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers staff and admin step routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/bookings/{id}/steps", h.listSteps)
	r.Post("/steps/{id}/complete", h.completeStep)
	r.Post("/admin/steps/{id}/complete", h.adminCompleteStep)
	r.Post("/admin/steps/{id}/undo", h.undoStep)
	r.Post("/admin/bookings/{id}/certificate", h.issueCertificate)
}

func (h *Handler) listSteps(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	list, err := h.service.ListStepsWithDueDays(r.Context(), id)
	if err != nil {
		h.fail(w, "list steps", err)
		return
	}
	httpx.JSON(w, http.StatusOK, list)
}

func (h *Handler) completeStep(w http.ResponseWriter, r *http.Request) {
	id, in, ok := h.decodeCompletion(w, r)
	if !ok {
		return
	}
	result, err := h.service.CompleteStep(r.Context(), id, in.Notes)
	if err != nil {
		h.fail(w, "complete step", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) adminCompleteStep(w http.ResponseWriter, r *http.Request) {
	id, in, ok := h.decodeCompletion(w, r)
	if !ok {
		return
	}
	result, err := h.service.AdminCompleteStep(r.Context(), id, in.Notes, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, "admin complete step", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) undoStep(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.UndoStep(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, "undo step", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) issueCertificate(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	outcome, err := h.service.IssueCertificate(r.Context(), id)
	if err != nil {
		h.fail(w, "issue certificate", err)
		return
	}
	status := http.StatusOK
	if outcome.Issued {
		status = http.StatusCreated
	}
	httpx.JSON(w, status, outcome)
}

// decodeCompletion accepts an empty body as empty notes.
func (h *Handler) decodeCompletion(w http.ResponseWriter, r *http.Request) (int64, CompleteInput, bool) {
	var in CompleteInput
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return 0, in, false
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &in); err != nil {
			httpx.RespondError(w, err)
			return 0, in, false
		}
	}
	return id, in, true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if shared.IsCallerError(err) {
		h.logger.Warn(op, slog.Any("error", err))
	} else {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

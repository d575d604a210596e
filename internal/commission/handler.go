package commission

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/solarix/solarix/internal/platform/httpx"
	"github.com/solarix/solarix/internal/shared"
)

type commissionService interface {
	Distribute(ctx context.Context, sourceCustomerID int64, grossAmount float64) (*Result, error)
	DistributeForPurchase(ctx context.Context, event PurchaseEvent) (*Result, error)
	Settings(ctx context.Context) (*Settings, error)
	UpdateSettings(ctx context.Context, in SettingsInput, actorID int64) (*Settings, error)
	Wallet(ctx context.Context, customerID int64) (*Wallet, error)
	ListCommissions(ctx context.Context, recipientID int64, limit int) ([]Commission, error)
}

// PurchaseEnqueuer hands purchase events to the background worker.
type PurchaseEnqueuer interface {
	EnqueuePurchase(ctx context.Context, event PurchaseEvent) (string, error)
}

// Handler exposes the commission ledger over JSON.
type Handler struct {
	logger   *slog.Logger
	service  commissionService
	enqueuer PurchaseEnqueuer
}

// NewHandler constructs a commission HTTP handler. With a nil enqueuer purchase events are
// distributed inline.
func NewHandler(logger *slog.Logger, service commissionService, enqueuer PurchaseEnqueuer) *Handler {
	return &Handler{logger: logger, service: service, enqueuer: enqueuer}
}

// MountRoutes registers commission routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/customers/{id}/wallet", h.wallet)
	r.Get("/customers/{id}/commissions", h.listCommissions)
	r.Post("/commissions/distribute", h.distribute)
	r.Get("/commissions/settings", h.getSettings)
	r.Put("/commissions/settings", h.updateSettings)
	r.Post("/bookings/{id}/purchase", h.purchase)
}

func (h *Handler) wallet(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	wallet, err := h.service.Wallet(r.Context(), id)
	if err != nil {
		h.fail(w, "get wallet", err)
		return
	}
	httpx.JSON(w, http.StatusOK, wallet)
}

func (h *Handler) listCommissions(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := h.service.ListCommissions(r.Context(), id, limit)
	if err != nil {
		h.fail(w, "list commissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"recipient_id": id, "commissions": rows})
}

func (h *Handler) distribute(w http.ResponseWriter, r *http.Request) {
	var in DistributeInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.Distribute(r.Context(), in.SourceCustomerID, in.GrossAmount)
	if err != nil {
		h.fail(w, "distribute", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) getSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.service.Settings(r.Context())
	if err != nil {
		h.fail(w, "get settings", err)
		return
	}
	httpx.JSON(w, http.StatusOK, settings)
}

func (h *Handler) updateSettings(w http.ResponseWriter, r *http.Request) {
	var in SettingsInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	settings, err := h.service.UpdateSettings(r.Context(), in, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, "update settings", err)
		return
	}
	httpx.JSON(w, http.StatusOK, settings)
}

func (h *Handler) purchase(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	event := PurchaseEvent{BookingID: id, DedupeKey: shared.PurchaseDedupeKey(id)}
	if h.enqueuer == nil {
		result, err := h.service.DistributeForPurchase(r.Context(), event)
		if err != nil {
			h.fail(w, "distribute purchase", err)
			return
		}
		httpx.JSON(w, http.StatusOK, result)
		return
	}
	taskID, err := h.enqueuer.EnqueuePurchase(r.Context(), event)
	if err != nil {
		h.fail(w, "enqueue purchase", err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]any{
		"booking_id": id,
		"dedupe_key": event.DedupeKey,
		"task_id":    taskID,
	})
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if shared.IsCallerError(err) {
		h.logger.Warn(op, slog.Any("error", err))
	} else {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

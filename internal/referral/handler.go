package referral

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/solarix/solarix/internal/platform/httpx"
	"github.com/solarix/solarix/internal/shared"
)

type referralService interface {
	GetCustomer(ctx context.Context, id int64) (*Customer, error)
	Register(ctx context.Context, in RegisterInput) (*Customer, error)
	ResolveUpline(ctx context.Context, customerID int64, maxDepth int) ([]Ancestor, error)
	ListDownline(ctx context.Context, customerID int64) ([]Customer, error)
	EnsureReferralCode(ctx context.Context, customerID int64) (string, error)
	AttachReferrer(ctx context.Context, customerID int64, referralCode string, actorID int64) (*Customer, error)
}

// Handler exposes the referral graph over JSON.
type Handler struct {
	logger  *slog.Logger
	service referralService
}

// NewHandler constructs a referral HTTP handler.
func NewHandler(logger *slog.Logger, service referralService) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers customer routes. The commission handler adds wallet routes under
// the same /customers/{id} prefix, so routes stay flat.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/customers", h.register)
	r.Get("/customers/{id}", h.getCustomer)
	r.Get("/customers/{id}/upline", h.upline)
	r.Get("/customers/{id}/downline", h.downline)
	r.Post("/customers/{id}/referral-code", h.referralCode)
	r.Post("/customers/{id}/referrer", h.attachReferrer)
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var in RegisterInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	customer, err := h.service.Register(r.Context(), in)
	if err != nil {
		h.fail(w, "register customer", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, customer)
}

func (h *Handler) getCustomer(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	customer, err := h.service.GetCustomer(r.Context(), id)
	if err != nil {
		h.fail(w, "get customer", err)
		return
	}
	httpx.JSON(w, http.StatusOK, customer)
}

func (h *Handler) upline(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	depth := 0
	if raw := r.URL.Query().Get("max_depth"); raw != "" {
		depth, err = strconv.Atoi(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "max_depth must be an integer")
			return
		}
	}
	upline, err := h.service.ResolveUpline(r.Context(), id, depth)
	if err != nil {
		h.fail(w, "resolve upline", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"customer_id": id, "upline": upline})
}

func (h *Handler) downline(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	downline, err := h.service.ListDownline(r.Context(), id)
	if err != nil {
		h.fail(w, "list downline", err)
		return
	}
	if downline == nil {
		downline = []Customer{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"customer_id": id, "downline": downline})
}

func (h *Handler) referralCode(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	code, err := h.service.EnsureReferralCode(r.Context(), id)
	if err != nil {
		h.fail(w, "ensure referral code", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"referral_code": code})
}

func (h *Handler) attachReferrer(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var in AttachReferrerInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	customer, err := h.service.AttachReferrer(r.Context(), id, in.ReferralCode, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, "attach referrer", err)
		return
	}
	httpx.JSON(w, http.StatusOK, customer)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if shared.IsCallerError(err) {
		h.logger.Warn(op, slog.Any("error", err))
	} else {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

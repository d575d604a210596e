package certificate

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/solarix/solarix/internal/platform/httpx"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// Handler exposes the renderer health check.
type Handler struct {
	client pinger
	logger *slog.Logger
}

// NewHandler creates a certificate handler.
func NewHandler(client pinger, logger *slog.Logger) *Handler {
	return &Handler{client: client, logger: logger}
}

// MountRoutes registers certificate routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/admin/certificates/ping", h.ping)
}

func (h *Handler) ping(w http.ResponseWriter, r *http.Request) {
	if err := h.client.Ping(r.Context()); err != nil {
		h.logger.Warn("gotenberg ping failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Renderer Unavailable", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

package app

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/solarix/solarix/internal/certificate"
	"github.com/solarix/solarix/internal/commission"
	"github.com/solarix/solarix/internal/observability"
	"github.com/solarix/solarix/internal/referral"
	"github.com/solarix/solarix/internal/workflow"
	"github.com/solarix/solarix/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	ReferralHandler    *referral.Handler
	CommissionHandler  *commission.Handler
	WorkflowHandler    *workflow.Handler
	CertificateHandler *certificate.Handler
	JobHandler         *jobs.Handler
	Metrics            *observability.Metrics
}

// NewRouter constructs the chi.Router with Solarix defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api", func(r chi.Router) {
		if params.ReferralHandler != nil {
			params.ReferralHandler.MountRoutes(r)
		}
		if params.CommissionHandler != nil {
			params.CommissionHandler.MountRoutes(r)
		}
		if params.WorkflowHandler != nil {
			params.WorkflowHandler.MountRoutes(r)
		}
		if params.CertificateHandler != nil {
			params.CertificateHandler.MountRoutes(r)
		}
	})
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	if prefix, dir, ok := certificateFiles(params.Config); ok {
		fileServer := http.StripPrefix(prefix+"/", http.FileServer(http.Dir(dir)))
		r.Handle(prefix+"/*", certificateCacheHandler(fileServer))
	}

	return r
}

// certificateFiles reports the local mount for issued certificates. Absolute base URLs are
// served elsewhere and are not mounted.
func certificateFiles(cfg *Config) (string, string, bool) {
	if cfg == nil || cfg.CertificateStorageDir == "" {
		return "", "", false
	}
	prefix := strings.TrimRight(cfg.CertificateBaseURL, "/")
	if !strings.HasPrefix(prefix, "/") || prefix == "" {
		return "", "", false
	}
	return prefix, cfg.CertificateStorageDir, true
}

// certificateCacheHandler marks issued certificates as immutable for a day.
func certificateCacheHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=86400, immutable")
		next.ServeHTTP(w, r)
	})
}

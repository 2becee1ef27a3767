package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/remindr/internal/metrics"
)

// RouterConfig wires the optional pieces of the HTTP surface
type RouterConfig struct {
	Limiter Limiter // nil disables rate limiting
	Health  http.HandlerFunc
}

// NewRouter builds the HTTP surface: intake and job endpoints under /v1,
// plus /health and /metrics.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(logger))

	r.Route("/v1", func(r chi.Router) {
		r.Use(RateLimitMiddleware(cfg.Limiter, logger, IPKeyFunc))

		r.Post("/registrations", h.CreateRegistration)
		r.Post("/registrations/{id}/cancel", h.CancelRegistration)
		r.Post("/registrations/{id}/cpd-awards", h.AwardCPD)

		r.Get("/jobs", h.ListJobs)
		r.Get("/jobs/{id}", h.GetJob)
	})

	health := cfg.Health
	if health == nil {
		health = HealthHandler(nil)
	}
	r.Get("/health", health)
	r.Handle("/metrics", metrics.Handler())

	return r
}

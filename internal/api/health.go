package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/lalithlochan/remindr/internal/circuitbreaker"
)

// HealthCheck reports whether a dependency is usable
type HealthCheck func(ctx context.Context) error

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status   string                 `json:"status"`
	Checks   map[string]string      `json:"checks,omitempty"`
	Breakers []circuitbreaker.Stats `json:"circuit_breakers,omitempty"`
}

// HealthHandler runs every check and reports breaker state. Any failing
// check makes the response 503. An open breaker only degrades it, since
// jobs are released and delivered once the transport recovers.
func HealthHandler(checks map[string]HealthCheck, breakers ...*circuitbreaker.CircuitBreaker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		resp := HealthResponse{Status: "ok"}
		code := http.StatusOK

		if len(checks) > 0 {
			resp.Checks = make(map[string]string, len(checks))
		}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "unavailable"
				code = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}

		for _, b := range breakers {
			stats := b.Stats()
			resp.Breakers = append(resp.Breakers, stats)
			if stats.State != circuitbreaker.StateClosed.String() && resp.Status == "ok" {
				resp.Status = "degraded"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

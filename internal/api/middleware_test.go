package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/remindr/internal/redis"
)

type stubLimiter struct {
	result *redis.RateLimitResult
	err    error
	keys   []string
}

func (s *stubLimiter) Allow(ctx context.Context, key string) (*redis.RateLimitResult, error) {
	s.keys = append(s.keys, key)
	return s.result, s.err
}

func TestIPKeyFunc(t *testing.T) {
	tests := []struct {
		name       string
		forwarded  string
		realIP     string
		remoteAddr string
		expected   string
	}{
		{"X-Forwarded-For", "1.2.3.4", "", "5.6.7.8:1234", "ip:1.2.3.4"},
		{"X-Forwarded-For chain", "1.2.3.4, 10.0.0.1", "", "5.6.7.8:1234", "ip:1.2.3.4"},
		{"X-Real-IP", "", "9.9.9.9", "5.6.7.8:1234", "ip:9.9.9.9"},
		{"RemoteAddr", "", "", "5.6.7.8:1234", "ip:5.6.7.8"},
		{"RemoteAddr without port", "", "", "5.6.7.8", "ip:5.6.7.8"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}

			if got := IPKeyFunc(req); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	reset := time.Now().Add(30 * time.Second)

	tests := []struct {
		name    string
		limiter Limiter
		status  int
	}{
		{"nil limiter", nil, http.StatusOK},
		{"allowed", &stubLimiter{result: &redis.RateLimitResult{Allowed: true, Remaining: 4, ResetAt: reset}}, http.StatusOK},
		{"rejected", &stubLimiter{result: &redis.RateLimitResult{Allowed: false, ResetAt: reset}}, http.StatusTooManyRequests},
		{"limiter error fails open", &stubLimiter{err: errors.New("redis down")}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := RateLimitMiddleware(tt.limiter, zap.NewNop(), IPKeyFunc)(okHandler())

			req := httptest.NewRequest("POST", "/v1/registrations", nil)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
			if tt.status == http.StatusTooManyRequests && rec.Header().Get("Retry-After") == "" {
				t.Error("expected Retry-After header")
			}
		})
	}
}

func TestRateLimitMiddleware_EmptyKeySkipsLimiter(t *testing.T) {
	limiter := &stubLimiter{result: &redis.RateLimitResult{Allowed: false}}
	h := RateLimitMiddleware(limiter, zap.NewNop(), func(*http.Request) string { return "" })(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Code != http.StatusOK || len(limiter.keys) != 0 {
		t.Errorf("expected limiter skipped, got status %d keys %v", rec.Code, limiter.keys)
	}
}

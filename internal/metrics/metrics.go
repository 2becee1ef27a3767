package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remindr_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remindr_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	jobsScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remindr_jobs_scheduled_total",
			Help: "Notification jobs created by kind",
		},
		[]string{"kind"},
	)

	jobsClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remindr_jobs_claimed_total",
			Help: "Jobs claimed by dispatch polls",
		},
	)

	jobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remindr_jobs_completed_total",
			Help: "Job completions by outcome (sent, retry, failed, template_error, released) and kind",
		},
		[]string{"outcome", "kind"},
	)

	claimConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remindr_claim_conflicts_total",
			Help: "Completions rejected because the worker no longer owned the claim",
		},
	)

	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remindr_send_duration_seconds",
			Help:    "Mail transport send latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 15},
		},
		[]string{"result"},
	)

	deliveryDelay = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remindr_delivery_delay_seconds",
			Help:    "Time from scheduled_at to successful delivery",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900, 3600},
		},
		[]string{"kind"},
	)

	pollBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "remindr_poll_batch_size",
			Help:    "Jobs claimed per poll",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
		},
	)

	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "remindr_mail_circuit_state",
			Help: "Mail transport circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"backend"},
	)

	intakeMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remindr_intake_messages_total",
			Help: "Registration intake messages by source and result",
		},
		[]string{"source", "result"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remindr_idempotency_hits_total",
			Help: "Registration requests served from the idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remindr_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter",
		},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "remindr_db_connections_active",
			Help: "Acquired database connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordJobScheduled counts a job created by the generator
func RecordJobScheduled(kind string) {
	jobsScheduled.WithLabelValues(kind).Inc()
}

// RecordJobsClaimed records the result of one claim poll
func RecordJobsClaimed(count int) {
	jobsClaimed.Add(float64(count))
	pollBatchSize.Observe(float64(count))
}

// RecordJobCompleted counts a completion by outcome
func RecordJobCompleted(outcome, kind string) {
	jobsCompleted.WithLabelValues(outcome, kind).Inc()
}

// RecordClaimConflict counts a rejected completion
func RecordClaimConflict() {
	claimConflicts.Inc()
}

// RecordSend records one transport call
func RecordSend(ok bool, duration time.Duration) {
	result := "ok"
	if !ok {
		result = "error"
	}
	sendDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordDeliveryDelay records how late a job was delivered
func RecordDeliveryDelay(kind string, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	deliveryDelay.WithLabelValues(kind).Observe(delay.Seconds())
}

// SetCircuitState publishes the breaker state for a backend
func SetCircuitState(backend string, state int) {
	circuitState.WithLabelValues(backend).Set(float64(state))
}

// RecordIntakeMessage counts an intake message
func RecordIntakeMessage(source, result string) {
	intakeMessages.WithLabelValues(source, result).Inc()
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics. Paths
// are labelled by chi route pattern to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}

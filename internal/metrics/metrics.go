package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saleflow_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "saleflow_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	transactionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saleflow_transaction_transitions_total",
			Help: "Total transaction state transitions by target status",
		},
		[]string{"status"},
	)

	transactionConfirmLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "saleflow_transaction_confirm_latency_seconds",
			Help:    "Time from purchase creation to receipt application",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	notificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saleflow_notifications_created_total",
			Help: "Total notifications created by type and priority",
		},
		[]string{"type", "priority"},
	)

	channelDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saleflow_channel_deliveries_total",
			Help: "Per-channel delivery outcomes",
		},
		[]string{"channel", "outcome"},
	)

	reconcileRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saleflow_reconcile_runs_total",
			Help: "Reconciliation sweeps by phase and outcome",
		},
		[]string{"phase", "outcome"},
	)

	exhaustedRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saleflow_exhausted_retries_total",
			Help: "Records that hit their retry cap and await manual review",
		},
		[]string{"kind"},
	)

	recordsSwept = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saleflow_records_swept_total",
			Help: "Notifications deleted by the retention/expiry sweep",
		},
		[]string{"reason"},
	)

	analyticsCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saleflow_analytics_cache_total",
			Help: "Analytics summary cache lookups by result",
		},
		[]string{"result"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saleflow_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"scope"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "saleflow_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
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

// RecordTransactionTransition records a committed transaction state change.
func RecordTransactionTransition(status string) {
	transactionTransitions.WithLabelValues(status).Inc()
}

// RecordConfirmLatency records time from creation to receipt application.
func RecordConfirmLatency(d time.Duration) {
	transactionConfirmLatency.Observe(d.Seconds())
}

// RecordNotificationCreated records a notification creation.
func RecordNotificationCreated(notifType, priority string) {
	notificationsCreated.WithLabelValues(notifType, priority).Inc()
}

// RecordChannelDelivery records a per-channel delivery outcome.
func RecordChannelDelivery(channel, outcome string) {
	channelDeliveries.WithLabelValues(channel, outcome).Inc()
}

// RecordReconcileRun records the outcome of one reconciliation phase.
func RecordReconcileRun(phase, outcome string) {
	reconcileRuns.WithLabelValues(phase, outcome).Inc()
}

// RecordExhaustedRetries flags a record that hit its retry cap.
func RecordExhaustedRetries(kind string) {
	exhaustedRetries.WithLabelValues(kind).Inc()
}

// RecordSwept records notifications removed by the cleanup sweep.
func RecordSwept(reason string, count int64) {
	recordsSwept.WithLabelValues(reason).Add(float64(count))
}

// RecordAnalyticsCache records an analytics cache hit or miss.
func RecordAnalyticsCache(result string) {
	analyticsCacheHits.WithLabelValues(result).Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(scope string) {
	rateLimitRejections.WithLabelValues(scope).Inc()
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
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

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}

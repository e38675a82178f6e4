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
			Name: "courier_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	emailsScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_emails_scheduled_total",
			Help: "Total emails placed on the schedule by campaign",
		},
		[]string{"campaign"},
	)

	duplicatesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_duplicates_skipped_total",
			Help: "Recipients skipped during planning because they were already scheduled",
		},
		[]string{"campaign"},
	)

	dispatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_dispatch_attempts_total",
			Help: "Dispatch attempts by result (sent, retried, failed, deferred)",
		},
		[]string{"result"},
	)

	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_send_duration_seconds",
			Help:    "Transport send latency distribution",
			Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"transport"},
	)

	transportFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_transport_failures_total",
			Help: "Transport send failures by transport and error kind",
		},
		[]string{"transport", "kind"},
	)

	staleReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_stale_reclaimed_total",
			Help: "Emails stuck in sending state returned to the queue",
		},
	)

	sendWindowDeferrals = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_send_window_deferrals_total",
			Help: "Due emails deferred because the send window was exhausted",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_idempotency_hits_total",
			Help: "Scheduling requests served from the idempotency cache",
		},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_db_connections_active",
			Help: "Active database connections",
		},
	)

	dueBacklog = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_due_backlog",
			Help: "Pending emails past their scheduled time, sampled each poll",
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

// RecordEmailsScheduled records how many emails a planning request scheduled
func RecordEmailsScheduled(campaign string, count int) {
	emailsScheduled.WithLabelValues(campaign).Add(float64(count))
}

// RecordDuplicatesSkipped records recipients dropped by the dedup guard
func RecordDuplicatesSkipped(campaign string, count int) {
	duplicatesSkipped.WithLabelValues(campaign).Add(float64(count))
}

// RecordDispatchAttempt records the outcome of one dispatch attempt
func RecordDispatchAttempt(result string) {
	dispatchAttempts.WithLabelValues(result).Inc()
}

// RecordSendDuration records how long a transport send took
func RecordSendDuration(transport string, d time.Duration) {
	sendDuration.WithLabelValues(transport).Observe(d.Seconds())
}

// RecordTransportFailure records a failed transport send
func RecordTransportFailure(transport, kind string) {
	transportFailures.WithLabelValues(transport, kind).Inc()
}

// RecordStaleReclaimed records emails recovered from a crashed dispatcher
func RecordStaleReclaimed(count int) {
	staleReclaimed.Add(float64(count))
}

// RecordSendWindowDeferral records a due email pushed back by the send window
func RecordSendWindowDeferral() {
	sendWindowDeferrals.Inc()
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetDueBacklog sets the sampled count of overdue pending emails
func SetDueBacklog(count int) {
	dueBacklog.Set(float64(count))
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

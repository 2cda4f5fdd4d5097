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
			Name: "billetcore_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "billetcore_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	jobsSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "billetcore_generation_jobs_submitted_total",
			Help: "Ticket generation jobs accepted by the orchestrator",
		},
	)

	batchesEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "billetcore_generation_batches_enqueued_total",
			Help: "Renderer work items enqueued",
		},
	)

	resultsReconciled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billetcore_generation_results_total",
			Help: "Renderer responses reconciled by outcome",
		},
		[]string{"outcome"},
	)

	jobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billetcore_generation_jobs_finished_total",
			Help: "Generation jobs reaching a terminal state",
		},
		[]string{"state"},
	)

	notificationsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billetcore_notifications_dispatched_total",
			Help: "Notification jobs enqueued and resolved by state",
		},
		[]string{"state"},
	)

	queueOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billetcore_queue_operations_total",
			Help: "Queue client operations by queue and operation",
		},
		[]string{"queue", "op"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "billetcore_queue_depth",
			Help: "Waiting items per queue, sampled on enqueue/dequeue",
		},
		[]string{"queue"},
	)

	handlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "billetcore_queue_handler_duration_seconds",
			Help:    "Queue handler execution time",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 30},
		},
		[]string{"queue"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "billetcore_db_connections_active",
			Help: "Active database connections",
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

// RecordJobSubmitted records an accepted generation job
func RecordJobSubmitted() {
	jobsSubmitted.Inc()
}

// RecordBatchEnqueued records a renderer work item leaving the orchestrator
func RecordBatchEnqueued() {
	batchesEnqueued.Inc()
}

// RecordResultReconciled records a renderer response outcome
// (applied, replayed, orphan, terminal)
func RecordResultReconciled(outcome string) {
	resultsReconciled.WithLabelValues(outcome).Inc()
}

// RecordJobFinished records a job reaching completed/failed/cancelled
func RecordJobFinished(state string) {
	jobsFinished.WithLabelValues(state).Inc()
}

// RecordNotificationDispatched records notification state changes
func RecordNotificationDispatched(state string) {
	notificationsDispatched.WithLabelValues(state).Inc()
}

// RecordQueueOp records a queue client operation
func RecordQueueOp(queue, op string) {
	queueOps.WithLabelValues(queue, op).Inc()
}

// SetQueueDepth sets the sampled waiting depth for a queue
func SetQueueDepth(queue string, depth int64) {
	queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// ObserveHandler records how long a queue handler ran
func ObserveHandler(queue string, d time.Duration) {
	handlerDuration.WithLabelValues(queue).Observe(d.Seconds())
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

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}

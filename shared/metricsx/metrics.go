package metricsx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	publishResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_publish_results_total",
			Help: "Publish outcomes by status and accepting sink.",
		},
		[]string{"status", "sink"},
	)
	publishLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "delivery_publish_duration_seconds",
			Help:    "End-to-end publish latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)
	retryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_retry_attempts_total",
			Help: "Failed attempts seen by the retrier, by dependency and error kind.",
		},
		[]string{"dependency", "kind"},
	)
	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "delivery_breaker_state",
			Help: "Circuit breaker state by dependency (0=closed, 1=half-open, 2=open).",
		},
		[]string{"dependency"},
	)
	breakerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_breaker_rejections_total",
			Help: "Calls short-circuited by an open breaker.",
		},
		[]string{"dependency"},
	)
	fallbackEscalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_fallback_escalations_total",
			Help: "Fallback tier attempts by tier and outcome.",
		},
		[]string{"tier", "outcome"},
	)
	idempotencyEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "delivery_idempotency_entries",
			Help: "Idempotency records held after the last sweep.",
		},
	)
	replayResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_replay_results_total",
			Help: "Replay outcomes by source and outcome.",
		},
		[]string{"source", "outcome"},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
	spoolRecords = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "delivery_spool_records",
			Help: "Local spool records by replay status.",
		},
		[]string{"status"},
	)
)

func Register() {
	prometheus.MustRegister(
		httpRequests, httpLatency,
		publishResults, publishLatency,
		retryAttempts, breakerState, breakerRejections,
		fallbackEscalations, idempotencyEntries, replayResults,
		influxWriteFailures, asynqQueueDepth, spoolRecords,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		path := r.Pattern
		if path == "" {
			path = r.URL.Path
		}
		httpRequests.WithLabelValues(r.Method, path, status).Inc()
		httpLatency.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
	})
}

func ObservePublish(status string, sink string, d time.Duration) {
	publishResults.WithLabelValues(status, sink).Inc()
	publishLatency.WithLabelValues(status).Observe(d.Seconds())
}

func IncRetryAttempt(dependency string, kind string) {
	retryAttempts.WithLabelValues(dependency, kind).Inc()
}

// SetBreakerState takes the numeric encoding documented on the gauge.
func SetBreakerState(dependency string, value float64) {
	breakerState.WithLabelValues(dependency).Set(value)
}

func IncBreakerRejection(dependency string) {
	breakerRejections.WithLabelValues(dependency).Inc()
}

func IncFallback(tier string, outcome string) {
	fallbackEscalations.WithLabelValues(tier, outcome).Inc()
}

func SetIdempotencyEntries(n int) {
	idempotencyEntries.Set(float64(n))
}

func IncReplay(source string, outcome string) {
	replayResults.WithLabelValues(source, outcome).Inc()
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// SetSpoolRecords replaces the per-status spool gauge; statuses missing from
// counts drop to zero.
func SetSpoolRecords(counts map[string]int) {
	spoolRecords.Reset()
	for status, n := range counts {
		spoolRecords.WithLabelValues(status).Set(float64(n))
	}
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chunkrelay_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chunkrelay_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Transfer metrics
	chunksReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chunkrelay_chunks_received_total",
			Help: "Total number of chunk calls by outcome",
		},
		[]string{"outcome"},
	)

	completionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chunkrelay_completions_total",
			Help: "Total number of completion calls by result category",
		},
		[]string{"category", "compression"},
	)

	assemblyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chunkrelay_assembly_duration_seconds",
			Help:    "Time to assemble, decode and parse a payload",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"compression"},
	)

	assembledBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chunkrelay_assembled_bytes",
			Help:    "Decompressed size of assembled payloads",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		},
		[]string{"operation"},
	)

	rateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chunkrelay_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
	)

	// Session metrics
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chunkrelay_active_sessions",
			Help: "Number of in-flight sessions",
		},
	)

	sweptSessionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chunkrelay_swept_sessions_total",
			Help: "Sessions removed by expiry sweeps",
		},
	)

	sweepErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chunkrelay_sweep_errors_total",
			Help: "Expiry sweeps that failed",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers the metrics with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			chunksReceivedTotal,
			completionsTotal,
			assemblyDuration,
			assembledBytes,
			rateLimitedTotal,
			activeSessions,
			sweptSessionsTotal,
			sweepErrorsTotal,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordChunk counts one chunk call. outcome is "stored" or a failure
// category.
func RecordChunk(outcome string) {
	chunksReceivedTotal.WithLabelValues(outcome).Inc()
}

// RecordCompletion counts one completion call. category is "success" or a
// failure category.
func RecordCompletion(category, compression string, duration time.Duration) {
	completionsTotal.WithLabelValues(category, compression).Inc()
	assemblyDuration.WithLabelValues(compression).Observe(duration.Seconds())
}

// RecordAssembledBytes observes the final size of an assembled payload.
func RecordAssembledBytes(operation string, n int) {
	assembledBytes.WithLabelValues(operation).Observe(float64(n))
}

// RecordRateLimited counts one rejected request.
func RecordRateLimited() {
	rateLimitedTotal.Inc()
}

// RecordSweep records the outcome of one expiry sweep.
func RecordSweep(removed, remaining int, err error) {
	if err != nil {
		sweepErrorsTotal.Inc()
		return
	}
	sweptSessionsTotal.Add(float64(removed))
	activeSessions.Set(float64(remaining))
}

// SetActiveSessions sets the in-flight sessions gauge.
func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}

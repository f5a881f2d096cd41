// Package metrics exposes Prometheus collectors for the prober.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	proberProbesTotal            *prometheus.CounterVec
	proberProbeDurationSeconds   *prometheus.HistogramVec
	proberRetriesTotal           *prometheus.CounterVec
	proberHealthProbesTotal      *prometheus.CounterVec
	proberSessionRefreshesTotal  *prometheus.CounterVec
	proberGovernorInterval       prometheus.Gauge
	proberGovernorWaitSeconds    prometheus.Histogram
	proberActiveWorkers          prometheus.Gauge
	proberPersistenceErrorsTotal prometheus.Counter
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		proberProbesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prober_probes_total",
				Help: "Total probes issued, labeled by outcome kind.",
			},
			[]string{"outcome"},
		)

		proberProbeDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "prober_probe_duration_seconds",
				Help:    "Probe round-trip latency, labeled by outcome kind.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"outcome"},
		)

		proberRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prober_retries_total",
				Help: "Identifiers requeued for another attempt, labeled by reason.",
			},
			[]string{"reason"},
		)

		proberHealthProbesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prober_health_probes_total",
				Help: "Out-of-band session health probes, labeled by result.",
			},
			[]string{"result"},
		)

		proberSessionRefreshesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prober_session_refreshes_total",
				Help: "Session factory calls, labeled by result.",
			},
			[]string{"result"},
		)

		proberGovernorInterval = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "prober_governor_interval_seconds",
				Help: "Current minimum spacing between probes enforced by the governor.",
			},
		)

		proberGovernorWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "prober_governor_wait_seconds",
				Help:    "Time spent waiting for a governor slot.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		)

		proberActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "prober_active_workers",
				Help: "Workers currently holding a live session.",
			},
		)

		proberPersistenceErrorsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "prober_persistence_errors_total",
				Help: "Failed attempts to write results or progress to disk.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveProbe records one classified probe.
func ObserveProbe(outcome string, duration time.Duration) {
	Init()
	proberProbesTotal.WithLabelValues(outcome).Inc()
	if duration > 0 {
		proberProbeDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
	}
}

// ObserveRetry records an identifier being requeued.
func ObserveRetry(reason string) {
	Init()
	proberRetriesTotal.WithLabelValues(reason).Inc()
}

// ObserveHealthProbe records the result of a session health probe.
func ObserveHealthProbe(healthy bool) {
	Init()
	result := "healthy"
	if !healthy {
		result = "unhealthy"
	}
	proberHealthProbesTotal.WithLabelValues(result).Inc()
}

// ObserveSessionCreate records a session factory call.
func ObserveSessionCreate(ok bool) {
	Init()
	result := "success"
	if !ok {
		result = "error"
	}
	proberSessionRefreshesTotal.WithLabelValues(result).Inc()
}

// SetGovernorInterval publishes the current governor interval.
func SetGovernorInterval(interval time.Duration) {
	Init()
	proberGovernorInterval.Set(interval.Seconds())
}

// ObserveGovernorWait records how long a caller waited for a governor slot.
func ObserveGovernorWait(duration time.Duration) {
	Init()
	proberGovernorWaitSeconds.Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	proberActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	proberActiveWorkers.Dec()
}

// ObservePersistenceError counts a failed durable write.
func ObservePersistenceError() {
	Init()
	proberPersistenceErrorsTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, route, rec.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	backendDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	runDurationBuckets     = []float64{0.1, 0.5, 1, 2, 5, 10, 15, 20, 30, 60}
	pollAttemptBuckets     = []float64{1, 2, 3, 4, 5, 6, 8, 10, 15, 20}
)

// Metrics holds all Prometheus metric instruments for the service. A nil
// *Metrics is valid and records nothing, so components can take it as an
// optional dependency.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Context broker metrics
	BrokerRequestsTotal       *prometheus.CounterVec
	BrokerRequestDuration     *prometheus.HistogramVec
	BrokerCircuitBreakerState prometheus.Gauge

	// Classifier metrics
	ClassifierTriggersTotal *prometheus.CounterVec

	// Workflow metrics
	RunsTotal           *prometheus.CounterVec
	RunDuration         prometheus.Histogram
	RunsActive          prometheus.Gauge
	PollAttempts        prometheus.Histogram
	DecisionsTotal      *prometheus.CounterVec
	StatusWritesTotal   *prometheus.CounterVec
	LockContentionTotal prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reportflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reportflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		// Broker
		BrokerRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reportflow_broker_requests_total",
			Help: "Total number of context broker requests.",
		}, []string{"operation", "status"}),
		BrokerRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reportflow_broker_request_duration_seconds",
			Help:    "Context broker request duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"operation"}),
		BrokerCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reportflow_broker_circuit_breaker_state",
			Help: "Broker circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),

		// Classifier
		ClassifierTriggersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reportflow_classifier_triggers_total",
			Help: "Total number of classification triggers sent.",
		}, []string{"result"}),

		// Workflow
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reportflow_runs_total",
			Help: "Total number of classification workflow runs by outcome.",
		}, []string{"outcome"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reportflow_run_duration_seconds",
			Help:    "Classification workflow run duration in seconds.",
			Buckets: runDurationBuckets,
		}),
		RunsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reportflow_runs_active",
			Help: "Number of classification workflow runs in flight.",
		}),
		PollAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reportflow_poll_attempts",
			Help:    "Number of broker reads before classification converged or the poll gave up.",
			Buckets: pollAttemptBuckets,
		}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reportflow_decisions_total",
			Help: "Total number of approval decisions by resulting status.",
		}, []string{"decision"}),
		StatusWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reportflow_status_writes_total",
			Help: "Total number of status writes to the broker.",
		}, []string{"status", "result"}),
		LockContentionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reportflow_run_lock_contention_total",
			Help: "Total number of runs refused because another run held the report lock.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		// Broker
		m.BrokerRequestsTotal,
		m.BrokerRequestDuration,
		m.BrokerCircuitBreakerState,
		// Classifier
		m.ClassifierTriggersTotal,
		// Workflow
		m.RunsTotal,
		m.RunDuration,
		m.RunsActive,
		m.PollAttempts,
		m.DecisionsTotal,
		m.StatusWritesTotal,
		m.LockContentionTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordBrokerRequest records a context broker request. status is the HTTP
// status code, or 0 when the request never got a response.
func (m *Metrics) RecordBrokerRequest(operation string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.BrokerRequestsTotal.WithLabelValues(operation, strconv.Itoa(status)).Inc()
	m.BrokerRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetBrokerCircuitBreakerState sets the broker circuit breaker state.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetBrokerCircuitBreakerState(state float64) {
	if m == nil {
		return
	}
	m.BrokerCircuitBreakerState.Set(state)
}

// RecordClassifierTrigger records a trigger call; result is "ok" or "error".
func (m *Metrics) RecordClassifierTrigger(result string) {
	if m == nil {
		return
	}
	m.ClassifierTriggersTotal.WithLabelValues(result).Inc()
}

// RecordRunStart marks a workflow run as in flight.
func (m *Metrics) RecordRunStart() {
	if m == nil {
		return
	}
	m.RunsActive.Inc()
}

// RecordRunCompletion records a finished workflow run.
func (m *Metrics) RecordRunCompletion(outcome string, attempts int, duration time.Duration) {
	if m == nil {
		return
	}
	m.RunsActive.Dec()
	m.RunsTotal.WithLabelValues(outcome).Inc()
	m.RunDuration.Observe(duration.Seconds())
	if attempts > 0 {
		m.PollAttempts.Observe(float64(attempts))
	}
}

// RecordDecision records the status the approval policy chose.
func (m *Metrics) RecordDecision(decision string) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(decision).Inc()
}

// RecordStatusWrite records a status patch; result is "ok" or "error".
func (m *Metrics) RecordStatusWrite(status, result string) {
	if m == nil {
		return
	}
	m.StatusWritesTotal.WithLabelValues(status, result).Inc()
}

// RecordLockContention records a run refused by the report lock.
func (m *Metrics) RecordLockContention() {
	if m == nil {
		return
	}
	m.LockContentionTotal.Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for the given gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	// Sub-router patterns join as "/v1/reports/*/{id}"; RoutePattern collapses
	// the wildcard.
	pattern := strings.TrimSuffix(rctx.RoutePattern(), "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture the status.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}

package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons.
const (
	DropFinalizing = "finalizing"
	DropInvalid    = "invalid"
)

// Metrics holds the Prometheus collectors of the streaming pipeline.
type Metrics struct {
	registry        *prometheus.Registry
	segmentsTotal   *prometheus.CounterVec
	rolloverSeconds prometheus.Histogram
	overrunsTotal   prometheus.Counter
	droppedTotal    *prometheus.CounterVec
	sessionsActive  prometheus.Gauge
	requestsTotal   prometheus.Counter
	errorsTotal     prometheus.Counter
}

// New creates and registers the metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	segmentsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zeromirror_segments_total",
		Help: "Total number of published segments",
	}, []string{"mode"})
	rolloverSeconds := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "zeromirror_rollover_seconds",
		Help:    "Time spent producing a segment on rollover",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})
	overrunsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zeromirror_rollover_overruns_total",
		Help: "Total number of rollovers that took longer than the interval",
	})
	droppedTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zeromirror_samples_dropped_total",
		Help: "Total number of dropped access units",
	}, []string{"reason"})
	sessionsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "zeromirror_sessions_active",
		Help: "Number of running streaming sessions",
	})
	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zeromirror_http_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zeromirror_http_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})

	registry.MustRegister(
		segmentsTotal,
		rolloverSeconds,
		overrunsTotal,
		droppedTotal,
		sessionsActive,
		requestsTotal,
		errorsTotal,
	)

	return &Metrics{
		registry:        registry,
		segmentsTotal:   segmentsTotal,
		rolloverSeconds: rolloverSeconds,
		overrunsTotal:   overrunsTotal,
		droppedTotal:    droppedTotal,
		sessionsActive:  sessionsActive,
		requestsTotal:   requestsTotal,
		errorsTotal:     errorsTotal,
	}
}

// IncSegments increments the published segments counter.
func (m *Metrics) IncSegments(mode string) {
	m.segmentsTotal.WithLabelValues(mode).Inc()
}

// ObserveRollover records the duration of a rollover in seconds.
func (m *Metrics) ObserveRollover(seconds float64) {
	m.rolloverSeconds.Observe(seconds)
}

// IncOverruns increments the overrun counter.
func (m *Metrics) IncOverruns() {
	m.overrunsTotal.Inc()
}

// IncDropped increments the dropped samples counter.
func (m *Metrics) IncDropped(reason string) {
	m.droppedTotal.WithLabelValues(reason).Inc()
}

// SessionStarted increments the active sessions gauge.
func (m *Metrics) SessionStarted() {
	m.sessionsActive.Inc()
}

// SessionStopped decrements the active sessions gauge.
func (m *Metrics) SessionStopped() {
	m.sessionsActive.Dec()
}

// Handler returns a http.Handler that serves the metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ErrHijackUnsupported the underlying writer cannot be hijacked.
var ErrHijackUnsupported = errors.New("hijack not supported")

// responseWriter captures the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack allows websocket upgrades through the middleware.
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, ErrHijackUnsupported
	}
	return h.Hijack()
}

// RequestMiddleware counts requests and error responses.
func RequestMiddleware(m *Metrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrap := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrap, r)
			m.requestsTotal.Inc()
			if wrap.status >= 400 {
				m.errorsTotal.Inc()
			}
		})
	}
}

package app

import (
	"net/http"
	"strconv"
	"time"

	"devicegate/cmd/internal/admission"
	"devicegate/cmd/internal/session"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "devicegate"

// Metrics owns a private Prometheus registry. It implements admission.Observer.
type Metrics struct {
	registry *prometheus.Registry

	decisions   *prometheus.CounterVec
	evictions   *prometheus.CounterVec
	validations *prometheus.CounterVec
	storeErrors *prometheus.CounterVec
	purged      prometheus.Counter

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "admission_decisions_total",
			Help:      "Login admission decisions by result.",
		}, []string{"result"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "evictions_total",
			Help:      "Session deactivations by reason.",
		}, []string{"reason"}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "validations_total",
			Help:      "Session validations by result.",
		}, []string{"result"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "store_errors_total",
			Help:      "Session store failures by operation.",
		}, []string{"op"}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_purged_total",
			Help:      "Inactive sessions removed by the retention job.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status class.",
		}, []string{"method", "class"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewBuildInfoCollector(),
		m.decisions,
		m.evictions,
		m.validations,
		m.storeErrors,
		m.purged,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Registry exposes the registry (tests, extra collectors).
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) LoginDecided(s admission.Status) {
	m.decisions.WithLabelValues(string(s)).Inc()
}

func (m *Metrics) SessionEnded(reason session.EndReason) {
	m.evictions.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) Validated(reason admission.Reason) {
	result := string(reason)
	if reason == admission.ReasonNone {
		result = "valid"
	}
	m.validations.WithLabelValues(result).Inc()
}

func (m *Metrics) StoreFailed(op string) {
	m.storeErrors.WithLabelValues(op).Inc()
}

// SessionsPurged adds n to the purge counter.
func (m *Metrics) SessionsPurged(n int64) {
	if n > 0 {
		m.purged.Add(float64(n))
	}
}

// ObserveHTTP records one finished request.
func (m *Metrics) ObserveHTTP(method string, status int, d time.Duration) {
	class := statusClass(status)
	if status == http.StatusSwitchingProtocols {
		class = strconv.Itoa(status)
	}
	m.httpRequests.WithLabelValues(method, class).Inc()
	m.httpDuration.WithLabelValues(method).Observe(d.Seconds())
}

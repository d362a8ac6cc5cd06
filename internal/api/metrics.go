package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the server's Prometheus collectors. Each Metrics owns its
// registry so that several servers (and tests) can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	forwardTotal    *prometheus.CounterVec
	forwardErrors   *prometheus.CounterVec
	forwardDuration *prometheus.HistogramVec
	positions       *prometheus.CounterVec
	sessionsActive  prometheus.Gauge
	sessionsCreated prometheus.Counter
	sessionsExpired prometheus.Counter
}

// NewMetrics registers the retention server collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		forwardTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "retention_forward_total",
			Help: "Total number of forward calls",
		}, []string{"mode"}),
		forwardErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "retention_forward_errors_total",
			Help: "Total number of rejected forward calls",
		}, []string{"mode"}),
		forwardDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "retention_forward_duration_seconds",
			Help:    "Duration of forward calls",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}, []string{"mode"}),
		positions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "retention_positions_total",
			Help: "Total number of sequence positions processed",
		}, []string{"mode"}),
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "retention_sessions_active",
			Help: "Number of open recurrent sessions",
		}),
		sessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "retention_sessions_created_total",
			Help: "Total number of recurrent sessions created",
		}),
		sessionsExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "retention_sessions_expired_total",
			Help: "Total number of recurrent sessions dropped after idling",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, e.g. for Gather in tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) observeForward(mode string, positions int, elapsed time.Duration, err error) {
	if err != nil {
		m.forwardErrors.WithLabelValues(mode).Inc()
		return
	}
	m.forwardTotal.WithLabelValues(mode).Inc()
	m.forwardDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
	m.positions.WithLabelValues(mode).Add(float64(positions))
}

func (m *Metrics) sessionOpened() {
	m.sessionsCreated.Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) sessionsClosed(n int) {
	m.sessionsActive.Sub(float64(n))
}

func (m *Metrics) sessionsDropped(n int) {
	if n == 0 {
		return
	}
	m.sessionsExpired.Add(float64(n))
	m.sessionsActive.Sub(float64(n))
}

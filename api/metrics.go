package api

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// Metrics holds the Prometheus instruments for the session engine
type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions    prometheus.Gauge
	ActiveConnections prometheus.Gauge
	Broadcasts        prometheus.Counter
	Mutations         *prometheus.CounterVec
	RateLimited       *prometheus.CounterVec
	AISuggestions     *prometheus.CounterVec
}

// NewMetrics creates the engine metrics collector. A process-wide singleton
// avoids duplicate registration when multiple hubs are built in tests.
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	if globalMetrics != nil {
		return globalMetrics
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "canvas",
			Name:      "active_sessions",
			Help:      "Number of live collaborative sessions",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "canvas",
			Name:      "active_connections",
			Help:      "Number of attached WebSocket connections",
		}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "canvas",
			Name:      "broadcasts_total",
			Help:      "Total events fanned out to session connections",
		}),
		Mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canvas",
			Name:      "mutations_total",
			Help:      "Total applied canvas mutations by operation",
		}, []string{"operation"}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canvas",
			Name:      "rate_limited_total",
			Help:      "Total rejected actions by class",
		}, []string{"class"}),
		AISuggestions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canvas",
			Name:      "ai_suggestions_total",
			Help:      "Total AI suggestion tasks by outcome",
		}, []string{"outcome"}),
	}

	registry.MustRegister(
		m.ActiveSessions,
		m.ActiveConnections,
		m.Broadcasts,
		m.Mutations,
		m.RateLimited,
		m.AISuggestions,
	)

	globalMetrics = m
	return m
}

// Handler exposes the collector's registry for the /metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Package metrics exposes gateway counters in the Prometheus text format.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/treyanderson/mcp-server-gateway/pkg/registry"
)

const namespace = "mcp_gateway"

// Metrics owns a private Prometheus registry. A nil *Metrics records nothing.
type Metrics struct {
	reg *prometheus.Registry

	sessions       prometheus.Gauge
	sessionsTotal  prometheus.Counter
	connected      prometheus.Gauge
	catalog        *prometheus.GaugeVec
	forwarded      *prometheus.CounterVec
	forwardLatency *prometheus.HistogramVec
	searches       *prometheus.CounterVec
}

// New registers the gateway collectors plus Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "HTTP sessions currently open.",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "HTTP sessions created since start.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "servers_connected",
			Help:      "Downstream servers with a usable connection.",
		}),
		catalog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "catalog_entries",
			Help:      "Aggregated catalog size by category.",
		}, []string{"category"}),
		forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwarded_calls_total",
			Help:      "Calls forwarded to downstream servers.",
		}, []string{"category", "server", "outcome"}),
		forwardLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "forwarded_call_duration_seconds",
			Help:      "Latency of forwarded calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"category", "server"}),
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_searches_total",
			Help:      "tool_search invocations by mode and whether anything matched.",
		}, []string{"mode", "matched"}),
	}
	m.reg.MustRegister(
		m.sessions,
		m.sessionsTotal,
		m.connected,
		m.catalog,
		m.forwarded,
		m.forwardLatency,
		m.searches,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and embedding.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// SessionOpened counts a new HTTP session.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
	m.sessionsTotal.Inc()
}

// SessionClosed counts a removed HTTP session.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

// CatalogChanged records the connection count and catalog sizes.
func (m *Metrics) CatalogChanged(connected int, cat registry.Catalog) {
	if m == nil {
		return
	}
	m.connected.Set(float64(connected))
	m.catalog.WithLabelValues(string(registry.CategoryTools)).Set(float64(len(cat.Tools)))
	m.catalog.WithLabelValues(string(registry.CategoryResources)).Set(float64(len(cat.Resources)))
	m.catalog.WithLabelValues(string(registry.CategoryPrompts)).Set(float64(len(cat.Prompts)))
}

// ForwardedCall records one forwarded call.
func (m *Metrics) ForwardedCall(category registry.Category, serverID string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.forwarded.WithLabelValues(string(category), serverID, outcome(err)).Inc()
	m.forwardLatency.WithLabelValues(string(category), serverID).Observe(elapsed.Seconds())
}

// ToolSearch records one tool_search invocation.
func (m *Metrics) ToolSearch(mode string, results int) {
	if m == nil {
		return
	}
	matched := "false"
	if results > 0 {
		matched = "true"
	}
	m.searches.WithLabelValues(mode, matched).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

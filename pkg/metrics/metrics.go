// Package metrics provides the Prometheus metrics of the realtime core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector. Each call to New uses a fresh registry, so
// tests can build as many as they like.
type Metrics struct {
	CacheLookups        *prometheus.CounterVec
	CacheErrors         *prometheus.CounterVec
	ConnectionsActive   prometheus.Gauge
	ConnectionsDropped  *prometheus.CounterVec
	EventsPushed        *prometheus.CounterVec
	DeliveryTransitions *prometheus.CounterVec
	SessionsSwept       prometheus.Counter
	QueueEnqueued       *prometheus.CounterVec
	QueueSettled        *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_session_cache_lookups_total",
				Help: "Session cache lookups by index and result (hit, miss, stale, revoked).",
			},
			[]string{"index", "result"},
		),
		CacheErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_session_cache_errors_total",
				Help: "Session cache operations that failed after the retry, by operation.",
			},
			[]string{"op"},
		),
		ConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "parley_ws_connections_active",
				Help: "Live WebSocket connections held by this process.",
			},
		),
		ConnectionsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_ws_connections_dropped_total",
				Help: "Connections deregistered while pushing, by reason.",
			},
			[]string{"reason"},
		),
		EventsPushed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_ws_events_pushed_total",
				Help: "Events queued onto connection send buffers, by op.",
			},
			[]string{"op"},
		),
		DeliveryTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_delivery_transitions_total",
				Help: "Applied delivery status transitions, by target status.",
			},
			[]string{"status"},
		),
		SessionsSwept: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_sessions_swept_total",
				Help: "Expired sessions hard-deleted by the sweeper.",
			},
		),
		QueueEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_delivery_queue_enqueued_total",
				Help: "Delivery queue publishes, by result.",
			},
			[]string{"result"},
		),
		QueueSettled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_delivery_queue_settled_total",
				Help: "Consumed delivery jobs, by outcome (ack, nak, term).",
			},
			[]string{"outcome"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.CacheLookups,
		m.CacheErrors,
		m.ConnectionsActive,
		m.ConnectionsDropped,
		m.EventsPushed,
		m.DeliveryTransitions,
		m.SessionsSwept,
		m.QueueEnqueued,
		m.QueueSettled,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (used by tests).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

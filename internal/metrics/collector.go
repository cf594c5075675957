package ajmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "ajbusd"
	subsystem = "router"
)

// Label names for router metrics.
const (
	labelTransport   = "transport"
	labelEndpointID  = "endpoint_id"
	labelSessionType = "session_type"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Router Metrics
// -------------------------------------------------------------------------

// Collector holds all router Prometheus metrics.
//
//   - Endpoint gauges track currently attached bus-to-bus and local
//     connections.
//   - Message counters track routed/dropped volumes per endpoint.
//   - Session gauges and counters track AllJoyn session lifecycle events.
//   - Name-table gauges track the size of the well-known name registry.
type Collector struct {
	// Endpoints tracks the number of currently attached endpoints, labeled
	// by transport kind (tcp, unix, local).
	Endpoints *prometheus.GaugeVec

	// MessagesRouted counts messages successfully delivered to a
	// destination endpoint.
	MessagesRouted *prometheus.CounterVec

	// MessagesDropped counts messages dropped (no route, destination
	// full, malformed) labeled by transport.
	MessagesDropped *prometheus.CounterVec

	// Sessions tracks the number of currently joined AllJoyn sessions.
	Sessions prometheus.Gauge

	// SessionJoins counts successful JoinSession completions.
	SessionJoins prometheus.Counter

	// SessionLost counts SessionLost deliveries, labeled by the reason
	// the router recorded for the loss.
	SessionLost *prometheus.CounterVec

	// NameOwners tracks the current count of registered name owners in
	// the name table (unique bus names with at least one owner).
	NameOwners prometheus.Gauge

	// IncompleteConnections tracks connections that have not yet
	// completed the SASL handshake.
	IncompleteConnections prometheus.Gauge
}

// NewCollector creates a Collector with all router metrics registered
// against reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Endpoints,
		c.MessagesRouted,
		c.MessagesDropped,
		c.Sessions,
		c.SessionJoins,
		c.SessionLost,
		c.NameOwners,
		c.IncompleteConnections,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		Endpoints: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "endpoints",
			Help:      "Number of currently attached endpoints.",
		}, []string{labelTransport}),

		MessagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_routed_total",
			Help:      "Total messages routed to a destination endpoint.",
		}, []string{labelTransport}),

		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_dropped_total",
			Help:      "Total messages dropped (no route, full endpoint, malformed message).",
		}, []string{labelTransport}),

		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions",
			Help:      "Number of currently joined AllJoyn sessions.",
		}),

		SessionJoins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "session_joins_total",
			Help:      "Total successful JoinSession completions.",
		}),

		SessionLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "session_lost_total",
			Help:      "Total SessionLost deliveries, labeled by reason.",
		}, []string{"reason"}),

		NameOwners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "name_owners",
			Help:      "Current count of registered bus names with at least one owner.",
		}),

		IncompleteConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "incomplete_connections",
			Help:      "Connections accepted but not yet past the SASL handshake.",
		}),
	}
}

// -------------------------------------------------------------------------
// Endpoint Lifecycle
// -------------------------------------------------------------------------

// RegisterEndpoint increments the endpoint gauge for the given transport.
func (c *Collector) RegisterEndpoint(transport string) {
	c.Endpoints.WithLabelValues(transport).Inc()
}

// UnregisterEndpoint decrements the endpoint gauge for the given transport.
func (c *Collector) UnregisterEndpoint(transport string) {
	c.Endpoints.WithLabelValues(transport).Dec()
}

// -------------------------------------------------------------------------
// Message Counters
// -------------------------------------------------------------------------

// IncMessagesRouted increments the routed-messages counter for transport.
func (c *Collector) IncMessagesRouted(transport string) {
	c.MessagesRouted.WithLabelValues(transport).Inc()
}

// IncMessagesDropped increments the dropped-messages counter for transport.
func (c *Collector) IncMessagesDropped(transport string) {
	c.MessagesDropped.WithLabelValues(transport).Inc()
}

// -------------------------------------------------------------------------
// Sessions
// -------------------------------------------------------------------------

// RecordSessionJoined increments the active session gauge and join counter.
func (c *Collector) RecordSessionJoined() {
	c.Sessions.Inc()
	c.SessionJoins.Inc()
}

// RecordSessionLost decrements the active session gauge and records the
// reason the router attributed to the loss (e.g. "endpoint_gone", "left").
func (c *Collector) RecordSessionLost(reason string) {
	c.Sessions.Dec()
	c.SessionLost.WithLabelValues(reason).Inc()
}

// -------------------------------------------------------------------------
// Name Table
// -------------------------------------------------------------------------

// SetNameOwners sets the current name-owner count.
func (c *Collector) SetNameOwners(n int) {
	c.NameOwners.Set(float64(n))
}

// -------------------------------------------------------------------------
// Connection Lifecycle
// -------------------------------------------------------------------------

// SetIncompleteConnections sets the current count of connections mid-handshake.
func (c *Collector) SetIncompleteConnections(n int) {
	c.IncompleteConnections.Set(float64(n))
}

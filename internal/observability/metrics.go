// Package observability provides Prometheus metrics, health/readiness
// endpoints, structured logging, and OpenTelemetry tracing for roomhub.
package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds both Prometheus collectors and atomic counters for
// fast-path access in the broadcast hot path.
type Metrics struct {
	// Atomic counters for hot-path (no mutex, no allocation).
	messagesBroadcast int64
	deliveries        int64
	rateLimited       int64
	sendFailures      int64
	authVerified      int64
	authFallback      int64
	authRejected      int64
	eventsDropped     int64

	// Prometheus counters for scraping.
	promMessagesBroadcast prometheus.Counter
	promDeliveries        prometheus.Counter
	promRateLimited       prometheus.Counter
	promSendFailures      prometheus.Counter
	promAuthVerified      prometheus.Counter
	promAuthFallback      prometheus.Counter
	promAuthRejected      prometheus.Counter
	promEventsDropped     prometheus.Counter

	// Live-state gauges, driven by the connection registry.
	PromActiveConnections prometheus.Gauge
	PromActiveRooms       prometheus.Gauge

	// Fan-out size distribution (histogram, not per-room labels — room ids
	// are caller-generated strings with unbounded cardinality).
	PromFanoutSize prometheus.Histogram
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	m := &Metrics{
		promMessagesBroadcast: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "roomhub",
			Name:      "messages_broadcast_total",
			Help:      "Total number of messages fanned out to a room.",
		}),
		promDeliveries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "roomhub",
			Name:      "deliveries_total",
			Help:      "Total number of per-connection message deliveries.",
		}),
		promRateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "roomhub",
			Name:      "messages_rate_limited_total",
			Help:      "Total number of messages rejected by the sliding-window limiter.",
		}),
		promSendFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "roomhub",
			Name:      "send_failures_total",
			Help:      "Total number of failed deliveries that forced a disconnect.",
		}),
		promAuthVerified: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "roomhub",
			Name:      "auth_verified_total",
			Help:      "Total number of credentials verified against the local secret.",
		}),
		promAuthFallback: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "roomhub",
			Name:      "auth_fallback_total",
			Help:      "Total number of invalid credentials accepted under the edge-trust fallback.",
		}),
		promAuthRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "roomhub",
			Name:      "auth_rejected_total",
			Help:      "Total number of requests rejected for a missing credential.",
		}),
		promEventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "roomhub",
			Name:      "events_dropped_total",
			Help:      "Total number of usage events dropped due to a full buffer.",
		}),
		PromActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "roomhub",
			Name:      "active_connections",
			Help:      "Number of live WebSocket connections.",
		}),
		PromActiveRooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "roomhub",
			Name:      "active_rooms",
			Help:      "Number of rooms with at least one live connection.",
		}),
		PromFanoutSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "roomhub",
			Name:      "broadcast_fanout_size",
			Help:      "Distribution of receiver counts per broadcast.",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 500},
		}),
	}

	return m
}

// IncMessagesBroadcast increments the broadcast counter.
func (m *Metrics) IncMessagesBroadcast() {
	atomic.AddInt64(&m.messagesBroadcast, 1)
	m.promMessagesBroadcast.Inc()
}

// AddDeliveries adds n per-connection deliveries.
func (m *Metrics) AddDeliveries(n int) {
	atomic.AddInt64(&m.deliveries, int64(n))
	m.promDeliveries.Add(float64(n))
}

// IncRateLimited increments the rate-limited message counter.
func (m *Metrics) IncRateLimited() {
	atomic.AddInt64(&m.rateLimited, 1)
	m.promRateLimited.Inc()
}

// IncSendFailures increments the failed-delivery counter.
func (m *Metrics) IncSendFailures() {
	atomic.AddInt64(&m.sendFailures, 1)
	m.promSendFailures.Inc()
}

// IncAuthVerified increments the locally-verified credential counter.
func (m *Metrics) IncAuthVerified() {
	atomic.AddInt64(&m.authVerified, 1)
	m.promAuthVerified.Inc()
}

// IncAuthFallback increments the edge-trust fallback counter.
func (m *Metrics) IncAuthFallback() {
	atomic.AddInt64(&m.authFallback, 1)
	m.promAuthFallback.Inc()
}

// IncAuthRejected increments the missing-credential rejection counter.
func (m *Metrics) IncAuthRejected() {
	atomic.AddInt64(&m.authRejected, 1)
	m.promAuthRejected.Inc()
}

// IncEventsDropped increments the dropped usage event counter.
func (m *Metrics) IncEventsDropped() {
	atomic.AddInt64(&m.eventsDropped, 1)
	m.promEventsDropped.Inc()
}

// SetActiveConnections updates the live connection gauge.
func (m *Metrics) SetActiveConnections(n int) {
	m.PromActiveConnections.Set(float64(n))
}

// SetActiveRooms updates the live room gauge.
func (m *Metrics) SetActiveRooms(n int) {
	m.PromActiveRooms.Set(float64(n))
}

// ObserveFanout records the receiver count of one broadcast.
func (m *Metrics) ObserveFanout(receivers int) {
	m.PromFanoutSize.Observe(float64(receivers))
}

// MetricsSnapshot holds a point-in-time copy of all atomic counters.
type MetricsSnapshot struct {
	MessagesBroadcast int64
	Deliveries        int64
	RateLimited       int64
	SendFailures      int64
	AuthVerified      int64
	AuthFallback      int64
	AuthRejected      int64
	EventsDropped     int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		MessagesBroadcast: atomic.LoadInt64(&m.messagesBroadcast),
		Deliveries:        atomic.LoadInt64(&m.deliveries),
		RateLimited:       atomic.LoadInt64(&m.rateLimited),
		SendFailures:      atomic.LoadInt64(&m.sendFailures),
		AuthVerified:      atomic.LoadInt64(&m.authVerified),
		AuthFallback:      atomic.LoadInt64(&m.authFallback),
		AuthRejected:      atomic.LoadInt64(&m.authRejected),
		EventsDropped:     atomic.LoadInt64(&m.eventsDropped),
	}
}

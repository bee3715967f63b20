package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the manager. A nil *Metrics
// disables instrumentation; every Record* caller checks for nil first.
type Metrics struct {
	// Connection metrics
	activeConnections    prometheus.Gauge
	connectionsOpened    prometheus.Counter
	connectionsClosed    prometheus.Counter
	connectionRejections *prometheus.CounterVec

	// Subscription metrics
	activeSubscriptions prometheus.Gauge
	subscriptionDenials *prometheus.CounterVec

	// Delivery metrics
	eventsPublished  *prometheus.CounterVec
	eventFanout      prometheus.Histogram
	transportLatency prometheus.Histogram
	batchChunkEvents prometheus.Histogram

	// Limiter metrics
	rateLimitHits *prometheus.CounterVec

	// Health metrics
	healthStatus prometheus.Gauge
}

// NewMetrics creates and registers the metrics instance. Register it once
// per process; libraries and tests run with a nil *Metrics instead.
func NewMetrics() *Metrics {
	return &Metrics{
		activeConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "realtime_active_connections",
				Help: "Current number of registered connections",
			},
		),
		connectionsOpened: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "realtime_connections_opened_total",
				Help: "Total number of connections registered",
			},
		),
		connectionsClosed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "realtime_connections_closed_total",
				Help: "Total number of connections removed",
			},
		),
		connectionRejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_connection_rejections_total",
				Help: "Total number of rejected registrations by reason",
			},
			[]string{"reason"},
		),
		activeSubscriptions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "realtime_active_subscriptions",
				Help: "Current number of channel subscriptions",
			},
		),
		subscriptionDenials: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_subscription_denials_total",
				Help: "Total number of denied subscriptions by reason",
			},
			[]string{"reason"},
		),
		eventsPublished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_events_published_total",
				Help: "Total number of events processed by outcome",
			},
			[]string{"outcome"},
		),
		eventFanout: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "realtime_event_fanout",
				Help:    "Number of subscribers each published event fanned out to",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2000, 5000},
			},
		),
		transportLatency: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "realtime_transport_latency_seconds",
				Help:    "Time spent in transport publish calls",
				Buckets: prometheus.DefBuckets,
			},
		),
		batchChunkEvents: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "realtime_batch_chunk_events",
				Help:    "Events per transport batch call",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
			},
		),
		rateLimitHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_rate_limit_hits_total",
				Help: "Total number of rate-limited operations by class",
			},
			[]string{"class"},
		),
		healthStatus: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "realtime_health_status",
				Help: "Current health status (0=healthy, 1=degraded, 2=unhealthy)",
			},
		),
	}
}

// RecordActiveConnections updates the active connection count
func (m *Metrics) RecordActiveConnections(count int) {
	m.activeConnections.Set(float64(count))
}

// RecordConnectionOpened increments the registration counter
func (m *Metrics) RecordConnectionOpened() {
	m.connectionsOpened.Inc()
}

// RecordConnectionClosed increments the removal counter
func (m *Metrics) RecordConnectionClosed() {
	m.connectionsClosed.Inc()
}

// RecordConnectionRejected increments the rejection counter for a reason
func (m *Metrics) RecordConnectionRejected(reason string) {
	m.connectionRejections.WithLabelValues(reason).Inc()
}

// RecordActiveSubscriptions updates the subscription count
func (m *Metrics) RecordActiveSubscriptions(count int) {
	m.activeSubscriptions.Set(float64(count))
}

// RecordSubscriptionDenied increments the denial counter for a reason
func (m *Metrics) RecordSubscriptionDenied(reason string) {
	m.subscriptionDenials.WithLabelValues(reason).Inc()
}

// RecordEventPublished increments the event counter for an outcome
func (m *Metrics) RecordEventPublished(outcome string) {
	m.eventsPublished.WithLabelValues(outcome).Inc()
}

// RecordEventFanout records how many subscribers an event reached
func (m *Metrics) RecordEventFanout(recipients int) {
	m.eventFanout.Observe(float64(recipients))
}

// RecordTransportLatency records the duration of a transport call
func (m *Metrics) RecordTransportLatency(seconds float64) {
	m.transportLatency.Observe(seconds)
}

// RecordBatchChunk records the size of one transport batch call
func (m *Metrics) RecordBatchChunk(events int) {
	m.batchChunkEvents.Observe(float64(events))
}

// RecordRateLimitHit increments the limiter counter for a class
func (m *Metrics) RecordRateLimitHit(class string) {
	m.rateLimitHits.WithLabelValues(class).Inc()
}

// RecordHealthStatus exports the current health status as a gauge
func (m *Metrics) RecordHealthStatus(status Status) {
	var v float64
	switch status {
	case StatusDegraded:
		v = 1
	case StatusUnhealthy:
		v = 2
	}
	m.healthStatus.Set(v)
}

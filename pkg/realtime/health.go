package realtime

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Status is the aggregate health level. Severity ordering is
// unhealthy > degraded > healthy.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// HealthSnapshot is the on-demand aggregate view of the manager. It is
// computed synchronously from in-memory counters and never persisted.
type HealthSnapshot struct {
	Status          Status    `json:"status"`
	Connections     int       `json:"connections"`
	Capacity        int       `json:"capacity"`
	Utilization     float64   `json:"utilization"`
	Subscriptions   int       `json:"subscriptions"`
	Channels        int       `json:"channels"`
	EventsDelivered uint64    `json:"eventsDelivered"`
	EventsFailed    uint64    `json:"eventsFailed"`
	ErrorRate       float64   `json:"errorRate"`
	LatencyP50Ms    float64   `json:"latencyP50Ms"`
	LatencyP95Ms    float64   `json:"latencyP95Ms"`
	LatencyP99Ms    float64   `json:"latencyP99Ms"`
	Timestamp       time.Time `json:"timestamp"`
}

// HealthMonitor aggregates delivery outcomes into a status snapshot.
// Latencies live in a fixed ring buffer and the error rate is counted over
// a fixed window with lazy reset, so recording stays O(1) and snapshots
// stay cheap enough for frequent polling.
type HealthMonitor struct {
	cfg HealthConfig

	mu          sync.Mutex
	latencies   []time.Duration
	next        int
	windowStart time.Time
	okInWindow  int64
	errInWindow int64

	delivered atomic.Uint64
	failed    atomic.Uint64

	// now is swappable for tests.
	now func() time.Time
}

// NewHealthMonitor creates a monitor with the given thresholds.
func NewHealthMonitor(cfg HealthConfig) *HealthMonitor {
	h := &HealthMonitor{
		cfg: cfg,
		now: time.Now,
	}
	h.windowStart = time.Now()
	return h
}

// RecordDelivery feeds one transport call outcome into the monitor. Only
// the dispatcher calls this.
func (h *HealthMonitor) RecordDelivery(latency time.Duration, err error) {
	h.mu.Lock()
	now := h.now()
	if now.Sub(h.windowStart) >= h.cfg.ErrorWindow {
		h.okInWindow, h.errInWindow = 0, 0
		h.windowStart = now
	}
	if h.cfg.LatencyWindow > 0 {
		if len(h.latencies) < h.cfg.LatencyWindow {
			h.latencies = append(h.latencies, latency)
		} else {
			h.latencies[h.next] = latency
		}
		h.next = (h.next + 1) % h.cfg.LatencyWindow
	}
	if err != nil {
		h.errInWindow++
	} else {
		h.okInWindow++
	}
	h.mu.Unlock()

	if err != nil {
		h.failed.Add(1)
	} else {
		h.delivered.Add(1)
	}
}

// Snapshot combines the registry gauges passed in with the monitor's own
// delivery window into one status. Synchronous, side-effect-free; an
// elapsed error window counts as empty rather than being reset here.
func (h *HealthMonitor) Snapshot(connections, capacity, subscriptions, channels int) HealthSnapshot {
	h.mu.Lock()
	now := h.now()
	ok, errs := h.okInWindow, h.errInWindow
	if now.Sub(h.windowStart) >= h.cfg.ErrorWindow {
		ok, errs = 0, 0
	}
	samples := make([]time.Duration, len(h.latencies))
	copy(samples, h.latencies)
	h.mu.Unlock()

	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	p50 := percentile(samples, 0.50)
	p95 := percentile(samples, 0.95)
	p99 := percentile(samples, 0.99)

	total := ok + errs
	errorRate := 0.0
	if total > 0 {
		errorRate = float64(errs) / float64(total)
	}
	utilization := 0.0
	if capacity > 0 {
		utilization = float64(connections) / float64(capacity)
	}

	status := StatusHealthy
	switch {
	case utilization >= 1.0,
		total >= int64(h.cfg.MinSamples) && errorRate >= h.cfg.UnhealthyErrorRate:
		status = StatusUnhealthy
	case utilization >= h.cfg.DegradedUtilization,
		total >= int64(h.cfg.MinSamples) && errorRate >= h.cfg.DegradedErrorRate,
		p99 > 0 && p99 >= h.cfg.DegradedLatencyP99:
		status = StatusDegraded
	}

	return HealthSnapshot{
		Status:          status,
		Connections:     connections,
		Capacity:        capacity,
		Utilization:     utilization,
		Subscriptions:   subscriptions,
		Channels:        channels,
		EventsDelivered: h.delivered.Load(),
		EventsFailed:    h.failed.Load(),
		ErrorRate:       errorRate,
		LatencyP50Ms:    float64(p50) / float64(time.Millisecond),
		LatencyP95Ms:    float64(p95) / float64(time.Millisecond),
		LatencyP99Ms:    float64(p99) / float64(time.Millisecond),
		Timestamp:       now,
	}
}

// Totals returns the lifetime delivered and failed transport call counts.
func (h *HealthMonitor) Totals() (delivered, failed uint64) {
	return h.delivered.Load(), h.failed.Load()
}

// percentile returns the nearest-rank percentile of an ascending sample
// slice, or 0 for an empty slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

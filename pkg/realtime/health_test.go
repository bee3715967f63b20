package realtime

import (
	"errors"
	"testing"
	"time"
)

func testHealthConfig() HealthConfig {
	return HealthConfig{
		LatencyWindow:       64,
		ErrorWindow:         time.Minute,
		MinSamples:          5,
		DegradedErrorRate:   0.1,
		UnhealthyErrorRate:  0.5,
		DegradedUtilization: 0.9,
		DegradedLatencyP99:  time.Second,
	}
}

func TestHealthMonitorStatus(t *testing.T) {
	errSend := errors.New("transport down")

	t.Run("empty monitor is healthy", func(t *testing.T) {
		h := NewHealthMonitor(testHealthConfig())
		snap := h.Snapshot(0, 10, 0, 0)
		if snap.Status != StatusHealthy {
			t.Errorf("Expected healthy, got %s", snap.Status)
		}
	})

	t.Run("degraded at high utilization", func(t *testing.T) {
		h := NewHealthMonitor(testHealthConfig())
		snap := h.Snapshot(9, 10, 0, 0)
		if snap.Status != StatusDegraded {
			t.Errorf("Expected degraded at 0.9 utilization, got %s", snap.Status)
		}
		if snap.Utilization != 0.9 {
			t.Errorf("Expected utilization 0.9, got %f", snap.Utilization)
		}
	})

	t.Run("unhealthy at full pool", func(t *testing.T) {
		h := NewHealthMonitor(testHealthConfig())
		snap := h.Snapshot(10, 10, 0, 0)
		if snap.Status != StatusUnhealthy {
			t.Errorf("Expected unhealthy at capacity, got %s", snap.Status)
		}
	})

	t.Run("degraded at elevated error rate", func(t *testing.T) {
		h := NewHealthMonitor(testHealthConfig())
		for i := 0; i < 9; i++ {
			h.RecordDelivery(time.Millisecond, nil)
		}
		h.RecordDelivery(time.Millisecond, errSend)
		snap := h.Snapshot(1, 10, 0, 0)
		if snap.Status != StatusDegraded {
			t.Errorf("Expected degraded at 10%% errors, got %s", snap.Status)
		}
		if snap.ErrorRate != 0.1 {
			t.Errorf("Expected error rate 0.1, got %f", snap.ErrorRate)
		}
	})

	t.Run("unhealthy at high error rate", func(t *testing.T) {
		h := NewHealthMonitor(testHealthConfig())
		for i := 0; i < 5; i++ {
			h.RecordDelivery(time.Millisecond, nil)
			h.RecordDelivery(time.Millisecond, errSend)
		}
		snap := h.Snapshot(1, 10, 0, 0)
		if snap.Status != StatusUnhealthy {
			t.Errorf("Expected unhealthy at 50%% errors, got %s", snap.Status)
		}
	})

	t.Run("few samples never trip error thresholds", func(t *testing.T) {
		h := NewHealthMonitor(testHealthConfig())
		h.RecordDelivery(time.Millisecond, errSend)
		h.RecordDelivery(time.Millisecond, errSend)
		snap := h.Snapshot(1, 10, 0, 0)
		if snap.Status != StatusHealthy {
			t.Errorf("Expected healthy below MinSamples, got %s", snap.Status)
		}
	})

	t.Run("degraded at slow p99", func(t *testing.T) {
		h := NewHealthMonitor(testHealthConfig())
		for i := 0; i < 20; i++ {
			h.RecordDelivery(2*time.Second, nil)
		}
		snap := h.Snapshot(1, 10, 0, 0)
		if snap.Status != StatusDegraded {
			t.Errorf("Expected degraded at 2s p99, got %s", snap.Status)
		}
		if snap.LatencyP99Ms != 2000 {
			t.Errorf("Expected p99 2000ms, got %f", snap.LatencyP99Ms)
		}
	})
}

func TestHealthMonitorErrorWindow(t *testing.T) {
	h := NewHealthMonitor(testHealthConfig())
	current := time.Unix(3000, 0)
	h.now = func() time.Time { return current }
	h.windowStart = current

	errSend := errors.New("transport down")
	for i := 0; i < 10; i++ {
		h.RecordDelivery(time.Millisecond, errSend)
	}
	if snap := h.Snapshot(1, 10, 0, 0); snap.Status != StatusUnhealthy {
		t.Fatalf("Expected unhealthy, got %s", snap.Status)
	}

	t.Run("stale window reads empty without reset", func(t *testing.T) {
		current = current.Add(2 * time.Minute)
		snap := h.Snapshot(1, 10, 0, 0)
		if snap.ErrorRate != 0 {
			t.Errorf("Expected stale window to read 0 errors, got %f", snap.ErrorRate)
		}
		if snap.Status == StatusUnhealthy {
			t.Error("Old errors should not keep the node unhealthy")
		}
	})

	t.Run("next delivery starts a fresh window", func(t *testing.T) {
		h.RecordDelivery(time.Millisecond, nil)
		snap := h.Snapshot(1, 10, 0, 0)
		if snap.ErrorRate != 0 {
			t.Errorf("Expected fresh window with 0 errors, got %f", snap.ErrorRate)
		}
	})

	t.Run("lifetime totals survive window resets", func(t *testing.T) {
		delivered, failed := h.Totals()
		if delivered != 1 || failed != 10 {
			t.Errorf("Expected totals 1/10, got %d/%d", delivered, failed)
		}
	})
}

func TestHealthMonitorLatencyRing(t *testing.T) {
	cfg := testHealthConfig()
	cfg.LatencyWindow = 4
	h := NewHealthMonitor(cfg)

	// Fill the ring with slow samples, then overwrite them all with fast
	// ones; only the most recent window should matter.
	for i := 0; i < 4; i++ {
		h.RecordDelivery(5*time.Second, nil)
	}
	for i := 0; i < 4; i++ {
		h.RecordDelivery(time.Millisecond, nil)
	}

	snap := h.Snapshot(0, 10, 0, 0)
	if snap.LatencyP99Ms != 1 {
		t.Errorf("Expected p99 of 1ms after ring rollover, got %f", snap.LatencyP99Ms)
	}
}

func TestHealthSnapshotGauges(t *testing.T) {
	h := NewHealthMonitor(testHealthConfig())
	h.RecordDelivery(10*time.Millisecond, nil)

	snap := h.Snapshot(3, 10, 7, 2)
	if snap.Connections != 3 || snap.Capacity != 10 {
		t.Errorf("Expected 3/10 connections, got %d/%d", snap.Connections, snap.Capacity)
	}
	if snap.Subscriptions != 7 || snap.Channels != 2 {
		t.Errorf("Expected 7 subscriptions on 2 channels, got %d/%d", snap.Subscriptions, snap.Channels)
	}
	if snap.EventsDelivered != 1 || snap.EventsFailed != 0 {
		t.Errorf("Expected 1 delivered, got %d/%d", snap.EventsDelivered, snap.EventsFailed)
	}
	if snap.LatencyP50Ms != 10 {
		t.Errorf("Expected p50 10ms, got %f", snap.LatencyP50Ms)
	}
	if snap.Timestamp.IsZero() {
		t.Error("Expected a timestamp")
	}
}

func TestPercentile(t *testing.T) {
	samples := []time.Duration{
		1 * time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond, 4 * time.Millisecond,
		5 * time.Millisecond, 6 * time.Millisecond, 7 * time.Millisecond, 8 * time.Millisecond,
		9 * time.Millisecond, 10 * time.Millisecond,
	}
	tests := []struct {
		p    float64
		want time.Duration
	}{
		{0.50, 5 * time.Millisecond},
		{0.90, 9 * time.Millisecond},
		{0.99, 10 * time.Millisecond},
		{1.0, 10 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := percentile(samples, tt.p); got != tt.want {
			t.Errorf("percentile(%.2f) = %v, want %v", tt.p, got, tt.want)
		}
	}
	if got := percentile(nil, 0.99); got != 0 {
		t.Errorf("Expected 0 for empty samples, got %v", got)
	}
}

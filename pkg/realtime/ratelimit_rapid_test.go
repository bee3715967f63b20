package realtime

import (
	"testing"
	"time"

	"pgregory.net/rapid"
)

// TestRateLimiterMatchesWindowModel drives the limiter with random
// send/advance sequences and checks every decision against a reference
// fixed-window counter.
func TestRateLimiterMatchesWindowModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit := rapid.IntRange(1, 10).Draw(t, "limit")
		window := time.Duration(rapid.IntRange(100, 2000).Draw(t, "windowMs")) * time.Millisecond

		rl := NewRateLimiter(limit, window, 0)
		current := time.Unix(1700000000, 0)
		rl.now = func() time.Time { return current }

		var (
			started    bool
			modelStart time.Time
			modelCount int
		)

		steps := rapid.IntRange(1, 200).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0: // send
				if !started {
					started = true
					modelStart = current
				}
				if current.Sub(modelStart) >= window {
					modelCount = 0
					modelStart = current
				}
				want := modelCount < limit
				if want {
					modelCount++
				}
				if got := rl.Allow("conn", OpMessage); got != want {
					t.Fatalf("step %d: Allow = %v, model says %v (count %d, limit %d)", i, got, want, modelCount, limit)
				}
			case 1: // drift inside the window
				current = current.Add(time.Duration(rapid.IntRange(1, 500).Draw(t, "driftMs")) * time.Millisecond)
			case 2: // jump a whole window
				current = current.Add(window)
			}
		}
	})
}

// TestSubscriptionCapMatchesCounterModel checks the cap-style quota
// against a plain clamped counter under random Allow/Release sequences.
func TestSubscriptionCapMatchesCounterModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 20).Draw(t, "cap")
		rl := NewRateLimiter(0, time.Second, capacity)

		model := 0
		steps := rapid.IntRange(1, 300).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if rapid.Bool().Draw(t, "acquire") {
				want := model < capacity
				if want {
					model++
				}
				if got := rl.Allow("conn", OpSubscription); got != want {
					t.Fatalf("step %d: Allow = %v, model says %v (held %d of %d)", i, got, want, model, capacity)
				}
			} else {
				if model > 0 {
					model--
				}
				rl.Release("conn", OpSubscription)
			}
			if used := rl.Used("conn", OpSubscription); used != model {
				t.Fatalf("step %d: Used = %d, model holds %d", i, used, model)
			}
		}
	})
}

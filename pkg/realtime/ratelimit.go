package realtime

import (
	"sync"
	"time"
)

// OperationClass identifies which quota a rate check draws from.
type OperationClass string

const (
	// OpMessage covers event publishes attributed to a connection,
	// counted against a fixed window (MessagesPerSecond per RateWindow).
	OpMessage OperationClass = "message"

	// OpSubscription covers concurrent channel subscriptions, counted as
	// a cap that only Release refills; time never resets it.
	OpSubscription OperationClass = "subscription"
)

// quota describes one class's limit. A zero window marks a concurrency cap
// instead of a windowed rate.
type quota struct {
	limit  int
	window time.Duration
}

type rateKey struct {
	connID string
	class  OperationClass
}

// rateState is the counter for one (connection, class) pair. Its own mutex
// makes check-reset-consume atomic without a limiter-wide lock, so a reset
// happens exactly once per window crossing.
type rateState struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
}

// RateLimiter enforces per-connection quotas. Windowed quotas reset lazily:
// each check first rolls the window forward when it has elapsed, then
// consumes. State is kept per (connection, class); unrelated connections
// never contend.
type RateLimiter struct {
	quotas map[OperationClass]quota
	states sync.Map // rateKey -> *rateState

	// now is swappable for tests.
	now func() time.Time
}

// NewRateLimiter creates a limiter with the standard two classes. A limit
// of 0 or below disables that class (always allowed).
func NewRateLimiter(messagesPerWindow int, window time.Duration, subscriptionsPerConnection int) *RateLimiter {
	if window <= 0 {
		window = time.Second
	}
	return &RateLimiter{
		quotas: map[OperationClass]quota{
			OpMessage:      {limit: messagesPerWindow, window: window},
			OpSubscription: {limit: subscriptionsPerConnection},
		},
		now: time.Now,
	}
}

// Allow consumes one unit of the class quota for connID, reporting false
// without consuming when the quota is exhausted.
func (rl *RateLimiter) Allow(connID string, class OperationClass) bool {
	q, ok := rl.quotas[class]
	if !ok || q.limit <= 0 {
		return true
	}

	st := rl.state(rateKey{connID: connID, class: class})
	st.mu.Lock()
	defer st.mu.Unlock()

	if q.window > 0 {
		now := rl.now()
		if now.Sub(st.windowStart) >= q.window {
			st.count = 0
			st.windowStart = now
		}
	}

	if st.count >= q.limit {
		return false
	}
	st.count++
	return true
}

// Release returns one unit of a cap-style quota. Counters never go below
// zero, so releasing an unconsumed unit is harmless.
func (rl *RateLimiter) Release(connID string, class OperationClass) {
	v, ok := rl.states.Load(rateKey{connID: connID, class: class})
	if !ok {
		return
	}
	st := v.(*rateState)
	st.mu.Lock()
	if st.count > 0 {
		st.count--
	}
	st.mu.Unlock()
}

// Used reports the units currently consumed for (connID, class) without
// consuming or resetting anything.
func (rl *RateLimiter) Used(connID string, class OperationClass) int {
	v, ok := rl.states.Load(rateKey{connID: connID, class: class})
	if !ok {
		return 0
	}
	q := rl.quotas[class]
	st := v.(*rateState)
	st.mu.Lock()
	defer st.mu.Unlock()
	if q.window > 0 && rl.now().Sub(st.windowStart) >= q.window {
		return 0
	}
	return st.count
}

// Forget drops all rate state for a removed connection.
func (rl *RateLimiter) Forget(connID string) {
	for class := range rl.quotas {
		rl.states.Delete(rateKey{connID: connID, class: class})
	}
}

func (rl *RateLimiter) state(k rateKey) *rateState {
	if v, ok := rl.states.Load(k); ok {
		return v.(*rateState)
	}
	v, _ := rl.states.LoadOrStore(k, &rateState{windowStart: rl.now()})
	return v.(*rateState)
}

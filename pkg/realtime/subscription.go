package realtime

import (
	"sync"
	"sync/atomic"
	"time"
)

// Channel name prefixes determining the authorization class.
const (
	PublicChannelPrefix   = "public-"
	PrivateChannelPrefix  = "private-"
	PresenceChannelPrefix = "presence-"
)

// maxChannelNameLen matches the provider's channel naming rule.
const maxChannelNameLen = 164

// Subscription records one connection's membership in one channel. It
// back-references the connection by ID and never owns it.
type Subscription struct {
	ConnectionID string    `json:"connectionId"`
	Channel      string    `json:"channel"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ValidateChannelName checks the provider naming rules: 1-164 characters
// from [a-zA-Z0-9_-=@,.;].
func ValidateChannelName(channel string) error {
	if channel == "" {
		return opErr("channel", CodeInvalidChannel, "channel name is empty")
	}
	if len(channel) > maxChannelNameLen {
		return opErr("channel", CodeInvalidChannel, "channel name exceeds %d characters", maxChannelNameLen)
	}
	for _, r := range channel {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '=' || r == '@' || r == ',' || r == '.' || r == ';':
		default:
			return opErr("channel", CodeInvalidChannel, "channel name contains invalid character %q", r)
		}
	}
	return nil
}

// RequiresAuth reports whether the channel's class requires an
// authenticated user. "private-" and "presence-" channels do; everything
// else, including "public-", is open.
func RequiresAuth(channel string) bool {
	return hasPrefix(channel, PrivateChannelPrefix) || hasPrefix(channel, PresenceChannelPrefix)
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// connSubs is one connection's subscription set with its own lock, so
// subscribe/unsubscribe on different connections never contend.
type connSubs struct {
	mu   sync.Mutex
	subs map[string]*Subscription // channel -> subscription
}

// SubscriptionRegistry tracks channel membership per connection and
// enforces the authorization policy. The per-connection cap is owned by
// the rate limiter's subscription class; the channel index for fan-out is
// guarded independently of every connection's own set.
type SubscriptionRegistry struct {
	limiter   *RateLimiter
	byConn    sync.Map // connection ID -> *connSubs
	byChannel *connIndex
	total     atomic.Int64

	// now is swappable for tests.
	now func() time.Time
}

// NewSubscriptionRegistry creates an empty registry drawing the
// per-connection cap from limiter.
func NewSubscriptionRegistry(limiter *RateLimiter) *SubscriptionRegistry {
	return &SubscriptionRegistry{
		limiter:   limiter,
		byChannel: newConnIndex(),
		now:       time.Now,
	}
}

// Subscribe records conn's membership in channel. "private-" and
// "presence-" channels require an authenticated connection
// (ErrAuthRequired); the per-connection cap yields ErrRateLimitExceeded.
// Subscribing to an already-subscribed channel returns the existing
// subscription without consuming quota.
func (r *SubscriptionRegistry) Subscribe(conn *Connection, channel string) (*Subscription, error) {
	if err := ValidateChannelName(channel); err != nil {
		return nil, err
	}
	if RequiresAuth(channel) && !conn.Authenticated() {
		return nil, opErr("subscribe", CodeAuthRequired, "channel %q requires an authenticated user", channel)
	}

	cs := r.connSet(conn.ID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if sub, ok := cs.subs[channel]; ok {
		return sub, nil
	}

	if !r.limiter.Allow(conn.ID, OpSubscription) {
		return nil, opErr("subscribe", CodeRateLimitExceeded, "subscription limit reached for connection %s", conn.ID)
	}

	sub := &Subscription{
		ConnectionID: conn.ID,
		Channel:      channel,
		CreatedAt:    r.now(),
	}
	cs.subs[channel] = sub
	r.byChannel.add(channel, conn.ID)
	r.total.Add(1)

	return sub, nil
}

// Unsubscribe removes the (connection, channel) pair, returning one unit
// of the subscription quota. Absent pairs are a no-op; the second of two
// identical calls reports false.
func (r *SubscriptionRegistry) Unsubscribe(connID, channel string) bool {
	v, ok := r.byConn.Load(connID)
	if !ok {
		return false
	}
	cs := v.(*connSubs)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if _, ok := cs.subs[channel]; !ok {
		return false
	}
	delete(cs.subs, channel)
	r.byChannel.remove(channel, connID)
	r.limiter.Release(connID, OpSubscription)
	r.total.Add(-1)

	return true
}

// ChannelSubscribers returns the subscriber connection IDs for dispatch
// fan-out accounting.
func (r *SubscriptionRegistry) ChannelSubscribers(channel string) []string {
	return r.byChannel.ids(channel)
}

// ConnectionChannels returns the channels a connection is subscribed to.
func (r *SubscriptionRegistry) ConnectionChannels(connID string) []string {
	v, ok := r.byConn.Load(connID)
	if !ok {
		return nil
	}
	cs := v.(*connSubs)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	channels := make([]string, 0, len(cs.subs))
	for ch := range cs.subs {
		channels = append(channels, ch)
	}
	return channels
}

// PurgeConnection removes every subscription of a removed connection and
// returns how many were purged.
func (r *SubscriptionRegistry) PurgeConnection(connID string) int {
	v, ok := r.byConn.LoadAndDelete(connID)
	if !ok {
		return 0
	}
	cs := v.(*connSubs)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	for ch := range cs.subs {
		r.byChannel.remove(ch, connID)
		r.limiter.Release(connID, OpSubscription)
	}
	purged := len(cs.subs)
	cs.subs = make(map[string]*Subscription)
	r.total.Add(int64(-purged))

	return purged
}

// Len returns the total number of active subscriptions.
func (r *SubscriptionRegistry) Len() int {
	return int(r.total.Load())
}

// ChannelCount returns the number of channels with at least one
// subscriber.
func (r *SubscriptionRegistry) ChannelCount() int {
	return r.byChannel.keyCount()
}

func (r *SubscriptionRegistry) connSet(connID string) *connSubs {
	if v, ok := r.byConn.Load(connID); ok {
		return v.(*connSubs)
	}
	v, _ := r.byConn.LoadOrStore(connID, &connSubs{subs: make(map[string]*Subscription)})
	return v.(*connSubs)
}

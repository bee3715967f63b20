// Package realtime tracks logical client connections, their channel
// subscriptions and per-connection quotas, and fans application events
// out through a push transport while reporting aggregate health.
//
// All state lives in memory and is guarded per entity (per connection,
// per channel, per rate counter); there is no global lock, so one slow
// operation never serializes unrelated connections. The only blocking
// points are the transport calls inside RegisterConnection, SendEvent
// and SendEventBatch.
package realtime

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/teamtrek/realtime/pkg/transport"
)

// Stats is a point-in-time view of the manager's registries.
type Stats struct {
	Connections     int    `json:"connections"`
	Capacity        int    `json:"capacity"`
	Subscriptions   int    `json:"subscriptions"`
	Channels        int    `json:"channels"`
	EventsDelivered uint64 `json:"eventsDelivered"`
	EventsFailed    uint64 `json:"eventsFailed"`
}

// Manager mediates between application callers and the push transport:
// connection registry, channel subscriptions, quotas, event dispatch and
// health. Construct one per process with NewManager.
type Manager struct {
	cfg     Config
	log     zerolog.Logger
	ids     *idGen
	conns   *ConnectionRegistry
	subs    *SubscriptionRegistry
	limiter *RateLimiter
	disp    *Dispatcher
	health  *HealthMonitor
	metrics *Metrics
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics attaches Prometheus instrumentation. Register one Metrics
// instance per process; without it the manager runs uninstrumented.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager wires a manager around an already-chosen transport client.
// Picking the provider belongs in the composition root, not here.
func NewManager(cfg Config, tc transport.Client, log zerolog.Logger, opts ...Option) (*Manager, error) {
	if tc == nil {
		return nil, fmt.Errorf("transport client is required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ids := newIDGen(cfg.NodeID)
	limiter := NewRateLimiter(cfg.MessagesPerSecond, cfg.RateWindow, cfg.SubscriptionsPerConnection)

	m := &Manager{
		cfg:     cfg,
		log:     log,
		ids:     ids,
		conns:   NewConnectionRegistry(cfg.MaxConnections, ids),
		subs:    NewSubscriptionRegistry(limiter),
		limiter: limiter,
		health:  NewHealthMonitor(cfg.Health),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.disp = NewDispatcher(tc, m.conns, m.subs, limiter, m.health, ids, log,
		cfg.MaxPayloadBytes, cfg.TransportTimeout, cfg.TransportBatchMax)
	if m.metrics != nil {
		m.disp.SetMetrics(m.metrics)
	}

	return m, nil
}

// RegisterConnection adds a logical connection for an already-verified
// user; userID may be empty for anonymous clients. Fails with
// ErrPoolExhausted at capacity. The registry is updated first; when an
// announce channel is configured, the lifecycle event is published
// afterwards and a transport failure never undoes the registration.
func (m *Manager) RegisterConnection(ctx context.Context, socketID, userID, teamID string) (*Connection, error) {
	if socketID == "" {
		return nil, opErr("register", CodeInvalidArgument, "socket id is empty")
	}

	conn, err := m.conns.Register(socketID, userID, teamID)
	if err != nil {
		if m.metrics != nil {
			m.metrics.RecordConnectionRejected(string(CodeOf(err)))
		}
		m.log.Warn().Str("socket_id", socketID).Msg("registration rejected: pool at capacity")
		return nil, err
	}

	if m.metrics != nil {
		m.metrics.RecordActiveConnections(m.conns.Len())
		m.metrics.RecordConnectionOpened()
	}
	m.log.Debug().
		Str("conn_id", conn.ID).
		Str("socket_id", socketID).
		Str("user_id", userID).
		Str("team_id", teamID).
		Msg("connection registered")

	if m.cfg.AnnounceChannel != "" {
		m.announce(ctx, "connection:established", conn)
	}

	return conn, nil
}

// RemoveConnection removes a connection and cascades cleanup: its
// subscriptions are purged, its rate state dropped and its capacity slot
// released. Removing an unknown ID is a no-op.
func (m *Manager) RemoveConnection(connID string) {
	conn, ok := m.conns.Remove(connID)
	if !ok {
		return
	}
	purged := m.subs.PurgeConnection(connID)
	m.limiter.Forget(connID)

	if m.metrics != nil {
		m.metrics.RecordActiveConnections(m.conns.Len())
		m.metrics.RecordActiveSubscriptions(m.subs.Len())
		m.metrics.RecordConnectionClosed()
	}
	m.log.Debug().
		Str("conn_id", connID).
		Str("socket_id", conn.SocketID).
		Int("purged_subscriptions", purged).
		Msg("connection removed")
}

// GetConnection returns a connection by ID.
func (m *Manager) GetConnection(connID string) (*Connection, error) {
	conn, ok := m.conns.Get(connID)
	if !ok {
		return nil, opErr("get", CodeNotFound, "connection %s not found", connID)
	}
	return conn, nil
}

// GetUserConnections returns all connections of one user.
func (m *Manager) GetUserConnections(userID string) []*Connection {
	return m.conns.UserConnections(userID)
}

// GetTeamConnections returns all connections of one team.
func (m *Manager) GetTeamConnections(teamID string) []*Connection {
	return m.conns.TeamConnections(teamID)
}

// GetChannelSubscriptions returns the connection IDs subscribed to a
// channel.
func (m *Manager) GetChannelSubscriptions(channel string) []string {
	return m.subs.ChannelSubscribers(channel)
}

// SubscribeToChannel subscribes connID to channel. "private-" and
// "presence-" channels require the connection to carry a verified user.
// The subscription is recorded optimistically; if the connection is
// removed mid-flight the record is purged again and NOT_FOUND returned,
// so removal always wins.
func (m *Manager) SubscribeToChannel(connID, channel string) (*Subscription, error) {
	conn, ok := m.conns.Get(connID)
	if !ok {
		if m.metrics != nil {
			m.metrics.RecordSubscriptionDenied(string(CodeNotFound))
		}
		return nil, opErr("subscribe", CodeNotFound, "connection %s not found", connID)
	}

	sub, err := m.subs.Subscribe(conn, channel)
	if err != nil {
		code := CodeOf(err)
		if m.metrics != nil {
			m.metrics.RecordSubscriptionDenied(string(code))
			if code == CodeRateLimitExceeded {
				m.metrics.RecordRateLimitHit(string(OpSubscription))
			}
		}
		return nil, err
	}

	if _, ok := m.conns.Get(connID); !ok {
		m.subs.PurgeConnection(connID)
		m.limiter.Forget(connID)
		return nil, opErr("subscribe", CodeNotFound, "connection %s not found", connID)
	}

	m.conns.Touch(connID)
	if m.metrics != nil {
		m.metrics.RecordActiveSubscriptions(m.subs.Len())
	}
	m.log.Debug().Str("conn_id", connID).Str("channel", channel).Msg("subscribed")

	return sub, nil
}

// UnsubscribeFromChannel removes the (connection, channel) pair. Absent
// pairs are a no-op, including when the connection itself is gone.
func (m *Manager) UnsubscribeFromChannel(connID, channel string) {
	if !m.subs.Unsubscribe(connID, channel) {
		return
	}
	m.conns.Touch(connID)
	if m.metrics != nil {
		m.metrics.RecordActiveSubscriptions(m.subs.Len())
	}
	m.log.Debug().Str("conn_id", connID).Str("channel", channel).Msg("unsubscribed")
}

// SendEvent publishes one event through the transport. Policy violations
// surface as the returned error; transport failures are recorded inside
// the DeliveryResult.
func (m *Manager) SendEvent(ctx context.Context, ev Event) (*DeliveryResult, error) {
	return m.disp.SendEvent(ctx, ev)
}

// SendEventBatch publishes events preserving 1:1 input/output ordering;
// one event's failure never aborts the others.
func (m *Manager) SendEventBatch(ctx context.Context, events []Event) ([]DeliveryResult, error) {
	return m.disp.SendEventBatch(ctx, events)
}

// GetHealthStatus computes the aggregate health snapshot. Synchronous,
// cheap and side-effect-free; safe to poll frequently.
func (m *Manager) GetHealthStatus() HealthSnapshot {
	return m.health.Snapshot(m.conns.Len(), m.conns.Capacity(), m.subs.Len(), m.subs.ChannelCount())
}

// Stats returns current registry counts.
func (m *Manager) Stats() Stats {
	delivered, failed := m.health.Totals()
	return Stats{
		Connections:     m.conns.Len(),
		Capacity:        m.conns.Capacity(),
		Subscriptions:   m.subs.Len(),
		Channels:        m.subs.ChannelCount(),
		EventsDelivered: delivered,
		EventsFailed:    failed,
	}
}

// announce publishes a connection lifecycle event. Failures are logged
// and counted but deliberately never fail the registration that caused
// them.
func (m *Manager) announce(ctx context.Context, name string, conn *Connection) {
	res, err := m.disp.SendEvent(ctx, Event{
		Channel: m.cfg.AnnounceChannel,
		Name:    name,
		Payload: conn.View(),
	})
	switch {
	case err != nil:
		m.log.Warn().Err(err).Str("conn_id", conn.ID).Msg("lifecycle announce rejected")
	case !res.Success:
		m.log.Warn().Str("conn_id", conn.ID).Str("event_id", res.EventID).Msg("lifecycle announce failed")
	}
}

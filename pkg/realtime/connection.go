package realtime

import (
	"sync"
	"sync/atomic"
	"time"
)

// ConnectionStatus is the lifecycle state of a logical connection.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "CONNECTED"
	StatusDisconnected ConnectionStatus = "DISCONNECTED"
)

// Connection is a logical client session tracked by the manager, distinct
// from the raw transport socket. Identity fields are immutable after
// registration; status and activity are guarded by the per-connection
// mutex.
type Connection struct {
	ID        string
	SocketID  string
	UserID    string // empty for anonymous connections
	TeamID    string // empty when the client has no team context
	CreatedAt time.Time

	mu             sync.RWMutex
	status         ConnectionStatus
	lastActivityAt time.Time
}

// Status returns the connection's lifecycle state (thread-safe).
func (c *Connection) Status() ConnectionStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// LastActivityAt returns the time of the last operation on this
// connection (thread-safe).
func (c *Connection) LastActivityAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivityAt
}

// Authenticated reports whether the connection carries a verified user.
func (c *Connection) Authenticated() bool {
	return c.UserID != ""
}

func (c *Connection) touch(now time.Time) {
	c.mu.Lock()
	c.lastActivityAt = now
	c.mu.Unlock()
}

func (c *Connection) markDisconnected() {
	c.mu.Lock()
	c.status = StatusDisconnected
	c.mu.Unlock()
}

// ConnectionView is an immutable copy of a connection for JSON surfaces.
type ConnectionView struct {
	ID             string           `json:"id"`
	SocketID       string           `json:"socketId"`
	UserID         string           `json:"userId,omitempty"`
	TeamID         string           `json:"teamId,omitempty"`
	Status         ConnectionStatus `json:"status"`
	CreatedAt      time.Time        `json:"createdAt"`
	LastActivityAt time.Time        `json:"lastActivityAt"`
}

// View snapshots the connection for serialization.
func (c *Connection) View() ConnectionView {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ConnectionView{
		ID:             c.ID,
		SocketID:       c.SocketID,
		UserID:         c.UserID,
		TeamID:         c.TeamID,
		Status:         c.status,
		CreatedAt:      c.CreatedAt,
		LastActivityAt: c.lastActivityAt,
	}
}

// connIndex is a secondary index from one key (user ID, team ID, channel
// name) to the set of connection IDs under it. Maintained incrementally on
// add/remove so lookups never scan.
type connIndex struct {
	mu sync.RWMutex
	m  map[string]map[string]struct{}
}

func newConnIndex() *connIndex {
	return &connIndex{m: make(map[string]map[string]struct{})}
}

func (ix *connIndex) add(key, connID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	set, ok := ix.m[key]
	if !ok {
		set = make(map[string]struct{})
		ix.m[key] = set
	}
	set[connID] = struct{}{}
}

func (ix *connIndex) remove(key, connID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	set, ok := ix.m[key]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(ix.m, key)
	}
}

func (ix *connIndex) ids(key string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	set := ix.m[key]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

func (ix *connIndex) keyCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.m)
}

// ConnectionRegistry is the authoritative, capacity-bounded store of live
// connections. The primary store is a sync.Map and capacity is an atomic
// counter reserved with a CAS loop, so registration and lookup never pass
// through a shared lock; the user and team indices are each guarded
// independently.
type ConnectionRegistry struct {
	capacity int64
	count    atomic.Int64
	conns    sync.Map // connection ID -> *Connection
	byUser   *connIndex
	byTeam   *connIndex
	ids      *idGen

	// now is swappable for tests.
	now func() time.Time
}

// NewConnectionRegistry creates a registry holding at most capacity
// connections.
func NewConnectionRegistry(capacity int, ids *idGen) *ConnectionRegistry {
	return &ConnectionRegistry{
		capacity: int64(capacity),
		byUser:   newConnIndex(),
		byTeam:   newConnIndex(),
		ids:      ids,
		now:      time.Now,
	}
}

// Register inserts a new CONNECTED connection. It fails with
// ErrPoolExhausted at capacity; nothing is evicted to make room. The
// capacity slot is reserved first so concurrent registrations can never
// overshoot the pool.
func (r *ConnectionRegistry) Register(socketID, userID, teamID string) (*Connection, error) {
	for {
		n := r.count.Load()
		if n >= r.capacity {
			return nil, opErr("register", CodePoolExhausted, "connection pool at capacity (%d)", r.capacity)
		}
		if r.count.CompareAndSwap(n, n+1) {
			break
		}
	}

	now := r.now()
	conn := &Connection{
		ID:             r.ids.connectionID(),
		SocketID:       socketID,
		UserID:         userID,
		TeamID:         teamID,
		CreatedAt:      now,
		status:         StatusConnected,
		lastActivityAt: now,
	}

	r.conns.Store(conn.ID, conn)
	if userID != "" {
		r.byUser.add(userID, conn.ID)
	}
	if teamID != "" {
		r.byTeam.add(teamID, conn.ID)
	}

	return conn, nil
}

// Remove deletes a connection and its index entries, releasing its
// capacity slot. It reports whether the connection existed so the caller
// can cascade cleanup exactly once; removing an absent ID is a no-op.
func (r *ConnectionRegistry) Remove(connID string) (*Connection, bool) {
	v, ok := r.conns.LoadAndDelete(connID)
	if !ok {
		return nil, false
	}
	conn := v.(*Connection)
	conn.markDisconnected()

	if conn.UserID != "" {
		r.byUser.remove(conn.UserID, connID)
	}
	if conn.TeamID != "" {
		r.byTeam.remove(conn.TeamID, connID)
	}
	r.count.Add(-1)

	return conn, true
}

// Get returns a connection by ID.
func (r *ConnectionRegistry) Get(connID string) (*Connection, bool) {
	v, ok := r.conns.Load(connID)
	if !ok {
		return nil, false
	}
	return v.(*Connection), true
}

// UserConnections returns all connections registered for a user.
func (r *ConnectionRegistry) UserConnections(userID string) []*Connection {
	return r.resolve(r.byUser.ids(userID))
}

// TeamConnections returns all connections registered for a team.
func (r *ConnectionRegistry) TeamConnections(teamID string) []*Connection {
	return r.resolve(r.byTeam.ids(teamID))
}

func (r *ConnectionRegistry) resolve(ids []string) []*Connection {
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if conn, ok := r.Get(id); ok {
			conns = append(conns, conn)
		}
	}
	return conns
}

// Touch updates the connection's last-activity time.
func (r *ConnectionRegistry) Touch(connID string) {
	if conn, ok := r.Get(connID); ok {
		conn.touch(r.now())
	}
}

// Len returns the current connection count.
func (r *ConnectionRegistry) Len() int {
	return int(r.count.Load())
}

// Capacity returns the pool capacity.
func (r *ConnectionRegistry) Capacity() int {
	return int(r.capacity)
}

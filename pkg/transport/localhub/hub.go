// Package localhub is a self-hosted push transport: a WebSocket fan-out hub
// that implements transport.Client directly, with no external provider. It is
// the default transport for development and single-node deployments.
//
// Browsers (or the loadtest tool) connect over WebSocket, send
// {"type":"subscribe","channel":"..."} control frames, and receive published
// events as {"channel":...,"event":...,"data":...} JSON frames.
package localhub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/teamtrek/realtime/pkg/transport"
)

const batchMax = 100

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Single-node development transport; origin checks belong in front of it.
		return true
	},
}

// frame is the wire format delivered to subscribed sockets.
type frame struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

// Hub fans published events out to connected WebSocket subscribers. It is
// both a transport.Client (the publish side) and an http.Handler (the
// subscribe side, mounted wherever the caller wants, typically /ws).
type Hub struct {
	log zerolog.Logger

	mu       sync.RWMutex
	clients  map[*client]struct{}
	channels map[string]map[*client]struct{}
	closed   bool
}

var (
	_ transport.Client = (*Hub)(nil)
	_ http.Handler     = (*Hub)(nil)
)

// NewHub creates an empty hub. Callers mount it as an http.Handler to accept
// subscribers and hand it to the manager as its transport.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:      log,
		clients:  make(map[*client]struct{}),
		channels: make(map[string]map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request to a WebSocket and runs the client until it
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	c := newClient(h, ws)
	if !h.register(c) {
		ws.Close()
		return
	}

	h.log.Debug().Str("remote", ws.RemoteAddr().String()).Msg("subscriber connected")

	go c.writePump()
	go c.readPump()
}

// Publish delivers the event to every socket subscribed to its channel. A
// channel with no subscribers is not an error. The hub never blocks on a slow
// consumer: a client whose send buffer is full is dropped.
func (h *Hub) Publish(ctx context.Context, ev transport.Event) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	}

	b, err := json.Marshal(frame{Channel: ev.Channel, Event: ev.Name, Data: ev.Payload})
	if err != nil {
		return fmt.Errorf("%w: encode frame: %v", transport.ErrRejected, err)
	}

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return transport.ErrUnavailable
	}
	var stalled []*client
	for c := range h.channels[ev.Channel] {
		if !c.tryQueue(b) {
			stalled = append(stalled, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stalled {
		h.log.Warn().Str("remote", c.remote).Msg("dropping slow subscriber")
		h.drop(c)
	}
	return nil
}

// PublishBatch delivers each event in order. Delivery here is in-process
// fan-out, so unlike a managed provider there is no partial-batch failure
// mode beyond the hub being closed.
func (h *Hub) PublishBatch(ctx context.Context, events []transport.Event) error {
	if len(events) > batchMax {
		return fmt.Errorf("%w: %d events (max %d)", transport.ErrBatchTooLarge, len(events), batchMax)
	}
	for _, ev := range events {
		if err := h.Publish(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// ChannelInfo reports the live subscriber count for a channel.
func (h *Hub) ChannelInfo(ctx context.Context, channel string) (transport.ChannelInfo, error) {
	if err := ctx.Err(); err != nil {
		return transport.ChannelInfo{}, fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return transport.ChannelInfo{}, transport.ErrUnavailable
	}
	n := len(h.channels[channel])
	return transport.ChannelInfo{Channel: channel, SubscriberCount: n, Occupied: n > 0}, nil
}

// BatchMax reports the per-call event cap for PublishBatch.
func (h *Hub) BatchMax() int { return batchMax }

// Close disconnects every subscriber and rejects further publishes.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	victims := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		victims = append(victims, c)
	}
	h.clients = make(map[*client]struct{})
	h.channels = make(map[string]map[*client]struct{})
	h.mu.Unlock()

	for _, c := range victims {
		c.closeSend()
	}
	return nil
}

// Subscribers reports the number of connected sockets.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

// drop removes the client from the hub and closes its send channel. Safe to
// call more than once; only the first call closes the channel.
func (h *Hub) drop(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		for ch := range c.channels {
			h.leaveLocked(c, ch)
		}
	}
	h.mu.Unlock()

	if ok {
		c.closeSend()
	}
}

func (h *Hub) join(c *client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if _, ok := h.clients[c]; !ok {
		return
	}
	set := h.channels[channel]
	if set == nil {
		set = make(map[*client]struct{})
		h.channels[channel] = set
	}
	set[c] = struct{}{}
	c.channels[channel] = struct{}{}
}

func (h *Hub) leave(c *client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, channel)
	delete(c.channels, channel)
}

func (h *Hub) leaveLocked(c *client, channel string) {
	set := h.channels[channel]
	if set == nil {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.channels, channel)
	}
}

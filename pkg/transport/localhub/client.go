package localhub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxControlSize = 512
	sendBuffer     = 64
)

// control is the only frame subscribers send: channel membership changes.
type control struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// client is one WebSocket subscriber. Its channel set is guarded by the
// hub's mutex; the send channel is closed exactly once, by closeSend.
type client struct {
	hub    *Hub
	ws     *websocket.Conn
	remote string
	send   chan []byte

	channels map[string]struct{}

	closeOnce sync.Once
}

func newClient(h *Hub, ws *websocket.Conn) *client {
	return &client{
		hub:      h,
		ws:       ws,
		remote:   ws.RemoteAddr().String(),
		send:     make(chan []byte, sendBuffer),
		channels: make(map[string]struct{}),
	}
}

// tryQueue enqueues a frame without blocking. Callers hold the hub read
// lock, so a full buffer is reported instead of waited on.
func (c *client) tryQueue(b []byte) bool {
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

func (c *client) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

// readPump consumes subscribe/unsubscribe controls until the socket dies,
// then removes the client from the hub.
func (c *client) readPump() {
	defer c.hub.drop(c)

	c.ws.SetReadLimit(maxControlSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.log.Debug().Err(err).Str("remote", c.remote).Msg("subscriber read error")
			}
			return
		}

		var msg control
		if err := json.Unmarshal(data, &msg); err != nil || msg.Channel == "" {
			continue
		}
		switch msg.Type {
		case "subscribe":
			c.hub.join(c, msg.Channel)
		case "unsubscribe":
			c.hub.leave(c, msg.Channel)
		}
	}
}

// writePump drains the send channel onto the socket and keeps the
// connection alive with pings. It owns all writes to the socket.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case b, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

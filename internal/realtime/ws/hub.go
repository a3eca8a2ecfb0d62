// Package ws adapts gorilla/websocket connections to the fanout's
// Transport contract. Each connection gets a writer goroutine fed by a
// bounded send queue; business state stays in the fanout.
package ws

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"occusense/occupancy/internal/realtime"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = 54 * time.Second
	sendQueueSize = 64
)

// Envelope is the wire frame for every event.
type Envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// clientMessage is what subscribers send us.
type clientMessage struct {
	Action  string `json:"action"` // "subscribe" | "unsubscribe"
	SpaceID string `json:"spaceId"`
}

type conn struct {
	id string
	ws *websocket.Conn

	// mu orders sends against close; enqueueing on a closed channel would
	// panic inside whichever goroutine happened to be emitting.
	mu     sync.Mutex
	send   chan Envelope
	closed bool
}

// enqueue queues one envelope unless the connection is already closed or
// the client cannot keep up.
func (c *conn) enqueue(env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection %q closed", c.id)
	}
	select {
	case c.send <- env:
		return nil
	default:
		return fmt.Errorf("send queue full for connection %q", c.id)
	}
}

func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Hub upgrades HTTP requests, tracks live sockets by connection id, and
// implements realtime.Transport.
type Hub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*conn

	// Fanout is set after construction to break the cycle between hub
	// and fanout wiring.
	fanout *realtime.Fanout
}

// NewHub builds the hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log: log.With(slog.String("component", "ws_hub")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[string]*conn),
	}
}

// Bind attaches the fanout the hub routes client actions to.
func (h *Hub) Bind(f *realtime.Fanout) { h.fanout = f }

// ServeHTTP upgrades the request and runs the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade_failed", slog.Any("err", err))
		return
	}

	c := &conn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan Envelope, sendQueueSize),
	}
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()

	h.log.Info("connection_opened", slog.String("connectionId", c.id), slog.String("remote", r.RemoteAddr))

	go h.writeLoop(c)
	h.readLoop(c)
}

// Emit queues one event for one connection. A full queue is a broadcast
// failure: the client cannot keep up.
func (h *Hub) Emit(connectionID, event string, payload any) error {
	h.mu.RLock()
	c, ok := h.conns[connectionID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("connection %q gone", connectionID)
	}
	return c.enqueue(Envelope{Event: event, Payload: payload})
}

// CloseConnection force-closes one socket.
func (h *Hub) CloseConnection(connectionID string) {
	h.mu.Lock()
	c, ok := h.conns[connectionID]
	if ok {
		delete(h.conns, connectionID)
	}
	h.mu.Unlock()
	if ok {
		c.close()
	}
}

func (h *Hub) readLoop(c *conn) {
	defer func() {
		if h.fanout != nil {
			h.fanout.Disconnect(c.id)
		}
		h.CloseConnection(c.id)
		h.log.Info("connection_closed", slog.String("connectionId", c.id))
	}()

	c.ws.SetReadLimit(4096)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if h.fanout != nil {
			h.fanout.Touch(c.id)
		}
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.Warn("bad_client_message", slog.String("connectionId", c.id), slog.Any("err", err))
			continue
		}
		if h.fanout == nil || msg.SpaceID == "" {
			continue
		}
		switch msg.Action {
		case "subscribe":
			h.fanout.Subscribe(c.id, msg.SpaceID)
		case "unsubscribe":
			h.fanout.Unsubscribe(c.id, msg.SpaceID)
		default:
			h.log.Warn("unknown_client_action", slog.String("action", msg.Action))
		}
		h.fanout.Touch(c.id)
	}
}

func (h *Hub) writeLoop(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(env); err != nil {
				h.log.Warn("write_failed", slog.String("connectionId", c.id), slog.Any("err", err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package status

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 5 * time.Second
	pongWait  = 60 * time.Second
)

// client wraps a connection with a write lock: snapshot broadcasts and the
// ping loop share the socket, and gorilla allows one concurrent writer.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(messageType int, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, payload)
}

// Hub pushes fresh snapshots to connected supervisor dashboards on a fixed
// interval. Slow or dead connections are dropped; they never stall the
// broadcast.
type Hub struct {
	agg       *Aggregator
	log       *slog.Logger
	interval  time.Duration
	pingEvery time.Duration

	mu    sync.Mutex
	conns map[*websocket.Conn]*client

	done      chan struct{}
	closeOnce sync.Once
}

func NewHub(agg *Aggregator, interval time.Duration, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Hub{
		agg:       agg,
		log:       log,
		interval:  interval,
		pingEvery: pongWait * 9 / 10,
		conns:     map[*websocket.Conn]*client{},
		done:      make(chan struct{}),
	}
}

// Run broadcasts until Close. Call in its own goroutine.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.broadcast(ctx)
		}
	}
}

// Add registers a connection and sends it an immediate snapshot so the
// dashboard renders without waiting a full interval. The hub owns the
// connection from here on.
func (h *Hub) Add(ctx context.Context, conn *websocket.Conn) {
	c := &client{conn: conn}
	h.mu.Lock()
	h.conns[conn] = c
	h.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go h.readLoop(conn)
	go h.pingLoop(c)

	if payload, ok := h.snapshotPayload(ctx); ok {
		h.send(c, payload)
	}
}

// Close drops all connections and stops the broadcast loop.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		for conn := range h.conns {
			conn.Close()
		}
		h.conns = map[*websocket.Conn]*client{}
		h.mu.Unlock()
	})
}

// readLoop drains client frames; its only job is detecting disconnects.
func (h *Hub) readLoop(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.remove(conn)
			return
		}
	}
}

// pingLoop keeps otherwise-silent dashboards alive: the read deadline would
// drop any client that never sends a frame, so the hub pings and the pong
// resets the deadline.
func (h *Hub) pingLoop(c *client) {
	ticker := time.NewTicker(h.pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				h.remove(c.conn)
				return
			}
		}
	}
}

func (h *Hub) broadcast(ctx context.Context) {
	h.mu.Lock()
	n := len(h.conns)
	h.mu.Unlock()
	if n == 0 {
		return
	}

	payload, ok := h.snapshotPayload(ctx)
	if !ok {
		return
	}

	h.mu.Lock()
	clients := make([]*client, 0, len(h.conns))
	for _, c := range h.conns {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.send(c, payload)
	}
}

func (h *Hub) snapshotPayload(ctx context.Context) ([]byte, bool) {
	snap, err := h.agg.Snapshot(ctx)
	if err != nil {
		h.log.Warn("status snapshot failed", "err", err)
		return nil, false
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		h.log.Error("status snapshot marshal failed", "err", err)
		return nil, false
	}
	return payload, true
}

func (h *Hub) send(c *client, payload []byte) {
	if err := c.write(websocket.TextMessage, payload); err != nil {
		h.remove(c.conn)
	}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.conns[conn]; ok {
		delete(h.conns, conn)
		conn.Close()
	}
	h.mu.Unlock()
}

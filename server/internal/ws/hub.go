package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kwranking/kwranking/server/internal/api"
	"github.com/kwranking/kwranking/server/internal/ranking"
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	sendBufSize  = 16

	// settleDelay batches the burst of changes a refresh cycle produces
	// into one push.
	settleDelay = 200 * time.Millisecond
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origins are checked at the reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventSnapshot is the event name of every message.
const EventSnapshot = "snapshot"

// Reasons a snapshot was pushed.
const (
	ReasonConnect   = "connect"
	ReasonChange    = "change"
	ReasonHeartbeat = "heartbeat"
)

// Message is the JSON envelope sent to clients.
type Message struct {
	Event  string               `json:"event"`
	Reason string               `json:"reason"`
	Data   api.SnapshotResponse `json:"data"`
}

// Hub streams ranking snapshots to WebSocket clients. A snapshot is pushed
// shortly after the database changes and at least once per heartbeat.
type Hub struct {
	db        *ranking.Database
	heartbeat time.Duration
	changed   chan struct{}

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	conn   *websocket.Conn
	remote string
	send   chan []byte
}

// New creates a Hub over db and subscribes it to db's change events.
func New(db *ranking.Database, heartbeat time.Duration) *Hub {
	h := &Hub{
		db:        db,
		heartbeat: heartbeat,
		changed:   make(chan struct{}, 1),
		clients:   make(map[*client]struct{}),
	}
	db.Observe(h.onChange)
	return h
}

// onChange runs on the mutating goroutine and must not block.
func (h *Hub) onChange(ranking.Event) {
	select {
	case h.changed <- struct{}{}:
	default:
	}
}

// Run pushes snapshots until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	beat := time.NewTicker(h.heartbeat)
	defer beat.Stop()

	settle := time.NewTimer(settleDelay)
	settle.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			settle.Stop()
			h.disconnectAll()
			return
		case <-h.changed:
			if !pending {
				pending = true
				settle.Reset(settleDelay)
			}
		case <-settle.C:
			pending = false
			h.push(ReasonChange)
			beat.Reset(h.heartbeat)
		case <-beat.C:
			h.push(ReasonHeartbeat)
		}
	}
}

// ServeHTTP upgrades the request, sends the current snapshot and then
// relays pushes until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already answered the request.
		slog.Debug("ws: upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	c := &client{conn: conn, remote: r.RemoteAddr, send: make(chan []byte, sendBufSize)}
	if msg, err := h.encode(ReasonConnect); err == nil {
		c.send <- msg
	}
	h.attach(c)
	defer h.detach(c)

	go c.writeLoop()
	c.readLoop()
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) attach(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	slog.Debug("ws: client connected", "remote", c.remote, "clients", n)
}

// detach removes c and closes its send channel exactly once.
func (h *Hub) detach(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) push(reason string) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	msg, err := h.encode(reason)
	if err != nil {
		slog.Error("ws: encode snapshot", "reason", reason, "err", err)
		return
	}
	for _, c := range targets {
		select {
		case c.send <- msg:
		default:
			slog.Warn("ws: client too slow, disconnecting", "remote", c.remote)
			h.detach(c)
		}
	}
}

func (h *Hub) encode(reason string) ([]byte, error) {
	return json.Marshal(Message{
		Event:  EventSnapshot,
		Reason: reason,
		Data:   api.BuildSnapshot(h.db),
	})
}

func (h *Hub) disconnectAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// writeLoop owns all writes to the connection: queued snapshots and pings.
// A closed send channel ends the session with a close frame.
func (c *client) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
		return c.conn.WriteMessage(kind, data)
	}
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				write(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if write(websocket.TextMessage, msg) != nil {
				return
			}
		case <-ping.C:
			if write(websocket.PingMessage, nil) != nil {
				return
			}
		}
	}
}

// readLoop discards client frames; it exists to process pongs and notice
// disconnects. It returns when the connection fails.
func (c *client) readLoop() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			return
		}
	}
}

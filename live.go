package main

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kwv/spawnmesh/mesh"
)

const (
	liveWriteWait  = 5 * time.Second
	liveClientSize = 8
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// liveEvent is the frame pushed to websocket subscribers after every run
type liveEvent struct {
	Type   string          `json:"type"` // "result" or "status"
	Report *mesh.RunReport `json:"report"`
}

type liveClient struct {
	conn *websocket.Conn
	send chan []byte
}

// liveHub fans finished runs out to websocket clients. Slow clients drop
// frames rather than stall the runner.
type liveHub struct {
	mu      sync.Mutex
	clients map[*liveClient]struct{}
	closed  bool
}

func newLiveHub() *liveHub {
	return &liveHub{clients: make(map[*liveClient]struct{})}
}

// Clients returns the number of connected subscribers
func (h *liveHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast queues report for every client
func (h *liveHub) Broadcast(report *mesh.RunReport) {
	ev := liveEvent{Type: "status", Report: report}
	if report.Status == mesh.StatusPublished {
		ev.Type = "result"
	}
	b, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[WS] marshal: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			// drop under load
		}
	}
}

// ServeHTTP upgrades the request and streams events until the client leaves
func (h *liveHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] upgrade: %v", err)
		return
	}

	c := &liveClient{conn: conn, send: make(chan []byte, liveClientSize)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	log.Printf("[WS] client connected from %s", r.RemoteAddr)

	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop discards client frames and unregisters the client on error
func (h *liveHub) readLoop(c *liveClient) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *liveHub) writeLoop(c *liveClient) {
	defer func() { _ = c.conn.Close() }()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
		time.Now().Add(liveWriteWait))
}

func (h *liveHub) remove(c *liveClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Close disconnects every client and rejects new ones
func (h *liveHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

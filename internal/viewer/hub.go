// Package viewer streams rendered overlay frames to WebSocket clients.
//
// Each presentation is sent as a binary JPEG message followed by a JSON
// text message describing it. Slow viewers lose frames, never the loop.
package viewer

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/e7canasta/orion-overlay/internal/angles"
	"github.com/e7canasta/orion-overlay/internal/lifecycle"
	"github.com/e7canasta/orion-overlay/internal/types"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = (pongWait * 9) / 10

	queueSize = 4
)

// CommandFunc handles a text message sent by a viewer and returns the
// reply to send back, or nil.
type CommandFunc func(ctx context.Context, payload []byte) any

// FrameMessage is the JSON sent after each JPEG.
type FrameMessage struct {
	Type        string              `json:"type"`
	Seq         uint64              `json:"seq"`
	MediaTimeMS int64               `json:"media_time_ms"`
	Generation  uint64              `json:"generation"`
	State       string              `json:"state"`
	Width       int                 `json:"width"`
	Height      int                 `json:"height"`
	Cleared     bool                `json:"cleared,omitempty"`
	Angles      []angles.JointView  `json:"angles"`
	Boxes       []types.BoundingBox `json:"boxes,omitempty"`
}

// Stats is a snapshot of hub counters.
type Stats struct {
	Clients   int    `json:"clients"`
	Sent      uint64 `json:"sent"`
	Dropped   uint64 `json:"dropped"`
	Evictions uint64 `json:"evictions"`
}

// Hub fans presentations out to connected viewers.
type Hub struct {
	upgrader  websocket.Upgrader
	onCommand CommandFunc

	queue chan *lifecycle.Presentation

	mu      sync.Mutex
	clients map[*websocket.Conn]*sync.Mutex
	last    *lifecycle.Presentation

	sent      atomic.Uint64
	dropped   atomic.Uint64
	evictions atomic.Uint64
}

var _ lifecycle.Output = (*Hub)(nil)

// NewHub creates a hub. onCommand may be nil.
func NewHub(onCommand CommandFunc) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		onCommand: onCommand,
		queue:     make(chan *lifecycle.Presentation, queueSize),
		clients:   make(map[*websocket.Conn]*sync.Mutex),
	}
}

// Publish queues p for broadcast without blocking. When the queue is full
// the oldest queued presentation is dropped.
func (h *Hub) Publish(p *lifecycle.Presentation) {
	for {
		select {
		case h.queue <- p:
			return
		default:
		}
		select {
		case <-h.queue:
			h.dropped.Add(1)
		default:
		}
	}
}

// Run broadcasts queued presentations until ctx is done, then closes
// every connection.
func (h *Hub) Run(ctx context.Context) {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-h.queue:
			h.broadcast(p)
		}
	}
}

// ServeHTTP upgrades the request and registers the viewer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("viewer: upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	writeMu := &sync.Mutex{}

	// New viewers see the current frame immediately. Sent under mu so no
	// broadcast reaches the viewer before it.
	h.mu.Lock()
	if h.last != nil {
		if err := h.send(conn, writeMu, h.last); err != nil {
			h.mu.Unlock()
			conn.Close()
			return
		}
	}
	h.clients[conn] = writeMu
	count := len(h.clients)
	h.mu.Unlock()

	slog.Info("viewer: client connected", "remote", r.RemoteAddr, "clients", count)

	go h.readLoop(conn, writeMu)
}

func (h *Hub) readLoop(conn *websocket.Conn, writeMu *sync.Mutex) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := writeMessage(conn, writeMu, websocket.PingMessage, nil); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()
	defer close(done)
	defer h.removeClient(conn)

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage || h.onCommand == nil {
			continue
		}
		reply := h.onCommand(context.Background(), payload)
		if reply == nil {
			continue
		}
		if err := writeJSON(conn, writeMu, reply); err != nil {
			return
		}
	}
}

func (h *Hub) broadcast(p *lifecycle.Presentation) {
	var stale []*websocket.Conn

	h.mu.Lock()
	h.last = p
	for conn, writeMu := range h.clients {
		if err := h.send(conn, writeMu, p); err != nil {
			stale = append(stale, conn)
		}
	}
	h.mu.Unlock()

	for _, conn := range stale {
		h.evictions.Add(1)
		h.removeClient(conn)
	}
}

// send writes the JPEG and its metadata under one writeMu hold, so command
// replies and pings land before or after the pair, never inside it.
func (h *Hub) send(conn *websocket.Conn, writeMu *sync.Mutex, p *lifecycle.Presentation) error {
	meta, err := json.Marshal(frameMessage(p))
	if err != nil {
		return err
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if err := writeLocked(conn, websocket.BinaryMessage, p.JPEG); err != nil {
		return err
	}
	if err := writeLocked(conn, websocket.TextMessage, meta); err != nil {
		return err
	}
	h.sent.Add(1)
	return nil
}

func frameMessage(p *lifecycle.Presentation) FrameMessage {
	return FrameMessage{
		Type:        "frame",
		Seq:         p.Seq,
		MediaTimeMS: p.MediaTime.Milliseconds(),
		Generation:  p.Generation,
		State:       p.State.String(),
		Width:       p.Width,
		Height:      p.Height,
		Cleared:     p.Cleared,
		Angles:      p.Angles[:],
		Boxes:       p.Boxes,
	}
}

// Stats returns hub counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Clients:   h.clientCount(),
		Sent:      h.sent.Load(),
		Dropped:   h.dropped.Load(),
		Evictions: h.evictions.Load(),
	}
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[conn]
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
	if ok {
		slog.Info("viewer: client disconnected", "remote", conn.RemoteAddr().String())
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.Unlock()
	for _, conn := range conns {
		h.removeClient(conn)
	}
}

func (h *Hub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func writeJSON(conn *websocket.Conn, writeMu *sync.Mutex, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return writeMessage(conn, writeMu, websocket.TextMessage, data)
}

func writeMessage(conn *websocket.Conn, writeMu *sync.Mutex, messageType int, payload []byte) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	return writeLocked(conn, messageType, payload)
}

// writeLocked writes one message; the caller holds the connection's writeMu.
func writeLocked(conn *websocket.Conn, messageType int, payload []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, payload)
}

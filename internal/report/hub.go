package report

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/funnyzak/reqsnipe/internal/logger"
)

const defaultHubQueue = 256

// Hub broadcasts events to live websocket clients. Report never blocks:
// events are queued and dropped when the queue is full.
type Hub struct {
	logger  logger.Logger
	clients map[*websocket.Conn]struct{}
	mu      sync.RWMutex

	upgrader websocket.Upgrader

	queue     chan Event
	done      chan struct{}
	pumpDone  chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

// NewHub creates a hub and starts its broadcast loop.
func NewHub(log logger.Logger, queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = defaultHubQueue
	}
	h := &Hub{
		logger:  log,
		clients: make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		queue:    make(chan Event, queueSize),
		done:     make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
	go h.pump()
	return h
}

// Report queues ev for broadcast.
func (h *Hub) Report(ev Event) {
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.queue <- ev:
	default:
		h.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hub) pump() {
	defer close(h.pumpDone)
	for {
		select {
		case <-h.done:
			return
		case ev := <-h.queue:
			h.Broadcast(ev)
		}
	}
}

// ServeHTTP upgrades the connection and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}
	h.register(conn)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	go h.readLoop(conn)
}

func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.unregister(conn)

	conn.SetReadLimit(1024)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()

	conn.Close()
}

// Broadcast sends ev to all active connections.
func (h *Hub) Broadcast(ev Event) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	if len(conns) == 0 {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("Failed to marshal websocket payload", "error", err)
		return
	}

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.logger.Warn("Failed to write to websocket client", "error", err)
			h.unregister(conn)
		}
	}
}

// Close stops the broadcast loop and terminates all connections.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		<-h.pumpDone

		h.mu.Lock()
		conns := make([]*websocket.Conn, 0, len(h.clients))
		for conn := range h.clients {
			conns = append(conns, conn)
		}
		h.clients = make(map[*websocket.Conn]struct{})
		h.mu.Unlock()

		for _, conn := range conns {
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()
		}
	})
}

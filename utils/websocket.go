package utils

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// writeTimeout bounds how long one slow client can hold up a broadcast.
const writeTimeout = 100 * time.Millisecond

// WebSocketHub fans events out to every connected /ws client. Each
// connection carries its own write lock so concurrent broadcasters
// never interleave frames on one socket.
type WebSocketHub struct {
	log     *zap.Logger
	mu      sync.Mutex
	clients map[*websocket.Conn]*sync.Mutex
}

func NewWebSocketHub(log *zap.Logger) *WebSocketHub {
	return &WebSocketHub{
		log:     log,
		clients: make(map[*websocket.Conn]*sync.Mutex),
	}
}

func (h *WebSocketHub) AddClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = &sync.Mutex{}
	h.log.Debug("ws: client added", zap.Int("clients", len(h.clients)))
}

func (h *WebSocketHub) RemoveClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
		h.log.Debug("ws: client removed", zap.Int("clients", len(h.clients)))
	}
}

func (h *WebSocketHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends event to every client. Writes run concurrently with
// a deadline; clients that fail the write are dropped.
func (h *WebSocketHub) Broadcast(event WebSocketEvent) {
	type target struct {
		conn *websocket.Conn
		mu   *sync.Mutex
	}
	h.mu.Lock()
	targets := make([]target, 0, len(h.clients))
	for conn, mu := range h.clients {
		targets = append(targets, target{conn, mu})
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	var failedMu sync.Mutex
	var failed []*websocket.Conn

	for _, tg := range targets {
		wg.Add(1)
		go func(tg target) {
			defer wg.Done()
			tg.mu.Lock()
			defer tg.mu.Unlock()
			tg.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := tg.conn.WriteJSON(event); err != nil {
				failedMu.Lock()
				failed = append(failed, tg.conn)
				failedMu.Unlock()
			}
		}(tg)
	}
	wg.Wait()

	if len(failed) > 0 {
		h.mu.Lock()
		for _, conn := range failed {
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
		}
		h.mu.Unlock()
		h.log.Debug("ws: dropped unresponsive clients", zap.Int("count", len(failed)))
	}
}

// CloseAll disconnects every client, used on daemon shutdown.
func (h *WebSocketHub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

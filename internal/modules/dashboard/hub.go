package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/watchtower-labs/sentrycore/internal/contracts"
)

// upgrader accepts connections from any origin: the dashboard is read-only
// telemetry, not an authenticated control plane, and is expected to sit
// behind a reverse proxy in any deployment that cares about origin
// checking. Grounded on cmd/server/handlers/silence_ws.go's upgrader.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// socketHub relays bus envelopes to every connected WebSocket client. It is
// grounded on cmd/server/handlers/silence_ws.go's WebSocketHub: a
// register/unregister/broadcast channel set drained by a single run loop,
// avoiding a mutex-guarded map touched directly from HTTP handler
// goroutines.
type socketHub struct {
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcastC chan []byte

	mu      sync.RWMutex
	clients map[*websocket.Conn]bool

	logger *slog.Logger
}

func newSocketHub(logger *slog.Logger) *socketHub {
	return &socketHub{
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		broadcastC: make(chan []byte, 256),
		clients:    make(map[*websocket.Conn]bool),
		logger:     logger,
	}
}

func (h *socketHub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				_ = conn.Close()
			}
			h.mu.Unlock()
		case msg := <-h.broadcastC:
			h.mu.RLock()
			for conn := range h.clients {
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					go func(c *websocket.Conn) { h.unregister <- c }(conn)
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *socketHub) broadcast(env *contracts.Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		h.logger.Warn("dashboard: failed to marshal envelope for broadcast", "error", err)
		return
	}
	select {
	case h.broadcastC <- payload:
	default:
		h.logger.Warn("dashboard: websocket broadcast buffer full, dropping envelope", "topic", env.Topic)
	}
}

func (h *socketHub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("dashboard: websocket upgrade failed", "error", err)
		return
	}
	h.register <- conn

	go func() {
		defer func() { h.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *socketHub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *socketHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.Close()
		delete(h.clients, conn)
	}
}

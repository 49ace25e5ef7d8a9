package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aispark/pdm-engine/internal/telemetry"
)

// WebSocket message types on the alert stream.
const (
	MessageTypeAlert     = "alert"
	MessageTypeHeartbeat = "heartbeat"
)

// WSMessage is one frame on the alert stream.
type WSMessage struct {
	Type      string             `json:"type"`
	Alert     *telemetry.Alert   `json:"alert,omitempty"`
	Verdict   *telemetry.Verdict `json:"verdict,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// alertEvent pairs an alert with the verdict that raised it.
type alertEvent struct {
	alert   telemetry.Alert
	verdict telemetry.Verdict
}

// Hub fans alerts out to every connected WebSocket client. Slow clients are
// dropped rather than allowed to stall the scoring path.
type Hub struct {
	log *zap.Logger

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan alertEvent

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

// NewHub creates a hub. Run must be called before clients connect.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log:        log,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan alertEvent, 64),
		clients:    make(map[*wsClient]struct{}),
	}
}

// Run processes registrations and broadcasts until ctx is cancelled,
// then closes every remaining connection.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.close()
			}
			h.clients = make(map[*wsClient]struct{})
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()
			h.log.Info("alert stream client connected", zap.String("client", client.id))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
			}
			h.mu.Unlock()
			h.log.Info("alert stream client disconnected", zap.String("client", client.id))

		case ev := <-h.broadcast:
			msg := &WSMessage{
				Type:      MessageTypeAlert,
				Alert:     &ev.alert,
				Verdict:   &ev.verdict,
				Timestamp: time.Now().UTC(),
			}
			h.mu.RLock()
			for client := range h.clients {
				if err := client.send(msg); err != nil {
					h.log.Warn("alert stream write failed, dropping client",
						zap.String("client", client.id), zap.Error(err))
					go func(c *wsClient) { h.unregister <- c }(client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// BroadcastAlert queues an alert for fan-out. Never blocks the caller; if
// the queue is full the alert is dropped from the stream (it is still
// logged and counted by the engine).
func (h *Hub) BroadcastAlert(alert telemetry.Alert, verdict telemetry.Verdict) {
	select {
	case h.broadcast <- alertEvent{alert: alert, verdict: verdict}:
	default:
		h.log.Warn("alert stream backlog full, dropping broadcast",
			zap.String("machine_id", alert.MachineID))
	}
}

// ClientCount returns the number of connected stream clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// wsClient is one active alert stream connection.
type wsClient struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
	once sync.Once
}

// send writes a frame under the write lock with a deadline.
func (c *wsClient) send(msg *WSMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(msg)
}

func (c *wsClient) close() {
	c.once.Do(func() { c.conn.Close() })
}

// newUpgrader builds the WebSocket upgrader with origin checking from the
// configured allow list. "*" allows any origin.
func newUpgrader(allowedOrigins []string) *websocket.Upgrader {
	allowAll := false
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = struct{}{}
	}

	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Non-browser client.
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
}

// handleAlertStream upgrades the connection and keeps it registered until
// the client disconnects. Client frames are read only to detect closure.
func (s *Server) handleAlertStream(w http.ResponseWriter, r *http.Request) {
	upgrader := newUpgrader(s.config.AllowedOrigins)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		id:   fmt.Sprintf("ws-%d", time.Now().UnixNano()),
		conn: conn,
	}
	s.hub.register <- client

	go s.heartbeat(client)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warn("websocket read error", zap.String("client", client.id), zap.Error(err))
			}
			break
		}
	}

	select {
	case s.hub.unregister <- client:
	case <-s.ctx.Done():
		client.close()
	}
}

// heartbeat keeps idle connections alive through proxies.
func (s *Server) heartbeat(client *wsClient) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			msg := &WSMessage{Type: MessageTypeHeartbeat, Timestamp: time.Now().UTC()}
			if err := client.send(msg); err != nil {
				return
			}
		}
	}
}

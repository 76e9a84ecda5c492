// Package gateway fans committed state changes out to connected viewers over
// WebSocket and forwards viewer start/stop commands to the engine.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/huikka/subathon/internal/engine"
)

// Controller is what the hub needs from the timer engine.
type Controller interface {
	Start(ctx context.Context, initialMinutes int) error
	Stop(ctx context.Context) error
	Snapshot() engine.Snapshot
}

// Config holds configuration for viewer WebSocket connections.
type Config struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConfig returns default WebSocket configuration.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Viewer endpoints are unauthenticated, see the trust boundary note in DESIGN.md.
			return true
		},
	}
}

// Hub maintains the set of connected viewer sessions. It implements
// engine.Notifier: committed changes are queued on a buffered channel so the
// engine is never blocked by slow viewers.
type Hub struct {
	sessions map[*session]bool
	mu       sync.RWMutex

	upgrader    websocket.Upgrader
	config      Config
	broadcastCh chan []byte
	ctrl        Controller
}

type session struct {
	id          string
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	hub         *Hub
	connectedAt time.Time
}

// close tears the session down exactly once. The send channel is never
// closed: a fan-out racing a disconnect may still enqueue into its buffer,
// which is dropped with the session instead of panicking.
func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

const (
	msgStateUpdate  = "state-update"
	msgPointsUpdate = "points-update"
)

type serverMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type pointsPayload struct {
	Points int64 `json:"points"`
}

type clientMessage struct {
	Type    string `json:"type"`
	Minutes int    `json:"minutes,omitempty"`
}

// NewHub creates a viewer fan-out hub driving the given controller.
func NewHub(config Config, ctrl Controller) *Hub {
	return &Hub{
		sessions: make(map[*session]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan []byte, 1000),
		ctrl:        ctrl,
	}
}

// Run processes queued broadcasts until the context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	log.Info().Msg("viewer hub started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("viewer hub shutting down")
			return
		case payload := <-h.broadcastCh:
			h.fanOut(payload)
		}
	}
}

// StateChanged queues the snapshot for delivery to every connected viewer.
func (h *Hub) StateChanged(s engine.Snapshot) {
	h.enqueue(msgStateUpdate, s)
}

// PointsChanged queues a points counter update.
func (h *Hub) PointsChanged(points int64) {
	h.enqueue(msgPointsUpdate, pointsPayload{Points: points})
}

func (h *Hub) enqueue(msgType string, data any) {
	payload, err := json.Marshal(serverMessage{Type: msgType, Data: data})
	if err != nil {
		log.Error().Err(err).Str("type", msgType).Msg("failed to marshal broadcast")
		return
	}
	select {
	case h.broadcastCh <- payload:
	default:
		log.Warn().Str("type", msgType).Msg("broadcast channel full, dropping message")
	}
}

// fanOut delivers one payload to every session without holding the lock
// during writes. Sessions with a full send buffer are dropped.
func (h *Hub) fanOut(payload []byte) {
	h.mu.RLock()
	targets := make([]*session, 0, len(h.sessions))
	for s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.send <- payload:
		default:
			log.Warn().Str("session_id", s.id).Msg("session send buffer full, closing connection")
			h.unregister(s)
		}
	}
}

// HandleViewer upgrades the request and sends the current snapshot before the
// session starts exchanging any other messages.
func (h *Hub) HandleViewer(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade viewer connection")
		return
	}

	s := h.newSession(conn)

	if err := s.writeSnapshot(h.ctrl.Snapshot()); err != nil {
		log.Error().Err(err).Str("session_id", s.id).Msg("failed to send initial snapshot")
		conn.Close()
		return
	}

	h.register(s)
	go s.writePump()
	go s.readPump()

	log.Info().Str("session_id", s.id).Msg("viewer connected")
}

// RegisterRoutes registers the viewer WebSocket route.
func (h *Hub) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.HandleViewer)
}

// SessionCount reports the number of connected viewers.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) newSession(conn *websocket.Conn) *session {
	return &session{
		id:          uuid.New().String(),
		conn:        conn,
		send:        make(chan []byte, 256),
		done:        make(chan struct{}),
		hub:         h,
		connectedAt: time.Now(),
	}
}

func (h *Hub) register(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s] = true
}

// unregister removes the session from the set and signals its pumps to exit.
// Safe to call from fan-out and from both pumps concurrently.
func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	_, ok := h.sessions[s]
	if ok {
		delete(h.sessions, s)
	}
	h.mu.Unlock()

	s.close()
	if ok {
		log.Info().Str("session_id", s.id).Msg("viewer disconnected")
	}
}

func (s *session) writeSnapshot(snap engine.Snapshot) error {
	payload, err := json.Marshal(serverMessage{Type: msgStateUpdate, Data: snap})
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.hub.config.WriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *session) writePump() {
	ticker := time.NewTicker(s.hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		s.hub.unregister(s)
	}()

	for {
		select {
		case <-s.done:
			return

		case payload := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.hub.config.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Error().Err(err).Str("session_id", s.id).Msg("failed to write to viewer")
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.hub.config.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *session) readPump() {
	defer s.hub.unregister(s)

	s.conn.SetReadLimit(s.hub.config.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.hub.config.ReadTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.hub.config.ReadTimeout))
		return nil
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Error().Err(err).Str("session_id", s.id).Msg("unexpected viewer close")
			}
			break
		}
		s.handleClientMessage(payload)
		s.conn.SetReadDeadline(time.Now().Add(s.hub.config.ReadTimeout))
	}
}

// handleClientMessage forwards viewer start/stop commands to the engine.
// Commands are unauthenticated: anyone who can reach the socket can use them.
func (s *session) handleClientMessage(payload []byte) {
	var msg clientMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.Warn().Err(err).Str("session_id", s.id).Msg("malformed viewer message")
		return
	}

	ctx := context.Background()
	switch msg.Type {
	case "start":
		log.Info().Str("session_id", s.id).Int("minutes", msg.Minutes).Msg("viewer requested start")
		if err := s.hub.ctrl.Start(ctx, msg.Minutes); err != nil {
			log.Error().Err(err).Str("session_id", s.id).Msg("start request failed")
		}
	case "stop":
		log.Info().Str("session_id", s.id).Msg("viewer requested stop")
		if err := s.hub.ctrl.Stop(ctx); err != nil {
			log.Error().Err(err).Str("session_id", s.id).Msg("stop request failed")
		}
	default:
		log.Warn().Str("session_id", s.id).Str("type", msg.Type).Msg("unknown viewer message type")
	}
}

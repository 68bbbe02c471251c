package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/luminakids/lumina/domain/repositories"
	"github.com/luminakids/lumina/internal/auth"
	"github.com/luminakids/lumina/internal/pipeline"
	"github.com/luminakids/lumina/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for audio chunks
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Devices connect from residential networks with no Origin.
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Hub owns the session table: exactly one Session per connected
// device, created on accept and destroyed on disconnect. A device
// that reconnects displaces its previous session.
type Hub struct {
	sessions map[string]*Session

	register   chan *Session
	unregister chan *Session

	mu sync.RWMutex

	orchestrator *pipeline.Orchestrator
	reconciler   *Reconciler
	store        repositories.Store
	audio        protocol.AudioFormat

	logger *zap.Logger
}

// NewHub creates the connection manager.
func NewHub(
	orchestrator *pipeline.Orchestrator,
	reconciler *Reconciler,
	store repositories.Store,
	audio protocol.AudioFormat,
	logger *zap.Logger,
) *Hub {
	return &Hub{
		sessions:     make(map[string]*Session),
		register:     make(chan *Session),
		unregister:   make(chan *Session),
		orchestrator: orchestrator,
		reconciler:   reconciler,
		store:        store,
		audio:        audio,
		logger:       logger,
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case session := <-h.register:
			h.mu.Lock()
			if old, ok := h.sessions[session.deviceID]; ok {
				old.closeWith(protocol.CloseNormal, "superseded by new connection")
			}
			h.sessions[session.deviceID] = session
			h.mu.Unlock()
			h.logger.Info("Session registered", zap.String("deviceID", session.deviceID))

		case session := <-h.unregister:
			h.mu.Lock()
			if current, ok := h.sessions[session.deviceID]; ok && current == session {
				delete(h.sessions, session.deviceID)
			}
			h.mu.Unlock()
			// A displaced session unregisters too; its write pump must
			// still be released.
			session.closeSend()
			h.logger.Info("Session unregistered", zap.String("deviceID", session.deviceID))
		}
	}
}

// Session returns the active session for a device, if any.
func (h *Hub) Session(deviceID string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[deviceID]
	return s, ok
}

// ActiveDevices returns the deviceIDs of all connected sessions.
func (h *Hub) ActiveDevices() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	devices := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		devices = append(devices, id)
	}
	return devices
}

// HandleWebSocket upgrades an authenticated request into a session.
// The claims come from the JWT validated by the route handler; the
// device must still complete the protocol handshake before streaming.
func HandleWebSocket(hub *Hub, c echo.Context, claims *auth.Claims, logger *zap.Logger) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	session := newSession(hub, conn, claims, logger)
	hub.register <- session

	go session.writePump()
	go session.readPump()

	return nil
}

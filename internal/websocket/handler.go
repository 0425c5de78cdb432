package websocket

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"connmgr/internal/acceptor"
)

// Handler upgrades HTTP requests and hands the resulting connections to a
// ConnectionManager on its event loop
type Handler struct {
	loop     acceptor.Executor
	manager  *acceptor.ConnectionManager
	settings Settings
	process  MessageFunc
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a handler. A nil process echoes text frames back.
func NewHandler(loop acceptor.Executor, manager *acceptor.ConnectionManager, settings Settings, process MessageFunc, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		loop:     loop,
		manager:  manager,
		settings: settings,
		process:  process,
		logger:   logger,
		upgrader: websocket.Upgrader{
			// Origin policy is left to the fronting proxy
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		h.logger.Debug("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	conn := NewConnection(ws, h.loop, h.settings, h.process)
	conn.SetLogger(h.logger.With("connection", conn.ConnectionID()))

	if err := h.Register(conn); err != nil {
		h.logger.Warn("failed to register connection", "error", err, "remote", r.RemoteAddr)
		conn.closeSocket(websocket.CloseTryAgainLater, "server busy")
		return
	}
}

// Register adds conn to the manager and starts its I/O once it is tracked
func (h *Handler) Register(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	err := h.loop.RunInLoop(func() {
		h.manager.AddConnection(conn, true)
		// An inline drain may have destroyed it already.
		if conn.LifecycleState() == acceptor.Alive {
			conn.Start()
		}
	})
	if err != nil {
		return ErrLoopUnavailable
	}
	return nil
}

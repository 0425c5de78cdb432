package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"connmgr/internal/acceptor"
	"connmgr/pkg/types"
)

// Settings tunes a managed websocket connection
type Settings struct {
	WriteBuffer  int
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongWait     time.Duration
	ReadLimit    int64
}

// DefaultSettings mirrors the defaults in config.WebSocketConfig
func DefaultSettings() Settings {
	return Settings{
		WriteBuffer:  100,
		WriteTimeout: 5 * time.Second,
		PingInterval: 30 * time.Second,
		PongWait:     60 * time.Second,
		ReadLimit:    64 * 1024,
	}
}

// MessageFunc handles one text frame off the event loop and returns the
// reply, if any
type MessageFunc func(ctx context.Context, data []byte) ([]byte, error)

// Echo replies with the request unchanged
func Echo(_ context.Context, data []byte) ([]byte, error) {
	return data, nil
}

type closeFrame struct {
	code int
	text string
}

// shutdownNotice is sent once when a graceful shutdown starts
type shutdownNotice struct {
	Type      string    `json:"type"`
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
}

// Connection is a managed websocket. Socket I/O runs on its own goroutines;
// everything touching the embedded acceptor.Base runs on the event loop.
// A connection is busy while any request is being processed.
type Connection struct {
	acceptor.Base

	id         string
	conn       *websocket.Conn
	loop       acceptor.Executor
	settings   Settings
	process    MessageFunc
	remoteAddr string
	openedAt   time.Time

	writeCh   chan []byte
	closeReq  chan closeFrame
	started   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	// Owned by the event loop
	inflight     int
	lastActivity time.Time
	closing      bool
	requests     uint64
}

// NewConnection wraps conn. The connection is inert until Start.
func NewConnection(conn *websocket.Conn, loop acceptor.Executor, settings Settings, process MessageFunc) *Connection {
	if settings.WriteBuffer <= 0 {
		settings.WriteBuffer = DefaultSettings().WriteBuffer
	}
	if settings.WriteTimeout <= 0 {
		settings.WriteTimeout = DefaultSettings().WriteTimeout
	}
	if process == nil {
		process = Echo
	}
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	c := &Connection{
		id:           uuid.NewString(),
		conn:         conn,
		loop:         loop,
		settings:     settings,
		process:      process,
		openedAt:     now,
		lastActivity: now,
		writeCh:      make(chan []byte, settings.WriteBuffer),
		closeReq:     make(chan closeFrame, 1),
		ctx:          ctx,
		cancel:       cancel,
	}
	if conn != nil {
		c.remoteAddr = conn.RemoteAddr().String()
	}
	c.Init(c)
	return c
}

func (c *Connection) ConnectionID() string { return c.id }

// Done is closed once the socket is shut down
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

// Start launches the socket goroutines. Call it after the connection has
// been added to its manager.
func (c *Connection) Start() {
	c.started.Store(true)
	go c.writeLoop()
	go c.readLoop()
	if c.settings.PingInterval > 0 {
		go c.pingLoop()
	}
}

// Single writer goroutine; gorilla allows one concurrent writer
func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.write(data); err != nil {
				c.post(c.onSocketError)
				return
			}
		case f := <-c.closeReq:
			// Queued replies go out before the close frame.
			c.flush()
			msg := websocket.FormatCloseMessage(f.code, f.text)
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.settings.WriteTimeout))
			c.abort()
			return
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) write(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Connection) flush() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Connection) readLoop() {
	defer c.post(c.onSocketError)

	if c.settings.ReadLimit > 0 {
		c.conn.SetReadLimit(c.settings.ReadLimit)
	}
	if c.settings.PongWait > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.settings.PongWait))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(c.settings.PongWait))
		})
	}

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.Logger().Debug("websocket read failed", "error", err)
			}
			return
		}
		if c.settings.PongWait > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.settings.PongWait))
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if !c.post(func() { c.onMessage(data) }) {
			return
		}
	}
}

func (c *Connection) pingLoop() {
	ticker := time.NewTicker(c.settings.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.settings.WriteTimeout)); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) post(fn func()) bool {
	if err := c.loop.RunInLoop(fn); err != nil {
		c.closeSocket(websocket.CloseGoingAway, "server stopping")
		return false
	}
	return true
}

func (c *Connection) onMessage(data []byte) {
	if c.LifecycleState() != acceptor.Alive {
		return
	}
	c.ResetTimeout()
	c.inflight++
	c.requests++
	if c.inflight == 1 {
		if m := c.ConnectionManager(); m != nil {
			m.OnActivated(c)
		}
	}

	guard := c.Guard()
	go func() {
		reply, err := c.process(c.ctx, data)
		if err != nil {
			c.Logger().Warn("message handler failed", "error", err)
		} else if reply != nil {
			_ = c.enqueue(reply)
		}
		c.post(func() { c.onRequestDone(guard) })
	}()
}

func (c *Connection) onRequestDone(guard *acceptor.DestructorGuard) {
	defer guard.Release()
	c.inflight--
	c.lastActivity = time.Now()
	if c.inflight > 0 || c.LifecycleState() != acceptor.Alive {
		return
	}
	if m := c.ConnectionManager(); m != nil {
		m.OnDeactivated(c)
	}
	c.ResetTimeout()
	if c.closing {
		c.closeAndDestroy(websocket.CloseGoingAway, "server shutting down")
	}
}

func (c *Connection) onSocketError() {
	c.closeSocket(websocket.CloseAbnormalClosure, "")
	c.Destroy()
}

// enqueue hands data to the writer without blocking
func (c *Connection) enqueue(data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}
	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrWriteQueueFull
	}
}

// WriteJSON queues v for the writer, waiting up to the write timeout for
// space. Safe from any goroutine; do not call it on the event loop.
func (c *Connection) WriteJSON(v any) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	timer := time.NewTimer(c.settings.WriteTimeout)
	defer timer.Stop()
	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// closeSocket asks the writer to flush and send a close frame, then tears
// the socket down. CloseAbnormalClosure skips the handshake. Safe from any
// goroutine; only the first call has any effect.
func (c *Connection) closeSocket(code int, text string) {
	c.closeOnce.Do(func() {
		if c.conn == nil || !c.started.Load() || code == websocket.CloseAbnormalClosure {
			c.abort()
			return
		}
		c.closeReq <- closeFrame{code: code, text: text}
		// The writer may be stuck on a slow peer.
		time.AfterFunc(c.settings.WriteTimeout+time.Second, c.abort)
	})
}

func (c *Connection) abort() {
	c.cancel()
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func (c *Connection) closeAndDestroy(code int, text string) {
	c.closeSocket(code, text)
	c.Destroy()
}

func (c *Connection) TimeoutExpired() {
	c.Logger().Info("closing idle connection", "idle", time.Since(c.lastActivity))
	c.Emit(types.EventTimeout, "")
	c.closeAndDestroy(websocket.CloseNormalClosure, "idle timeout")
}

func (c *Connection) Describe(w io.Writer) {
	fmt.Fprintf(w, "websocket id=%s remote=%s", c.id, c.remoteAddr)
}

func (c *Connection) IsBusy() bool {
	return c.inflight > 0
}

// IdleTime is zero while a request is in flight
func (c *Connection) IdleTime() time.Duration {
	if c.inflight > 0 {
		return 0
	}
	return time.Since(c.lastActivity)
}

func (c *Connection) NotifyPendingShutdown() {
	notice := shutdownNotice{Type: "system", Event: "shutdown_pending", Timestamp: time.Now()}
	data, err := json.Marshal(notice)
	if err != nil {
		return
	}
	if err := c.enqueue(data); err != nil {
		c.Logger().Debug("shutdown notice not sent", "error", err)
	}
}

func (c *Connection) CloseWhenIdle() {
	c.closing = true
	if !c.IsBusy() {
		c.closeAndDestroy(websocket.CloseGoingAway, "server shutting down")
	}
}

func (c *Connection) DropConnection() {
	c.closeAndDestroy(websocket.CloseGoingAway, "connection dropped")
}

func (c *Connection) DumpConnectionState(level slog.Level) {
	c.Logger().Log(context.Background(), level, "connection state",
		"connection", c.id,
		"remote", c.remoteAddr,
		"inflight", c.inflight,
		"requests", c.requests,
		"closing", c.closing,
		"drain_state", c.DrainState(),
		"lifecycle", c.LifecycleState(),
		"age", time.Since(c.openedAt),
	)
}

// OnDestroy releases the socket once the last guard is gone
func (c *Connection) OnDestroy() {
	c.closeSocket(websocket.CloseAbnormalClosure, "")
}

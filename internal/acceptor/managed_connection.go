// Package acceptor manages long-lived connections: activity tracking, idle
// timeouts against a shared timer, and a two-phase graceful drain.
//
// A protocol-specific connection embeds Base, calls Init with itself, and
// implements the hooks of Connection. A ConnectionManager tracks connections
// and drives their timeouts and drain. Neither type locks: every call on a
// connection and its manager must happen on the manager's event loop.
package acceptor

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"connmgr/internal/timer"
	"connmgr/pkg/types"
)

// Connection is the contract a managed connection satisfies. Only types that
// embed Base implement it, which keeps the drain state machine and the
// manager association out of reach of protocol code.
type Connection interface {
	// TimeoutExpired fires when the connection's scheduled timeout elapses.
	TimeoutExpired()
	TimerHandle() *timer.Handle

	// Describe writes a human-readable identification of the connection.
	Describe(w io.Writer)

	// IsBusy reports whether the connection has outstanding work.
	IsBusy() bool

	// IdleTime reports how long the connection has been idle. Zero means the
	// connection is never shed during pre-shutdown load shedding.
	IdleTime() time.Duration

	// NotifyPendingShutdown is called once, at the start of a graceful
	// shutdown. The connection should stop advertising persistence.
	NotifyPendingShutdown()

	// CloseWhenIdle is called once, after NotifyPendingShutdown or when a
	// close is forced. The connection should close as soon as it is idle.
	CloseWhenIdle()

	// DropConnection terminates the connection immediately, even with work
	// in flight.
	DropConnection()

	// DumpConnectionState logs the connection's internal state.
	DumpConnectionState(level slog.Level)

	base() *Base
}

// ActivityCallback is told when a connection goes from idle to busy and back.
// ConnectionManager implements it; connections call it themselves.
type ActivityCallback interface {
	OnActivated(c Connection)
	OnDeactivated(c Connection)
}

// Identifier is implemented by connections with a stable ID. Connections
// without one are identified by their description.
type Identifier interface {
	ConnectionID() string
}

// Base holds the state shared by every managed connection. The zero value is
// not usable; call Init before anything else.
type Base struct {
	timer.Handle

	self       Connection
	drainState DrainState
	manager    *ConnectionManager
	slot       int32
	active     bool
	lifecycle  LifecycleState
	guards     int
	logger     *slog.Logger
}

// Init binds the base to the connection that embeds it.
func (b *Base) Init(self Connection) {
	if self == nil || self.base() != b {
		panic("acceptor: Init must be called with the connection embedding this Base")
	}
	b.self = self
	if b.logger == nil {
		b.logger = slog.Default()
	}
}

// SetLogger replaces the logger used for drain and lifecycle diagnostics.
func (b *Base) SetLogger(logger *slog.Logger) {
	if logger != nil {
		b.logger = logger
	}
}

func (b *Base) Logger() *slog.Logger {
	if b.logger == nil {
		return slog.Default()
	}
	return b.logger
}

func (b *Base) base() *Base { return b }

func (b *Base) mustSelf() Connection {
	if b.self == nil {
		panic("acceptor: connection used before Base.Init")
	}
	return b.self
}

// IdleTime returns 0: connections that do not track idleness are exempt
// from idle shedding.
func (b *Base) IdleTime() time.Duration {
	return 0
}

// ConnectionManager returns the manager tracking this connection, or nil.
func (b *Base) ConnectionManager() *ConnectionManager {
	return b.manager
}

// setConnectionManager is only called by ConnectionManager.
func (b *Base) setConnectionManager(m *ConnectionManager) {
	b.manager = m
}

func (b *Base) DrainState() DrainState {
	return b.drainState
}

// FireNotifyPendingShutdown calls NotifyPendingShutdown the first time it is
// invoked and does nothing afterwards.
func (b *Base) FireNotifyPendingShutdown() {
	self := b.mustSelf()
	if b.drainState != DrainNone {
		b.Logger().Debug("notify pending shutdown skipped",
			"connection", connectionID(self), "drain_state", b.drainState)
		return
	}
	b.drainState = DrainSentNotifyPendingShutdown
	b.Emit(types.EventNotifyPendingShutdown, "")
	self.NotifyPendingShutdown()
}

// FireCloseWhenIdle calls CloseWhenIdle once NotifyPendingShutdown has been
// sent. With force, CloseWhenIdle is called from any state, every time; the
// state still advances so later unforced calls do nothing.
func (b *Base) FireCloseWhenIdle(force bool) {
	self := b.mustSelf()
	if !force && b.drainState != DrainSentNotifyPendingShutdown {
		b.Logger().Debug("close when idle skipped",
			"connection", connectionID(self), "drain_state", b.drainState, "force", force)
		return
	}
	b.drainState = DrainSentCloseWhenIdle
	detail := ""
	if force {
		detail = "forced"
	}
	b.Emit(types.EventCloseWhenIdle, detail)
	self.CloseWhenIdle()
}

// ResetTimeout restarts the connection's timeout at the manager's default
// interval. It does nothing when no manager is attached.
func (b *Base) ResetTimeout() {
	if b.manager == nil {
		return
	}
	b.ResetTimeoutTo(b.manager.DefaultTimeout())
}

// ResetTimeoutTo restarts the connection's timeout at d from now. It does
// nothing when no manager is attached.
func (b *Base) ResetTimeoutTo(d time.Duration) {
	if b.manager == nil {
		return
	}
	b.manager.ScheduleConnectionTimeout(b.mustSelf(), d)
}

// ScheduleTimeout schedules an unrelated callback on the manager's timer,
// for per-operation deadlines. It does nothing when no manager is attached.
func (b *Base) ScheduleTimeout(cb timer.Callback, d time.Duration) {
	if b.manager == nil {
		return
	}
	b.manager.ScheduleTimeout(cb, d)
}

// Emit reports a lifecycle event to the manager's observers.
func (b *Base) Emit(kind types.EventKind, detail string) {
	if b.manager == nil || b.self == nil {
		return
	}
	b.manager.emit(b.self, kind, detail)
}

// Describe renders c.Describe into a string.
func Describe(c Connection) string {
	var sb strings.Builder
	c.Describe(&sb)
	return sb.String()
}

func connectionID(c Connection) string {
	if id, ok := c.(Identifier); ok {
		return id.ConnectionID()
	}
	if desc := Describe(c); desc != "" {
		return desc
	}
	return fmt.Sprintf("%p", c)
}

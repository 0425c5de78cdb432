package acceptor

import (
	"log/slog"
	"time"

	"connmgr/internal/timer"
	"connmgr/pkg/types"
)

const (
	DefaultTimeout = 60 * time.Second

	// drainBatchSize bounds how many connections one loop iteration drains.
	drainBatchSize = 64
	maxConnsToDump = 2
)

// ManagerCallback observes the population of a ConnectionManager.
type ManagerCallback interface {
	OnEmpty(m *ConnectionManager)
	OnConnectionAdded(m *ConnectionManager)
	OnConnectionRemoved(m *ConnectionManager)
}

// Executor defers work to the next iteration of the owning event loop.
type Executor interface {
	RunInLoop(fn func()) error
}

type Option func(*ConnectionManager)

// WithDefaultTimeout sets the interval used by AddConnection and
// Base.ResetTimeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(m *ConnectionManager) {
		if d > 0 {
			m.defaultTimeout = d
		}
	}
}

// WithIdleConnEarlyDropThreshold sets the idle time a connection must exceed
// to be shed by DropIdleConnections. Defaults to half the default timeout.
func WithIdleConnEarlyDropThreshold(d time.Duration) Option {
	return func(m *ConnectionManager) {
		m.earlyDropThreshold = d
		m.earlyDropSet = true
	}
}

func WithCallback(cb ManagerCallback) Option {
	return func(m *ConnectionManager) { m.callback = cb }
}

func WithObserver(o Observer) Option {
	return func(m *ConnectionManager) { m.observer = o }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *ConnectionManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// ConnectionManager tracks connections on one event loop. Connections are
// kept busy-first: new and activated connections at the front, deactivated
// ones at the back, so the idle ones form a suffix starting at idleIter.
type ConnectionManager struct {
	timer    *timer.Timer
	executor Executor
	conns    *connList

	idleIter  int32
	drainIter int32
	active    int

	defaultTimeout     time.Duration
	earlyDropThreshold time.Duration
	earlyDropSet       bool

	callback ManagerCallback
	observer Observer
	logger   *slog.Logger

	shutdownState         ShutdownState
	notifyPendingShutdown bool
	closeAfterNotify      bool
	drainPending          bool
	idleGrace             idleGraceTimeout
}

type idleGraceTimeout struct {
	timer.Handle
	m *ConnectionManager
}

func (t *idleGraceTimeout) TimeoutExpired() { t.m.idleGracefulTimeoutExpired() }

func NewConnectionManager(tm *timer.Timer, executor Executor, opts ...Option) *ConnectionManager {
	if tm == nil {
		tm = timer.New()
	}
	m := &ConnectionManager{
		timer:                 tm,
		executor:              executor,
		conns:                 newConnList(),
		defaultTimeout:        DefaultTimeout,
		logger:                slog.Default(),
		notifyPendingShutdown: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	if !m.earlyDropSet {
		m.earlyDropThreshold = m.defaultTimeout / 2
	}
	m.idleGrace.m = m
	return m
}

func (m *ConnectionManager) Timer() *timer.Timer { return m.timer }

func (m *ConnectionManager) DefaultTimeout() time.Duration { return m.defaultTimeout }

func (m *ConnectionManager) NumConnections() int { return m.conns.Len() }

// NumActive returns how many connections are between OnActivated and
// OnDeactivated.
func (m *ConnectionManager) NumActive() int { return m.active }

func (m *ConnectionManager) ShutdownState() ShutdownState { return m.shutdownState }

// AddConnection starts tracking c, taking it from its previous manager if
// any. With withTimeout the default timeout is (re)scheduled. A connection
// added during shutdown receives the drain notifications already sent.
func (m *ConnectionManager) AddConnection(c Connection, withTimeout bool) {
	b := c.base()
	b.mustSelf()
	if old := b.manager; old != m {
		if old != nil {
			old.RemoveConnection(c)
		}
		b.slot = m.conns.PushFront(c)
		b.active = false
		b.setConnectionManager(m)
		m.emit(c, types.EventAdded, "")
		if m.callback != nil {
			m.callback.OnConnectionAdded(m)
		}
	}
	if withTimeout {
		m.ScheduleConnectionTimeout(c, m.defaultTimeout)
	}
	if m.shutdownState >= ShutdownNotifyPendingShutdown && m.notifyPendingShutdown {
		b.FireNotifyPendingShutdown()
	}
	if m.shutdownState >= ShutdownCloseWhenIdle {
		// The connection is most likely idle and would close right away;
		// wait for the next loop iteration. Skip it if it left m by then.
		guard := b.Guard()
		force := !m.notifyPendingShutdown
		m.runInLoop(func() {
			defer guard.Release()
			if b.manager == m && b.lifecycle == Alive && b.drainState != DrainSentCloseWhenIdle {
				b.FireCloseWhenIdle(force)
			}
		})
	}
}

// RemoveConnection stops tracking c. Does nothing if c belongs to another
// manager or to none.
func (m *ConnectionManager) RemoveConnection(c Connection) {
	if c.base().manager != m {
		return
	}
	m.detach(c)
	if m.callback != nil {
		m.callback.OnConnectionRemoved(m)
		if m.conns.Len() == 0 {
			m.callback.OnEmpty(m)
		}
	}
}

func (m *ConnectionManager) detach(c Connection) {
	b := c.base()
	if b.active {
		m.emit(c, types.EventDeactivated, "")
	}
	m.emit(c, types.EventRemoved, Describe(c))
	b.CancelTimeout()
	slot := b.slot
	if slot == m.drainIter {
		m.drainIter = m.conns.Next(slot)
	}
	if slot == m.idleIter {
		m.idleIter = m.conns.Next(slot)
	}
	m.conns.Remove(slot)
	b.slot = listEnd
	if b.active {
		b.active = false
		m.active--
	}
	b.setConnectionManager(nil)
}

// ScheduleConnectionTimeout (re)schedules c's own timeout. Non-positive
// durations are ignored.
func (m *ConnectionManager) ScheduleConnectionTimeout(c Connection, d time.Duration) {
	if d > 0 {
		m.timer.Schedule(c, d)
	}
}

// ScheduleTimeout schedules an arbitrary callback on the manager's timer.
func (m *ConnectionManager) ScheduleTimeout(cb timer.Callback, d time.Duration) {
	m.timer.Schedule(cb, d)
}

// OnActivated moves c to the busy front of the list.
func (m *ConnectionManager) OnActivated(c Connection) {
	b := c.base()
	if b.manager != m {
		return
	}
	slot := b.slot
	if slot == m.idleIter {
		m.idleIter = m.conns.Next(slot)
	}
	if slot == m.drainIter {
		m.drainIter = m.conns.Next(slot)
	}
	m.conns.MoveToFront(slot)
	if !b.active {
		b.active = true
		m.active++
		m.emit(c, types.EventActivated, "")
	}
	// Moving to the front may jump over the drain cursor.
	m.catchUpDrain(b)
}

// OnDeactivated moves c to the idle back of the list.
func (m *ConnectionManager) OnDeactivated(c Connection) {
	b := c.base()
	if b.manager != m {
		return
	}
	slot := b.slot
	moveDrainIter := false
	if slot == m.drainIter {
		m.drainIter = m.conns.Next(slot)
		moveDrainIter = true
	}
	if slot == m.idleIter {
		m.idleIter = m.conns.Next(slot)
	}
	m.conns.MoveToBack(slot)
	if m.idleIter == listEnd {
		m.idleIter = slot
	}
	if moveDrainIter && m.drainIter == listEnd {
		m.drainIter = slot
	}
	if b.active {
		b.active = false
		m.active--
		m.emit(c, types.EventDeactivated, "")
	}
}

func (m *ConnectionManager) catchUpDrain(b *Base) {
	switch m.shutdownState {
	case ShutdownNotifyPendingShutdown:
		b.FireNotifyPendingShutdown()
	case ShutdownCloseWhenIdle:
		if b.drainState != DrainSentCloseWhenIdle {
			b.FireCloseWhenIdle(!m.notifyPendingShutdown)
		}
	}
}

// InitiateGracefulShutdown starts draining. With a positive idleGrace every
// connection is first told a shutdown is pending, and idleGrace later told
// to close when idle. Otherwise connections are told to close when idle
// right away. Only the first call has any effect.
func (m *ConnectionManager) InitiateGracefulShutdown(idleGrace time.Duration) {
	if m.shutdownState != ShutdownNone {
		m.logger.Debug("ignoring redundant graceful shutdown", "state", m.shutdownState)
		return
	}
	m.logger.Info("initiating graceful shutdown",
		"connections", m.conns.Len(), "idle_grace", idleGrace)
	if idleGrace > 0 {
		m.shutdownState = ShutdownNotifyPendingShutdown
		m.timer.Schedule(&m.idleGrace, idleGrace)
	} else {
		m.notifyPendingShutdown = false
		m.shutdownState = ShutdownCloseWhenIdle
	}
	m.drainIter = m.conns.Front()
	m.drainAllConnections()
}

func (m *ConnectionManager) drainAllConnections() {
	m.drainPending = false
	state := m.shutdownState
	if state != ShutdownNotifyPendingShutdown && state != ShutdownCloseWhenIdle {
		return
	}
	kept, cleared := 0, 0
	for m.drainIter != listEnd && kept+cleared < drainBatchSize {
		c := m.conns.At(m.drainIter)
		m.drainIter = m.conns.Next(m.drainIter)
		b := c.base()
		if state == ShutdownNotifyPendingShutdown {
			b.FireNotifyPendingShutdown()
			kept++
			continue
		}
		// Busy connections close themselves once idle.
		if c.IsBusy() {
			kept++
		} else {
			cleared++
		}
		if b.drainState != DrainSentCloseWhenIdle {
			b.FireCloseWhenIdle(!m.notifyPendingShutdown)
		}
	}

	if state == ShutdownNotifyPendingShutdown {
		m.logger.Debug("connections notified of pending shutdown", "kept", kept)
	} else {
		m.logger.Debug("idle connections closed", "cleared", cleared, "kept", kept)
	}

	if m.drainIter != listEnd {
		if !m.drainPending {
			m.drainPending = true
			m.runInLoop(m.drainAllConnections)
		}
		return
	}
	if state == ShutdownNotifyPendingShutdown {
		m.shutdownState = ShutdownNotifyPendingShutdownComplete
		if m.closeAfterNotify {
			m.startCloseWhenIdle()
		}
		return
	}
	m.shutdownState = ShutdownCloseWhenIdleComplete
}

func (m *ConnectionManager) idleGracefulTimeoutExpired() {
	m.logger.Debug("idle grace period expired", "state", m.shutdownState)
	switch m.shutdownState {
	case ShutdownNotifyPendingShutdownComplete:
		m.startCloseWhenIdle()
	case ShutdownNotifyPendingShutdown:
		m.closeAfterNotify = true
	}
}

func (m *ConnectionManager) startCloseWhenIdle() {
	m.shutdownState = ShutdownCloseWhenIdle
	m.drainIter = m.conns.Front()
	m.drainAllConnections()
}

// DropAllConnections detaches and forcibly drops every connection.
func (m *ConnectionManager) DropAllConnections() {
	m.logger.Debug("dropping all connections", "connections", m.conns.Len())
	m.idleGrace.CancelTimeout()
	dumped := 0
	for m.conns.Len() > 0 {
		c := m.conns.At(m.conns.Front())
		m.emit(c, types.EventDropped, "")
		m.detach(c)
		if dumped < maxConnsToDump {
			dumped++
			c.DumpConnectionState(slog.LevelDebug)
		}
		c.DropConnection()
	}
	m.drainIter = listEnd
	m.idleIter = listEnd
	if m.callback != nil {
		m.callback.OnEmpty(m)
	}
}

// DropConnection forcibly drops the connection with the given ID. Returns
// false when no such connection is tracked.
func (m *ConnectionManager) DropConnection(id string) bool {
	var target Connection
	m.ForEach(func(c Connection) bool {
		if connectionID(c) == id {
			target = c
			return false
		}
		return true
	})
	if target == nil {
		return false
	}
	m.emit(target, types.EventDropped, "")
	m.RemoveConnection(target)
	target.DropConnection()
	return true
}

// DropIdleConnections sheds up to n idle connections, longest idle first, by
// expiring their timeouts. It stops at the first connection whose idle time
// is zero or does not exceed the early drop threshold.
func (m *ConnectionManager) DropIdleConnections(n int) int {
	if m.earlyDropThreshold >= m.defaultTimeout {
		return 0
	}
	count := 0
	for count < n {
		slot := m.idleIter
		if slot == listEnd {
			return count
		}
		c := m.conns.At(slot)
		idle := c.IdleTime()
		if idle == 0 || idle <= m.earlyDropThreshold {
			m.logger.Debug("no more idle connections to shed",
				"idle_time", idle, "threshold", m.earlyDropThreshold, "dropped", count, "requested", n)
			return count
		}
		m.idleIter = m.conns.Next(slot)
		m.emit(c, types.EventIdleShed, idle.String())
		c.TimeoutExpired()
		count++
	}
	return count
}

// ForEach visits connections busy-first until fn returns false. fn must not
// add or remove connections.
func (m *ConnectionManager) ForEach(fn func(c Connection) bool) {
	for slot := m.conns.Front(); slot != listEnd; slot = m.conns.Next(slot) {
		if !fn(m.conns.At(slot)) {
			return
		}
	}
}

// Connections returns a snapshot of every tracked connection.
func (m *ConnectionManager) Connections() []types.ConnectionInfo {
	infos := make([]types.ConnectionInfo, 0, m.conns.Len())
	m.ForEach(func(c Connection) bool {
		b := c.base()
		info := types.ConnectionInfo{
			ID:          connectionID(c),
			Description: Describe(c),
			Busy:        c.IsBusy(),
			Active:      b.active,
			IdleTime:    c.IdleTime(),
			DrainState:  b.drainState.String(),
		}
		if b.IsScheduled() {
			deadline := b.Deadline()
			info.TimeoutDeadline = &deadline
		}
		infos = append(infos, info)
		return true
	})
	return infos
}

func (m *ConnectionManager) Stats() types.ManagerStats {
	return types.ManagerStats{
		Connections:    m.conns.Len(),
		Active:         m.active,
		ShutdownState:  m.shutdownState.String(),
		DefaultTimeout: m.defaultTimeout,
		PendingTimers:  m.timer.Len(),
	}
}

// DumpConnectionState asks every connection to log its state.
func (m *ConnectionManager) DumpConnectionState(level slog.Level) {
	m.ForEach(func(c Connection) bool {
		c.DumpConnectionState(level)
		return true
	})
}

func (m *ConnectionManager) runInLoop(fn func()) {
	if m.executor != nil {
		err := m.executor.RunInLoop(fn)
		if err == nil {
			return
		}
		m.logger.Warn("event loop rejected callback, running inline", "error", err)
	}
	fn()
}

func (m *ConnectionManager) emit(c Connection, kind types.EventKind, detail string) {
	if m.observer == nil {
		return
	}
	m.observer.Observe(types.ConnectionEvent{
		ConnectionID: connectionID(c),
		Kind:         kind,
		Detail:       detail,
		Timestamp:    m.timer.Now(),
	})
}

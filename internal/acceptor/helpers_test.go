package acceptor

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"connmgr/internal/timer"
	"connmgr/pkg/types"
)

type fakeConn struct {
	Base
	id   string
	busy bool
	idle time.Duration

	// closeDestroys makes CloseWhenIdle destroy the connection when idle.
	closeDestroys bool

	timeouts  int
	notifies  int
	closes    int
	drops     int
	dumps     int
	destroyed int
}

func newFakeConn(id string) *fakeConn {
	c := &fakeConn{id: id}
	c.Init(c)
	return c
}

func (c *fakeConn) ConnectionID() string { return c.id }

func (c *fakeConn) TimeoutExpired() { c.timeouts++ }

func (c *fakeConn) Describe(w io.Writer) { fmt.Fprintf(w, "fake(%s)", c.id) }

func (c *fakeConn) IsBusy() bool { return c.busy }

func (c *fakeConn) IdleTime() time.Duration { return c.idle }

func (c *fakeConn) NotifyPendingShutdown() { c.notifies++ }

func (c *fakeConn) CloseWhenIdle() {
	c.closes++
	if c.closeDestroys && !c.busy {
		c.Destroy()
	}
}

func (c *fakeConn) DropConnection() {
	c.drops++
	c.Destroy()
}

func (c *fakeConn) DumpConnectionState(slog.Level) { c.dumps++ }

func (c *fakeConn) OnDestroy() { c.destroyed++ }

// plainConn keeps the embedded IdleTime, like a connection that does not
// track idleness.
type plainConn struct {
	Base
	id       string
	timeouts int
}

func newPlainConn(id string) *plainConn {
	c := &plainConn{id: id}
	c.Init(c)
	return c
}

func (c *plainConn) ConnectionID() string           { return c.id }
func (c *plainConn) TimeoutExpired()                { c.timeouts++ }
func (c *plainConn) Describe(w io.Writer)           { fmt.Fprintf(w, "plain(%s)", c.id) }
func (c *plainConn) IsBusy() bool                   { return false }
func (c *plainConn) NotifyPendingShutdown()         {}
func (c *plainConn) CloseWhenIdle()                 { c.Destroy() }
func (c *plainConn) DropConnection()                { c.Destroy() }
func (c *plainConn) DumpConnectionState(slog.Level) {}

// queueExecutor defers callbacks until step is called.
type queueExecutor struct {
	queue []func()
}

func (e *queueExecutor) RunInLoop(fn func()) error {
	e.queue = append(e.queue, fn)
	return nil
}

// step runs the callbacks queued so far and returns how many ran.
func (e *queueExecutor) step() int {
	batch := e.queue
	e.queue = nil
	for _, fn := range batch {
		fn()
	}
	return len(batch)
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.now = c.now.Add(d)
	return c.now
}

type countingCallback struct {
	empty, added, removed int
}

func (cb *countingCallback) OnEmpty(*ConnectionManager)             { cb.empty++ }
func (cb *countingCallback) OnConnectionAdded(*ConnectionManager)   { cb.added++ }
func (cb *countingCallback) OnConnectionRemoved(*ConnectionManager) { cb.removed++ }

type eventRecorder struct {
	events []types.ConnectionEvent
}

func (r *eventRecorder) Observe(ev types.ConnectionEvent) {
	r.events = append(r.events, ev)
}

func (r *eventRecorder) kinds(id string) []types.EventKind {
	var kinds []types.EventKind
	for _, ev := range r.events {
		if ev.ConnectionID == id {
			kinds = append(kinds, ev.Kind)
		}
	}
	return kinds
}

type testEnv struct {
	clock    *fakeClock
	timer    *timer.Timer
	exec     *queueExecutor
	callback *countingCallback
	events   *eventRecorder
	manager  *ConnectionManager
}

func newTestEnv(opts ...Option) *testEnv {
	env := &testEnv{
		clock:    &fakeClock{now: time.Unix(1700000000, 0)},
		exec:     &queueExecutor{},
		callback: &countingCallback{},
		events:   &eventRecorder{},
	}
	env.timer = timer.New(timer.WithNow(env.clock.Now))
	opts = append([]Option{
		WithCallback(env.callback),
		WithObserver(env.events),
	}, opts...)
	env.manager = NewConnectionManager(env.timer, env.exec, opts...)
	return env
}

// advance moves the clock forward and fires due timeouts.
func (env *testEnv) advance(d time.Duration) int {
	return env.timer.RunExpired(env.clock.Advance(d))
}

func (env *testEnv) addConns(n int) []*fakeConn {
	conns := make([]*fakeConn, n)
	for i := range conns {
		conns[i] = newFakeConn(fmt.Sprintf("conn-%d", i))
		env.manager.AddConnection(conns[i], false)
	}
	return conns
}

// order lists connection IDs front to back.
func (env *testEnv) order() []string {
	var ids []string
	env.manager.ForEach(func(c Connection) bool {
		ids = append(ids, c.(*fakeConn).id)
		return true
	})
	return ids
}

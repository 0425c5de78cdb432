package acceptor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"connmgr/internal/timer"
	"connmgr/pkg/types"
)

func TestFireNotifyPendingShutdown_OnlyOnce(t *testing.T) {
	c := newFakeConn("a")

	c.FireNotifyPendingShutdown()
	c.FireNotifyPendingShutdown()

	assert.Equal(t, 1, c.notifies)
	assert.Equal(t, DrainSentNotifyPendingShutdown, c.DrainState())
}

func TestFireNotifyPendingShutdown_AfterCloseIsNoop(t *testing.T) {
	c := newFakeConn("a")
	c.FireCloseWhenIdle(true)

	c.FireNotifyPendingShutdown()

	assert.Equal(t, 0, c.notifies)
	assert.Equal(t, DrainSentCloseWhenIdle, c.DrainState())
}

func TestFireCloseWhenIdle_RequiresNotifyUnlessForced(t *testing.T) {
	c := newFakeConn("a")

	c.FireCloseWhenIdle(false)
	assert.Equal(t, 0, c.closes)
	assert.Equal(t, DrainNone, c.DrainState())

	c.FireNotifyPendingShutdown()
	c.FireCloseWhenIdle(false)
	assert.Equal(t, 1, c.closes)
	assert.Equal(t, DrainSentCloseWhenIdle, c.DrainState())

	c.FireCloseWhenIdle(false)
	assert.Equal(t, 1, c.closes)
}

func TestFireCloseWhenIdle_ForcedAlwaysDelivers(t *testing.T) {
	c := newFakeConn("a")

	c.FireCloseWhenIdle(true)
	assert.Equal(t, DrainSentCloseWhenIdle, c.DrainState())
	assert.Equal(t, 1, c.closes)

	c.FireCloseWhenIdle(true)
	assert.Equal(t, 2, c.closes)
	assert.Equal(t, DrainSentCloseWhenIdle, c.DrainState())
}

func TestInit_RejectsForeignConnection(t *testing.T) {
	var b Base
	other := &fakeConn{id: "other"}
	assert.Panics(t, func() { b.Init(other) })
	assert.Panics(t, func() { b.Init(nil) })
}

func TestUninitializedConnectionPanics(t *testing.T) {
	c := &fakeConn{id: "raw"}
	assert.Panics(t, func() { c.FireNotifyPendingShutdown() })
}

func TestResetTimeout_DetachedIsNoop(t *testing.T) {
	c := newFakeConn("a")

	c.ResetTimeout()
	c.ResetTimeoutTo(time.Second)

	assert.False(t, c.IsScheduled())
	assert.Nil(t, c.ConnectionManager())
}

func TestResetTimeout_UsesManagerDefault(t *testing.T) {
	env := newTestEnv(WithDefaultTimeout(5 * time.Second))
	c := newFakeConn("a")
	env.manager.AddConnection(c, false)
	require.False(t, c.IsScheduled())

	c.ResetTimeout()
	require.True(t, c.IsScheduled())
	assert.Equal(t, env.clock.now.Add(5*time.Second), c.Deadline())

	env.advance(4 * time.Second)
	c.ResetTimeout()
	env.advance(4 * time.Second)
	assert.Equal(t, 0, c.timeouts)

	env.advance(time.Second)
	assert.Equal(t, 1, c.timeouts)
	assert.False(t, c.IsScheduled())
}

func TestResetTimeoutTo_CustomInterval(t *testing.T) {
	env := newTestEnv()
	c := newFakeConn("a")
	env.manager.AddConnection(c, true)

	c.ResetTimeoutTo(200 * time.Millisecond)
	env.advance(200 * time.Millisecond)

	assert.Equal(t, 1, c.timeouts)
}

type testTimeout struct {
	timer.Handle
	fired int
}

func (tt *testTimeout) TimeoutExpired() { tt.fired++ }

func TestScheduleTimeout_OnManagerTimer(t *testing.T) {
	env := newTestEnv()
	c := newFakeConn("a")
	cb := &testTimeout{}

	c.ScheduleTimeout(cb, time.Second)
	assert.False(t, cb.IsScheduled(), "detached connection schedules nothing")

	env.manager.AddConnection(c, false)
	c.ScheduleTimeout(cb, time.Second)
	env.advance(time.Second)
	assert.Equal(t, 1, cb.fired)
}

func TestDescribe(t *testing.T) {
	c := newFakeConn("abc")
	assert.Equal(t, "fake(abc)", Describe(c))
	assert.Equal(t, "abc", connectionID(c))
}

func TestDrainEventsReachObserver(t *testing.T) {
	env := newTestEnv()
	c := newFakeConn("a")
	env.manager.AddConnection(c, false)

	c.FireNotifyPendingShutdown()
	c.FireCloseWhenIdle(false)

	assert.Equal(t, []types.EventKind{
		types.EventAdded,
		types.EventNotifyPendingShutdown,
		types.EventCloseWhenIdle,
	}, env.events.kinds("a"))
}

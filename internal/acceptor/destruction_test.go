package acceptor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"connmgr/pkg/types"
)

func TestDestroy_WithoutGuardsCompletesImmediately(t *testing.T) {
	env := newTestEnv()
	c := newFakeConn("a")
	env.manager.AddConnection(c, true)

	c.Destroy()

	assert.Equal(t, Destroyed, c.LifecycleState())
	assert.Equal(t, 1, c.destroyed)
	assert.False(t, c.IsScheduled())
	assert.Nil(t, c.ConnectionManager())
	assert.Equal(t, 0, env.manager.NumConnections())
	assert.Equal(t, 1, env.callback.empty)
}

func TestDestroy_DeferredUntilLastGuard(t *testing.T) {
	env := newTestEnv()
	c := newFakeConn("a")
	env.manager.AddConnection(c, true)

	g1 := c.Guard()
	g2 := c.Guard()
	require.Equal(t, 2, c.GuardCount())

	c.Destroy()
	assert.Equal(t, Destroying, c.LifecycleState())
	assert.Equal(t, 1, env.manager.NumConnections())
	assert.Equal(t, 0, c.destroyed)

	g1.Release()
	g1.Release()
	assert.Equal(t, Destroying, c.LifecycleState(), "double release counts once")
	assert.Equal(t, 1, c.GuardCount())

	g2.Release()
	assert.Equal(t, Destroyed, c.LifecycleState())
	assert.Equal(t, 1, c.destroyed)
	assert.Equal(t, 0, env.manager.NumConnections())
	assert.Equal(t, 0, env.timer.Len())
}

func TestDestroy_Idempotent(t *testing.T) {
	c := newFakeConn("a")
	c.Destroy()
	c.Destroy()
	assert.Equal(t, 1, c.destroyed)
}

func TestGuard_AfterDestroyed(t *testing.T) {
	c := newFakeConn("a")
	c.Destroy()

	g := c.Guard()
	assert.Nil(t, g)
	assert.NotPanics(t, g.Release)
}

func TestGuard_ReleasedWhileAliveDoesNotDestroy(t *testing.T) {
	c := newFakeConn("a")
	c.Guard().Release()
	assert.Equal(t, Alive, c.LifecycleState())
	assert.Equal(t, 0, c.destroyed)
}

func TestDestroy_EmitsDestroyedBeforeRemoved(t *testing.T) {
	env := newTestEnv()
	c := newFakeConn("a")
	env.manager.AddConnection(c, false)

	c.Destroy()

	assert.Equal(t, []types.EventKind{
		types.EventAdded,
		types.EventDestroyed,
		types.EventRemoved,
	}, env.events.kinds("a"))
}

func TestLifecycleStateString(t *testing.T) {
	assert.Equal(t, "alive", Alive.String())
	assert.Equal(t, "destroying", Destroying.String())
	assert.Equal(t, "destroyed", Destroyed.String())
	assert.Equal(t, "unknown", LifecycleState(9).String())
}

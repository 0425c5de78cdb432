package acceptor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"connmgr/internal/eventloop"
	"connmgr/pkg/interfaces"
)

func startLoop(t *testing.T) (*eventloop.Loop, *ConnectionManager) {
	t.Helper()
	loop := eventloop.New(nil)
	m := NewConnectionManager(loop.Timer(), loop, WithDefaultTimeout(time.Minute))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return loop, m
}

func TestController_HopsOntoLoop(t *testing.T) {
	loop, m := startLoop(t)
	ctrl := NewController(m, loop)
	ctx := context.Background()

	conns := make([]*fakeConn, 3)
	require.NoError(t, loop.Do(ctx, func() {
		for i := range conns {
			conns[i] = newFakeConn(string(rune('a' + i)))
			m.AddConnection(conns[i], true)
		}
	}))

	infos, err := ctrl.Connections(ctx)
	require.NoError(t, err)
	assert.Len(t, infos, 3)

	stats, err := ctrl.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Connections)
	assert.Equal(t, 3, stats.PendingTimers)

	require.NoError(t, ctrl.DropConnection(ctx, "b"))
	assert.ErrorIs(t, ctrl.DropConnection(ctx, "b"), interfaces.ErrConnectionNotFound)

	dropped, err := ctrl.DropIdleConnections(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 0, dropped)

	require.NoError(t, ctrl.InitiateGracefulShutdown(ctx, 0))
	stats, err = ctrl.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, ShutdownCloseWhenIdleComplete.String(), stats.ShutdownState)

	require.NoError(t, ctrl.DropAllConnections(ctx))
	stats, err = ctrl.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Connections)
	require.NoError(t, loop.Do(ctx, func() {
		assert.Equal(t, 1, conns[0].closes)
		assert.Equal(t, 1, conns[0].drops)
	}))
}

func TestController_StoppedLoop(t *testing.T) {
	loop := eventloop.New(nil)
	m := NewConnectionManager(loop.Timer(), loop)
	ctrl := NewController(m, loop)
	require.NoError(t, loop.Stop())

	_, err := ctrl.Stats(context.Background())
	assert.ErrorIs(t, err, eventloop.ErrLoopStopped)
}

package acceptor

import (
	"context"
	"time"

	"connmgr/pkg/interfaces"
	"connmgr/pkg/types"
)

// LoopRunner runs fn on the manager's event loop and waits for it.
type LoopRunner interface {
	Do(ctx context.Context, fn func()) error
}

// Controller exposes a ConnectionManager to other goroutines by hopping
// every call onto the manager's loop.
type Controller struct {
	manager *ConnectionManager
	loop    LoopRunner
}

var _ interfaces.ConnectionController = (*Controller)(nil)

func NewController(m *ConnectionManager, loop LoopRunner) *Controller {
	return &Controller{manager: m, loop: loop}
}

func (c *Controller) Connections(ctx context.Context) ([]types.ConnectionInfo, error) {
	var infos []types.ConnectionInfo
	err := c.loop.Do(ctx, func() {
		infos = c.manager.Connections()
	})
	return infos, err
}

func (c *Controller) Stats(ctx context.Context) (types.ManagerStats, error) {
	var stats types.ManagerStats
	err := c.loop.Do(ctx, func() {
		stats = c.manager.Stats()
	})
	return stats, err
}

func (c *Controller) DropConnection(ctx context.Context, id string) error {
	found := false
	if err := c.loop.Do(ctx, func() {
		found = c.manager.DropConnection(id)
	}); err != nil {
		return err
	}
	if !found {
		return interfaces.ErrConnectionNotFound
	}
	return nil
}

func (c *Controller) DropIdleConnections(ctx context.Context, n int) (int, error) {
	dropped := 0
	err := c.loop.Do(ctx, func() {
		dropped = c.manager.DropIdleConnections(n)
	})
	return dropped, err
}

func (c *Controller) InitiateGracefulShutdown(ctx context.Context, idleGrace time.Duration) error {
	return c.loop.Do(ctx, func() {
		c.manager.InitiateGracefulShutdown(idleGrace)
	})
}

func (c *Controller) DropAllConnections(ctx context.Context) error {
	return c.loop.Do(ctx, func() {
		c.manager.DropAllConnections()
	})
}

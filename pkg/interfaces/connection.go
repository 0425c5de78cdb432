package interfaces

import (
	"context"
	"time"

	"connmgr/pkg/types"
)

// ConnectionController is the view of a connection manager that outer
// surfaces (HTTP API, signal handling) use. Implementations hop onto the
// manager's event loop, so every method is safe from any goroutine.
type ConnectionController interface {
	// Connections returns a snapshot of every managed connection
	Connections(ctx context.Context) ([]types.ConnectionInfo, error)

	// Stats summarizes the manager
	Stats(ctx context.Context) (types.ManagerStats, error)

	// DropConnection forcibly drops one connection. Returns ErrConnectionNotFound
	// when no managed connection has that ID.
	DropConnection(ctx context.Context, id string) error

	// DropIdleConnections sheds up to n idle connections and returns how many were shed
	DropIdleConnections(ctx context.Context, n int) (int, error)

	// InitiateGracefulShutdown starts the two-phase drain
	InitiateGracefulShutdown(ctx context.Context, idleGrace time.Duration) error

	// DropAllConnections forcibly drops every connection
	DropAllConnections(ctx context.Context) error
}

// ClosedConnectionHistory keeps descriptions of recently closed connections
type ClosedConnectionHistory interface {
	Recent() []types.ClosedConnection
}

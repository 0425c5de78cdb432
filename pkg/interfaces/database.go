package interfaces

import (
	"context"

	"connmgr/pkg/types"
)

// EventStore persists connection lifecycle events for auditing
type EventStore interface {
	// RecordEvent persists an event. Writes are serialized by the store.
	RecordEvent(ctx context.Context, event *types.ConnectionEvent) error

	// ListEvents returns every event recorded for a connection, oldest first
	ListEvents(ctx context.Context, connectionID string) ([]*types.ConnectionEvent, error)

	// RecentEvents returns at most limit events, newest first
	RecentEvents(ctx context.Context, limit int) ([]*types.ConnectionEvent, error)

	// CountByKind returns how many events of each kind were recorded
	CountByKind(ctx context.Context) (map[types.EventKind]int, error)

	HealthCheck(ctx context.Context) error

	// Close flushes pending writes and releases the database
	Close() error
}

package types

import (
	"time"
)

// EventKind names a connection lifecycle transition
type EventKind string

const (
	EventAdded                 EventKind = "added"
	EventRemoved               EventKind = "removed"
	EventActivated             EventKind = "activated"
	EventDeactivated           EventKind = "deactivated"
	EventNotifyPendingShutdown EventKind = "notify_pending_shutdown"
	EventCloseWhenIdle         EventKind = "close_when_idle"
	EventDropped               EventKind = "dropped"
	EventTimeout               EventKind = "timeout"
	EventIdleShed              EventKind = "idle_shed"
	EventDestroyed             EventKind = "destroyed"
)

// ConnectionEvent is one audited lifecycle transition of a managed connection
type ConnectionEvent struct {
	ID           string    `json:"id" db:"id"`
	ConnectionID string    `json:"connection_id" db:"connection_id"`
	Kind         EventKind `json:"kind" db:"kind"`
	Detail       string    `json:"detail,omitempty" db:"detail"`
	Timestamp    time.Time `json:"timestamp" db:"timestamp"`
}

// ConnectionInfo is a point-in-time snapshot of a managed connection,
// taken on the owning event loop
type ConnectionInfo struct {
	ID              string        `json:"id"`
	Description     string        `json:"description"`
	Busy            bool          `json:"busy"`
	Active          bool          `json:"active"`
	IdleTime        time.Duration `json:"idle_time"`
	DrainState      string        `json:"drain_state"`
	TimeoutDeadline *time.Time    `json:"timeout_deadline,omitempty"`
}

// ManagerStats summarizes a connection manager
type ManagerStats struct {
	Connections    int           `json:"connections"`
	Active         int           `json:"active"`
	ShutdownState  string        `json:"shutdown_state"`
	DefaultTimeout time.Duration `json:"default_timeout"`
	PendingTimers  int           `json:"pending_timers"`
}

// ClosedConnection is what diagnostics keep about a connection after it is gone
type ClosedConnection struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Reason      EventKind `json:"reason"`
	ClosedAt    time.Time `json:"closed_at"`
}

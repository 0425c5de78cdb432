package types

import (
	"regexp"
)

var connectionIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_:.-]+$`)

const maxDetailBytes = 4096

// Validate checks the event before it is persisted
func (e *ConnectionEvent) Validate() error {
	if !IsValidEventKind(e.Kind) {
		return ErrInvalidEventKind
	}
	if !IsValidConnectionID(e.ConnectionID) {
		return ErrInvalidConnectionID
	}
	if e.Timestamp.IsZero() {
		return ErrMissingTimestamp
	}
	if len(e.Detail) > maxDetailBytes {
		return ErrDetailTooLarge
	}
	return nil
}

// IsValidConnectionID checks if a connection ID meets format requirements
func IsValidConnectionID(id string) bool {
	if len(id) < 1 || len(id) > 100 {
		return false
	}
	return connectionIDRegex.MatchString(id)
}

func IsValidEventKind(kind EventKind) bool {
	switch kind {
	case EventAdded,
		EventRemoved,
		EventActivated,
		EventDeactivated,
		EventNotifyPendingShutdown,
		EventCloseWhenIdle,
		EventDropped,
		EventTimeout,
		EventIdleShed,
		EventDestroyed:
		return true
	default:
		return false
	}
}

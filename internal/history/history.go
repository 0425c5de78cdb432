// Package history remembers recently closed connections for diagnostics.
package history

import (
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"

	"connmgr/pkg/types"
)

const DefaultSize = 256

// History is an acceptor.Observer that keeps the last closed connections in
// a bounded LRU. Recent is safe to call from any goroutine.
type History struct {
	closed *lru.Cache[string, types.ClosedConnection]
	// reasons holds the last close cause of connections still open
	reasons *lru.Cache[string, types.EventKind]
}

// New creates a history holding at most size closed connections
func New(size int) (*History, error) {
	if size <= 0 {
		size = DefaultSize
	}
	closed, err := lru.New[string, types.ClosedConnection](size)
	if err != nil {
		return nil, err
	}
	reasons, err := lru.New[string, types.EventKind](size * 4)
	if err != nil {
		return nil, err
	}
	return &History{closed: closed, reasons: reasons}, nil
}

func (h *History) Observe(event types.ConnectionEvent) {
	switch event.Kind {
	case types.EventTimeout,
		types.EventDropped,
		types.EventIdleShed,
		types.EventCloseWhenIdle,
		types.EventDestroyed:
		if event.Kind == types.EventDestroyed && h.reasons.Contains(event.ConnectionID) {
			return
		}
		h.reasons.Add(event.ConnectionID, event.Kind)
	case types.EventRemoved:
		reason, ok := h.reasons.Get(event.ConnectionID)
		if !ok {
			reason = types.EventRemoved
		}
		h.reasons.Remove(event.ConnectionID)
		h.closed.Add(event.ConnectionID, types.ClosedConnection{
			ID:          event.ConnectionID,
			Description: event.Detail,
			Reason:      reason,
			ClosedAt:    event.Timestamp,
		})
	}
}

// Recent returns closed connections, most recently closed first
func (h *History) Recent() []types.ClosedConnection {
	values := h.closed.Values()
	slices.Reverse(values)
	return values
}

// Lookup returns the record of one closed connection
func (h *History) Lookup(id string) (types.ClosedConnection, bool) {
	return h.closed.Peek(id)
}

func (h *History) Len() int {
	return h.closed.Len()
}

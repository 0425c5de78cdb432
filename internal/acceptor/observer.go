package acceptor

import "connmgr/pkg/types"

// Observer receives connection lifecycle events. Observe runs on the event
// loop and must not block.
type Observer interface {
	Observe(event types.ConnectionEvent)
}

type ObserverFunc func(event types.ConnectionEvent)

func (f ObserverFunc) Observe(event types.ConnectionEvent) { f(event) }

// MultiObserver fans events out in order.
type MultiObserver []Observer

func (mo MultiObserver) Observe(event types.ConnectionEvent) {
	for _, o := range mo {
		if o != nil {
			o.Observe(event)
		}
	}
}

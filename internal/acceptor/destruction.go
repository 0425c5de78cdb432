package acceptor

import "connmgr/pkg/types"

// LifecycleState tracks deferred destruction of a connection.
type LifecycleState uint8

const (
	Alive LifecycleState = iota
	Destroying
	Destroyed
)

func (s LifecycleState) String() string {
	switch s {
	case Alive:
		return "alive"
	case Destroying:
		return "destroying"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Destroyer is implemented by connections that release resources once
// destruction completes. OnDestroy runs exactly once.
type Destroyer interface {
	OnDestroy()
}

// DestructorGuard keeps a connection from completing destruction while
// asynchronous work still refers to it.
type DestructorGuard struct {
	b        *Base
	released bool
}

// Guard takes a reference on the connection. It returns nil once the
// connection is destroyed.
func (b *Base) Guard() *DestructorGuard {
	if b.lifecycle == Destroyed {
		return nil
	}
	b.guards++
	return &DestructorGuard{b: b}
}

// Release drops the reference. Releasing a nil or already released guard is
// a no-op. The last release of a connection being destroyed finishes its
// destruction.
func (g *DestructorGuard) Release() {
	if g == nil || g.released {
		return
	}
	g.released = true
	b := g.b
	b.guards--
	if b.guards == 0 && b.lifecycle == Destroying {
		b.finishDestroy()
	}
}

func (b *Base) LifecycleState() LifecycleState {
	return b.lifecycle
}

func (b *Base) GuardCount() int {
	return b.guards
}

// Destroy requests destruction. It completes now if no guard is held and
// otherwise when the last guard is released. Repeated calls are no-ops.
func (b *Base) Destroy() {
	if b.lifecycle != Alive {
		return
	}
	b.lifecycle = Destroying
	if b.guards == 0 {
		b.finishDestroy()
	}
}

func (b *Base) finishDestroy() {
	self := b.mustSelf()
	b.CancelTimeout()
	b.Emit(types.EventDestroyed, Describe(self))
	if b.manager != nil {
		b.manager.RemoveConnection(self)
	}
	b.lifecycle = Destroyed
	if d, ok := self.(Destroyer); ok {
		d.OnDestroy()
	}
}

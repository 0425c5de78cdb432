package acceptor

// DrainState records which shutdown notification a connection has already
// been given. It only moves forward:
//
//	DrainNone -> DrainSentNotifyPendingShutdown -> DrainSentCloseWhenIdle
//
// A forced close may jump straight from DrainNone to DrainSentCloseWhenIdle.
type DrainState uint8

const (
	DrainNone DrainState = iota
	DrainSentNotifyPendingShutdown
	DrainSentCloseWhenIdle
)

func (s DrainState) String() string {
	switch s {
	case DrainNone:
		return "none"
	case DrainSentNotifyPendingShutdown:
		return "sent_notify_pending_shutdown"
	case DrainSentCloseWhenIdle:
		return "sent_close_when_idle"
	default:
		return "unknown"
	}
}

// ShutdownState is the manager-wide drain progress.
type ShutdownState uint8

const (
	ShutdownNone ShutdownState = iota
	ShutdownNotifyPendingShutdown
	ShutdownNotifyPendingShutdownComplete
	ShutdownCloseWhenIdle
	ShutdownCloseWhenIdleComplete
)

func (s ShutdownState) String() string {
	switch s {
	case ShutdownNone:
		return "none"
	case ShutdownNotifyPendingShutdown:
		return "notify_pending_shutdown"
	case ShutdownNotifyPendingShutdownComplete:
		return "notify_pending_shutdown_complete"
	case ShutdownCloseWhenIdle:
		return "close_when_idle"
	case ShutdownCloseWhenIdleComplete:
		return "close_when_idle_complete"
	default:
		return "unknown"
	}
}

package eventloop

import "errors"

var (
	ErrLoopAlreadyRunning = errors.New("event loop is already running")
	ErrLoopNotRunning     = errors.New("event loop is not running")
	ErrLoopStopped        = errors.New("event loop is stopped")
	ErrQueueFull          = errors.New("event loop queue is full")
)

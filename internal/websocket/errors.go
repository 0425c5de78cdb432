package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timeout")
	ErrWriteQueueFull   = errors.New("write queue full")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Handler-related errors
var (
	ErrNilConnection   = errors.New("connection cannot be nil")
	ErrLoopUnavailable = errors.New("event loop rejected connection")
)

package connection

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrQueueFull        = errors.New("outbound queue full")
	ErrInvalidJSON      = errors.New("invalid JSON data")
	ErrAlreadyStarted   = errors.New("connection writer already started")
)

// Handler-related errors
var (
	ErrInvalidParameters = errors.New("invalid connection parameters")
)

package transport

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrQueueFull        = errors.New("outbound queue full")
	ErrWriteTimeout     = errors.New("outbound queue full past write timeout")
)

// Registry-related errors
var (
	ErrNilConnection = errors.New("connection cannot be nil")
	ErrDuplicateID   = errors.New("connection ID already registered")
)

package types

import "errors"

var (
	ErrInvalidEventKind = errors.New("invalid event kind")
	ErrMissingEventID   = errors.New("event ID is required")
	ErrMissingTimestamp = errors.New("event timestamp is required")
	ErrDetailTooLarge   = errors.New("event detail exceeds 1KB limit")
)

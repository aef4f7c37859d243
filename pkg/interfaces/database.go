package interfaces

import (
	"context"

	"lanrelay/pkg/types"
)

// EventStore persists the operator journal.
// ARCHITECTURAL DISCOVERY: the journal is write-mostly and is never read back
// to rebuild rooms; room state lives only in process memory.
type EventStore interface {
	// StoreEvent appends one lifecycle event.
	StoreEvent(ctx context.Context, event *types.Event) error

	// ListRoomEvents returns up to limit events for a room, newest first.
	ListRoomEvents(ctx context.Context, room string, limit int) ([]*types.Event, error)

	// CountEvents returns the total number of journaled events.
	CountEvents(ctx context.Context) (int, error)

	// HealthCheck verifies database connectivity.
	HealthCheck(ctx context.Context) error

	// Close flushes pending writes and closes the database.
	Close() error
}

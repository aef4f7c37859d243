package interfaces

import "lanrelay/pkg/types"

// RoomRegistry owns room records and their member sets.
// FUNCTIONAL DISCOVERY: every method is atomic with respect to the others; a
// successful VerifyJoin has already added the member when it returns.
type RoomRegistry interface {
	CreateRoom(name, passwordHash, host string) error
	VerifyJoin(name, passwordHash, username string) error
	AddMember(name, username string)
	RemoveMember(name, username string)
	IsHost(name, username string) bool
	Rooms() []types.RoomSummary
}

// EventPublisher accepts journal events without blocking the caller.
type EventPublisher interface {
	Publish(event *types.Event) error
}

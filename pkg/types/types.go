package types

import (
	"time"
)

// Journal event kinds recorded for room and connection lifecycle.
const (
	EventRoomCreated      = "room_created"
	EventMemberJoined     = "member_joined"
	EventMemberLeft       = "member_left"
	EventAuthFailed       = "auth_failed"
	EventFileRelayed      = "file_relayed"
	EventConnectionOpened = "connection_opened"
	EventConnectionClosed = "connection_closed"
)

// RoomSummary is the public view of a room.
// FUNCTIONAL DISCOVERY: the password hash never leaves the registry, so it has
// no field here at all.
type RoomSummary struct {
	Name            string    `json:"name"`
	Host            string    `json:"host"`
	Members         []string  `json:"members"`
	CreatedAt       time.Time `json:"created_at"`
	LiveConnections int       `json:"live_connections"`
}

// Event is one row of the operator journal.
// ARCHITECTURAL DISCOVERY: events describe lifecycle only. Chat text and file
// bytes are never journaled.
type Event struct {
	ID         string    `json:"id" db:"id"`
	Room       string    `json:"room" db:"room"`
	Username   string    `json:"username" db:"username"`
	Kind       string    `json:"kind" db:"kind"`
	Detail     string    `json:"detail,omitempty" db:"detail"`
	RemoteAddr string    `json:"remote_addr,omitempty" db:"remote_addr"`
	Timestamp  time.Time `json:"timestamp" db:"timestamp"`
}

// ConnectionStats summarizes the live connection table.
type ConnectionStats struct {
	Total         int            `json:"total"`
	Authenticated int            `json:"authenticated"`
	PerRoom       map[string]int `json:"per_room"`
}

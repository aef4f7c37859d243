package transport

import (
	"sort"
	"sync"

	"lanrelay/pkg/types"
)

// Registry is the live connection table: every connection the server
// currently holds, keyed by connection ID.
// FUNCTIONAL DISCOVERY: several connections may share a username in one room;
// identity is only unique per connection.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection // connection ID -> Connection
}

// NewRegistry creates an empty connection table
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*Connection),
	}
}

// Add registers a freshly accepted connection.
func (r *Registry) Add(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[conn.ID()]; exists {
		return ErrDuplicateID
	}
	r.conns[conn.ID()] = conn
	return nil
}

// Remove drops a connection. Idempotent.
func (r *Registry) Remove(conn *Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// only remove the exact instance that is registered
	if registered, exists := r.conns[conn.ID()]; exists && registered == conn {
		delete(r.conns, conn.ID())
	}
}

// Bind attaches username and room to conn under the table lock, so room
// snapshots never observe a half-bound connection.
func (r *Registry) Bind(conn *Connection, username, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn.setIdentity(username, room)
}

// Get returns a connection by ID.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.conns[id]
	return conn, exists
}

// RoomConnections snapshots every connection bound to room.
func (r *Registry) RoomConnections(room string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var connections []*Connection
	for _, conn := range r.conns {
		if _, connRoom, ok := conn.Identity(); ok && connRoom == room {
			connections = append(connections, conn)
		}
	}
	return connections
}

// RoomUsernames returns the distinct usernames bound to room, sorted.
func (r *Registry) RoomUsernames(room string) []string {
	r.mu.RLock()
	seen := make(map[string]struct{})
	for _, conn := range r.conns {
		if username, connRoom, ok := conn.Identity(); ok && connRoom == room {
			seen[username] = struct{}{}
		}
	}
	r.mu.RUnlock()

	usernames := make([]string, 0, len(seen))
	for username := range seen {
		usernames = append(usernames, username)
	}
	sort.Strings(usernames)
	return usernames
}

// HasMember reports whether any connection other than except holds username in room.
func (r *Registry) HasMember(room, username string, except *Connection) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, conn := range r.conns {
		if conn == except {
			continue
		}
		if u, connRoom, ok := conn.Identity(); ok && connRoom == room && u == username {
			return true
		}
	}
	return false
}

// All snapshots every live connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connections := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		connections = append(connections, conn)
	}
	return connections
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Stats summarizes the table for health checks and room listings.
func (r *Registry) Stats() types.ConnectionStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := types.ConnectionStats{
		Total:   len(r.conns),
		PerRoom: make(map[string]int),
	}
	for _, conn := range r.conns {
		if _, room, ok := conn.Identity(); ok {
			stats.Authenticated++
			stats.PerRoom[room]++
		}
	}
	return stats
}

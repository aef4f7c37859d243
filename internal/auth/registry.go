package auth

import (
	"crypto/subtle"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"lanrelay/pkg/protocol"
	"lanrelay/pkg/types"
)

type room struct {
	name         string
	passwordHash string
	host         string
	members      map[string]struct{}
	createdAt    time.Time
}

// Registry implements the RoomRegistry interface.
// Rooms are never removed; they live as long as the process.
type Registry struct {
	rooms map[string]*room // room name -> room
	mu    sync.RWMutex
}

// NewRegistry creates an empty room registry
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]*room),
	}
}

// CreateRoom registers a new room with an empty member set.
// The host is recorded but not added; callers add it with AddMember once the
// session is bound.
func (r *Registry) CreateRoom(name, passwordHash, host string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[name]; exists {
		return ErrRoomExists
	}

	r.rooms[name] = &room{
		name:         name,
		passwordHash: passwordHash,
		host:         host,
		members:      make(map[string]struct{}),
		createdAt:    time.Now(),
	}

	log.Printf("[AUTH] Created room: name=%s host=%s", name, host)
	return nil
}

// VerifyJoin checks the password digest and adds username on success.
// Adding an existing member is a no-op.
func (r *Registry) VerifyJoin(name, passwordHash, username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, exists := r.rooms[name]
	if !exists {
		return ErrRoomNotFound
	}
	if subtle.ConstantTimeCompare([]byte(rm.passwordHash), []byte(passwordHash)) != 1 {
		return ErrWrongPassword
	}

	rm.members[username] = struct{}{}
	return nil
}

// AddMember adds username to an existing room. Unknown rooms are ignored.
func (r *Registry) AddMember(name, username string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rm, exists := r.rooms[name]; exists {
		rm.members[username] = struct{}{}
	}
}

// RemoveMember drops username from the room's member set.
// Absent rooms and members are a no-op; the room itself always survives.
func (r *Registry) RemoveMember(name, username string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rm, exists := r.rooms[name]; exists {
		delete(rm.members, username)
	}
}

// IsHost reports whether username created the room.
func (r *Registry) IsHost(name, username string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, exists := r.rooms[name]
	return exists && rm.host == username
}

// Members returns the sorted member set of a room.
func (r *Registry) Members(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, exists := r.rooms[name]
	if !exists {
		return nil
	}
	return sortedMembers(rm)
}

// Rooms returns a summary of every room, ordered by name.
func (r *Registry) Rooms() []types.RoomSummary {
	r.mu.RLock()
	summaries := make([]types.RoomSummary, 0, len(r.rooms))
	for _, rm := range r.rooms {
		summaries = append(summaries, types.RoomSummary{
			Name:      rm.name,
			Host:      rm.host,
			Members:   sortedMembers(rm),
			CreatedAt: rm.createdAt,
		})
	}
	r.mu.RUnlock()

	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })
	return summaries
}

// GetStats returns room and member counts.
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := 0
	for _, rm := range r.rooms {
		members += len(rm.members)
	}
	return map[string]int{
		"rooms":   len(r.rooms),
		"members": members,
	}
}

// Reason maps a registry error to the string sent in auth_result.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrRoomExists):
		return protocol.ReasonServerExists
	case errors.Is(err, ErrRoomNotFound):
		return protocol.ReasonServerNotFound
	case errors.Is(err, ErrWrongPassword):
		return protocol.ReasonWrongPassword
	default:
		return ""
	}
}

// HashPassword is the digest clients send in place of the raw password.
func HashPassword(raw string) string {
	return protocol.HashPassword(raw)
}

func sortedMembers(rm *room) []string {
	members := make([]string, 0, len(rm.members))
	for m := range rm.members {
		members = append(members, m)
	}
	sort.Strings(members)
	return members
}

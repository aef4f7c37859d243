package server

import (
	"errors"
	"log"
	"sync"

	"lanrelay/internal/transport"
	"lanrelay/pkg/protocol"
)

// DeliveryFailure names one recipient a broadcast could not reach.
type DeliveryFailure struct {
	ConnID   string
	Username string
	Err      error
}

// Broadcaster fans frames out to every connection bound to a room.
type Broadcaster struct {
	conns *transport.Registry
}

// NewBroadcaster creates a broadcaster over the live connection table
func NewBroadcaster(conns *transport.Registry) *Broadcaster {
	return &Broadcaster{conns: conns}
}

// Broadcast encodes p and delivers it to the room, skipping exclude.
func (b *Broadcaster) Broadcast(room string, p protocol.Payload, exclude *transport.Connection) []DeliveryFailure {
	frame, err := protocol.Marshal(p)
	if err != nil {
		log.Printf("[RELAY] Failed to encode %s for room %s: %v", p.Kind(), room, err)
		return nil
	}
	return b.BroadcastFrame(room, frame, exclude)
}

// BroadcastFrame delivers an already encoded frame. The room is snapshotted
// under the table lock; enqueueing happens after it is released. Full queues
// are waited on concurrently, so a stalled peer costs at most one enqueue
// timeout for the whole broadcast.
func (b *Broadcaster) BroadcastFrame(room string, frame []byte, exclude *transport.Connection) []DeliveryFailure {
	recipients := b.conns.RoomConnections(room)

	var (
		failures []DeliveryFailure
		slow     []*transport.Connection
	)
	for _, conn := range recipients {
		if conn == exclude {
			continue
		}
		err := conn.TrySend(frame)
		switch {
		case err == nil:
		case errors.Is(err, transport.ErrQueueFull):
			slow = append(slow, conn)
		default:
			failures = append(failures, failure(conn, err))
		}
	}

	if len(slow) == 0 {
		return failures
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, conn := range slow {
		wg.Add(1)
		go func(conn *transport.Connection) {
			defer wg.Done()
			if err := conn.Send(frame); err != nil {
				mu.Lock()
				failures = append(failures, failure(conn, err))
				mu.Unlock()
			}
		}(conn)
	}
	wg.Wait()

	return failures
}

// BroadcastRoster sends the room's current roster to every member.
func (b *Broadcaster) BroadcastRoster(room string) []DeliveryFailure {
	return b.Broadcast(room, protocol.Clients{List: b.conns.RoomUsernames(room)}, nil)
}

func failure(conn *transport.Connection, err error) DeliveryFailure {
	username, _, _ := conn.Identity()
	return DeliveryFailure{ConnID: conn.ID(), Username: username, Err: err}
}

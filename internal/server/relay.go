package server

import (
	"fmt"
	"log"

	"lanrelay/pkg/protocol"
	"lanrelay/pkg/types"
)

// relayFile forwards a file envelope to the rest of the sender's room.
// The data passes through untouched except for from, which is always the
// sender's bound username.
func (s *session) relayFile(env protocol.Envelope) {
	username, room, ok := s.conn.Identity()
	if !ok {
		log.Printf("[RELAY] Dropped %s from unauthenticated conn=%s addr=%s", env.Type, s.conn.ID(), s.conn.RemoteAddr())
		return
	}

	tagged, err := env.WithField("from", username)
	if err != nil {
		log.Printf("[RELAY] Dropped malformed %s: conn=%s err=%v", env.Type, s.conn.ID(), err)
		return
	}
	frame, err := protocol.Encode(tagged)
	if err != nil {
		log.Printf("[RELAY] Failed to encode %s: conn=%s err=%v", env.Type, s.conn.ID(), err)
		return
	}

	s.srv.dropFailed(s.srv.broadcaster.BroadcastFrame(room, frame, s.conn))

	if detail := relayDetail(env); detail != "" {
		s.srv.journal(types.EventFileRelayed, room, username, detail, s.conn.RemoteAddr())
	}
}

// relayDetail describes offers and completions; chunks are not journaled.
func relayDetail(env protocol.Envelope) string {
	switch env.Type {
	case protocol.TypeFileOffer:
		var size int64
		if p, err := env.Parse(); err == nil {
			size = p.(*protocol.FileOffer).Filesize
		}
		return fmt.Sprintf("offer %s (%d bytes)", env.Field("filename"), size)
	case protocol.TypeFileComplete:
		return fmt.Sprintf("complete %s", env.Field("filename"))
	default:
		return ""
	}
}

package server

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"lanrelay/internal/auth"
	"lanrelay/internal/transport"
	"lanrelay/pkg/protocol"
	"lanrelay/pkg/types"
)

// session drives one connection through Connected -> Authenticated -> Closed.
// Identity lives on the Connection; the session only owns the read loop.
type session struct {
	srv          *Server
	conn         *transport.Connection
	teardownOnce sync.Once
}

func (s *session) run() {
	defer s.teardown()

	for {
		frame, err := s.conn.ReadFrame()
		if err != nil {
			if !isDisconnect(err) {
				log.Printf("[SERVER] Read failed: conn=%s addr=%s err=%v", s.conn.ID(), s.conn.RemoteAddr(), err)
			}
			return
		}
		s.handleFrame(frame)
	}
}

func (s *session) handleFrame(frame []byte) {
	env := protocol.Decode(frame)

	switch env.Type {
	case protocol.TypeError:
		s.reply(protocol.System{Message: protocol.MessageInvalidJSON})
	case protocol.TypeHost:
		var req protocol.HostRequest
		if p, err := env.Parse(); err == nil {
			req = *p.(*protocol.HostRequest)
		}
		s.handleHost(req)
	case protocol.TypeJoin:
		var req protocol.JoinRequest
		if p, err := env.Parse(); err == nil {
			req = *p.(*protocol.JoinRequest)
		}
		s.handleJoin(req)
	case protocol.TypeChat:
		s.handleChat(env)
	case protocol.TypeFileOffer, protocol.TypeFileChunk, protocol.TypeFileComplete:
		s.relayFile(env)
	default:
		s.reply(protocol.System{Message: protocol.MessageUnknownType})
	}
}

func (s *session) handleHost(req protocol.HostRequest) {
	if err := checkFields(req.ServerName, req.PasswordHash, req.Username); err != nil {
		s.reply(protocol.AuthResult{OK: false, Reason: protocol.ReasonMissingFields})
		return
	}
	if s.conn.IsAuthenticated() {
		s.reply(protocol.AuthResult{OK: false, Message: protocol.ReasonAlreadyAuthenticated})
		return
	}

	if err := s.srv.rooms.CreateRoom(req.ServerName, req.PasswordHash, req.Username); err != nil {
		s.rejectAuth(req.ServerName, req.Username, err)
		return
	}

	s.reply(protocol.AuthResult{OK: true, Message: protocol.MessageServerCreated})
	s.srv.conns.Bind(s.conn, req.Username, req.ServerName)
	s.srv.rooms.AddMember(req.ServerName, req.Username)

	log.Printf("[AUTH] Room hosted: conn=%s addr=%s room=%s user=%s", s.conn.ID(), s.conn.RemoteAddr(), req.ServerName, req.Username)
	s.srv.dropFailed(s.srv.broadcaster.BroadcastRoster(req.ServerName))
	s.srv.journal(types.EventRoomCreated, req.ServerName, req.Username, "", s.conn.RemoteAddr())
}

func (s *session) handleJoin(req protocol.JoinRequest) {
	if err := checkFields(req.ServerName, req.PasswordHash, req.Username); err != nil {
		s.reply(protocol.AuthResult{OK: false, Reason: protocol.ReasonMissingFields})
		return
	}
	if s.conn.IsAuthenticated() {
		s.reply(protocol.AuthResult{OK: false, Message: protocol.ReasonAlreadyAuthenticated})
		return
	}

	if err := s.srv.rooms.VerifyJoin(req.ServerName, req.PasswordHash, req.Username); err != nil {
		s.rejectAuth(req.ServerName, req.Username, err)
		return
	}

	// the reply is queued before binding so it precedes any room traffic
	s.reply(protocol.AuthResult{OK: true, Message: protocol.MessageJoined})
	s.srv.conns.Bind(s.conn, req.Username, req.ServerName)

	log.Printf("[AUTH] Member joined: conn=%s addr=%s room=%s user=%s", s.conn.ID(), s.conn.RemoteAddr(), req.ServerName, req.Username)
	s.srv.dropFailed(s.srv.broadcaster.Broadcast(req.ServerName,
		protocol.System{Message: fmt.Sprintf("%s has joined.", req.Username)}, s.conn))
	s.srv.dropFailed(s.srv.broadcaster.BroadcastRoster(req.ServerName))
	s.srv.journal(types.EventMemberJoined, req.ServerName, req.Username, "", s.conn.RemoteAddr())
}

func (s *session) rejectAuth(room, username string, err error) {
	reason := auth.Reason(err)
	s.reply(protocol.AuthResult{OK: false, Message: reason})

	log.Printf("[AUTH] Rejected: conn=%s addr=%s room=%s user=%s reason=%s", s.conn.ID(), s.conn.RemoteAddr(), room, username, reason)
	s.srv.journal(types.EventAuthFailed, room, username, reason, s.conn.RemoteAddr())
}

func (s *session) handleChat(env protocol.Envelope) {
	username, room, ok := s.conn.Identity()
	if !ok {
		s.reply(protocol.System{Message: protocol.MessageNotInServer})
		return
	}

	p, err := env.Parse()
	if err != nil {
		s.reply(protocol.System{Message: protocol.MessageInvalidJSON})
		return
	}
	chat := p.(*protocol.Chat)

	if !s.srv.limiter.Allow(s.conn.ID()) {
		s.reply(protocol.System{Message: protocol.MessageRateLimited})
		return
	}

	from := username
	if s.srv.rooms.IsHost(room, username) {
		from = username + " (HOST)"
	}
	s.srv.dropFailed(s.srv.broadcaster.Broadcast(room, protocol.Chat{From: from, Message: chat.Message}, s.conn))
}

// teardown runs exactly once, whichever way the read loop ended.
func (s *session) teardown() {
	s.teardownOnce.Do(func() {
		s.srv.conns.Remove(s.conn)
		s.srv.limiter.Forget(s.conn.ID())

		// another live connection may still speak for the same username, in
		// which case the member has not left
		if username, room, ok := s.conn.Identity(); ok && !s.srv.conns.HasMember(room, username, s.conn) {
			s.srv.rooms.RemoveMember(room, username)
			s.srv.dropFailed(s.srv.broadcaster.Broadcast(room,
				protocol.System{Message: fmt.Sprintf("%s has left.", username)}, s.conn))
			s.srv.dropFailed(s.srv.broadcaster.BroadcastRoster(room))

			log.Printf("[SERVER] Member left: conn=%s addr=%s room=%s user=%s", s.conn.ID(), s.conn.RemoteAddr(), room, username)
			s.srv.journal(types.EventMemberLeft, room, username, "", s.conn.RemoteAddr())
		}

		_ = s.conn.Close()
		log.Printf("[SERVER] Connection closed: conn=%s addr=%s", s.conn.ID(), s.conn.RemoteAddr())
		s.srv.journal(types.EventConnectionClosed, "", "", "", s.conn.RemoteAddr())
	})
}

// reply queues a payload for this connection only.
func (s *session) reply(p protocol.Payload) {
	frame, err := protocol.Marshal(p)
	if err != nil {
		log.Printf("[SERVER] Failed to encode %s: conn=%s err=%v", p.Kind(), s.conn.ID(), err)
		return
	}
	if err := s.conn.Send(frame); err != nil {
		log.Printf("[SERVER] Reply failed: conn=%s addr=%s err=%v", s.conn.ID(), s.conn.RemoteAddr(), err)
		if !errors.Is(err, transport.ErrConnectionClosed) {
			_ = s.conn.Close()
		}
	}
}

func checkFields(fields ...string) error {
	for _, f := range fields {
		if f == "" {
			return ErrMissingFields
		}
	}
	return nil
}

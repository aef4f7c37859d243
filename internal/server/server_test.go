package server

import (
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"lanrelay/internal/transport"
	"lanrelay/pkg/protocol"
	"lanrelay/pkg/types"
)

func TestServer_HostCreatesRoom(t *testing.T) {
	ts := startServer(t, DefaultOptions())

	alice := dial(t, ts.addr)
	alice.host("lab", "pw", "alice")
	alice.expectAuth(true, protocol.MessageServerCreated)
	alice.expectRoster("alice")

	if !ts.rooms.IsHost("lab", "alice") {
		t.Error("alice should be recorded as host")
	}
	waitFor(t, func() bool { return ts.events.has(types.EventRoomCreated, "lab", "alice") })
}

func TestServer_HostDuplicateRoom(t *testing.T) {
	ts := startServer(t, DefaultOptions())

	alice := dial(t, ts.addr)
	alice.host("lab", "pw", "alice")
	alice.expectAuth(true, protocol.MessageServerCreated)
	alice.expectRoster("alice")

	mallory := dial(t, ts.addr)
	mallory.host("lab", "other", "mallory")
	mallory.expectAuth(false, protocol.ReasonServerExists)

	if !ts.rooms.IsHost("lab", "alice") {
		t.Error("duplicate host changed the room")
	}
	waitFor(t, func() bool { return ts.events.has(types.EventAuthFailed, "lab", "mallory") })

	// the rejected connection stays usable
	mallory.join("lab", "pw", "mallory")
	mallory.expectAuth(true, protocol.MessageJoined)
}

func TestServer_AuthFailures(t *testing.T) {
	ts := startServer(t, DefaultOptions())

	alice := dial(t, ts.addr)
	alice.host("lab", "pw", "alice")
	alice.expectAuth(true, protocol.MessageServerCreated)
	alice.expectRoster("alice")

	tests := []struct {
		name     string
		payload  protocol.Payload
		wantText string
	}{
		{"wrong password", protocol.JoinRequest{ServerName: "lab", PasswordHash: protocol.HashPassword("nope"), Username: "bob"}, protocol.ReasonWrongPassword},
		{"unknown room", protocol.JoinRequest{ServerName: "nowhere", PasswordHash: protocol.HashPassword("pw"), Username: "bob"}, protocol.ReasonServerNotFound},
		{"join missing username", protocol.JoinRequest{ServerName: "lab", PasswordHash: protocol.HashPassword("pw")}, protocol.ReasonMissingFields},
		{"host missing password", protocol.HostRequest{ServerName: "new", Username: "bob"}, protocol.ReasonMissingFields},
		{"host missing room", protocol.HostRequest{PasswordHash: protocol.HashPassword("pw"), Username: "bob"}, protocol.ReasonMissingFields},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bob := dial(t, ts.addr)
			bob.send(tt.payload)
			bob.expectAuth(false, tt.wantText)
		})
	}

	if members := ts.rooms.Members("lab"); len(members) != 1 || members[0] != "alice" {
		t.Errorf("failed joins changed membership: %v", members)
	}
}

func TestServer_MissingFieldsUsesReason(t *testing.T) {
	ts := startServer(t, DefaultOptions())

	p := dial(t, ts.addr)
	p.sendRaw(`{"type":"join","data":{"server_name":"lab"}}`)

	env := p.next()
	var raw map[string]interface{}
	if err := json.Unmarshal(env.Data, &raw); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if raw["ok"] != false || raw["reason"] != protocol.ReasonMissingFields {
		t.Errorf("unexpected missing-fields reply: %s", env.Data)
	}
	if _, hasMessage := raw["message"]; hasMessage {
		t.Errorf("missing-fields reply should carry reason only: %s", env.Data)
	}
}

func TestServer_JoinAnnouncesToRoom(t *testing.T) {
	ts := startServer(t, DefaultOptions())
	hostAndJoin(t, ts)

	members := ts.rooms.Members("lab")
	if len(members) != 2 {
		t.Errorf("expected alice and bob in lab, got %v", members)
	}
	waitFor(t, func() bool { return ts.events.has(types.EventMemberJoined, "lab", "bob") })
}

func TestServer_AlreadyAuthenticated(t *testing.T) {
	ts := startServer(t, DefaultOptions())
	alice, _ := hostAndJoin(t, ts)

	alice.host("second", "pw", "alice")
	alice.expectAuth(false, protocol.ReasonAlreadyAuthenticated)

	alice.join("lab", "pw", "alice2")
	alice.expectAuth(false, protocol.ReasonAlreadyAuthenticated)

	if len(ts.rooms.Rooms()) != 1 {
		t.Error("rejected host must not create a room")
	}
}

func TestServer_ChatFanOut(t *testing.T) {
	ts := startServer(t, DefaultOptions())
	alice, bob := hostAndJoin(t, ts)

	bob.send(protocol.Chat{Message: "hi"})
	chat := alice.expect(protocol.TypeChat).(*protocol.Chat)
	if chat.From != "bob" || chat.Message != "hi" {
		t.Errorf("alice got %+v", chat)
	}

	alice.send(protocol.Chat{Message: "welcome"})
	chat = bob.expect(protocol.TypeChat).(*protocol.Chat)
	if chat.From != "alice (HOST)" || chat.Message != "welcome" {
		t.Errorf("bob got %+v", chat)
	}

	// the sender never receives its own chat: the next frame alice sees is
	// the reply to her unknown frame
	alice.sendRaw(`{"type":"ping","data":{}}`)
	alice.expectSystem(protocol.MessageUnknownType)
}

func TestServer_ChatFanOutStaysInRoom(t *testing.T) {
	ts := startServer(t, DefaultOptions())
	alice, bob := hostAndJoin(t, ts)

	carol := dial(t, ts.addr)
	carol.join("lab", "pw", "carol")
	carol.expectAuth(true, protocol.MessageJoined)
	carol.expectRoster("alice", "bob", "carol")
	for _, p := range []*peer{alice, bob} {
		p.expectSystem("carol has joined.")
		p.expectRoster("alice", "bob", "carol")
	}

	dave := dial(t, ts.addr)
	dave.host("other", "pw", "dave")
	dave.expectAuth(true, protocol.MessageServerCreated)
	dave.expectRoster("dave")

	bob.send(protocol.Chat{Message: "hi"})

	// every other member of lab sees the chat exactly once; the unknown_type
	// reply proves no duplicate was queued ahead of it
	for _, p := range []*peer{alice, carol} {
		chat := p.expect(protocol.TypeChat).(*protocol.Chat)
		if chat.From != "bob" || chat.Message != "hi" {
			t.Errorf("unexpected chat %+v", chat)
		}
		p.sendRaw(`{"type":"ping","data":{}}`)
		p.expectSystem(protocol.MessageUnknownType)
	}

	// neither the sender nor the other room receives it
	for _, p := range []*peer{bob, dave} {
		p.sendRaw(`{"type":"ping","data":{}}`)
		p.expectSystem(protocol.MessageUnknownType)
	}
}

func TestServer_ChatRequiresRoom(t *testing.T) {
	ts := startServer(t, DefaultOptions())

	p := dial(t, ts.addr)
	p.send(protocol.Chat{Message: "hello?"})
	p.expectSystem(protocol.MessageNotInServer)
}

func TestServer_ProtocolComplaints(t *testing.T) {
	ts := startServer(t, DefaultOptions())

	p := dial(t, ts.addr)
	p.sendRaw(`this is not json`)
	p.expectSystem(protocol.MessageInvalidJSON)

	p.sendRaw(`{"type":"teleport","data":{}}`)
	p.expectSystem(protocol.MessageUnknownType)

	// the session survives both
	p.host("lab", "pw", "alice")
	p.expectAuth(true, protocol.MessageServerCreated)
}

func TestServer_ChatRateLimit(t *testing.T) {
	opts := DefaultOptions()
	opts.ChatRateLimit = 2
	ts := startServer(t, opts)
	alice, bob := hostAndJoin(t, ts)

	for i := 0; i < 2; i++ {
		bob.send(protocol.Chat{Message: "spam"})
		alice.expect(protocol.TypeChat)
	}

	bob.send(protocol.Chat{Message: "one too many"})
	bob.expectSystem(protocol.MessageRateLimited)
}

func TestServer_FileRelayOverwritesFrom(t *testing.T) {
	ts := startServer(t, DefaultOptions())
	alice, bob := hostAndJoin(t, ts)

	alice.sendRaw(`{"type":"file_offer","data":{"from":"mallory","filename":"a.txt","filesize":3,"target":"all","checksum":"abc"}}`)
	env := bob.next()
	if env.Type != protocol.TypeFileOffer {
		t.Fatalf("expected file_offer, got %s", env.Type)
	}

	var data map[string]interface{}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if data["from"] != "alice" {
		t.Errorf("from = %v, want alice", data["from"])
	}
	if data["checksum"] != "abc" || data["filename"] != "a.txt" || data["target"] != "all" {
		t.Errorf("relay lost fields: %s", env.Data)
	}

	alice.send(protocol.FileChunk{Filename: "a.txt", Chunk: "QUJD", Filesize: 3})
	chunk := bob.expect(protocol.TypeFileChunk).(*protocol.FileChunk)
	if chunk.From != "alice" || chunk.Chunk != "QUJD" {
		t.Errorf("unexpected chunk %+v", chunk)
	}

	alice.send(protocol.FileComplete{Filename: "a.txt"})
	complete := bob.expect(protocol.TypeFileComplete).(*protocol.FileComplete)
	if complete.From != "alice" {
		t.Errorf("unexpected complete %+v", complete)
	}

	waitFor(t, func() bool {
		n := 0
		for _, kind := range ts.events.kinds() {
			if kind == types.EventFileRelayed {
				n++
			}
		}
		return n == 2
	})
}

func TestServer_FileRelayRequiresRoom(t *testing.T) {
	ts := startServer(t, DefaultOptions())
	_, bob := hostAndJoin(t, ts)

	stranger := dial(t, ts.addr)
	stranger.send(protocol.FileOffer{Filename: "x.bin", Filesize: 1})
	stranger.sendRaw(`{"type":"ping","data":{}}`)
	// no reply for the dropped offer
	stranger.expectSystem(protocol.MessageUnknownType)

	bob.send(protocol.Chat{Message: "still here"})
	bob.sendRaw(`{"type":"ping","data":{}}`)
	bob.expectSystem(protocol.MessageUnknownType)
}

func TestServer_DisconnectAnnouncesLeave(t *testing.T) {
	ts := startServer(t, DefaultOptions())
	alice, bob := hostAndJoin(t, ts)

	_ = bob.conn.Close()

	alice.expectSystem("bob has left.")
	alice.expectRoster("alice")

	if members := ts.rooms.Members("lab"); len(members) != 1 || members[0] != "alice" {
		t.Errorf("bob should be removed from lab, got %v", members)
	}
	waitFor(t, func() bool { return ts.events.has(types.EventMemberLeft, "lab", "bob") })
	waitFor(t, func() bool { return ts.conns.Len() == 1 })
}

func TestServer_SharedUsernameKeepsMembership(t *testing.T) {
	ts := startServer(t, DefaultOptions())
	alice, bob := hostAndJoin(t, ts)

	bob2 := dial(t, ts.addr)
	bob2.join("lab", "pw", "bob")
	bob2.expectAuth(true, protocol.MessageJoined)
	bob2.expectRoster("alice", "bob")
	alice.expectSystem("bob has joined.")
	alice.expectRoster("alice", "bob")
	bob.expectSystem("bob has joined.")
	bob.expectRoster("alice", "bob")

	_ = bob.conn.Close()
	waitFor(t, func() bool { return ts.conns.Len() == 2 })

	members := ts.rooms.Members("lab")
	if len(members) != 2 {
		t.Errorf("bob is still connected once and must stay a member, got %v", members)
	}
	if ts.events.has(types.EventMemberLeft, "lab", "bob") {
		t.Error("member_left journaled while bob is still connected")
	}

	// the next frame alice sees is bob's chat, not a leave notice
	bob2.send(protocol.Chat{Message: "still here"})
	chat := alice.expect(protocol.TypeChat).(*protocol.Chat)
	if chat.From != "bob" || chat.Message != "still here" {
		t.Errorf("unexpected chat %+v", chat)
	}

	_ = bob2.conn.Close()
	alice.expectSystem("bob has left.")
	alice.expectRoster("alice")
	waitFor(t, func() bool { return ts.events.has(types.EventMemberLeft, "lab", "bob") })
}

func TestServer_CloseDisconnectsPeers(t *testing.T) {
	ts := startServer(t, DefaultOptions())
	alice, _ := hostAndJoin(t, ts)

	if err := ts.srv.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	_ = alice.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, err := alice.fr.ReadFrame(); err != nil {
			if !errors.Is(err, io.EOF) {
				t.Errorf("expected EOF after server close, got %v", err)
			}
			break
		}
	}

	if ts.conns.Len() != 0 {
		t.Errorf("expected no live connections, got %d", ts.conns.Len())
	}
}

func TestBroadcaster_ReportsFailures(t *testing.T) {
	conns := transport.NewRegistry()
	b := NewBroadcaster(conns)

	live := transport.NewConnection(newPipeConn(), transport.Options{})
	dead := transport.NewConnection(newPipeConn(), transport.Options{})
	defer live.Close()

	for _, c := range []*transport.Connection{live, dead} {
		if err := conns.Add(c); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	conns.Bind(live, "alice", "lab")
	conns.Bind(dead, "bob", "lab")
	_ = dead.Close()

	failures := b.Broadcast("lab", protocol.System{Message: "hello"}, nil)
	if len(failures) != 1 {
		t.Fatalf("expected 1 failure, got %d", len(failures))
	}
	f := failures[0]
	if f.ConnID != dead.ID() || f.Username != "bob" || !errors.Is(f.Err, transport.ErrConnectionClosed) {
		t.Errorf("unexpected failure %+v", f)
	}
}

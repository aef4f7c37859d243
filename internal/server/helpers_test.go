package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"lanrelay/internal/auth"
	"lanrelay/internal/transport"
	"lanrelay/pkg/protocol"
	"lanrelay/pkg/types"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*types.Event
}

func (r *recordingPublisher) Publish(event *types.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingPublisher) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]string, len(r.events))
	for i, e := range r.events {
		kinds[i] = e.Kind
	}
	return kinds
}

func (r *recordingPublisher) has(kind, room, username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Kind == kind && e.Room == room && e.Username == username {
			return true
		}
	}
	return false
}

type testServer struct {
	srv    *Server
	addr   string
	rooms  *auth.Registry
	conns  *transport.Registry
	events *recordingPublisher
}

func startServer(t *testing.T, opts Options) *testServer {
	t.Helper()

	ts := &testServer{
		rooms:  auth.NewRegistry(),
		conns:  transport.NewRegistry(),
		events: &recordingPublisher{},
	}
	ts.srv = New(opts, ts.rooms, ts.conns, ts.events)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	ts.addr = ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ts.srv.Serve(ctx, ln)
	}()

	t.Cleanup(func() {
		cancel()
		_ = ts.srv.Close()
		<-done
	})
	return ts
}

type peer struct {
	t    *testing.T
	conn net.Conn
	fr   *protocol.FrameReader
}

func dial(t *testing.T, addr string) *peer {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &peer{t: t, conn: conn, fr: protocol.NewFrameReader(conn, 0)}
}

func (p *peer) send(payload protocol.Payload) {
	p.t.Helper()
	frame, err := protocol.Marshal(payload)
	if err != nil {
		p.t.Fatalf("Marshal failed: %v", err)
	}
	p.sendRaw(string(frame))
}

func (p *peer) sendRaw(line string) {
	p.t.Helper()
	if _, err := p.conn.Write([]byte(line + "\n")); err != nil {
		p.t.Fatalf("Write failed: %v", err)
	}
}

func (p *peer) next() protocol.Envelope {
	p.t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := p.fr.ReadFrame()
	if err != nil {
		p.t.Fatalf("ReadFrame failed: %v", err)
	}
	return protocol.Decode(frame)
}

func (p *peer) expect(typ string) protocol.Payload {
	p.t.Helper()
	env := p.next()
	if env.Type != typ {
		p.t.Fatalf("expected %s frame, got %s %s", typ, env.Type, env.Data)
	}
	payload, err := env.Parse()
	if err != nil {
		p.t.Fatalf("Parse failed: %v", err)
	}
	return payload
}

func (p *peer) expectAuth(ok bool, text string) {
	p.t.Helper()
	res := p.expect(protocol.TypeAuthResult).(*protocol.AuthResult)
	if res.OK != ok || res.Text() != text {
		p.t.Fatalf("auth_result = %+v, want ok=%v text=%s", res, ok, text)
	}
}

func (p *peer) expectSystem(message string) {
	p.t.Helper()
	sys := p.expect(protocol.TypeSystem).(*protocol.System)
	if sys.Message != message {
		p.t.Fatalf("system message = %q, want %q", sys.Message, message)
	}
}

func (p *peer) expectRoster(want ...string) {
	p.t.Helper()
	roster := p.expect(protocol.TypeClients).(*protocol.Clients)
	if len(roster.List) != len(want) {
		p.t.Fatalf("roster = %v, want %v", roster.List, want)
	}
	for i := range want {
		if roster.List[i] != want[i] {
			p.t.Fatalf("roster = %v, want %v", roster.List, want)
		}
	}
}

func (p *peer) host(room, password, username string) {
	p.t.Helper()
	p.send(protocol.HostRequest{ServerName: room, PasswordHash: auth.HashPassword(password), Username: username})
}

func (p *peer) join(room, password, username string) {
	p.t.Helper()
	p.send(protocol.JoinRequest{ServerName: room, PasswordHash: auth.HashPassword(password), Username: username})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}

// hostAndJoin sets up alice hosting "lab" and bob joined, with all
// membership notices already consumed.
func hostAndJoin(t *testing.T, ts *testServer) (alice, bob *peer) {
	t.Helper()
	alice = dial(t, ts.addr)
	alice.host("lab", "pw", "alice")
	alice.expectAuth(true, protocol.MessageServerCreated)
	alice.expectRoster("alice")

	bob = dial(t, ts.addr)
	bob.join("lab", "pw", "bob")
	bob.expectAuth(true, protocol.MessageJoined)
	bob.expectRoster("alice", "bob")

	alice.expectSystem("bob has joined.")
	alice.expectRoster("alice", "bob")
	return alice, bob
}

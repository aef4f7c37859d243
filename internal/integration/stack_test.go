package integration

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"lanrelay/internal/auth"
	"lanrelay/internal/client"
	"lanrelay/internal/database"
	"lanrelay/internal/hub"
	"lanrelay/internal/server"
	"lanrelay/internal/transfer"
	"lanrelay/internal/transport"
	pkgdatabase "lanrelay/pkg/database"
	"lanrelay/pkg/protocol"
)

// stack is a relay wired to a real journal, listening on loopback.
type stack struct {
	addr   string
	wsURL  string
	rooms  *auth.Registry
	conns  *transport.Registry
	db     *database.Manager
	events *hub.Hub
}

func startStack(t *testing.T) *stack {
	t.Helper()

	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = filepath.Join(t.TempDir(), "journal.db")
	db, err := database.NewManager(dbConfig)
	require.NoError(t, err)
	require.NoError(t, pkgdatabase.NewMigrationManager(db.GetDB()).ApplyMigrations())

	events := hub.NewHub(db, 100)
	require.NoError(t, events.Start(context.Background()))

	st := &stack{
		rooms:  auth.NewRegistry(),
		conns:  transport.NewRegistry(),
		db:     db,
		events: events,
	}
	srv := server.New(server.DefaultOptions(), st.rooms, st.conns, events)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	st.addr = ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	wsHandler := transport.NewHandler(ctx, srv, transport.WSOptions{
		PingInterval: time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: time.Second,
	})
	ws := httptest.NewServer(http.HandlerFunc(wsHandler.ServeWS))
	st.wsURL = "ws" + strings.TrimPrefix(ws.URL, "http")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, ln)
	}()

	t.Cleanup(func() {
		_ = srv.Close()
		cancel()
		ws.Close()
		<-done
		_ = events.Stop()
		_ = db.Close()
	})
	return st
}

// journaled reports whether the hub has stored an event matching kind, room and username.
func (st *stack) journaled(t *testing.T, kind, room, username string) bool {
	t.Helper()
	events, err := st.db.ListRoomEvents(context.Background(), room, 100)
	require.NoError(t, err)
	for _, e := range events {
		if e.Kind == kind && e.Username == username {
			return true
		}
	}
	return false
}

// peer is a client plus everything its handlers have seen.
type peer struct {
	*client.Client

	auth    chan protocol.AuthResult
	chats   chan protocol.Chat
	systems chan protocol.System
	rosters chan protocol.Clients
	saved   chan string

	mu       sync.Mutex
	progress []int
}

func newPeer(t *testing.T, st *stack) *peer {
	t.Helper()

	p := &peer{
		auth:    make(chan protocol.AuthResult, 4),
		chats:   make(chan protocol.Chat, 16),
		systems: make(chan protocol.System, 16),
		rosters: make(chan protocol.Clients, 16),
		saved:   make(chan string, 4),
	}

	r, err := transfer.NewReassembler(t.TempDir(), func(_ string, percent int) {
		p.mu.Lock()
		p.progress = append(p.progress, percent)
		p.mu.Unlock()
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	h := client.Handlers{
		OnAuthResult: func(a protocol.AuthResult) { p.auth <- a },
		OnChat:       func(c protocol.Chat) { p.chats <- c },
		OnSystem:     func(s protocol.System) { p.systems <- s },
		OnRoster:     func(c protocol.Clients) { p.rosters <- c },
	}
	client.AttachReassembler(&h, r, func(_, path string) { p.saved <- path }, func(err error) {
		t.Errorf("reassembly error: %v", err)
	})

	cfg := client.DefaultConfig()
	cfg.Addr = st.addr
	p.Client = client.New(cfg, h)
	require.NoError(t, p.Connect(context.Background()))
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func (p *peer) percents() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.progress...)
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		var zero T
		t.Fatal("timed out waiting for frame")
		return zero
	}
}

func expectNone[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected frame: %+v", v)
	case <-time.After(150 * time.Millisecond):
	}
}

func sorted(list []string) []string {
	out := append([]string(nil), list...)
	sort.Strings(out)
	return out
}

// wsPeer speaks the same envelopes over the WebSocket endpoint.
type wsPeer struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialWS(t *testing.T, st *stack) *wsPeer {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(st.wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &wsPeer{t: t, conn: conn}
}

func (w *wsPeer) send(p protocol.Payload) {
	w.t.Helper()
	frame, err := protocol.Marshal(p)
	require.NoError(w.t, err)
	require.NoError(w.t, w.conn.WriteMessage(websocket.TextMessage, frame))
}

func (w *wsPeer) next() protocol.Envelope {
	w.t.Helper()
	_ = w.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, msg, err := w.conn.ReadMessage()
	require.NoError(w.t, err)
	return protocol.Decode(msg)
}

// nextOf skips frames until one of type typ arrives.
func (w *wsPeer) nextOf(typ string) protocol.Payload {
	w.t.Helper()
	for {
		env := w.next()
		if env.Type != typ {
			continue
		}
		p, err := env.Parse()
		require.NoError(w.t, err)
		return p
	}
}

package server

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"lanrelay/internal/transport"
	"lanrelay/pkg/interfaces"
	"lanrelay/pkg/types"
)

// Options configures the relay server.
type Options struct {
	Addr           string
	Line           transport.LineOptions
	Queue          transport.Options
	ChatRateLimit  int
	ChatRateWindow time.Duration
}

// DefaultOptions returns the stock relay settings.
func DefaultOptions() Options {
	return Options{
		Addr: "0.0.0.0:5555",
		Line: transport.LineOptions{
			WriteTimeout: 10 * time.Second,
		},
		Queue: transport.Options{
			QueueSize:      transport.DefaultQueueSize,
			EnqueueTimeout: transport.DefaultEnqueueTimeout,
		},
		ChatRateLimit:  100,
		ChatRateWindow: time.Minute,
	}
}

// Server accepts peers and runs one session per connection.
type Server struct {
	opts        Options
	rooms       interfaces.RoomRegistry
	conns       *transport.Registry
	broadcaster *Broadcaster
	events      interfaces.EventPublisher // may be nil
	limiter     *RateLimiter

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	closed    bool
	sessions  sync.WaitGroup
}

// New creates a server. events may be nil, in which case nothing is journaled.
func New(opts Options, rooms interfaces.RoomRegistry, conns *transport.Registry, events interfaces.EventPublisher) *Server {
	return &Server{
		opts:        opts,
		rooms:       rooms,
		conns:       conns,
		broadcaster: NewBroadcaster(conns),
		events:      events,
		limiter:     NewRateLimiter(opts.ChatRateLimit, opts.ChatRateWindow),
		listeners:   make(map[net.Listener]struct{}),
	}
}

// ListenAndServe listens on the configured TCP address and serves until ctx
// is cancelled or Close is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln. Accept errors other than a closed
// listener are logged and retried with backoff.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if !s.trackListener(ln) {
		_ = ln.Close()
		return ErrServerClosed
	}
	defer s.untrackListener(ln)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ln.Close()
		case <-stop:
		}
	}()

	log.Printf("[SERVER] Listening on %s", ln.Addr())

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}

			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			log.Printf("[SERVER] Accept error: %v; retrying in %v", err, backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		go s.ServeConn(ctx, transport.NewLineConn(conn, s.opts.Line))
	}
}

// ServeConn runs a session over fc until the peer disconnects, ctx is
// cancelled or the server closes. Teardown has completed when it returns.
func (s *Server) ServeConn(ctx context.Context, fc interfaces.FrameConn) {
	conn := transport.NewConnection(fc, s.opts.Queue)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	if err := s.conns.Add(conn); err != nil {
		s.mu.Unlock()
		log.Printf("[SERVER] Failed to register connection: addr=%s err=%v", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}
	s.sessions.Add(1)
	s.mu.Unlock()
	defer s.sessions.Done()

	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-conn.Done():
		}
	}()

	log.Printf("[SERVER] Connection opened: conn=%s addr=%s", conn.ID(), conn.RemoteAddr())
	s.journal(types.EventConnectionOpened, "", "", "", conn.RemoteAddr())

	sess := &session{srv: s, conn: conn}
	sess.run()
}

// Close stops every listener, closes all live connections and waits for
// their teardown.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listeners := make([]net.Listener, 0, len(s.listeners))
	for ln := range s.listeners {
		listeners = append(listeners, ln)
	}
	s.mu.Unlock()

	for _, ln := range listeners {
		_ = ln.Close()
	}
	for _, conn := range s.conns.All() {
		_ = conn.Close()
	}

	s.sessions.Wait()
	log.Printf("[SERVER] Closed")
	return nil
}

func (s *Server) trackListener(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.listeners[ln] = struct{}{}
	return true
}

func (s *Server) untrackListener(ln net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, ln)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// dropFailed closes every connection a broadcast could not reach; their own
// read loops then run teardown.
func (s *Server) dropFailed(failures []DeliveryFailure) {
	for _, f := range failures {
		log.Printf("[RELAY] Delivery failed: conn=%s user=%s err=%v", f.ConnID, f.Username, f.Err)
		if conn, ok := s.conns.Get(f.ConnID); ok {
			_ = conn.Close()
		}
	}
}

func (s *Server) journal(kind, room, username, detail, remoteAddr string) {
	if s.events == nil {
		return
	}
	event := &types.Event{
		ID:         uuid.New().String(),
		Room:       room,
		Username:   username,
		Kind:       kind,
		Detail:     detail,
		RemoteAddr: remoteAddr,
		Timestamp:  time.Now(),
	}
	if err := s.events.Publish(event); err != nil {
		log.Printf("[SERVER] Failed to publish %s event: %v", kind, err)
	}
}

func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

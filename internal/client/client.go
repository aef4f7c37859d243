package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"lanrelay/internal/transfer"
	"lanrelay/pkg/protocol"
)

// Config holds client connection settings.
type Config struct {
	Addr         string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	MaxFrameSize int
}

// DefaultConfig targets a relay on the local machine.
func DefaultConfig() Config {
	return Config{
		Addr:         "127.0.0.1:5555",
		DialTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		MaxFrameSize: protocol.DefaultMaxFrameSize,
	}
}

// Handlers receive decoded envelopes on the read goroutine. Nil handlers are
// skipped. Handlers must not block for long: the next frame is not read
// until they return.
type Handlers struct {
	OnAuthResult   func(protocol.AuthResult)
	OnChat         func(protocol.Chat)
	OnSystem       func(protocol.System)
	OnRoster       func(protocol.Clients)
	OnFileOffer    func(protocol.FileOffer)
	OnFileChunk    func(protocol.FileChunk)
	OnFileComplete func(protocol.FileComplete)

	// OnUnknown gets unrecognized types, malformed frames and payloads whose
	// shape does not match their type.
	OnUnknown func(protocol.Envelope)

	// OnDisconnect fires once when the read loop ends. err is nil for a clean
	// close by either side.
	OnDisconnect func(err error)
}

// Client owns one connection to the relay.
// ARCHITECTURAL DISCOVERY: one goroutine reads; any number of goroutines may
// send, serialized by writeMu.
type Client struct {
	cfg      Config
	handlers Handlers

	mu       sync.Mutex
	conn     net.Conn
	closed   bool
	username string

	writeMu   sync.Mutex
	listening atomic.Bool
	done      chan struct{}
	doneOnce  sync.Once
}

// New creates an unconnected client.
func New(cfg Config, handlers Handlers) *Client {
	defaults := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = defaults.Addr
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = defaults.MaxFrameSize
	}
	return &Client{
		cfg:      cfg,
		handlers: handlers,
		done:     make(chan struct{}),
	}
}

// Connect dials the relay and starts the read loop. A client connects at
// most once; there is no reconnect.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.conn != nil:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.cfg.Addr, err)
	}

	c.mu.Lock()
	if c.closed || c.conn != nil {
		c.mu.Unlock()
		_ = conn.Close()
		if c.closed {
			return ErrClosed
		}
		return ErrAlreadyConnected
	}
	c.conn = conn
	c.mu.Unlock()

	c.listening.Store(true)
	go c.readLoop(conn)

	log.Printf("[CLIENT] Connected to %s", c.cfg.Addr)
	return nil
}

func (c *Client) readLoop(conn net.Conn) {
	reader := protocol.NewFrameReader(conn, c.cfg.MaxFrameSize)
	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			_ = conn.Close()
			c.finish(err)
			return
		}
		c.dispatch(protocol.Decode(frame))
	}
}

func (c *Client) dispatch(env protocol.Envelope) {
	p, err := env.Parse()
	if err != nil {
		c.unknown(env)
		return
	}

	h := c.handlers
	switch v := p.(type) {
	case *protocol.AuthResult:
		if h.OnAuthResult != nil {
			h.OnAuthResult(*v)
		}
	case *protocol.Chat:
		if h.OnChat != nil {
			h.OnChat(*v)
		}
	case *protocol.System:
		if h.OnSystem != nil {
			h.OnSystem(*v)
		}
	case *protocol.Clients:
		if h.OnRoster != nil {
			h.OnRoster(*v)
		}
	case *protocol.FileOffer:
		if h.OnFileOffer != nil {
			h.OnFileOffer(*v)
		}
	case *protocol.FileChunk:
		if h.OnFileChunk != nil {
			h.OnFileChunk(*v)
		}
	case *protocol.FileComplete:
		if h.OnFileComplete != nil {
			h.OnFileComplete(*v)
		}
	default:
		// error envelopes, Unknown and request types a server never sends
		c.unknown(env)
	}
}

func (c *Client) unknown(env protocol.Envelope) {
	if c.handlers.OnUnknown != nil {
		c.handlers.OnUnknown(env)
		return
	}
	log.Printf("[CLIENT] Unhandled %s frame: %s", env.Type, env.Data)
}

// finish runs once when the read loop ends.
func (c *Client) finish(err error) {
	c.mu.Lock()
	closedLocally := c.closed
	c.mu.Unlock()

	if closedLocally || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		err = nil
	}

	c.doneOnce.Do(func() {
		c.listening.Store(false)
		close(c.done)
		if err != nil {
			log.Printf("[CLIENT] Connection lost: %v", err)
		} else {
			log.Printf("[CLIENT] Disconnected")
		}
		if c.handlers.OnDisconnect != nil {
			c.handlers.OnDisconnect(err)
		}
	})
}

// Send writes one envelope. Safe for concurrent use with the read loop and
// with other senders.
func (c *Client) Send(env protocol.Envelope) error {
	frame, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	if err := protocol.WriteFrame(conn, frame); err != nil {
		return fmt.Errorf("failed to send %s: %w", env.Type, err)
	}
	return nil
}

// SendPayload encodes and sends a typed payload.
func (c *Client) SendPayload(p protocol.Payload) error {
	env, err := protocol.NewEnvelope(p)
	if err != nil {
		return err
	}
	return c.Send(env)
}

// Host asks the relay to create room with the given password. Only the
// password digest is sent.
func (c *Client) Host(room, password, username string) error {
	if err := validateIdentity(room, username); err != nil {
		return err
	}
	c.setUsername(username)
	return c.SendPayload(protocol.HostRequest{
		ServerName:   room,
		PasswordHash: protocol.HashPassword(password),
		Username:     username,
	})
}

// Join asks the relay to bind this connection to an existing room.
func (c *Client) Join(room, password, username string) error {
	if err := validateIdentity(room, username); err != nil {
		return err
	}
	c.setUsername(username)
	return c.SendPayload(protocol.JoinRequest{
		ServerName:   room,
		PasswordHash: protocol.HashPassword(password),
		Username:     username,
	})
}

// Chat sends a message to the rest of the room.
func (c *Client) Chat(text string) error {
	return c.SendPayload(protocol.Chat{Message: text})
}

// SendFile streams a local file to the room. It blocks until the last frame
// is written or ctx is cancelled.
func (c *Client) SendFile(ctx context.Context, path, target string, progress transfer.SendProgressFunc) error {
	return transfer.SendFile(ctx, c, path, target, progress)
}

// Username returns the name used in the last Host or Join call.
func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// Listening reports whether the read loop is running.
func (c *Client) Listening() bool {
	return c.listening.Load()
}

// Done is closed when the read loop ends, or by Close on a client that never
// connected.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close shuts the connection. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.doneOnce.Do(func() { close(c.done) })
		return nil
	}
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (c *Client) setUsername(username string) {
	c.mu.Lock()
	c.username = username
	c.mu.Unlock()
}

func validateIdentity(room, username string) error {
	if err := protocol.ValidateRoomName(room); err != nil {
		return fmt.Errorf("room name: %w", err)
	}
	if err := protocol.ValidateUsername(username); err != nil {
		return fmt.Errorf("username: %w", err)
	}
	return nil
}

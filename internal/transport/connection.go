package transport

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"lanrelay/pkg/interfaces"
)

const (
	DefaultQueueSize      = 256
	DefaultEnqueueTimeout = 5 * time.Second
)

// Options tunes the outbound queue of a Connection.
type Options struct {
	QueueSize      int
	EnqueueTimeout time.Duration
}

// Connection is one live peer: a FrameConn, its outbound queue and the
// identity bound to it after host or join.
// ARCHITECTURAL DISCOVERY: all writes go through writeLoop, so frames reach
// the socket in enqueue order and no two goroutines ever write concurrently.
type Connection struct {
	id             string
	fc             interfaces.FrameConn
	remoteAddr     string
	writeCh        chan []byte
	enqueueTimeout time.Duration

	username string // set by Registry.Bind
	room     string // set by Registry.Bind

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	mu        sync.RWMutex // protects username and room
}

// NewConnection wraps fc and starts its writer goroutine.
func NewConnection(fc interfaces.FrameConn, opts Options) *Connection {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.EnqueueTimeout <= 0 {
		opts.EnqueueTimeout = DefaultEnqueueTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:             uuid.New().String(),
		fc:             fc,
		remoteAddr:     fc.RemoteAddr(),
		writeCh:        make(chan []byte, opts.QueueSize),
		enqueueTimeout: opts.EnqueueTimeout,
		ctx:            ctx,
		cancel:         cancel,
	}

	go c.writeLoop()

	return c
}

// writeLoop drains the queue until the connection closes. A failed write
// closes the connection so its read loop ends and runs teardown.
// The channel is never closed; Send selects on ctx instead.
func (c *Connection) writeLoop() {
	for {
		select {
		case frame := <-c.writeCh:
			if err := c.fc.WriteFrame(frame); err != nil {
				log.Printf("[SERVER] Write failed: conn=%s addr=%s err=%v", c.id, c.remoteAddr, err)
				_ = c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// TrySend enqueues one encoded frame without waiting.
func (c *Connection) TrySend(frame []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeCh <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}

// Send enqueues one encoded frame, waiting up to the enqueue timeout for room.
func (c *Connection) Send(frame []byte) error {
	if err := c.TrySend(frame); err != ErrQueueFull {
		return err
	}

	timer := time.NewTimer(c.enqueueTimeout)
	defer timer.Stop()

	select {
	case c.writeCh <- frame:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// ReadFrame reads from the underlying FrameConn. Only the session loop calls it.
func (c *Connection) ReadFrame() ([]byte, error) {
	return c.fc.ReadFrame()
}

// Close is idempotent; it stops the writer and closes the socket, which
// unblocks any pending ReadFrame.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.fc.Close()
	})
	return err
}

// Done is closed once the connection has been closed.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) RemoteAddr() string {
	return c.remoteAddr
}

// Identity returns the bound username and room; ok is false before host or join.
func (c *Connection) Identity() (username, room string, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username, c.room, c.room != ""
}

func (c *Connection) IsAuthenticated() bool {
	_, _, ok := c.Identity()
	return ok
}

func (c *Connection) setIdentity(username, room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.username = username
	c.room = room
}

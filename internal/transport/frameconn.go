package transport

import (
	"bytes"
	"context"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"lanrelay/pkg/protocol"
)

// LineConn carries newline-delimited frames over a stream socket.
type LineConn struct {
	conn         net.Conn
	reader       *protocol.FrameReader
	readTimeout  time.Duration // zero disables the read deadline
	writeTimeout time.Duration
}

// LineOptions tunes a LineConn.
type LineOptions struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxFrameSize int
}

// NewLineConn wraps a TCP (or any stream) connection.
func NewLineConn(conn net.Conn, opts LineOptions) *LineConn {
	return &LineConn{
		conn:         conn,
		reader:       protocol.NewFrameReader(conn, opts.MaxFrameSize),
		readTimeout:  opts.ReadTimeout,
		writeTimeout: opts.WriteTimeout,
	}
}

func (c *LineConn) ReadFrame() ([]byte, error) {
	if c.readTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return nil, err
		}
	}
	return c.reader.ReadFrame()
}

func (c *LineConn) WriteFrame(frame []byte) error {
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return protocol.WriteFrame(c.conn, frame)
}

func (c *LineConn) Close() error {
	return c.conn.Close()
}

func (c *LineConn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// WSOptions tunes a WSConn.
type WSOptions struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxFrameSize int
}

// WSConn carries one frame per WebSocket text message.
// ARCHITECTURAL DISCOVERY: gorilla allows one concurrent writer plus control
// frames, so pings run on their own goroutine while data frames arrive from
// the Connection writer only.
type WSConn struct {
	conn      *websocket.Conn
	opts      WSOptions
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewWSConn wraps an upgraded WebSocket and starts its ping ticker.
func NewWSConn(conn *websocket.Conn, opts WSOptions) *WSConn {
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &WSConn{
		conn:   conn,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}

	conn.SetReadLimit(int64(opts.MaxFrameSize))
	if opts.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
		})
	}
	if opts.PingInterval > 0 {
		go c.pingLoop()
	}
	return c
}

func (c *WSConn) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// ReadFrame returns the next text message. Binary and empty messages are skipped.
func (c *WSConn) ReadFrame() ([]byte, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		data = bytes.TrimSpace(data)
		if len(data) == 0 {
			continue
		}
		if c.opts.ReadTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		}
		return data, nil
	}
}

func (c *WSConn) WriteFrame(frame []byte) error {
	if c.opts.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
			return err
		}
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.conn.Close()
	})
	return err
}

func (c *WSConn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

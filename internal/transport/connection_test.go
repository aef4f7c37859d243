package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"
)

// fakeFrameConn records written frames; ReadFrame blocks until Close.
type fakeFrameConn struct {
	mu         sync.Mutex
	written    [][]byte
	closeCalls int
	closed     chan struct{}
	closeOnce  sync.Once

	writeErr error
	block    chan struct{} // when non-nil, WriteFrame waits on it
	started  chan struct{} // signalled when WriteFrame is entered
}

func newFakeFrameConn() *fakeFrameConn {
	return &fakeFrameConn{
		closed:  make(chan struct{}),
		started: make(chan struct{}, 64),
	}
}

func (f *fakeFrameConn) ReadFrame() ([]byte, error) {
	<-f.closed
	return nil, io.EOF
}

func (f *fakeFrameConn) WriteFrame(frame []byte) error {
	f.started <- struct{}{}
	if f.block != nil {
		select {
		case <-f.block:
		case <-f.closed:
			return io.ErrClosedPipe
		}
	}
	if f.writeErr != nil {
		return f.writeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, append([]byte(nil), frame...))
	return nil
}

func (f *fakeFrameConn) Close() error {
	f.mu.Lock()
	f.closeCalls++
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeFrameConn) RemoteAddr() string { return "10.0.0.9:4242" }

func (f *fakeFrameConn) frames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.written))
	for i, frame := range f.written {
		out[i] = string(frame)
	}
	return out
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

func TestConnection_NewConnectionInitialization(t *testing.T) {
	fc := newFakeFrameConn()
	conn := NewConnection(fc, Options{})
	defer conn.Close()

	if cap(conn.writeCh) != DefaultQueueSize {
		t.Errorf("Expected queue of %d, got %d", DefaultQueueSize, cap(conn.writeCh))
	}
	if conn.ID() == "" {
		t.Error("Connection ID should be assigned")
	}
	if conn.RemoteAddr() != "10.0.0.9:4242" {
		t.Errorf("Unexpected remote address %q", conn.RemoteAddr())
	}
	if conn.IsAuthenticated() {
		t.Error("New connection should not be authenticated")
	}
}

func TestConnection_SendPreservesOrder(t *testing.T) {
	fc := newFakeFrameConn()
	conn := NewConnection(fc, Options{})
	defer conn.Close()

	const total = 100
	for i := 0; i < total; i++ {
		if err := conn.Send([]byte(fmt.Sprintf("frame-%d", i))); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}

	waitFor(t, func() bool { return len(fc.frames()) == total })
	for i, frame := range fc.frames() {
		if want := fmt.Sprintf("frame-%d", i); frame != want {
			t.Fatalf("frame %d = %q, want %q", i, frame, want)
		}
	}
}

func TestConnection_SendAfterClose(t *testing.T) {
	conn := NewConnection(newFakeFrameConn(), Options{})
	_ = conn.Close()

	if err := conn.Send([]byte("x")); err != ErrConnectionClosed {
		t.Errorf("Expected ErrConnectionClosed, got %v", err)
	}
}

func TestConnection_CloseIdempotent(t *testing.T) {
	fc := newFakeFrameConn()
	conn := NewConnection(fc, Options{})

	for i := 0; i < 3; i++ {
		if err := conn.Close(); err != nil {
			t.Errorf("Close %d failed: %v", i, err)
		}
	}

	select {
	case <-conn.Done():
	default:
		t.Error("Done should be closed after Close")
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.closeCalls != 1 {
		t.Errorf("Underlying conn closed %d times, want 1", fc.closeCalls)
	}
}

func TestConnection_FullQueueTimesOut(t *testing.T) {
	fc := newFakeFrameConn()
	fc.block = make(chan struct{})
	conn := NewConnection(fc, Options{QueueSize: 1, EnqueueTimeout: 50 * time.Millisecond})
	defer conn.Close()

	if err := conn.Send([]byte("first")); err != nil {
		t.Fatalf("first Send failed: %v", err)
	}
	<-fc.started // writer is now stuck on "first"

	if err := conn.Send([]byte("second")); err != nil {
		t.Fatalf("second Send should fill the queue: %v", err)
	}

	start := time.Now()
	if err := conn.Send([]byte("third")); err != ErrWriteTimeout {
		t.Errorf("Expected ErrWriteTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("Send returned after %v, expected to wait for the timeout", elapsed)
	}
}

func TestConnection_WriteErrorClosesConnection(t *testing.T) {
	fc := newFakeFrameConn()
	fc.writeErr = errors.New("broken pipe")
	conn := NewConnection(fc, Options{})

	if err := conn.Send([]byte("x")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Connection should close after a write error")
	}

	// the read side unblocks as well
	if _, err := conn.ReadFrame(); err != io.EOF {
		t.Errorf("Expected io.EOF from closed reader, got %v", err)
	}
}

func TestConnection_ConcurrentSends(t *testing.T) {
	fc := newFakeFrameConn()
	conn := NewConnection(fc, Options{})
	defer conn.Close()

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if err := conn.Send([]byte(fmt.Sprintf("%d-%d", g, i))); err != nil {
					t.Errorf("Send failed: %v", err)
				}
			}
		}(g)
	}
	wg.Wait()

	waitFor(t, func() bool { return len(fc.frames()) == 200 })
}

func TestConnection_TrySendDoesNotWait(t *testing.T) {
	fc := newFakeFrameConn()
	fc.block = make(chan struct{})
	conn := NewConnection(fc, Options{QueueSize: 1, EnqueueTimeout: time.Second})
	defer conn.Close()

	if err := conn.TrySend([]byte("first")); err != nil {
		t.Fatalf("first TrySend failed: %v", err)
	}
	<-fc.started

	if err := conn.TrySend([]byte("second")); err != nil {
		t.Fatalf("second TrySend failed: %v", err)
	}

	start := time.Now()
	if err := conn.TrySend([]byte("third")); err != ErrQueueFull {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("TrySend blocked for %v", elapsed)
	}
}

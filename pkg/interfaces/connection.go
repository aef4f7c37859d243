package interfaces

// FrameConn is a bidirectional stream of protocol frames.
// ARCHITECTURAL DISCOVERY: TCP line sockets and WebSocket text messages both
// satisfy this, so sessions never know which transport a peer used.
type FrameConn interface {
	// ReadFrame blocks for the next complete frame, without its terminator.
	// FUNCTIONAL DISCOVERY: only one goroutine may read at a time.
	ReadFrame() ([]byte, error)

	// WriteFrame sends one frame. Callers serialize writes.
	WriteFrame(frame []byte) error

	// Close releases the underlying socket and unblocks ReadFrame.
	Close() error

	// RemoteAddr identifies the peer in logs and journal entries.
	RemoteAddr() string
}

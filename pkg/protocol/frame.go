package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// DefaultMaxFrameSize bounds a single line. A 64 KiB file chunk is about
// 88 KiB once base64 encoded, so this leaves ample headroom.
const DefaultMaxFrameSize = 1 << 20

// FrameReader splits a byte stream into newline-terminated frames.
// Partial lines are buffered across reads; a frame may arrive in any number
// of pieces and several frames may arrive in one read.
type FrameReader struct {
	r   *bufio.Reader
	max int
}

// NewFrameReader wraps r. A non-positive maxFrameSize selects DefaultMaxFrameSize.
func NewFrameReader(r io.Reader, maxFrameSize int) *FrameReader {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &FrameReader{
		r:   bufio.NewReaderSize(r, 64*1024),
		max: maxFrameSize,
	}
}

// ReadFrame returns the next non-empty frame without its line terminator.
// An unterminated fragment at end of stream is dropped and reported as
// io.ErrUnexpectedEOF; a clean end of stream is io.EOF.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	for {
		line, err := fr.readLine()
		if err != nil {
			return nil, err
		}
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return line, nil
	}
}

func (fr *FrameReader) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := fr.r.ReadSlice('\n')
		if len(buf)+len(chunk) > fr.max+1 {
			return nil, ErrFrameTooLarge
		}
		buf = append(buf, chunk...)

		switch {
		case err == nil:
			return buf[:len(buf)-1], nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(bytes.TrimSpace(buf)) > 0:
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}

// WriteFrame writes frame plus its terminator in a single Write call.
func WriteFrame(w io.Writer, frame []byte) error {
	if bytes.IndexByte(frame, '\n') >= 0 {
		return ErrEmbeddedNewline
	}
	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')
	_, err := w.Write(buf)
	return err
}

package transfer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"lanrelay/pkg/protocol"
)

// ChunkSize is the number of raw bytes carried by one file_chunk.
const ChunkSize = 64 * 1024

// PayloadSender writes one envelope to the server.
type PayloadSender interface {
	SendPayload(p protocol.Payload) error
}

// SendProgressFunc receives the percentage of the file sent so far.
type SendProgressFunc func(percent int)

// SendFile streams path as file_offer, file_chunk... and file_complete.
// Frames for one file are sent sequentially from the calling goroutine so
// receivers see them in order. Cancelling ctx stops between chunks without
// sending file_complete.
func SendFile(ctx context.Context, s PayloadSender, filePath, target string, progress SendProgressFunc) error {
	if target == "" {
		target = protocol.TargetAll
	}
	if progress == nil {
		progress = func(int) {}
	}

	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrFileIO, filePath, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat %s: %v", ErrFileIO, filePath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrInvalidFilename, filePath)
	}

	filename := filepath.Base(filePath)
	size := info.Size()

	if err := s.SendPayload(protocol.FileOffer{Filename: filename, Filesize: size, Target: target}); err != nil {
		return fmt.Errorf("failed to send offer for %s: %w", filename, err)
	}

	buf := make([]byte, ChunkSize)
	var sent int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, rerr := io.ReadFull(f, buf)
		if n > 0 {
			chunk := protocol.FileChunk{
				Filename: filename,
				Chunk:    base64.StdEncoding.EncodeToString(buf[:n]),
				Filesize: size,
				Target:   target,
			}
			if err := s.SendPayload(chunk); err != nil {
				return fmt.Errorf("failed to send chunk of %s: %w", filename, err)
			}
			sent += int64(n)
			if size > 0 {
				progress(int(min(sent*100/size, 100)))
			}
		}

		if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
			break
		}
		if rerr != nil {
			return fmt.Errorf("%w: read %s: %v", ErrFileIO, filePath, rerr)
		}
	}

	if err := s.SendPayload(protocol.FileComplete{Filename: filename, Target: target}); err != nil {
		return fmt.Errorf("failed to send completion for %s: %w", filename, err)
	}
	progress(100)
	return nil
}

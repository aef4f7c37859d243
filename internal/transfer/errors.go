package transfer

import "errors"

var (
	// ErrFileIO wraps local disk failures while saving or reading a file.
	ErrFileIO = errors.New("file i/o failed")

	// ErrNoSuchTransfer is returned when finalizing a transfer that was never started.
	ErrNoSuchTransfer = errors.New("no such transfer")

	// ErrInvalidFilename is returned for names that reduce to nothing usable.
	ErrInvalidFilename = errors.New("invalid filename")
)

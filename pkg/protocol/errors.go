package protocol

import "errors"

// Protocol errors. Decode never returns these; they surface from encoding,
// payload parsing and framing.
var (
	ErrEmbeddedNewline = errors.New("frame contains a raw newline")
	ErrInvalidPayload  = errors.New("payload does not match envelope type")
	ErrFrameTooLarge   = errors.New("frame exceeds maximum size")
	ErrEmptyType       = errors.New("envelope type cannot be empty")
	ErrInvalidName     = errors.New("name must be 1-64 printable characters")
)

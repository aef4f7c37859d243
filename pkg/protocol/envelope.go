package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

var emptyObject = json.RawMessage("{}")

// Envelope is the {type, data} unit exchanged on the wire.
// Data stays raw so relayed envelopes keep fields this package does not know about.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewEnvelope wraps a typed payload.
func NewEnvelope(p Payload) (Envelope, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", p.Kind(), err)
	}
	return Envelope{Type: p.Kind(), Data: data}, nil
}

// ErrorEnvelope builds the synthetic envelope returned for malformed frames.
func ErrorEnvelope(message string) Envelope {
	data, _ := json.Marshal(ErrorPayload{Message: message})
	return Envelope{Type: TypeError, Data: data}
}

// Encode serializes the envelope to a single line without its terminator.
func Encode(env Envelope) ([]byte, error) {
	if env.Type == "" {
		return nil, ErrEmptyType
	}
	if len(env.Data) == 0 {
		env.Data = emptyObject
	}

	frame, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s envelope: %w", env.Type, err)
	}

	// json.Marshal compacts raw data and escapes control characters in strings,
	// so this only trips on a broken Marshaler.
	if bytes.IndexByte(frame, '\n') >= 0 {
		return nil, ErrEmbeddedNewline
	}
	return frame, nil
}

// Marshal encodes a typed payload straight to a frame.
func Marshal(p Payload) ([]byte, error) {
	env, err := NewEnvelope(p)
	if err != nil {
		return nil, err
	}
	return Encode(env)
}

// Decode parses one frame. It never fails: anything that is not a JSON object
// with a non-empty string type and an object (or absent) data field comes back
// as an error envelope carrying invalid_json.
func Decode(line []byte) Envelope {
	var raw struct {
		Type *string         `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return ErrorEnvelope(MessageInvalidJSON)
	}
	if raw.Type == nil || *raw.Type == "" {
		return ErrorEnvelope(MessageInvalidJSON)
	}

	data := bytes.TrimSpace(raw.Data)
	switch {
	case len(data) == 0, bytes.Equal(data, []byte("null")):
		data = emptyObject
	case data[0] != '{':
		return ErrorEnvelope(MessageInvalidJSON)
	}

	return Envelope{Type: *raw.Type, Data: data}
}

// Parse dispatches on the envelope type and decodes data into the matching
// payload variant. Unrecognized types come back as *Unknown without error.
func (e Envelope) Parse() (Payload, error) {
	var p Payload
	switch e.Type {
	case TypeHost:
		p = &HostRequest{}
	case TypeJoin:
		p = &JoinRequest{}
	case TypeAuthResult:
		p = &AuthResult{}
	case TypeChat:
		p = &Chat{}
	case TypeSystem:
		p = &System{}
	case TypeClients:
		p = &Clients{}
	case TypeFileOffer:
		p = &FileOffer{}
	case TypeFileChunk:
		p = &FileChunk{}
	case TypeFileComplete:
		p = &FileComplete{}
	case TypeError:
		p = &ErrorPayload{}
	default:
		return &Unknown{Type: e.Type, Data: e.data()}, nil
	}

	if err := json.Unmarshal(e.data(), p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, e.Type, err)
	}
	return p, nil
}

// WithField returns a copy of the envelope whose data has key set to value,
// overwriting any existing entry and keeping every other field verbatim.
func (e Envelope) WithField(key string, value any) (Envelope, error) {
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(e.data(), &fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, e.Type, err)
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal field %s: %w", key, err)
	}
	fields[key] = encoded

	data, err := json.Marshal(fields)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s data: %w", e.Type, err)
	}
	return Envelope{Type: e.Type, Data: data}, nil
}

// Field reads a single string field from the raw data; missing or non-string
// values yield "".
func (e Envelope) Field(key string) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(e.data(), &fields); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(fields[key], &s); err != nil {
		return ""
	}
	return s
}

func (e Envelope) data() json.RawMessage {
	if len(e.Data) == 0 {
		return emptyObject
	}
	return e.Data
}

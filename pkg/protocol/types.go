package protocol

import "encoding/json"

// Envelope type vocabulary. Every frame on the wire carries exactly one of these.
const (
	TypeHost         = "host"
	TypeJoin         = "join"
	TypeAuthResult   = "auth_result"
	TypeChat         = "chat"
	TypeSystem       = "system"
	TypeClients      = "clients"
	TypeFileOffer    = "file_offer"
	TypeFileChunk    = "file_chunk"
	TypeFileComplete = "file_complete"

	// TypeError is never sent by a peer; Decode synthesizes it for malformed frames.
	TypeError = "error"
)

// Well-known message strings carried in auth_result and system payloads.
const (
	ReasonMissingFields        = "missing_fields"
	ReasonServerExists         = "server_exists"
	ReasonServerNotFound       = "server_not_found"
	ReasonWrongPassword        = "wrong_password"
	ReasonAlreadyAuthenticated = "already_authenticated"

	MessageServerCreated = "server_created"
	MessageJoined        = "joined"
	MessageNotInServer   = "not_in_server"
	MessageUnknownType   = "unknown_type"
	MessageInvalidJSON   = "invalid_json"
	MessageRateLimited   = "rate_limited"
)

// TargetAll addresses a file transfer to every other member of the room.
const TargetAll = "all"

// Payload is one variant of the envelope's data, identified by its Kind.
type Payload interface {
	Kind() string
}

// HostRequest asks the server to create a room and bind the sender as its host.
type HostRequest struct {
	ServerName   string `json:"server_name"`
	PasswordHash string `json:"password_hash"`
	Username     string `json:"username"`
}

func (HostRequest) Kind() string { return TypeHost }

// JoinRequest asks the server to bind the sender to an existing room.
type JoinRequest struct {
	ServerName   string `json:"server_name"`
	PasswordHash string `json:"password_hash"`
	Username     string `json:"username"`
}

func (JoinRequest) Kind() string { return TypeJoin }

// AuthResult answers a host or join request.
// Reason is only used for missing_fields; every other failure sets Message.
type AuthResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func (AuthResult) Kind() string { return TypeAuthResult }

// Text returns whichever of Message or Reason is set.
func (a AuthResult) Text() string {
	if a.Message != "" {
		return a.Message
	}
	return a.Reason
}

// Chat is sent by a client without From; the server fills From on fan-out.
type Chat struct {
	From    string `json:"from,omitempty"`
	Message string `json:"message"`
}

func (Chat) Kind() string { return TypeChat }

// System carries server notices such as joins, leaves and protocol complaints.
type System struct {
	Message string `json:"message"`
}

func (System) Kind() string { return TypeSystem }

// Clients is the roster of usernames currently bound to a room.
type Clients struct {
	List []string `json:"list"`
}

func (Clients) Kind() string { return TypeClients }

// FileOffer announces a file before any of its chunks.
type FileOffer struct {
	From     string `json:"from,omitempty"`
	Filename string `json:"filename"`
	Filesize int64  `json:"filesize"`
	Target   string `json:"target,omitempty"`
}

func (FileOffer) Kind() string { return TypeFileOffer }

// FileChunk carries one base64 encoded slice of a file. Filesize repeats the
// declared total so a receiver that missed the offer can still track progress.
type FileChunk struct {
	From     string `json:"from,omitempty"`
	Filename string `json:"filename"`
	Chunk    string `json:"chunk"`
	Filesize int64  `json:"filesize"`
	Target   string `json:"target,omitempty"`
}

func (FileChunk) Kind() string { return TypeFileChunk }

// FileComplete follows the last chunk of a file.
type FileComplete struct {
	From     string `json:"from,omitempty"`
	Filename string `json:"filename"`
	Target   string `json:"target,omitempty"`
}

func (FileComplete) Kind() string { return TypeFileComplete }

// ErrorPayload is the data of a synthetic error envelope.
type ErrorPayload struct {
	Message string `json:"message"`
}

func (ErrorPayload) Kind() string { return TypeError }

// Unknown holds an envelope whose type is outside the vocabulary.
type Unknown struct {
	Type string
	Data json.RawMessage
}

func (u Unknown) Kind() string { return u.Type }

// MarshalJSON emits the raw data untouched.
func (u Unknown) MarshalJSON() ([]byte, error) {
	if len(u.Data) == 0 {
		return []byte("{}"), nil
	}
	return u.Data, nil
}

// IsFileType reports whether t is one of the relayed file transfer types.
func IsFileType(t string) bool {
	switch t {
	case TypeFileOffer, TypeFileChunk, TypeFileComplete:
		return true
	default:
		return false
	}
}

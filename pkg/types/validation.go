package types

const maxDetailLength = 1024

// Validate ensures the event can be written to the journal.
func (e *Event) Validate() error {
	if e.ID == "" {
		return ErrMissingEventID
	}
	if !IsValidEventKind(e.Kind) {
		return ErrInvalidEventKind
	}
	if e.Timestamp.IsZero() {
		return ErrMissingTimestamp
	}
	if len(e.Detail) > maxDetailLength {
		return ErrDetailTooLarge
	}
	return nil
}

// IsValidEventKind checks if kind is one of the journal event kinds.
func IsValidEventKind(kind string) bool {
	switch kind {
	case EventRoomCreated,
		EventMemberJoined,
		EventMemberLeft,
		EventAuthFailed,
		EventFileRelayed,
		EventConnectionOpened,
		EventConnectionClosed:
		return true
	default:
		return false
	}
}

package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
	"unicode/utf8"
)

const maxNameLength = 64

// HashPassword returns the hex SHA-256 digest of the UTF-8 bytes of raw.
// Clients send only this digest; the server compares digests.
func HashPassword(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// ValidateUsername checks a display name before a client sends it.
func ValidateUsername(name string) error {
	return validateName(name)
}

// ValidateRoomName checks a room name before a client sends it.
func ValidateRoomName(name string) error {
	return validateName(name)
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" || utf8.RuneCountInString(name) > maxNameLength {
		return ErrInvalidName
	}
	if !utf8.ValidString(name) {
		return ErrInvalidName
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return ErrInvalidName
		}
	}
	return nil
}

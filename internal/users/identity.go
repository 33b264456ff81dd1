package users

import (
	"strings"
)

// ChatIdentity captures the chat account a participant registers from.
type ChatIdentity struct {
	ChatID      int64
	Username    string
	DisplayName string
}

// reservedFor reports whether a passcode pinned to username may not be claimed by this identity.
func (i ChatIdentity) reservedFor(username *string) bool {
	if username == nil || normalize(*username) == "" {
		return false
	}
	return !strings.EqualFold(normalize(*username), normalize(i.Username))
}

// NormalizePasscode trims and upper-cases a typed passcode.
func NormalizePasscode(code string) string {
	return strings.ToUpper(normalize(code))
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}

func optional(value string) *string {
	value = normalize(value)
	if value == "" {
		return nil
	}
	return &value
}

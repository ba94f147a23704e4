// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const (
	MaxMemberIDLen = 64

	// BroadcastID addresses every member of the room.
	BroadcastID MemberID = "*"
)

var (
	ErrMemberIDEmpty   = errors.New("member id empty")
	ErrMemberIDTooLong = errors.New("member id too long")
	ErrMemberIDInvalid = errors.New("member id contains reserved characters")
)

// MemberID is unique per process and never persisted.
type MemberID string

// NewMemberID is a tiny helper to avoid ad-hoc ids in adapters.
func NewMemberID() MemberID {
	return MemberID(uuid.NewString())
}

// ParseMemberID validates an externally supplied id (config, flags).
func ParseMemberID(s string) (MemberID, error) {
	s = strings.TrimSpace(s)
	if len(s) == 0 {
		return "", ErrMemberIDEmpty
	}
	if len(s) > MaxMemberIDLen {
		return "", ErrMemberIDTooLong
	}
	if s == string(BroadcastID) || strings.ContainsAny(s, " \t\r\n") {
		return "", ErrMemberIDInvalid
	}
	return MemberID(s), nil
}

func (id MemberID) String() string { return string(id) }

package domain

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
)

const (
	// DefaultRoomLabel replaces labels that are empty after normalization.
	DefaultRoomLabel = "main"

	// ChannelPrefix marks presence channels on the relay.
	ChannelPrefix = "presence-"

	pinSeparator = "@@"
)

var roomKeyPattern = regexp.MustCompile(`^R_[0-9A-F]{8}$`)

type RoomKey string

func (k RoomKey) String() string { return string(k) }

// RoomIdentity is created once per join attempt and never mutated.
type RoomIdentity struct {
	Label string  `json:"label"`
	Pin   string  `json:"-"`
	Key   RoomKey `json:"key"`
}

// NewRoomIdentity derives the identity of a room. The PIN never takes part
// in the key; it is checked by the credential service.
//
// A label written as "label@@pin" carries its PIN inline; an explicit pin wins.
func NewRoomIdentity(label, pin string) RoomIdentity {
	if l, p, ok := strings.Cut(label, pinSeparator); ok {
		label = l
		if pin == "" {
			pin = p
		}
	}
	pin = strings.TrimSpace(pin)

	if IsRoomKey(strings.TrimSpace(label)) {
		key := RoomKey(strings.TrimSpace(label))
		return RoomIdentity{Label: string(key), Pin: pin, Key: key}
	}

	norm := NormalizeLabel(label)
	return RoomIdentity{Label: norm, Pin: pin, Key: DeriveKey(norm)}
}

func (r RoomIdentity) HasPin() bool { return r.Pin != "" }

// ChannelName is the presence channel the room lives on.
func (r RoomIdentity) ChannelName() string { return ChannelPrefix + string(r.Key) }

// DeriveKey maps a label to R_XXXXXXXX. Keys pass through unchanged.
func DeriveKey(label string) RoomKey {
	if IsRoomKey(label) {
		return RoomKey(label)
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(NormalizeLabel(label)))
	return RoomKey(fmt.Sprintf("R_%08X", h.Sum32()))
}

// NormalizeLabel trims, collapses whitespace and lowercases.
func NormalizeLabel(label string) string {
	norm := strings.ToLower(strings.Join(strings.Fields(label), " "))
	if norm == "" {
		return DefaultRoomLabel
	}
	return norm
}

func IsRoomKey(s string) bool {
	return roomKeyPattern.MatchString(s)
}

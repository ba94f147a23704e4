package presence

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/VoiceMesh/internal/domain"
)

// Relay protocol events (Pusher Channels protocol v7).
const (
	evConnectionEstablished = "pusher:connection_established"
	evError                 = "pusher:error"
	evPing                  = "pusher:ping"
	evPong                  = "pusher:pong"
	evSubscribe             = "pusher:subscribe"
	evUnsubscribe           = "pusher:unsubscribe"
	evSubscriptionError     = "pusher:subscription_error"
	evSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	evMemberAdded           = "pusher_internal:member_added"
	evMemberRemoved         = "pusher_internal:member_removed"

	// EventSignal carries directed member-to-member messages.
	EventSignal = "client-signal"
)

// frame is one protocol message. Data is either an object or a string
// holding JSON, depending on the event and the relay.
type frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	UserID  string          `json:"user_id,omitempty"`
}

type outFrame struct {
	Event   string `json:"event"`
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data"`
}

type connectionEstablished struct {
	SocketID        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout"`
}

type subscribeData struct {
	Channel     string `json:"channel"`
	Auth        string `json:"auth"`
	ChannelData string `json:"channel_data,omitempty"`
}

type presenceData struct {
	Presence struct {
		IDs   []string `json:"ids"`
		Count int      `json:"count"`
	} `json:"presence"`
}

type memberData struct {
	UserID string `json:"user_id"`
}

type errorData struct {
	Message string `json:"message"`
	Code    *int   `json:"code"`
	Status  int    `json:"status"`
}

// decodeData unmarshals raw into v, unwrapping string-encoded JSON.
func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty data")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		raw = json.RawMessage(s)
	}
	return json.Unmarshal(raw, v)
}

// memberIDs extracts ids from a presence snapshot, dropping junk entries.
func memberIDs(p presenceData) []domain.MemberID {
	out := make([]domain.MemberID, 0, len(p.Presence.IDs))
	for _, id := range p.Presence.IDs {
		if id == "" {
			continue
		}
		out = append(out, domain.MemberID(id))
	}
	return out
}

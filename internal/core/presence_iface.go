package core

import (
	"context"

	"github.com/dkeye/VoiceMesh/internal/domain"
)

// TransportState mirrors the lifecycle of the underlying relay connection.
type TransportState string

const (
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportDisconnected TransportState = "disconnected"
	TransportUnavailable  TransportState = "unavailable"
	TransportFailed       TransportState = "failed"
)

type PresenceEventKind int

const (
	EventSubscribed PresenceEventKind = iota
	EventMemberJoined
	EventMemberLeft
	EventSubscriptionFailed
	EventMessage
	EventTransportState
)

func (k PresenceEventKind) String() string {
	switch k {
	case EventSubscribed:
		return "subscribed"
	case EventMemberJoined:
		return "member_joined"
	case EventMemberLeft:
		return "member_left"
	case EventSubscriptionFailed:
		return "subscription_failed"
	case EventMessage:
		return "message"
	case EventTransportState:
		return "transport_state"
	}
	return "unknown"
}

// PresenceEvent is everything a presence channel reports.
// Only the fields matching Kind are set.
type PresenceEvent struct {
	Kind    PresenceEventKind
	Members []domain.MemberID
	Member  domain.MemberID
	Message *Message
	State   TransportState
	Err     error
}

// PresenceHandler receives events from one subscription, in order.
type PresenceHandler func(PresenceEvent)

// CredentialProvider is called once the transport assigned a socket id.
type CredentialProvider func(ctx context.Context, socketID string) (*Credential, error)

type SubscribeRequest struct {
	Channel     string
	MemberID    domain.MemberID
	Credentials CredentialProvider
}

// PresenceChannel wraps the pub/sub relay. Subscribe must not block on the
// network; progress is reported through the handler.
type PresenceChannel interface {
	Subscribe(ctx context.Context, req SubscribeRequest, h PresenceHandler) (PresenceHandle, error)
}

// PresenceHandle is one live subscription.
type PresenceHandle interface {
	Send(msg Message) error
	// Unsubscribe is idempotent and never waits for the handler to drain.
	Unsubscribe() error
}

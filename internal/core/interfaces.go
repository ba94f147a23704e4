package core

import (
	"context"
	"time"

	"github.com/dkeye/VoiceMesh/internal/domain"
)

//go:generate mockgen -source=interfaces.go -destination=mocks/mock_interfaces.go -package=mocks

// AuthRequest is what the credential service signs.
type AuthRequest struct {
	SocketID    string          `json:"socket_id"`
	ChannelName string          `json:"channel_name"`
	MemberID    domain.MemberID `json:"user_id"`
	Pin         string          `json:"pin,omitempty"`
}

// Credential authorizes one subscription of one socket.
type Credential struct {
	Auth        string `json:"auth"`
	ChannelData string `json:"channel_data"`
}

// AuthClient exchanges a transport socket id for a signed channel credential.
// Failures are reported as *AuthError and are never retried by the session.
type AuthClient interface {
	Authorize(ctx context.Context, req AuthRequest) (*Credential, error)
}

// RoomInfo is a read-only view of a room record.
type RoomInfo struct {
	Key       domain.RoomKey `json:"key"`
	Label     string         `json:"label"`
	HasPin    bool           `json:"has_pin"`
	Members   int            `json:"members"`
	UpdatedAt time.Time      `json:"updated_at,omitempty"`
}

// RoomStore keeps room metadata. Upsert is best-effort and must never
// block a join.
type RoomStore interface {
	Upsert(ctx context.Context, room domain.RoomIdentity) error
	List(ctx context.Context) ([]RoomInfo, error)
}

// MediaSource grants access to the local microphone.
// Acquire returns ErrPermissionDenied when access is refused.
type MediaSource interface {
	Acquire(ctx context.Context) (LocalAudio, error)
}

package core

import (
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

// LocalAudio is the captured microphone track shared by every peer connection.
type LocalAudio interface {
	Track() webrtc.TrackLocal
	// SetEnabled gates what is sent; a disabled track transmits silence.
	SetEnabled(enabled bool)
	Enabled() bool
	// Level is the RMS of the latest sample window in [0, 1].
	Level() float64
	// Close stops capture. Safe to call more than once.
	Close() error
}

// RemoteAudio is a negotiated inbound audio track.
type RemoteAudio interface {
	ID() string
	// Level is the RMS estimate of the latest audio in [0, 1].
	Level() float64
}

// MediaConnection is one point-to-point media connection to a remote member.
type MediaConnection interface {
	// AddLocalAudio attaches the microphone track before negotiation.
	AddLocalAudio(LocalAudio) error
	// CreateOffer creates and applies the local offer.
	CreateOffer() (webrtc.SessionDescription, error)
	// ApplyOffer applies a remote offer and returns the applied local answer.
	ApplyOffer(webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyAnswer(webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	HasRemoteDescription() bool

	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnStateChange sets a callback for peer connection state changes.
	OnStateChange(func(webrtc.PeerConnectionState))
	// OnRemoteAudio sets a callback invoked once an inbound audio track is playing.
	OnRemoteAudio(func(RemoteAudio))

	// Close should stop all underlying media resources.
	Close() error
}

// MediaConnectionFactory opens a fresh connection towards peer.
type MediaConnectionFactory func(peer domain.MemberID) (MediaConnection, error)

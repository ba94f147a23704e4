package mesh

import (
	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

type PeerState int

const (
	PeerNew PeerState = iota
	PeerOfferSent
	PeerOfferReceived
	PeerConnected
	PeerFailed
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerNew:
		return "NEW"
	case PeerOfferSent:
		return "OFFER_SENT"
	case PeerOfferReceived:
		return "OFFER_RECEIVED"
	case PeerConnected:
		return "CONNECTED"
	case PeerFailed:
		return "FAILED"
	case PeerClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

func (s PeerState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// maxPendingCandidates bounds what a single peer can make us buffer.
const maxPendingCandidates = 64

type peer struct {
	id      domain.MemberID
	conn    core.MediaConnection
	state   PeerState
	pending []webrtc.ICECandidateInit
}

// PeerInfo is a read-only view for status APIs.
type PeerInfo struct {
	ID    domain.MemberID `json:"id"`
	State PeerState       `json:"state"`
}

// ShouldOffer is the glare rule: the smaller id always offers.
func ShouldOffer(self, other domain.MemberID) bool {
	return self < other
}

func appendBounded(list []webrtc.ICECandidateInit, c webrtc.ICECandidateInit) ([]webrtc.ICECandidateInit, bool) {
	if len(list) >= maxPendingCandidates {
		return list, false
	}
	return append(list, c), true
}

package core

import (
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

type MessageType string

const (
	MsgOffer          MessageType = "offer"
	MsgAnswer         MessageType = "answer"
	MsgCandidate      MessageType = "candidate"
	MsgTalking        MessageType = "talking"
	MsgLocationUpdate MessageType = "location-update"
	MsgRoomDeleted    MessageType = "room-deleted"
)

// Message is the directed envelope exchanged between members.
type Message struct {
	To   domain.MemberID `json:"to"`
	From domain.MemberID `json:"from"`
	Type MessageType     `json:"type"`

	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	IsTalking *bool                      `json:"isTalking,omitempty"`
	Lat       *float64                   `json:"lat,omitempty"`
	Lng       *float64                   `json:"lng,omitempty"`
	By        domain.MemberID            `json:"by,omitempty"`
	At        int64                      `json:"at,omitempty"`
}

// AddressedTo reports whether self should process msg.
func (m *Message) AddressedTo(self domain.MemberID) bool {
	return m.To == self || m.To == domain.BroadcastID
}

func NewOffer(from, to domain.MemberID, sdp webrtc.SessionDescription) Message {
	return Message{To: to, From: from, Type: MsgOffer, SDP: &sdp}
}

func NewAnswer(from, to domain.MemberID, sdp webrtc.SessionDescription) Message {
	return Message{To: to, From: from, Type: MsgAnswer, SDP: &sdp}
}

func NewCandidate(from, to domain.MemberID, c webrtc.ICECandidateInit) Message {
	return Message{To: to, From: from, Type: MsgCandidate, Candidate: &c}
}

func NewTalking(from, to domain.MemberID, talking bool) Message {
	return Message{To: to, From: from, Type: MsgTalking, IsTalking: &talking}
}

func NewLocation(from, to domain.MemberID, loc Location) Message {
	lat, lng := loc.Lat, loc.Lng
	return Message{To: to, From: from, Type: MsgLocationUpdate, Lat: &lat, Lng: &lng, At: loc.At}
}

func NewRoomDeleted(from domain.MemberID, at int64) Message {
	return Message{To: domain.BroadcastID, From: from, Type: MsgRoomDeleted, By: from, At: at}
}

// Location is a shared position; At is unix milliseconds.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
	At  int64   `json:"at"`
}

// Package meshtest provides in-memory media connections for tests.
package meshtest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

var ErrClosed = errors.New("connection closed")

// Conn records everything the pool does to a connection.
type Conn struct {
	Peer domain.MemberID

	mu         sync.Mutex
	local      core.LocalAudio
	remote     *webrtc.SessionDescription
	localDesc  *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	closed     bool

	onICE    func(webrtc.ICECandidateInit)
	onState  func(webrtc.PeerConnectionState)
	onRemote func(core.RemoteAudio)

	// FailApply makes ApplyOffer/ApplyAnswer fail.
	FailApply bool
}

func (c *Conn) AddLocalAudio(a core.LocalAudio) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local = a
	return nil
}

func (c *Conn) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	sd := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-to-%s", c.Peer)}
	c.localDesc = &sd
	return sd, nil
}

func (c *Conn) ApplyOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailApply || c.closed {
		return webrtc.SessionDescription{}, errors.New("apply offer failed")
	}
	c.remote = &offer
	sd := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-to-%s", c.Peer)}
	c.localDesc = &sd
	return sd, nil
}

func (c *Conn) ApplyAnswer(answer webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailApply || c.closed {
		return errors.New("apply answer failed")
	}
	c.remote = &answer
	return nil
}

func (c *Conn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return errors.New("remote description not set")
	}
	c.candidates = append(c.candidates, ci)
	return nil
}

func (c *Conn) HasRemoteDescription() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote != nil
}

func (c *Conn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Conn) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Conn) OnRemoteAudio(fn func(core.RemoteAudio)) {
	c.mu.Lock()
	c.onRemote = fn
	c.mu.Unlock()
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Local() core.LocalAudio {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

func (c *Conn) Candidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.candidates...)
}

// Gather simulates a locally gathered candidate.
func (c *Conn) Gather(candidate string) {
	c.mu.Lock()
	fn := c.onICE
	c.mu.Unlock()
	if fn != nil {
		fn(webrtc.ICECandidateInit{Candidate: candidate})
	}
}

// SetState simulates a connection state change.
func (c *Conn) SetState(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// Track simulates an inbound audio track.
func (c *Conn) Track(a core.RemoteAudio) {
	c.mu.Lock()
	fn := c.onRemote
	c.mu.Unlock()
	if fn != nil {
		fn(a)
	}
}

// Factory hands out Conns and remembers each one.
type Factory struct {
	mu    sync.Mutex
	conns []*Conn
	Err   error
}

func (f *Factory) New(peer domain.MemberID) (core.MediaConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	c := &Conn{Peer: peer}
	f.conns = append(f.conns, c)
	return c, nil
}

// Conns returns every connection opened towards peer, oldest first.
func (f *Factory) Conns(peer domain.MemberID) []*Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Conn
	for _, c := range f.conns {
		if c.Peer == peer {
			out = append(out, c)
		}
	}
	return out
}

func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

// Level is a RemoteAudio with a fixed level.
type Level struct {
	Name  string
	Value float64
}

func (l Level) ID() string { return l.Name }
func (l Level) Level() float64 { return l.Value }

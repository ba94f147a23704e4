// Package mesh keeps one media connection per remote member and runs the
// offer/answer/candidate exchange over the presence channel.
package mesh

import (
	"errors"
	"fmt"
	"sort"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/dkeye/VoiceMesh/internal/telemetry"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnexpectedSignal = errors.New("unexpected signal")
	ErrNoFactory        = errors.New("no media connection factory")
)

// Options wires a pool into one session.
type Options struct {
	Self    domain.MemberID
	Local   core.LocalAudio
	Factory core.MediaConnectionFactory
	Send    func(core.Message) error
	// Dispatch runs fn on the session loop. Connections call back from their
	// own goroutines; Dispatch is how those callbacks get serialized.
	Dispatch func(fn func())

	OnRemoteAudio func(id domain.MemberID, audio core.RemoteAudio)
	// OnPeerClosed reports a connection that failed or closed on its own.
	OnPeerClosed func(id domain.MemberID)
}

// Pool is owned by the session loop and is not safe for concurrent use.
type Pool struct {
	opts  Options
	peers map[domain.MemberID]*peer
	early map[domain.MemberID][]webrtc.ICECandidateInit
}

func NewPool(opts Options) *Pool {
	if opts.Dispatch == nil {
		opts.Dispatch = func(fn func()) { fn() }
	}
	if opts.Send == nil {
		opts.Send = func(core.Message) error { return nil }
	}
	return &Pool{
		opts:  opts,
		peers: make(map[domain.MemberID]*peer),
		early: make(map[domain.MemberID][]webrtc.ICECandidateInit),
	}
}

// Connect starts negotiation with id if the glare rule makes us the offerer.
func (p *Pool) Connect(id domain.MemberID) error {
	if id == "" || id == p.opts.Self {
		return nil
	}
	if _, ok := p.peers[id]; ok {
		return nil
	}
	if !ShouldOffer(p.opts.Self, id) {
		log.Debug().Str("module", "mesh").Str("peer", string(id)).Msg("waiting for remote offer")
		return nil
	}

	pe, err := p.open(id)
	if err != nil {
		return err
	}
	offer, err := pe.conn.CreateOffer()
	if err != nil {
		p.drop(id)
		return fmt.Errorf("create offer for %s: %w", id, err)
	}
	pe.state = PeerOfferSent
	log.Info().Str("module", "mesh").Str("peer", string(id)).Msg("offer sent")
	return p.send(core.NewOffer(p.opts.Self, id, offer))
}

// HandleOffer accepts an offer regardless of the glare rule; the sender
// already applied it. An existing connection is replaced, never stacked.
func (p *Pool) HandleOffer(from domain.MemberID, sdp webrtc.SessionDescription) error {
	if from == "" || from == p.opts.Self {
		return fmt.Errorf("%w: offer from %q", ErrUnexpectedSignal, from)
	}
	if sdp.Type != webrtc.SDPTypeOffer || sdp.SDP == "" {
		return fmt.Errorf("%w: malformed offer from %s", ErrUnexpectedSignal, from)
	}
	if old, ok := p.peers[from]; ok {
		log.Info().Str("module", "mesh").Str("peer", string(from)).Str("state", old.state.String()).Msg("replacing connection")
		p.drop(from)
	}

	pe, err := p.open(from)
	if err != nil {
		return err
	}
	answer, err := pe.conn.ApplyOffer(sdp)
	if err != nil {
		p.drop(from)
		return fmt.Errorf("apply offer from %s: %w", from, err)
	}
	pe.state = PeerOfferReceived
	p.flush(pe)
	log.Info().Str("module", "mesh").Str("peer", string(from)).Msg("answer sent")
	return p.send(core.NewAnswer(p.opts.Self, from, answer))
}

// HandleAnswer is only valid for a connection we offered on.
func (p *Pool) HandleAnswer(from domain.MemberID, sdp webrtc.SessionDescription) error {
	pe, ok := p.peers[from]
	if !ok {
		return fmt.Errorf("%w: answer from unknown peer %s", ErrUnexpectedSignal, from)
	}
	if pe.state != PeerOfferSent || pe.conn.HasRemoteDescription() {
		return fmt.Errorf("%w: answer from %s in state %s", ErrUnexpectedSignal, from, pe.state)
	}
	if sdp.Type != webrtc.SDPTypeAnswer || sdp.SDP == "" {
		return fmt.Errorf("%w: malformed answer from %s", ErrUnexpectedSignal, from)
	}
	if err := pe.conn.ApplyAnswer(sdp); err != nil {
		return fmt.Errorf("apply answer from %s: %w", from, err)
	}
	p.flush(pe)
	return nil
}

// HandleCandidate applies c, or buffers it until a remote description is set.
func (p *Pool) HandleCandidate(from domain.MemberID, c webrtc.ICECandidateInit) error {
	if c.Candidate == "" {
		// end-of-candidates marker
		return nil
	}
	pe, ok := p.peers[from]
	if !ok {
		var added bool
		p.early[from], added = appendBounded(p.early[from], c)
		if !added {
			return fmt.Errorf("%w: candidate buffer full for %s", ErrUnexpectedSignal, from)
		}
		return nil
	}
	if !pe.conn.HasRemoteDescription() {
		var added bool
		pe.pending, added = appendBounded(pe.pending, c)
		if !added {
			return fmt.Errorf("%w: candidate buffer full for %s", ErrUnexpectedSignal, from)
		}
		return nil
	}
	return pe.conn.AddICECandidate(c)
}

// Remove tears down the connection to a member that left.
func (p *Pool) Remove(id domain.MemberID) {
	delete(p.early, id)
	p.drop(id)
}

func (p *Pool) CloseAll() {
	for id := range p.peers {
		p.drop(id)
	}
	p.early = make(map[domain.MemberID][]webrtc.ICECandidateInit)
}

func (p *Pool) State(id domain.MemberID) (PeerState, bool) {
	pe, ok := p.peers[id]
	if !ok {
		return PeerClosed, false
	}
	return pe.state, true
}

func (p *Pool) Len() int { return len(p.peers) }

func (p *Pool) Peers() []PeerInfo {
	out := make([]PeerInfo, 0, len(p.peers))
	for id, pe := range p.peers {
		out = append(out, PeerInfo{ID: id, State: pe.state})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *Pool) open(id domain.MemberID) (*peer, error) {
	if p.opts.Factory == nil {
		return nil, ErrNoFactory
	}
	conn, err := p.opts.Factory(id)
	if err != nil {
		return nil, fmt.Errorf("open connection to %s: %w", id, err)
	}
	if p.opts.Local != nil {
		if err := conn.AddLocalAudio(p.opts.Local); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("attach local audio for %s: %w", id, err)
		}
	}

	pe := &peer{id: id, conn: conn, state: PeerNew}
	p.peers[id] = pe

	conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		p.opts.Dispatch(func() {
			if p.peers[id] != pe {
				return
			}
			if err := p.send(core.NewCandidate(p.opts.Self, id, c)); err != nil {
				log.Warn().Err(err).Str("module", "mesh").Str("peer", string(id)).Msg("candidate not sent")
			}
		})
	})
	conn.OnStateChange(func(s webrtc.PeerConnectionState) {
		p.opts.Dispatch(func() { p.onState(pe, s) })
	})
	conn.OnRemoteAudio(func(a core.RemoteAudio) {
		p.opts.Dispatch(func() {
			if p.peers[id] != pe || p.opts.OnRemoteAudio == nil {
				return
			}
			p.opts.OnRemoteAudio(id, a)
		})
	})
	return pe, nil
}

func (p *Pool) onState(pe *peer, s webrtc.PeerConnectionState) {
	if p.peers[pe.id] != pe {
		return
	}
	log.Info().Str("module", "mesh").Str("peer", string(pe.id)).Str("peer_connection_state", s.String()).Msg("Peer state")

	switch s {
	case webrtc.PeerConnectionStateConnected:
		pe.state = PeerConnected
		p.reportConnected()
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		if s == webrtc.PeerConnectionStateFailed {
			pe.state = PeerFailed
		} else {
			pe.state = PeerClosed
		}
		p.drop(pe.id)
		if p.opts.OnPeerClosed != nil {
			p.opts.OnPeerClosed(pe.id)
		}
	}
}

func (p *Pool) flush(pe *peer) {
	queued := append(p.early[pe.id], pe.pending...)
	delete(p.early, pe.id)
	pe.pending = nil
	for _, c := range queued {
		if err := pe.conn.AddICECandidate(c); err != nil {
			log.Warn().Err(err).Str("module", "mesh").Str("peer", string(pe.id)).Msg("buffered candidate rejected")
		}
	}
}

func (p *Pool) drop(id domain.MemberID) {
	pe, ok := p.peers[id]
	if !ok {
		return
	}
	delete(p.peers, id)
	if err := pe.conn.Close(); err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(id)).Msg("close error")
	}
	p.reportConnected()
}

func (p *Pool) reportConnected() {
	n := 0
	for _, pe := range p.peers {
		if pe.state == PeerConnected {
			n++
		}
	}
	telemetry.PeersConnected(n)
}

func (p *Pool) send(msg core.Message) error {
	if err := p.opts.Send(msg); err != nil {
		telemetry.SignalDropped("out", string(msg.Type))
		return fmt.Errorf("send %s to %s: %w", msg.Type, msg.To, err)
	}
	telemetry.SignalSent(string(msg.Type))
	return nil
}

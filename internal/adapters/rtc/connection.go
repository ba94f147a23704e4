package rtc

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrNotAudio = errors.New("local track is not audio")

// WebRTCConnection is a core.MediaConnection backed by a pion PeerConnection.
type WebRTCConnection struct {
	pc       *webrtc.PeerConnection
	peer     domain.MemberID
	playback Playback
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	onICE    func(webrtc.ICECandidateInit)
	onState  func(webrtc.PeerConnectionState)
	onRemote func(core.RemoteAudio)
	closed   bool
}

// Factory opens connections that share one pion API and configuration.
type Factory struct {
	API      *webrtc.API
	Config   webrtc.Configuration
	Playback Playback
}

func (f *Factory) New(peer domain.MemberID) (core.MediaConnection, error) {
	return NewWebRTCConnection(f.API, f.Config, peer, f.Playback)
}

func NewWebRTCConnection(api *webrtc.API, cfg webrtc.Configuration, peer domain.MemberID, playback Playback) (*WebRTCConnection, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	if playback == nil {
		playback = DiscardPlayback{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &WebRTCConnection{pc: pc, peer: peer, playback: playback, ctx: ctx, cancel: cancel}
	c.bind()
	return c, nil
}

func (c *WebRTCConnection) bind() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "webrtc").Str("peer", string(c.peer)).Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("peer", string(c.peer)).Str("peer_connection_state", s.String()).Msg("Peer state")
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(s)
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("peer", string(c.peer)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		meter := NewLevelMeter(track.ID(), audioLevelExtensionID(receiver))
		c.mu.Lock()
		fn := c.onRemote
		c.mu.Unlock()
		if fn != nil {
			fn(meter)
		}
		go c.readTrack(track, meter)
	})
}

// readTrack feeds playback and the level meter until the track ends.
func (c *WebRTCConnection) readTrack(track *webrtc.TrackRemote, meter *LevelMeter) {
	sink, err := c.playback.Open(c.peer, track.Codec())
	if err != nil {
		log.Warn().Err(err).Str("module", "webrtc").Str("peer", string(c.peer)).Msg("playback unavailable")
		sink = discardSink{}
	}
	defer func() {
		if err := sink.Close(); err != nil {
			log.Warn().Err(err).Str("module", "webrtc").Str("peer", string(c.peer)).Msg("playback close")
		}
	}()

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			log.Debug().Err(err).Str("module", "webrtc").Str("peer", string(c.peer)).Msg("track ended")
			return
		}
		meter.Observe(pkt)
		if err := sink.WriteRTP(pkt); err != nil {
			log.Warn().Err(err).Str("module", "webrtc").Str("peer", string(c.peer)).Msg("playback write")
		}
		if c.ctx.Err() != nil {
			return
		}
	}
}

// AddLocalAudio attaches the shared microphone track and drains RTCP for it.
func (c *WebRTCConnection) AddLocalAudio(a core.LocalAudio) error {
	track := a.Track()
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return ErrNotAudio
	}
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (c *WebRTCConnection) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

// ApplyOffer answers with trickle ICE; candidates follow via OnICECandidate.
func (c *WebRTCConnection) ApplyOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (c *WebRTCConnection) ApplyAnswer(answer webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(answer)
}

func (c *WebRTCConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *WebRTCConnection) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *WebRTCConnection) LocalDescription() *webrtc.SessionDescription {
	return c.pc.LocalDescription()
}

func (c *WebRTCConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// OnRemoteAudio sets application-level callback for inbound audio.
func (c *WebRTCConnection) OnRemoteAudio(fn func(core.RemoteAudio)) {
	c.mu.Lock()
	c.onRemote = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("peer", string(c.peer)).Msg("close error")
		return err
	}
	log.Info().Str("module", "webrtc").Str("peer", string(c.peer)).Msg("closed")
	return nil
}

func audioLevelExtensionID(receiver *webrtc.RTPReceiver) uint8 {
	if receiver == nil {
		return 0
	}
	for _, ext := range receiver.GetParameters().HeaderExtensions {
		if ext.URI == audioLevelURI {
			return uint8(ext.ID)
		}
	}
	return 0
}

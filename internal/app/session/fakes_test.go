package session

import (
	"context"
	"sync"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

// relay is an in-memory presence service. Subscriptions on the same channel
// see each other's membership and every message sent on it.
type relay struct {
	mu     sync.Mutex
	subs   []*fakeSub
	live   map[string][]*fakeSub
	sent   []core.Message
	manual bool
	// script replaces the default accept behaviour when set.
	script func(s *fakeSub)
}

func newRelay() *relay {
	return &relay{live: make(map[string][]*fakeSub)}
}

func (r *relay) Subscribe(_ context.Context, req core.SubscribeRequest, h core.PresenceHandler) (core.PresenceHandle, error) {
	s := &fakeSub{relay: r, req: req, h: h}
	r.mu.Lock()
	r.subs = append(r.subs, s)
	script, manual := r.script, r.manual
	r.mu.Unlock()

	switch {
	case script != nil:
		go script(s)
	case !manual:
		go s.Accept()
	}
	return s, nil
}

func (r *relay) Subs() []*fakeSub {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*fakeSub(nil), r.subs...)
}

func (r *relay) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (r *relay) Last() *fakeSub {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.subs) == 0 {
		return nil
	}
	return r.subs[len(r.subs)-1]
}

// Sent returns every message of type t sent through the relay.
func (r *relay) Sent(t core.MessageType) []core.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.Message
	for _, m := range r.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type fakeSub struct {
	relay *relay
	req   core.SubscribeRequest
	h     core.PresenceHandler

	mu     sync.Mutex
	closed bool
}

// Accept authorizes the subscription and joins it to the channel.
func (s *fakeSub) Accept() error {
	cred, err := s.req.Credentials(context.Background(), "1234.5678")
	if err != nil {
		s.Fire(core.PresenceEvent{Kind: core.EventSubscriptionFailed, Err: err})
		return err
	}
	_ = cred

	r := s.relay
	r.mu.Lock()
	if s.isClosed() {
		r.mu.Unlock()
		return nil
	}
	others := r.live[s.req.Channel]
	members := []domain.MemberID{s.req.MemberID}
	for _, o := range others {
		members = append(members, o.req.MemberID)
	}
	r.live[s.req.Channel] = append(others, s)
	s.h(core.PresenceEvent{Kind: core.EventSubscribed, Members: members})
	for _, o := range others {
		o.h(core.PresenceEvent{Kind: core.EventMemberJoined, Member: s.req.MemberID})
	}
	r.mu.Unlock()
	return nil
}

func (s *fakeSub) Fire(ev core.PresenceEvent) {
	if s.isClosed() {
		return
	}
	s.h(ev)
}

// Drop reports a terminal transport state and ends the subscription, as the
// websocket channel does after a read error. A dropped sub cannot Accept.
func (s *fakeSub) Drop(state core.TransportState) {
	s.Fire(core.PresenceEvent{Kind: core.EventTransportState, State: state})
	_ = s.Unsubscribe()
}

func (s *fakeSub) Send(msg core.Message) error {
	if s.isClosed() {
		return core.ErrNotConnected
	}
	r := s.relay
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	for _, o := range r.live[s.req.Channel] {
		if o == s {
			continue
		}
		m := msg
		o.h(core.PresenceEvent{Kind: core.EventMessage, Message: &m})
	}
	return nil
}

func (s *fakeSub) Unsubscribe() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	r := s.relay
	r.mu.Lock()
	defer r.mu.Unlock()
	live := r.live[s.req.Channel]
	for i, o := range live {
		if o == s {
			r.live[s.req.Channel] = append(live[:i:i], live[i+1:]...)
			for _, rest := range r.live[s.req.Channel] {
				rest.h(core.PresenceEvent{Kind: core.EventMemberLeft, Member: s.req.MemberID})
			}
			break
		}
	}
	return nil
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSub) Closed() bool { return s.isClosed() }

// source hands out fake microphone tracks and counts acquisitions.
type source struct {
	mu     sync.Mutex
	err    error
	tracks []*fakeAudio
}

func (s *source) Acquire(context.Context) (core.LocalAudio, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		s.tracks = append(s.tracks, nil)
		return nil, s.err
	}
	a := &fakeAudio{level: 0.05}
	s.tracks = append(s.tracks, a)
	return a, nil
}

func (s *source) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracks)
}

func (s *source) Last() *fakeAudio {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tracks) == 0 {
		return nil
	}
	return s.tracks[len(s.tracks)-1]
}

type fakeAudio struct {
	mu      sync.Mutex
	enabled bool
	closed  int
	level   float64
}

func (a *fakeAudio) Track() webrtc.TrackLocal { return nil }

func (a *fakeAudio) SetEnabled(on bool) {
	a.mu.Lock()
	a.enabled = on
	a.mu.Unlock()
}

func (a *fakeAudio) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

func (a *fakeAudio) Level() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.level
}

func (a *fakeAudio) Close() error {
	a.mu.Lock()
	a.closed++
	a.mu.Unlock()
	return nil
}

func (a *fakeAudio) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed > 0
}

// Package presence is a PresenceChannel speaking the Pusher Channels
// protocol (v7) over a websocket.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure  = errors.New("backpressure")
	ErrNotSubscribed = errors.New("not subscribed yet")
	ErrUnsubscribed  = errors.New("unsubscribed")
	ErrNoCredentials = errors.New("no credential provider")
	ErrNoHandler     = errors.New("no presence handler")
	ErrSpoofedSender = errors.New("sender does not match relay user id")
)

type Options struct {
	URL           string
	Dialer        *websocket.Dialer
	PingPeriod    time.Duration
	WriteTimeout  time.Duration
	EventLimit    int
	EventInterval time.Duration
	SendQueue     int
}

// Client opens one websocket per subscription.
type Client struct {
	opts Options
}

func NewClient(opts Options) *Client {
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 54 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = 256
	}
	return &Client{opts: opts}
}

func (c *Client) Subscribe(ctx context.Context, req core.SubscribeRequest, h core.PresenceHandler) (core.PresenceHandle, error) {
	if req.Credentials == nil {
		return nil, ErrNoCredentials
	}
	if h == nil {
		return nil, ErrNoHandler
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &subscription{
		opts:    c.opts,
		req:     req,
		handler: h,
		cancel:  cancel,
		limiter: NewEventRateLimiter(c.opts.EventLimit, c.opts.EventInterval),
		send:    make(chan queued, c.opts.SendQueue),
		quit:    make(chan struct{}),
	}
	go s.run(ctx)
	return s, nil
}

type queued struct {
	data        []byte
	clientEvent bool
}

type subscription struct {
	opts    Options
	req     core.SubscribeRequest
	handler core.PresenceHandler
	cancel  context.CancelFunc
	limiter *EventRateLimiter
	send    chan queued
	quit    chan struct{}

	mu         sync.Mutex
	conn       *websocket.Conn
	closed     bool
	subscribed bool
}

func (s *subscription) run(ctx context.Context) {
	s.emit(core.PresenceEvent{Kind: core.EventTransportState, State: core.TransportConnecting})

	conn, _, err := s.opts.Dialer.DialContext(ctx, s.opts.URL, nil)
	if err != nil {
		log.Warn().Err(err).Str("module", "presence").Str("channel", s.req.Channel).Msg("dial failed")
		s.emit(core.PresenceEvent{Kind: core.EventTransportState, State: core.TransportUnavailable, Err: err})
		s.shutdown()
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	go s.writePump(ctx, conn)
	s.readPump(ctx, conn)
}

func (s *subscription) readPump(ctx context.Context, conn *websocket.Conn) {
	defer s.shutdown()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !s.isClosed() {
				log.Warn().Err(err).Str("module", "presence").Str("channel", s.req.Channel).Msg("readPump read error")
				s.emit(core.PresenceEvent{Kind: core.EventTransportState, State: core.TransportDisconnected, Err: err})
			}
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Error().Err(err).Str("module", "presence").Msg("bad json")
			continue
		}
		if stop := s.handleFrame(ctx, f); stop {
			return
		}
	}
}

// handleFrame dispatches one relay event; it reports whether the
// subscription is over.
func (s *subscription) handleFrame(ctx context.Context, f frame) bool {
	switch f.Event {
	case evConnectionEstablished:
		var est connectionEstablished
		if err := decodeData(f.Data, &est); err != nil || est.SocketID == "" {
			s.emit(core.PresenceEvent{Kind: core.EventTransportState, State: core.TransportFailed, Err: fmt.Errorf("bad handshake: %v", err)})
			return true
		}
		s.emit(core.PresenceEvent{Kind: core.EventTransportState, State: core.TransportConnected})
		return s.authorize(ctx, est.SocketID)

	case evSubscriptionSucceeded:
		if f.Channel != s.req.Channel {
			return false
		}
		var p presenceData
		if err := decodeData(f.Data, &p); err != nil {
			log.Error().Err(err).Str("module", "presence").Msg("bad presence snapshot")
			return false
		}
		s.mu.Lock()
		s.subscribed = true
		s.mu.Unlock()
		s.emit(core.PresenceEvent{Kind: core.EventSubscribed, Members: memberIDs(p)})

	case evMemberAdded, evMemberRemoved:
		if f.Channel != s.req.Channel {
			return false
		}
		var m memberData
		if err := decodeData(f.Data, &m); err != nil || m.UserID == "" {
			log.Error().Err(err).Str("module", "presence").Str("event", f.Event).Msg("bad member event")
			return false
		}
		kind := core.EventMemberJoined
		if f.Event == evMemberRemoved {
			kind = core.EventMemberLeft
		}
		s.emit(core.PresenceEvent{Kind: kind, Member: domain.MemberID(m.UserID)})

	case evSubscriptionError:
		var e errorData
		_ = decodeData(f.Data, &e)
		s.emit(core.PresenceEvent{
			Kind: core.EventSubscriptionFailed,
			Err:  fmt.Errorf("%w: status %d %s", core.ErrSubscriptionRejected, e.Status, e.Message),
		})
		return true

	case evError:
		var e errorData
		if err := decodeData(f.Data, &e); err != nil || e.Code == nil {
			log.Warn().Str("module", "presence").Str("message", e.Message).Msg("relay error")
			return false
		}
		s.emit(core.PresenceEvent{
			Kind:  core.EventTransportState,
			State: stateForCode(*e.Code),
			Err:   fmt.Errorf("relay error %d: %s", *e.Code, e.Message),
		})
		return true

	case evPing:
		s.enqueue(outFrame{Event: evPong, Data: struct{}{}}, false)

	case evPong:

	case EventSignal:
		if f.Channel != s.req.Channel {
			return false
		}
		var msg core.Message
		if err := decodeData(f.Data, &msg); err != nil {
			log.Warn().Err(err).Str("module", "presence").Msg("bad signal payload")
			return false
		}
		if f.UserID != "" {
			if msg.From != "" && msg.From != domain.MemberID(f.UserID) {
				log.Warn().Err(ErrSpoofedSender).Str("module", "presence").Str("from", string(msg.From)).Str("user_id", f.UserID).Msg("signal dropped")
				return false
			}
			msg.From = domain.MemberID(f.UserID)
		}
		s.emit(core.PresenceEvent{Kind: core.EventMessage, Message: &msg})

	default:
		log.Debug().Str("module", "presence").Str("event", f.Event).Msg("unhandled event")
	}
	return false
}

func (s *subscription) authorize(ctx context.Context, socketID string) bool {
	cred, err := s.req.Credentials(ctx, socketID)
	if err != nil {
		log.Warn().Err(err).Str("module", "presence").Str("channel", s.req.Channel).Msg("authorization failed")
		s.emit(core.PresenceEvent{Kind: core.EventSubscriptionFailed, Err: err})
		return true
	}
	s.enqueue(outFrame{Event: evSubscribe, Data: subscribeData{
		Channel:     s.req.Channel,
		Auth:        cred.Auth,
		ChannelData: cred.ChannelData,
	}}, false)
	return false
}

func (s *subscription) writePump(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	ping, _ := json.Marshal(outFrame{Event: evPing, Data: struct{}{}})
	for {
		var data []byte
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			s.flush(conn)
			return
		case <-ticker.C:
			data = ping
		case q := <-s.send:
			if q.clientEvent {
				if wait := s.limiter.Reserve(); wait > 0 {
					select {
					case <-ctx.Done():
						return
					case <-s.quit:
						s.write(conn, q.data)
						s.flush(conn)
						return
					case <-time.After(wait):
					}
				}
			}
			data = q.data
		}
		if err := s.write(conn, data); err != nil {
			log.Error().Err(err).Str("module", "presence").Msg("writePump write error")
			return
		}
	}
}

func (s *subscription) write(conn *websocket.Conn, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// flush writes whatever is still queued, then closes the socket cleanly.
func (s *subscription) flush(conn *websocket.Conn) {
	defer s.cancel()
	for {
		select {
		case q := <-s.send:
			if err := s.write(conn, q.data); err != nil {
				return
			}
		default:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

// Send queues a directed message as a client event.
func (s *subscription) Send(msg core.Message) error {
	s.mu.Lock()
	closed, subscribed := s.closed, s.subscribed
	s.mu.Unlock()
	if closed {
		return ErrUnsubscribed
	}
	if !subscribed {
		return ErrNotSubscribed
	}
	return s.enqueue(outFrame{Event: EventSignal, Channel: s.req.Channel, Data: msg}, true)
}

func (s *subscription) enqueue(f outFrame, clientEvent bool) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	select {
	case s.send <- queued{data: b, clientEvent: clientEvent}:
		return nil
	default:
		log.Warn().Str("module", "presence").Str("event", f.Event).Msg("send queue full")
		return ErrBackpressure
	}
}

// Unsubscribe ends the subscription. Messages already accepted by Send are
// flushed before the socket closes; it does not wait for that to happen.
func (s *subscription) Unsubscribe() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		// still dialing
		s.cancel()
	} else {
		close(s.quit)
	}
	log.Info().Str("module", "presence").Str("channel", s.req.Channel).Msg("unsubscribed")
	return nil
}

func (s *subscription) shutdown() {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.mu.Unlock()
	s.cancel()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// emit delivers ev unless the subscription was closed.
func (s *subscription) emit(ev core.PresenceEvent) {
	if s.isClosed() {
		return
	}
	s.handler(ev)
}

// stateForCode maps relay error codes: 4000-4099 must not reconnect,
// 4100-4199 reconnect after backoff, 4200-4299 reconnect right away.
func stateForCode(code int) core.TransportState {
	switch {
	case code >= 4000 && code < 4100:
		return core.TransportFailed
	case code >= 4100 && code < 4200:
		return core.TransportUnavailable
	default:
		return core.TransportDisconnected
	}
}

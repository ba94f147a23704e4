// Package session drives one member through joining a room, keeping the
// mesh of media connections in sync with presence, and recovering from
// transport failures.
//
// Every piece of session state is owned by a single loop goroutine. Public
// methods and all callbacks (timers, presence, media connections) post
// closures to that loop. Callbacks capture the epoch they were registered
// in and are discarded once the epoch has moved on, so nothing from an old
// join can touch a new one.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/VoiceMesh/internal/app/activity"
	"github.com/dkeye/VoiceMesh/internal/app/mesh"
	"github.com/dkeye/VoiceMesh/internal/config"
	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/dkeye/VoiceMesh/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	commandQueue     = 256
	roomStoreTimeout = 5 * time.Second
	maxRedials       = 1
)

var (
	ErrNoPresence      = errors.New("no presence channel")
	ErrNoMediaSource   = errors.New("no media source")
	ErrNoAuthClient    = errors.New("no auth client")
	ErrInvalidLocation = errors.New("invalid location")
)

// Deps are the boundaries a session talks to.
type Deps struct {
	Presence    core.PresenceChannel
	Auth        core.AuthClient
	Rooms       core.RoomStore
	Media       core.MediaSource
	Connections core.MediaConnectionFactory
	Monitor     *activity.Monitor
}

type Controller struct {
	cfg  config.Session
	self domain.MemberID
	deps Deps

	cmds chan func()
	quit chan struct{}
	done chan struct{}
	once sync.Once

	// owned by the loop
	epoch      uint64
	state      State
	room       *domain.RoomIdentity
	members    *core.Membership
	leader     domain.MemberID
	pool       *mesh.Pool
	handle     core.PresenceHandle
	local      core.LocalAudio
	muted      bool
	location   *core.Location
	locations  map[domain.MemberID]core.Location
	redials    map[domain.MemberID]int
	retry      RetryState
	lastErr    *core.SessionError
	joinCancel context.CancelFunc

	joinTimer   *time.Timer
	retryTimer  *time.Timer
	settleTimer *time.Timer

	// published snapshot
	mu        sync.Mutex
	status    Status
	watchers  map[int]chan Status
	nextWatch int
}

// New starts the session loop. Zero timings in cfg fall back to the
// defaults.
func New(cfg config.Session, self domain.MemberID, deps Deps) *Controller {
	def := config.DefaultSession()
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = def.JoinTimeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.LeaderSettle <= 0 {
		cfg.LeaderSettle = def.LeaderSettle
	}
	if deps.Monitor == nil {
		deps.Monitor = activity.NewMonitor(0)
	}

	c := &Controller{
		cfg:       cfg,
		self:      self,
		deps:      deps,
		cmds:      make(chan func(), commandQueue),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		state:     StateOffline,
		muted:     true,
		locations: make(map[domain.MemberID]core.Location),
		redials:   make(map[domain.MemberID]int),
		watchers:  make(map[int]chan Status),
	}
	c.status = c.snapshot()
	deps.Monitor.OnChange(c.onActivity)
	telemetry.SessionState(string(StateOffline))

	go c.loop()
	return c
}

func (c *Controller) Self() domain.MemberID { return c.self }

func (c *Controller) loop() {
	defer close(c.done)
	for {
		select {
		case <-c.quit:
			return
		case fn := <-c.cmds:
			fn()
			c.publish()
		}
	}
}

// post queues fn on the loop. It reports false once the controller is closed.
func (c *Controller) post(fn func()) bool {
	select {
	case <-c.quit:
		return false
	default:
	}
	select {
	case c.cmds <- fn:
		return true
	case <-c.quit:
		return false
	}
}

// call runs fn on the loop and waits for its result. The status is
// published before call returns.
func (c *Controller) call(fn func() error) error {
	res := make(chan error, 1)
	ok := c.post(func() {
		err := fn()
		c.publish()
		res <- err
	})
	if !ok {
		return core.ErrClosed
	}
	select {
	case err := <-res:
		return err
	case <-c.done:
		select {
		case err := <-res:
			return err
		default:
			return core.ErrClosed
		}
	}
}

// guarded wraps fn so that it runs on the loop only while epoch is current.
func (c *Controller) guarded(epoch uint64, fn func()) func() {
	return func() {
		c.post(func() {
			if c.epoch != epoch {
				c.logger().Debug().Uint64("stale_epoch", epoch).Msg("stale callback dropped")
				return
			}
			fn()
		})
	}
}

func (c *Controller) logger() *zerolog.Logger {
	l := log.With().
		Str("module", "session").
		Uint64("epoch", c.epoch).
		Str("member", string(c.self)).
		Logger()
	return &l
}

// Join enters the room named by label. Joining the room we are already
// connected to is a no-op.
func (c *Controller) Join(label, pin string) error {
	if c.deps.Presence == nil {
		return ErrNoPresence
	}
	if c.deps.Media == nil {
		return ErrNoMediaSource
	}
	room := domain.NewRoomIdentity(label, pin)
	return c.call(func() error {
		c.join(room, true)
		return nil
	})
}

// Leave drops the session and cancels any pending retry.
func (c *Controller) Leave() error {
	return c.call(func() error {
		c.leave(nil)
		return nil
	})
}

// SetMuted gates the local track and tells the room whether we talk.
func (c *Controller) SetMuted(muted bool) error {
	return c.call(func() error {
		c.setMuted(muted)
		return nil
	})
}

// ShareLocation broadcasts a position and repeats it to members who join
// later.
func (c *Controller) ShareLocation(lat, lng float64) error {
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return fmt.Errorf("%w: %f,%f", ErrInvalidLocation, lat, lng)
	}
	return c.call(func() error {
		if c.state != StateConnected {
			return core.ErrNotConnected
		}
		loc := core.Location{Lat: lat, Lng: lng, At: time.Now().UnixMilli()}
		c.location = &loc
		c.signal(core.NewLocation(c.self, domain.BroadcastID, loc))
		return nil
	})
}

// DeleteRoom tells every member the room is gone, then leaves. Only the
// leader may do this.
func (c *Controller) DeleteRoom() error {
	return c.call(func() error {
		if c.state != StateConnected {
			return core.ErrNotConnected
		}
		if c.leader != c.self {
			return core.ErrNotLeader
		}
		c.signal(core.NewRoomDeleted(c.self, time.Now().UnixMilli()))
		c.logger().Info().Str("room", string(c.room.Key)).Msg("room deleted")
		c.leave(nil)
		return nil
	})
}

// Close leaves the room and stops the loop. It is safe to call twice.
func (c *Controller) Close() error {
	c.once.Do(func() {
		_ = c.call(func() error {
			c.leave(nil)
			return nil
		})
		close(c.quit)
		<-c.done
		c.publish()
		c.closeWatchers()
	})
	return nil
}

func (c *Controller) join(room domain.RoomIdentity, user bool) {
	if c.state == StateConnected && c.room != nil && c.room.Key == room.Key {
		c.logger().Info().Str("room", string(room.Key)).Msg("already in room")
		return
	}
	if user {
		c.retry = RetryState{}
	}
	c.cleanup()
	c.retry.Pending = false
	c.lastErr = nil
	c.room = &room
	c.muted = true
	c.setState(StateStarting)

	epoch := c.epoch
	ctx, cancel := context.WithCancel(context.Background())
	c.joinCancel = cancel
	c.joinTimer = time.AfterFunc(c.cfg.JoinTimeout, c.guarded(epoch, c.onJoinTimeout))

	c.logger().Info().
		Str("room", string(room.Key)).
		Str("label", room.Label).
		Bool("pin", room.HasPin()).
		Int("attempt", c.retry.Attempts).
		Msg("joining")

	c.upsertRoom(room)

	if room.HasPin() || c.deps.Rooms == nil {
		c.acquire(ctx, epoch, room)
		return
	}
	store := c.deps.Rooms
	go func() {
		lctx, lcancel := context.WithTimeout(ctx, roomStoreTimeout)
		rooms, err := store.List(lctx)
		lcancel()
		c.guarded(epoch, func() {
			switch {
			case err != nil:
				c.logger().Warn().Err(err).Str("room", string(room.Key)).Msg("pin check skipped")
			case pinRequired(rooms, room.Key):
				c.fail(&core.AuthError{Reason: core.ReasonPinRequired, Detail: "room " + string(room.Key) + " is protected"})
				return
			}
			c.acquire(ctx, epoch, room)
		})()
	}()
}

// pinRequired reports whether the listing marks key as PIN protected.
func pinRequired(rooms []core.RoomInfo, key domain.RoomKey) bool {
	for _, r := range rooms {
		if r.Key == key {
			return r.HasPin
		}
	}
	return false
}

// acquire opens the microphone off the loop. A track that arrives for a
// dead epoch is released right away.
func (c *Controller) acquire(ctx context.Context, epoch uint64, room domain.RoomIdentity) {
	media := c.deps.Media
	go func() {
		local, err := media.Acquire(ctx)
		posted := c.post(func() {
			if c.epoch != epoch {
				if local != nil {
					_ = local.Close()
				}
				return
			}
			c.onAcquired(ctx, epoch, room, local, err)
		})
		if !posted && local != nil {
			_ = local.Close()
		}
	}()
}

// upsertRoom registers room metadata in the background. Failures never
// block or fail the join.
func (c *Controller) upsertRoom(room domain.RoomIdentity) {
	if c.deps.Rooms == nil {
		return
	}
	store := c.deps.Rooms
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), roomStoreTimeout)
		defer cancel()
		if err := store.Upsert(ctx, room); err != nil {
			log.Warn().Err(err).Str("module", "session").Str("room", string(room.Key)).Msg("room upsert skipped")
		}
	}()
}

func (c *Controller) onAcquired(ctx context.Context, epoch uint64, room domain.RoomIdentity, local core.LocalAudio, err error) {
	if err != nil {
		c.fail(err)
		return
	}
	local.SetEnabled(false)
	c.local = local
	c.deps.Monitor.SetLocal(local)

	c.pool = mesh.NewPool(mesh.Options{
		Self:     c.self,
		Local:    local,
		Factory:  c.deps.Connections,
		Send:     c.send,
		Dispatch: func(fn func()) { c.guarded(epoch, fn)() },
		OnRemoteAudio: func(id domain.MemberID, a core.RemoteAudio) {
			c.deps.Monitor.Attach(id, a)
		},
		OnPeerClosed: c.onPeerClosed,
	})

	handle, err := c.deps.Presence.Subscribe(ctx, core.SubscribeRequest{
		Channel:     room.ChannelName(),
		MemberID:    c.self,
		Credentials: c.credentials(room),
	}, func(ev core.PresenceEvent) {
		c.guarded(epoch, func() { c.onPresence(ev) })()
	})
	if err != nil {
		c.fail(err)
		return
	}
	c.handle = handle
	c.logger().Info().Str("channel", room.ChannelName()).Msg("subscribing")
}

// credentials returns the provider the presence channel calls once the
// transport knows its socket id. It runs off the loop.
func (c *Controller) credentials(room domain.RoomIdentity) core.CredentialProvider {
	auth, self := c.deps.Auth, c.self
	return func(ctx context.Context, socketID string) (*core.Credential, error) {
		if auth == nil {
			return nil, ErrNoAuthClient
		}
		return auth.Authorize(ctx, core.AuthRequest{
			SocketID:    socketID,
			ChannelName: room.ChannelName(),
			MemberID:    self,
			Pin:         room.Pin,
		})
	}
}

func (c *Controller) onJoinTimeout() {
	if c.state != StateStarting {
		return
	}
	c.fail(core.ErrJoinTimeout)
}

// transient handles a recoverable transport failure: rejoin after a
// backoff, up to MaxRetries consecutive times.
func (c *Controller) transient(err error) {
	if c.room == nil {
		return
	}
	if c.retry.Attempts >= c.cfg.MaxRetries {
		c.fail(fmt.Errorf("%w: %v", core.ErrConnectionFailedStable, err))
		return
	}

	room := *c.room
	c.retry.Attempts++
	c.cleanup()
	c.retry.Pending = true
	c.setState(StateOffline)
	telemetry.RetryScheduled()

	epoch := c.epoch
	c.retryTimer = time.AfterFunc(c.cfg.RetryBackoff, c.guarded(epoch, func() {
		c.join(room, false)
	}))
	c.logger().Warn().Err(err).
		Int("attempt", c.retry.Attempts).
		Dur("backoff", c.cfg.RetryBackoff).
		Msg("retry scheduled")
}

// fail ends the session with a surfaced error. No retry follows.
func (c *Controller) fail(err error) {
	se := core.Classify(err)
	c.cleanup()
	c.retry.Pending = false
	c.lastErr = se
	c.setState(StateOffline)
	telemetry.JoinFailed(se.Code)
	c.logger().Error().Err(err).Str("code", se.Code).Str("kind", string(se.Kind)).Msg("session failed")
}

// leave ends the session; err is surfaced when not nil.
func (c *Controller) leave(err error) {
	c.cleanup()
	c.retry = RetryState{}
	c.room = nil
	c.lastErr = nil
	if err != nil {
		c.lastErr = core.Classify(err)
	}
	c.setState(StateOffline)
}

// cleanup releases everything a join acquired. Calling it twice is the
// same as calling it once, apart from the epoch.
func (c *Controller) cleanup() {
	c.epoch++

	for _, t := range []**time.Timer{&c.joinTimer, &c.retryTimer, &c.settleTimer} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
	if c.joinCancel != nil {
		c.joinCancel()
		c.joinCancel = nil
	}
	if c.handle != nil {
		if err := c.handle.Unsubscribe(); err != nil {
			c.logger().Warn().Err(err).Msg("unsubscribe")
		}
		c.handle = nil
	}
	if c.pool != nil {
		c.pool.CloseAll()
		c.pool = nil
	}
	c.deps.Monitor.Reset()
	if c.local != nil {
		if err := c.local.Close(); err != nil {
			c.logger().Warn().Err(err).Msg("release microphone")
		}
		c.local = nil
	}
	c.members = nil
	c.leader = ""
	c.location = nil
	c.locations = make(map[domain.MemberID]core.Location)
	c.redials = make(map[domain.MemberID]int)
}

func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	c.logger().Info().Str("from", string(c.state)).Str("to", string(s)).Msg("state")
	c.state = s
	telemetry.SessionState(string(s))
}

func (c *Controller) setMuted(muted bool) {
	c.muted = muted
	if c.local != nil {
		c.local.SetEnabled(!muted)
	}
	c.deps.Monitor.SetTransmitting(c.transmitting())
	if c.state == StateConnected {
		c.signal(core.NewTalking(c.self, domain.BroadcastID, !muted))
	}
}

func (c *Controller) transmitting() bool {
	return !c.muted && c.local != nil
}

// signal sends a message of the session's own (not mesh negotiation).
func (c *Controller) signal(msg core.Message) {
	if err := c.send(msg); err != nil {
		telemetry.SignalDropped("out", string(msg.Type))
		return
	}
	telemetry.SignalSent(string(msg.Type))
}

// send publishes msg on the presence channel.
func (c *Controller) send(msg core.Message) error {
	if c.handle == nil {
		return core.ErrNotConnected
	}
	if err := c.handle.Send(msg); err != nil {
		c.logger().Warn().Err(err).Str("type", string(msg.Type)).Str("to", string(msg.To)).Msg("signal not sent")
		return err
	}
	return nil
}

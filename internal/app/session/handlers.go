package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/VoiceMesh/internal/app/mesh"
	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/dkeye/VoiceMesh/internal/telemetry"
)

var errNotMember = fmt.Errorf("%w: sender is not a member", mesh.ErrUnexpectedSignal)

func (c *Controller) onPresence(ev core.PresenceEvent) {
	switch ev.Kind {
	case core.EventSubscribed:
		c.onSubscribed(ev.Members)
	case core.EventMemberJoined:
		c.onMemberJoined(ev.Member)
	case core.EventMemberLeft:
		c.onMemberLeft(ev.Member)
	case core.EventSubscriptionFailed:
		err := ev.Err
		if err == nil {
			err = core.ErrSubscriptionRejected
		}
		c.fail(err)
	case core.EventMessage:
		c.onMessage(ev.Message)
	case core.EventTransportState:
		c.onTransport(ev.State, ev.Err)
	}
}

func (c *Controller) onSubscribed(snapshot []domain.MemberID) {
	if c.joinTimer != nil {
		c.joinTimer.Stop()
		c.joinTimer = nil
	}
	c.retry = RetryState{}
	c.setState(StateConnected)
	telemetry.JoinSucceeded()

	c.members = core.NewMembership(snapshot...)
	c.members.Add(c.self)
	for _, id := range c.members.Others(c.self) {
		c.connect(id)
	}
	c.elect()

	epoch := c.epoch
	if c.settleTimer != nil {
		c.settleTimer.Stop()
	}
	c.settleTimer = time.AfterFunc(c.cfg.LeaderSettle, c.guarded(epoch, func() {
		c.settleTimer = nil
		c.elect()
	}))
	c.logger().Info().Int("members", c.members.Len()).Str("leader", string(c.leader)).Msg("subscribed")
}

func (c *Controller) onMemberJoined(id domain.MemberID) {
	if c.members == nil || id == c.self {
		return
	}
	if !c.members.Add(id) {
		return
	}
	c.elect()
	c.connect(id)

	// catch the newcomer up on what everyone else already knows
	if c.transmitting() {
		c.signal(core.NewTalking(c.self, id, true))
	}
	if c.location != nil {
		c.signal(core.NewLocation(c.self, id, *c.location))
	}
	c.logger().Info().Str("peer", string(id)).Int("members", c.members.Len()).Msg("member joined")
}

func (c *Controller) onMemberLeft(id domain.MemberID) {
	if c.members == nil || id == c.self {
		return
	}
	c.members.Remove(id)
	delete(c.redials, id)
	c.elect()
	if c.pool != nil {
		c.pool.Remove(id)
	}
	c.forgetPeer(id)
	c.logger().Info().Str("peer", string(id)).Int("members", c.members.Len()).Msg("member left")
}

// onPeerClosed handles a connection that failed on its own. The offering
// side dials a member that is still present once more.
func (c *Controller) onPeerClosed(id domain.MemberID) {
	if !c.isMember(id) {
		c.forgetPeer(id)
		return
	}
	c.deps.Monitor.Detach(id)
	if !mesh.ShouldOffer(c.self, id) {
		return
	}
	if c.redials[id] >= maxRedials {
		c.logger().Warn().Str("peer", string(id)).Msg("peer link lost")
		return
	}
	c.redials[id]++
	c.logger().Info().Str("peer", string(id)).Int("redial", c.redials[id]).Msg("redialing peer")
	c.connect(id)
}

// forgetPeer drops the talk state and location of a peer whose connection
// is gone.
func (c *Controller) forgetPeer(id domain.MemberID) {
	c.deps.Monitor.Remove(id)
	delete(c.locations, id)
}

func (c *Controller) onTransport(state core.TransportState, err error) {
	// the presence channel reports these once, then the subscription is gone
	switch state {
	case core.TransportDisconnected, core.TransportUnavailable, core.TransportFailed:
		if c.state == StateStarting || c.state == StateConnected {
			c.transient(transportError(state, err))
		}
	default:
		c.logger().Debug().Str("transport", string(state)).Msg("transport state")
	}
}

func transportError(state core.TransportState, err error) error {
	if err != nil {
		return err
	}
	return errors.New("transport " + string(state))
}

func (c *Controller) connect(id domain.MemberID) {
	if c.pool == nil {
		return
	}
	if err := c.pool.Connect(id); err != nil {
		c.logger().Warn().Err(err).Str("peer", string(id)).Msg("connect")
	}
}

func (c *Controller) elect() {
	leader, _ := core.ElectLeader(c.members)
	if leader == c.leader {
		return
	}
	c.leader = leader
	c.logger().Info().Str("leader", string(leader)).Bool("is_leader", leader == c.self).Msg("leader elected")
}

// isMember reports whether id is in the current membership. Presence state
// from senders outside it is late traffic from members that already left.
func (c *Controller) isMember(id domain.MemberID) bool {
	return c.members != nil && c.members.Has(id)
}

func (c *Controller) onMessage(msg *core.Message) {
	if msg == nil || msg.From == "" || msg.From == c.self || !msg.AddressedTo(c.self) {
		return
	}
	telemetry.SignalReceived(string(msg.Type))
	l := c.logger().With().Str("peer", string(msg.From)).Str("type", string(msg.Type)).Logger()

	var err error
	switch msg.Type {
	case core.MsgOffer:
		if msg.SDP == nil || c.pool == nil {
			err = mesh.ErrUnexpectedSignal
			break
		}
		err = c.pool.HandleOffer(msg.From, *msg.SDP)
	case core.MsgAnswer:
		if msg.SDP == nil || c.pool == nil {
			err = mesh.ErrUnexpectedSignal
			break
		}
		err = c.pool.HandleAnswer(msg.From, *msg.SDP)
	case core.MsgCandidate:
		if msg.Candidate == nil || c.pool == nil {
			err = mesh.ErrUnexpectedSignal
			break
		}
		err = c.pool.HandleCandidate(msg.From, *msg.Candidate)
	case core.MsgTalking:
		if !c.isMember(msg.From) {
			err = errNotMember
			break
		}
		if msg.IsTalking == nil {
			err = mesh.ErrUnexpectedSignal
			break
		}
		c.deps.Monitor.SetTalking(msg.From, *msg.IsTalking)
	case core.MsgLocationUpdate:
		if !c.isMember(msg.From) {
			err = errNotMember
			break
		}
		if msg.Lat == nil || msg.Lng == nil {
			err = mesh.ErrUnexpectedSignal
			break
		}
		at := msg.At
		if at == 0 {
			at = time.Now().UnixMilli()
		}
		c.locations[msg.From] = core.Location{Lat: *msg.Lat, Lng: *msg.Lng, At: at}
	case core.MsgRoomDeleted:
		l.Warn().Str("by", string(msg.By)).Msg("room deleted by member")
		c.leave(core.ErrRoomDeleted)
		return
	default:
		l.Debug().Msg("unknown message type")
		return
	}
	if err != nil {
		telemetry.SignalDropped("in", string(msg.Type))
		l.Warn().Err(err).Msg("signal dropped")
	}
}

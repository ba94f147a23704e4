package session

import (
	"sync"

	"github.com/dkeye/VoiceMesh/internal/app/activity"
	"github.com/dkeye/VoiceMesh/internal/app/mesh"
	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
)

type State string

const (
	StateOffline   State = "OFFLINE"
	StateStarting  State = "STARTING"
	StateConnected State = "CONNECTED"
)

// RetryState tracks consecutive transient failures of one join.
type RetryState struct {
	Attempts int  `json:"attempts"`
	Pending  bool `json:"pending"`
}

type RoomStatus struct {
	Label   string         `json:"label"`
	Key     domain.RoomKey `json:"key"`
	Channel string         `json:"channel"`
	HasPin  bool           `json:"has_pin"`
}

type ErrorStatus struct {
	Code    string         `json:"code"`
	Kind    core.ErrorKind `json:"kind"`
	Message string         `json:"message"`
}

// Status is an immutable snapshot of a session.
type Status struct {
	State     State                             `json:"state"`
	Epoch     uint64                            `json:"epoch"`
	Room      *RoomStatus                       `json:"room,omitempty"`
	Member    domain.MemberID                   `json:"member"`
	Members   []domain.MemberID                 `json:"members"`
	Peers     []mesh.PeerInfo                   `json:"peers"`
	Leader    domain.MemberID                   `json:"leader,omitempty"`
	IsLeader  bool                              `json:"is_leader"`
	Muted     bool                              `json:"muted"`
	Talking   []domain.MemberID                 `json:"talking"`
	Activity  activity.Activity                 `json:"activity"`
	Location  *core.Location                    `json:"location,omitempty"`
	Locations map[domain.MemberID]core.Location `json:"locations"`
	Retry     RetryState                        `json:"retry"`
	Error     *ErrorStatus                      `json:"error,omitempty"`
}

// snapshot builds a Status from loop-owned state. Runs on the loop.
func (c *Controller) snapshot() Status {
	st := Status{
		State:     c.state,
		Epoch:     c.epoch,
		Member:    c.self,
		Members:   []domain.MemberID{},
		Peers:     []mesh.PeerInfo{},
		Leader:    c.leader,
		IsLeader:  c.leader != "" && c.leader == c.self,
		Muted:     c.muted,
		Talking:   c.deps.Monitor.Talking(),
		Activity:  c.deps.Monitor.Current(),
		Locations: make(map[domain.MemberID]core.Location, len(c.locations)),
		Retry:     c.retry,
	}
	if c.room != nil {
		st.Room = &RoomStatus{
			Label:   c.room.Label,
			Key:     c.room.Key,
			Channel: c.room.ChannelName(),
			HasPin:  c.room.HasPin(),
		}
	}
	if c.members != nil {
		st.Members = c.members.Sorted()
	}
	if c.pool != nil {
		st.Peers = c.pool.Peers()
	}
	if c.location != nil {
		loc := *c.location
		st.Location = &loc
	}
	for id, loc := range c.locations {
		st.Locations[id] = loc
	}
	if c.lastErr != nil {
		st.Error = &ErrorStatus{Code: c.lastErr.Code, Kind: c.lastErr.Kind, Message: c.lastErr.Error()}
	}
	return st
}

// publish stores the latest snapshot and hands it to every watcher.
func (c *Controller) publish() {
	st := c.snapshot()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = st
	c.broadcastLocked()
}

// onActivity runs on the monitor's goroutine; it only touches the
// published snapshot.
func (c *Controller) onActivity(a activity.Activity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Activity = a
	c.broadcastLocked()
}

func (c *Controller) broadcastLocked() {
	for _, ch := range c.watchers {
		offerLatest(ch, c.status)
	}
}

// offerLatest replaces whatever is buffered in ch with st.
func offerLatest(ch chan Status, st Status) {
	select {
	case ch <- st:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- st:
	default:
	}
}

// Status returns the latest snapshot.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Watch streams status snapshots. Slow readers only see the latest one.
// The channel is closed by the returned cancel func or by Close.
func (c *Controller) Watch() (<-chan Status, func()) {
	ch := make(chan Status, 1)

	c.mu.Lock()
	if c.watchers == nil {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := c.nextWatch
	c.nextWatch++
	c.watchers[id] = ch
	ch <- c.status
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if _, ok := c.watchers[id]; ok {
				delete(c.watchers, id)
				close(ch)
			}
		})
	}
}

func (c *Controller) closeWatchers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.watchers {
		delete(c.watchers, id)
		close(ch)
	}
	c.watchers = nil
}

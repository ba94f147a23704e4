// Package activity derives the "who is talking" signal from audio energy.
package activity

import (
	"sort"
	"sync"
	"time"

	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/dkeye/VoiceMesh/internal/telemetry"
	"github.com/rs/zerolog/log"
)

// LocalTalker marks the local member as the active talker.
const LocalTalker domain.MemberID = "me"

// Analyser reports the RMS level of an audio stream in [0, 1].
type Analyser interface {
	Level() float64
}

type Activity struct {
	Talker domain.MemberID `json:"talker,omitempty"`
	Level  int             `json:"level"`
}

// Monitor samples energy only while something can be heard: the local
// member transmits or at least one peer signaled talking.
type Monitor struct {
	mu       sync.Mutex
	interval time.Duration

	local        Analyser
	transmitting bool
	remotes      map[domain.MemberID]Analyser
	talking      map[domain.MemberID]struct{}

	current  Activity
	onChange func(Activity)
	stop     chan struct{}
}

func NewMonitor(interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	return &Monitor{
		interval: interval,
		remotes:  make(map[domain.MemberID]Analyser),
		talking:  make(map[domain.MemberID]struct{}),
	}
}

// OnChange sets a callback invoked outside the monitor lock whenever the
// active talker or its level changes.
func (m *Monitor) OnChange(fn func(Activity)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

func (m *Monitor) SetLocal(a Analyser) {
	m.mu.Lock()
	m.local = a
	m.mu.Unlock()
}

func (m *Monitor) SetTransmitting(on bool) {
	m.mu.Lock()
	m.transmitting = on
	notify := m.reconcileLocked()
	m.mu.Unlock()
	notify()
}

// Attach registers the analyser of a peer's inbound track.
func (m *Monitor) Attach(id domain.MemberID, a Analyser) {
	m.mu.Lock()
	m.remotes[id] = a
	m.mu.Unlock()
}

func (m *Monitor) SetTalking(id domain.MemberID, on bool) {
	m.mu.Lock()
	if on {
		m.talking[id] = struct{}{}
	} else {
		delete(m.talking, id)
	}
	notify := m.reconcileLocked()
	m.mu.Unlock()
	notify()
}

// Detach drops a peer's analyser but keeps its announced talk state.
func (m *Monitor) Detach(id domain.MemberID) {
	m.mu.Lock()
	delete(m.remotes, id)
	m.mu.Unlock()
}

// Remove forgets everything about a peer.
func (m *Monitor) Remove(id domain.MemberID) {
	m.mu.Lock()
	delete(m.remotes, id)
	delete(m.talking, id)
	notify := m.reconcileLocked()
	m.mu.Unlock()
	notify()
}

// Reset clears all talk state and stops sampling.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.local = nil
	m.transmitting = false
	m.remotes = make(map[domain.MemberID]Analyser)
	m.talking = make(map[domain.MemberID]struct{})
	notify := m.reconcileLocked()
	m.mu.Unlock()
	notify()
}

func (m *Monitor) Current() Activity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Monitor) Transmitting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transmitting
}

// Talking returns the peers that signaled talking, sorted.
func (m *Monitor) Talking() []domain.MemberID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.talkingLocked()
}

// Running reports whether the sampling loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stop != nil
}

func (m *Monitor) talkingLocked() []domain.MemberID {
	out := make([]domain.MemberID, 0, len(m.talking))
	for id := range m.talking {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// reconcileLocked starts or stops the loop and returns the notification to
// run once the lock is released.
func (m *Monitor) reconcileLocked() func() {
	n := len(m.talking)
	if m.transmitting {
		n++
	}
	telemetry.Talkers(n)

	active := n > 0
	switch {
	case active && m.stop == nil:
		m.stop = make(chan struct{})
		go m.run(m.stop)
		log.Debug().Str("module", "activity").Msg("monitor started")
	case !active && m.stop != nil:
		close(m.stop)
		m.stop = nil
		log.Debug().Str("module", "activity").Msg("monitor idle")
	}

	if active {
		return func() {}
	}
	return m.setLocked(Activity{})
}

func (m *Monitor) setLocked(a Activity) func() {
	if a == m.current {
		return func() {}
	}
	m.current = a
	fn := m.onChange
	if fn == nil {
		return func() {}
	}
	return func() { fn(a) }
}

func (m *Monitor) run(stop chan struct{}) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.tick(stop)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.tick(stop)
		}
	}
}

func (m *Monitor) tick(stop chan struct{}) {
	m.mu.Lock()
	if m.stop != stop {
		m.mu.Unlock()
		return
	}
	notify := m.setLocked(m.sampleLocked())
	m.mu.Unlock()
	notify()
}

// sampleLocked picks the active talker: the local member while
// transmitting, otherwise the loudest peer among those signaled talking.
func (m *Monitor) sampleLocked() Activity {
	if m.transmitting {
		var rms float64
		if m.local != nil {
			rms = m.local.Level()
		}
		return Activity{Talker: LocalTalker, Level: Scale(rms)}
	}

	var (
		best    domain.MemberID
		bestRMS = -1.0
	)
	for _, id := range m.talkingLocked() {
		var rms float64
		if a, ok := m.remotes[id]; ok {
			rms = a.Level()
		}
		if rms > bestRMS {
			best, bestRMS = id, rms
		}
	}
	if best == "" {
		return Activity{}
	}
	return Activity{Talker: best, Level: Scale(bestRMS)}
}

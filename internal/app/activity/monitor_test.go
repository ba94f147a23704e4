package activity

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedLevel struct{ v atomic.Value }

func newFixed(v float64) *fixedLevel {
	f := &fixedLevel{}
	f.v.Store(v)
	return f
}

func (f *fixedLevel) Level() float64 { return f.v.Load().(float64) }
func (f *fixedLevel) set(v float64) { f.v.Store(v) }

func TestMonitorIdle(t *testing.T) {
	m := NewMonitor(5 * time.Millisecond)
	m.Attach("b", newFixed(0.05))
	assert.False(t, m.Running())
	assert.Equal(t, Activity{}, m.Current())
}

func TestMonitorLocal(t *testing.T) {
	m := NewMonitor(5 * time.Millisecond)
	m.SetLocal(newFixed(0.03))
	m.SetTransmitting(true)
	require.True(t, m.Running())

	require.Eventually(t, func() bool {
		return m.Current() == Activity{Talker: LocalTalker, Level: 30}
	}, time.Second, 5*time.Millisecond)

	m.SetTransmitting(false)
	assert.False(t, m.Running())
	assert.Equal(t, Activity{}, m.Current())
}

func TestMonitorLoudestPeer(t *testing.T) {
	m := NewMonitor(5 * time.Millisecond)
	b, c := newFixed(0.02), newFixed(0.07)
	m.Attach("b", b)
	m.Attach("c", c)
	m.Attach("d", newFixed(0.09)) // not signaled talking

	m.SetTalking("b", true)
	m.SetTalking("c", true)
	assert.Equal(t, []domain.MemberID{"b", "c"}, m.Talking())

	require.Eventually(t, func() bool {
		return m.Current() == Activity{Talker: "c", Level: 70}
	}, time.Second, 5*time.Millisecond)

	b.set(0.08)
	require.Eventually(t, func() bool {
		return m.Current().Talker == "b"
	}, time.Second, 5*time.Millisecond)

	m.Remove("b")
	require.Eventually(t, func() bool {
		return m.Current().Talker == "c"
	}, time.Second, 5*time.Millisecond)

	m.SetTalking("c", false)
	assert.False(t, m.Running())
	assert.Empty(t, m.Talking())
}

func TestMonitorTieBreaksOnID(t *testing.T) {
	m := NewMonitor(time.Hour)
	m.SetTalking("z", true)
	m.SetTalking("k", true)

	m.mu.Lock()
	got := m.sampleLocked()
	m.mu.Unlock()
	assert.Equal(t, Activity{Talker: "k", Level: 0}, got)
	m.Reset()
}

func TestMonitorResetNotifies(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []Activity
	)
	m := NewMonitor(5 * time.Millisecond)
	m.OnChange(func(a Activity) {
		mu.Lock()
		seen = append(seen, a)
		mu.Unlock()
	})
	m.SetLocal(newFixed(0.01))
	m.SetTransmitting(true)
	require.Eventually(t, func() bool { return m.Current().Level == 10 }, time.Second, 5*time.Millisecond)

	m.Reset()
	assert.False(t, m.Running())
	assert.False(t, m.Transmitting())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Equal(t, Activity{}, seen[len(seen)-1])
}

func TestMonitorDetachKeepsTalkState(t *testing.T) {
	m := NewMonitor(5 * time.Millisecond)
	m.Attach("b", newFixed(0.04))
	m.SetTalking("b", true)
	require.Eventually(t, func() bool {
		return m.Current() == Activity{Talker: "b", Level: 40}
	}, time.Second, 5*time.Millisecond)

	m.Detach("b")
	assert.Equal(t, []domain.MemberID{"b"}, m.Talking())
	assert.True(t, m.Running())

	m.Attach("b", newFixed(0.06))
	require.Eventually(t, func() bool {
		return m.Current() == Activity{Talker: "b", Level: 60}
	}, time.Second, 5*time.Millisecond)
}

package rtc

import (
	"math"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
)

const (
	audioLevelURI = sdp.AudioLevelURI

	// levelHold is how long a reading stays valid without new packets.
	levelHold = 300 * time.Millisecond
)

// LevelMeter estimates the RMS of an inbound track from the RFC 6464
// audio-level header extension, which carries the level in -dBov.
type LevelMeter struct {
	id    string
	extID uint8

	mu   sync.Mutex
	rms  float64
	seen time.Time
	now  func() time.Time
}

func NewLevelMeter(id string, extID uint8) *LevelMeter {
	return &LevelMeter{id: id, extID: extID, now: time.Now}
}

func (m *LevelMeter) ID() string { return m.id }

// Observe records the level carried by pkt, if any.
func (m *LevelMeter) Observe(pkt *rtp.Packet) {
	if m.extID == 0 || pkt == nil {
		return
	}
	raw := pkt.GetExtension(m.extID)
	if raw == nil {
		return
	}
	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(raw); err != nil {
		return
	}
	m.mu.Lock()
	m.rms = DBovToRMS(ext.Level)
	m.seen = m.now()
	m.mu.Unlock()
}

// Level returns the latest RMS estimate, or 0 once the track went quiet.
func (m *LevelMeter) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen.IsZero() || m.now().Sub(m.seen) > levelHold {
		return 0
	}
	return m.rms
}

// DBovToRMS converts an audio level of -dBov (0 loudest, 127 silence).
func DBovToRMS(level uint8) float64 {
	if level >= 127 {
		return 0
	}
	return math.Pow(10, -float64(level)/20)
}

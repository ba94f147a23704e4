package audio

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/VoiceMesh/internal/adapters/rtc"
	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

// opusSilence is a 20ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const frameDuration = 20 * time.Millisecond

// SilenceSource stands in for a capture device: it keeps an Opus track
// alive with silence frames so negotiation and transport work headless.
type SilenceSource struct {
	acquired atomic.Int64
}

func (s *SilenceSource) Acquire(ctx context.Context) (core.LocalAudio, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	track, err := webrtc.NewTrackLocalStaticSample(rtc.OpusCapability, "audio", "meshvoice-"+uuid.NewString())
	if err != nil {
		return nil, err
	}
	s.acquired.Add(1)
	a := &silenceAudio{track: track, done: make(chan struct{})}
	go a.run()
	return a, nil
}

// Acquired counts successful acquisitions.
func (s *SilenceSource) Acquired() int64 { return s.acquired.Load() }

type silenceAudio struct {
	track   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
	done    chan struct{}
	once    sync.Once
}

func (a *silenceAudio) run() {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
			if err := a.track.WriteSample(media.Sample{Data: opusSilence, Duration: frameDuration}); err != nil {
				log.Debug().Err(err).Str("module", "audio").Msg("silence write")
			}
		}
	}
}

func (a *silenceAudio) Track() webrtc.TrackLocal { return a.track }

func (a *silenceAudio) SetEnabled(enabled bool) { a.enabled.Store(enabled) }

func (a *silenceAudio) Enabled() bool { return a.enabled.Load() }

func (a *silenceAudio) Level() float64 { return 0 }

func (a *silenceAudio) Close() error {
	a.once.Do(func() { close(a.done) })
	return nil
}

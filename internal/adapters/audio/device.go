//go:build mediadevices

package audio

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/VoiceMesh/internal/app/activity"
	"github.com/dkeye/VoiceMesh/internal/config"
	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// DeviceSource captures the default microphone and encodes it with Opus.
type DeviceSource struct {
	selector   *mediadevices.CodecSelector
	sampleRate int
	window     int
}

func newDeviceSource(cfg config.Audio, window int) (core.MediaSource, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	return &DeviceSource{
		selector:   mediadevices.NewCodecSelector(mediadevices.WithAudioEncoders(&opusParams)),
		sampleRate: cfg.SampleRate,
		window:     window,
	}, nil
}

func (s *DeviceSource) Acquire(ctx context.Context) (core.LocalAudio, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a := &deviceAudio{window: activity.NewWindow(s.window)}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			if s.sampleRate > 0 {
				c.SampleRate = prop.Int(s.sampleRate)
			}
			c.AudioTransform = a.gate
		},
		Codec: s.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrPermissionDenied, err)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: no audio track", core.ErrPermissionDenied)
	}
	a.track = tracks[0]
	a.track.OnEnded(func(err error) {
		log.Warn().Err(err).Str("module", "audio").Str("track_id", a.track.ID()).Msg("capture ended")
	})
	return a, nil
}

type deviceAudio struct {
	track   mediadevices.Track
	window  *activity.Window
	enabled atomic.Bool
	once    sync.Once
}

// gate measures energy while enabled and replaces captured audio with
// silence while disabled.
func (a *deviceAudio) gate(r audio.Reader) audio.Reader {
	return audio.ReaderFunc(func() (wave.Audio, func(), error) {
		chunk, release, err := r.Read()
		if err != nil {
			return nil, func() {}, err
		}
		enabled := a.enabled.Load()
		switch c := chunk.(type) {
		case *wave.Int16Interleaved:
			if enabled {
				a.window.WriteInt16(c.Data)
			} else {
				clear(c.Data)
			}
		case *wave.Float32Interleaved:
			if enabled {
				a.window.WriteFloat32(c.Data)
			} else {
				clear(c.Data)
			}
		}
		return chunk, release, nil
	})
}

func (a *deviceAudio) Track() webrtc.TrackLocal { return a.track }

func (a *deviceAudio) SetEnabled(enabled bool) {
	a.enabled.Store(enabled)
	if !enabled {
		a.window.Reset()
	}
}

func (a *deviceAudio) Enabled() bool { return a.enabled.Load() }

func (a *deviceAudio) Level() float64 { return a.window.Level() }

func (a *deviceAudio) Close() error {
	var err error
	a.once.Do(func() { err = a.track.Close() })
	return err
}

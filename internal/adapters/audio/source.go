// Package audio provides microphone sources for the session.
package audio

import (
	"fmt"

	"github.com/dkeye/VoiceMesh/internal/config"
	"github.com/dkeye/VoiceMesh/internal/core"
)

// NewSource picks the configured microphone source.
func NewSource(cfg config.Audio, window int) (core.MediaSource, error) {
	switch cfg.Source {
	case config.AudioSilence:
		return &SilenceSource{}, nil
	case config.AudioDevice:
		return newDeviceSource(cfg, window)
	}
	return nil, fmt.Errorf("unknown audio source %q", cfg.Source)
}

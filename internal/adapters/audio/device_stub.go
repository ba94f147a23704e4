//go:build !mediadevices

package audio

import (
	"errors"

	"github.com/dkeye/VoiceMesh/internal/config"
	"github.com/dkeye/VoiceMesh/internal/core"
)

var ErrNoDeviceSupport = errors.New("built without capture device support (build tag mediadevices)")

func newDeviceSource(config.Audio, int) (core.MediaSource, error) {
	return nil, ErrNoDeviceSupport
}

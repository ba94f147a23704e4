package rtc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog/log"
)

var ErrUnsupportedCodec = errors.New("playback codec not supported")

// Playback opens a sink for every inbound audio track. The connection
// closes the sink when the track ends.
type Playback interface {
	Open(peer domain.MemberID, codec webrtc.RTPCodecParameters) (PlaybackSink, error)
}

type PlaybackSink interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

type DiscardPlayback struct{}

func (DiscardPlayback) Open(domain.MemberID, webrtc.RTPCodecParameters) (PlaybackSink, error) {
	return discardSink{}, nil
}

type discardSink struct{}

func (discardSink) WriteRTP(*rtp.Packet) error { return nil }
func (discardSink) Close() error               { return nil }

// OggRecorder writes each remote Opus track to its own Ogg file under Dir.
type OggRecorder struct {
	Dir string
	now func() time.Time

	mu    sync.Mutex
	sinks map[*oggSink]struct{}
}

func NewOggRecorder(dir string) (*OggRecorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record dir: %w", err)
	}
	return &OggRecorder{Dir: dir, now: time.Now, sinks: make(map[*oggSink]struct{})}, nil
}

func (r *OggRecorder) Open(peer domain.MemberID, codec webrtc.RTPCodecParameters) (PlaybackSink, error) {
	if !strings.EqualFold(codec.MimeType, webrtc.MimeTypeOpus) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, codec.MimeType)
	}
	rate, channels := codec.ClockRate, codec.Channels
	if rate == 0 {
		rate = 48000
	}
	if channels == 0 {
		channels = 2
	}

	path := filepath.Join(r.Dir, fmt.Sprintf("%s-%d.ogg", fileSafe(string(peer)), r.now().UnixMilli()))
	w, err := oggwriter.New(path, rate, channels)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	s := &oggSink{w: w, path: path, rec: r}

	r.mu.Lock()
	r.sinks[s] = struct{}{}
	r.mu.Unlock()
	log.Info().Str("module", "webrtc").Str("peer", string(peer)).Str("file", path).Msg("recording remote audio")
	return s, nil
}

// Close finalizes every file that is still open.
func (r *OggRecorder) Close() error {
	r.mu.Lock()
	open := make([]*oggSink, 0, len(r.sinks))
	for s := range r.sinks {
		open = append(open, s)
	}
	r.mu.Unlock()

	var errs []error
	for _, s := range open {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

type oggSink struct {
	path string
	rec  *OggRecorder

	mu     sync.Mutex
	w      *oggwriter.OggWriter
	closed bool
}

func (s *oggSink) WriteRTP(pkt *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.w.WriteRTP(pkt)
}

func (s *oggSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	err := s.w.Close()
	s.mu.Unlock()

	s.rec.mu.Lock()
	delete(s.rec.sinks, s)
	s.rec.mu.Unlock()
	return err
}

func fileSafe(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/meshcall/internal/session"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
)

// Profile is a capture resolution to try.
type Profile struct {
	Name      string
	Width     int
	Height    int
	FrameRate int
}

var (
	Primary  = Profile{Name: "1080p", Width: 1920, Height: 1080, FrameRate: 30}
	Fallback = Profile{Name: "720p", Width: 1280, Height: 720, FrameRate: 30}
)

var errNoProfiles = errors.New("no capture profile configured")

// Opus frame carrying 20ms of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const audioFrame = 20 * time.Millisecond

type Options struct {
	Profiles []Profile
	// Probe reports whether the capture device supports a profile. Nil accepts all.
	Probe  func(Profile) error
	Logger zerolog.Logger
}

// Source acquires local audio and video, trying each profile in order.
type Source struct {
	profiles []Profile
	probe    func(Profile) error
	log      zerolog.Logger
}

func NewSource(opts Options) *Source {
	if opts.Profiles == nil {
		opts.Profiles = []Profile{Primary, Fallback}
	}
	return &Source{
		profiles: opts.Profiles,
		probe:    opts.Probe,
		log:      opts.Logger,
	}
}

// Acquire implements session.MediaSource.
func (s *Source) Acquire(ctx context.Context) (session.LocalStream, error) {
	lastErr := errNoProfiles
	for _, p := range s.profiles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.probe != nil {
			if err := s.probe(p); err != nil {
				s.log.Warn().Err(err).Str("profile", p.Name).Msg("Capture profile unavailable")
				lastErr = err
				continue
			}
		}

		stream, err := newStream(p)
		if err != nil {
			lastErr = err
			continue
		}
		s.log.Info().Str("profile", p.Name).Msg("Local media acquired")
		return stream, nil
	}
	return nil, fmt.Errorf("%w: %v", session.ErrMediaUnavailable, lastErr)
}

// Stream is captured local media. The audio track carries silence.
type Stream struct {
	ID      string
	Profile Profile

	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample

	stop     chan struct{}
	stopOnce sync.Once
}

func newStream(p Profile) (*Stream, error) {
	id := uuid.NewString()

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", id,
	)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video", id,
	)
	if err != nil {
		return nil, fmt.Errorf("create video track: %w", err)
	}

	st := &Stream{
		ID:      id,
		Profile: p,
		audio:   audio,
		video:   video,
		stop:    make(chan struct{}),
	}
	go st.pumpSilence()
	return st, nil
}

// Tracks returns the tracks to send to peers.
func (st *Stream) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{st.audio, st.video}
}

// Stop implements session.LocalStream.
func (st *Stream) Stop() {
	st.stopOnce.Do(func() { close(st.stop) })
}

func (st *Stream) pumpSilence() {
	ticker := time.NewTicker(audioFrame)
	defer ticker.Stop()
	for {
		select {
		case <-st.stop:
			return
		case <-ticker.C:
			// Unbound tracks drop samples.
			st.audio.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: audioFrame})
		}
	}
}

package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Acquisition errors. Anything else from the capture layer is wrapped as a
// generic device error.
var (
	ErrPermissionDenied = errors.New("camera/microphone permission denied")
	ErrDeviceNotFound   = errors.New("no camera or microphone found")
)

// Stream is the local capture: the tracks to attach to a peer connection
// plus the codec registration those tracks require.
type Stream struct {
	tracks   []webrtc.TrackLocal
	register func(*webrtc.MediaEngine) error
	stop     func()
}

// Tracks returns the local tracks in acquisition order.
func (s *Stream) Tracks() []webrtc.TrackLocal {
	return s.tracks
}

// RegisterCodecs registers the codecs the capture pipeline encodes with.
func (s *Stream) RegisterCodecs(engine *webrtc.MediaEngine) error {
	if s.register == nil {
		return engine.RegisterDefaultCodecs()
	}
	return s.register(engine)
}

// Close stops all capture tracks.
func (s *Stream) Close() {
	if s.stop != nil {
		s.stop()
	}
}

// setEnabled gates delivery for every track of the given kind.
func (s *Stream) setEnabled(kind webrtc.RTPCodecType, on bool) {
	for _, t := range s.tracks {
		if g, ok := t.(*gatedTrack); ok && g.Kind() == kind {
			g.setEnabled(on)
		}
	}
}

// captureFunc is swapped out in tests.
var captureFunc = capture

// Gateway owns the local capture device for one call session. The device is
// exclusive to the session and released exactly once.
type Gateway struct {
	log zerolog.Logger

	mu       sync.Mutex
	stream   *Stream
	audioOn  bool
	videoOn  bool
	released bool
}

// NewGateway creates a gateway with both kinds enabled.
func NewGateway(log zerolog.Logger) *Gateway {
	return &Gateway{
		log:     log.With().Str("component", "media").Logger(),
		audioOn: true,
		videoOn: true,
	}
}

// Acquire opens the camera and microphone. Called once per session; a second
// call returns the existing stream.
func (g *Gateway) Acquire(ctx context.Context) (*Stream, error) {
	g.mu.Lock()
	if g.stream != nil {
		s := g.stream
		g.mu.Unlock()
		return s, nil
	}
	g.mu.Unlock()

	stream, err := captureFunc(ctx, g.log)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		stream.Close()
		return nil, ErrDeviceNotFound
	}
	g.stream = stream
	g.mu.Unlock()

	g.log.Info().Int("tracks", len(stream.Tracks())).Msg("local media acquired")
	return stream, nil
}

// SetAudioEnabled toggles the microphone without renegotiation and returns
// the resulting state. While disabled the audio tracks drop every outgoing
// packet. No-op returning false before acquisition.
func (g *Gateway) SetAudioEnabled(on bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stream == nil {
		return false
	}
	g.audioOn = on
	g.stream.setEnabled(webrtc.RTPCodecTypeAudio, on)
	g.log.Debug().Bool("enabled", on).Msg("audio toggled")
	return g.audioOn
}

// SetVideoEnabled toggles the camera without renegotiation and returns the
// resulting state. While disabled the video tracks drop every outgoing
// packet. No-op returning false before acquisition.
func (g *Gateway) SetVideoEnabled(on bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stream == nil {
		return false
	}
	g.videoOn = on
	g.stream.setEnabled(webrtc.RTPCodecTypeVideo, on)
	g.log.Debug().Bool("enabled", on).Msg("video toggled")
	return g.videoOn
}

// AudioEnabled reports the microphone flag.
func (g *Gateway) AudioEnabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stream != nil && g.audioOn
}

// VideoEnabled reports the camera flag.
func (g *Gateway) VideoEnabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stream != nil && g.videoOn
}

// Release stops all tracks and releases the capture device. Idempotent.
func (g *Gateway) Release() {
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		return
	}
	g.released = true
	stream := g.stream
	g.stream = nil
	g.mu.Unlock()

	if stream != nil {
		stream.Close()
		g.log.Info().Msg("local media released")
	}
}

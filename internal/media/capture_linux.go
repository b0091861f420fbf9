//go:build linux && cgo

package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// capture opens the camera and microphone via pion/mediadevices (V4L2 +
// malgo) and encodes VP8 + Opus.
func capture(ctx context.Context, log zerolog.Logger) (*Stream, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, classifyCaptureErr(err)
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, classifyCaptureErr(err)
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	if len(mediadevices.EnumerateDevices()) == 0 {
		return nil, ErrDeviceNotFound
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: codecSelector,
		Video: func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only: MJPEG camera nodes can emit malformed
			// frames that poison the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Ideal: 1280}
			c.Height = prop.IntRanged{Ideal: 720}
		},
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, classifyCaptureErr(err)
	}

	tracks := stream.GetTracks()
	locals := make([]webrtc.TrackLocal, 0, len(tracks))
	for _, track := range tracks {
		track.OnEnded(func(err error) {
			if err != nil {
				log.Warn().Err(err).Msg("local track ended")
			}
		})
		locals = append(locals, newGatedTrack(track))
	}

	return &Stream{
		tracks: locals,
		register: func(engine *webrtc.MediaEngine) error {
			codecSelector.Populate(engine)
			return nil
		},
		stop: func() {
			for _, t := range tracks {
				t.Close()
			}
		},
	}, nil
}

func classifyCaptureErr(err error) error {
	switch {
	case errors.Is(err, os.ErrPermission) ||
		strings.Contains(strings.ToLower(err.Error()), "permission denied"):
		return ErrPermissionDenied
	case strings.Contains(strings.ToLower(err.Error()), "failed to find") ||
		strings.Contains(strings.ToLower(err.Error()), "no such device"):
		return ErrDeviceNotFound
	default:
		return fmt.Errorf("media device error: %w", err)
	}
}

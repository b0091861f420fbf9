package media

import (
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// gatedTrack wraps a capture track so mute stops media at the source. While
// disabled, every bound writer drops outgoing packets; the track stays
// attached and negotiated, so re-enabling needs no renegotiation.
type gatedTrack struct {
	inner   webrtc.TrackLocal
	enabled atomic.Bool
}

func newGatedTrack(inner webrtc.TrackLocal) *gatedTrack {
	t := &gatedTrack{inner: inner}
	t.enabled.Store(true)
	return t
}

func (t *gatedTrack) setEnabled(on bool) {
	t.enabled.Store(on)
}

func (t *gatedTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return t.inner.Bind(&gatedContext{TrackLocalContext: ctx, track: t})
}

func (t *gatedTrack) Unbind(ctx webrtc.TrackLocalContext) error {
	return t.inner.Unbind(ctx)
}

func (t *gatedTrack) ID() string                { return t.inner.ID() }
func (t *gatedTrack) RID() string               { return t.inner.RID() }
func (t *gatedTrack) StreamID() string          { return t.inner.StreamID() }
func (t *gatedTrack) Kind() webrtc.RTPCodecType { return t.inner.Kind() }

// gatedContext hands the capture pipeline a write stream that honors the
// gate. Everything else passes through to the binding context.
type gatedContext struct {
	webrtc.TrackLocalContext
	track *gatedTrack
}

func (c *gatedContext) WriteStream() webrtc.TrackLocalWriter {
	return &gatedWriter{inner: c.TrackLocalContext.WriteStream(), track: c.track}
}

type gatedWriter struct {
	inner webrtc.TrackLocalWriter
	track *gatedTrack
}

func (w *gatedWriter) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	if !w.track.enabled.Load() {
		return len(payload), nil
	}
	return w.inner.WriteRTP(header, payload)
}

func (w *gatedWriter) Write(b []byte) (int, error) {
	if !w.track.enabled.Load() {
		return len(b), nil
	}
	return w.inner.Write(b)
}

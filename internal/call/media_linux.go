//go:build linux

package call

import (
	"context"
	"errors"
	"log"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DeviceSource captures the local camera and microphone through
// pion/mediadevices (V4L2 + malgo) and encodes VP8 + Opus.
type DeviceSource struct {
	cfg      DeviceConfig
	selector *mediadevices.CodecSelector
}

// NewDeviceSource builds the codec selector shared by RegisterCodecs and
// Acquire; both sides must agree on payload types.
func NewDeviceSource(cfg DeviceConfig) (*DeviceSource, error) {
	cfg = cfg.withDefaults()

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, &MediaError{Err: err}
	}
	vpxParams.BitRate = cfg.Bitrate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, &MediaError{Err: err}
	}

	return &DeviceSource{
		cfg: cfg,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (d *DeviceSource) RegisterCodecs(m *webrtc.MediaEngine) error {
	d.selector.Populate(m)
	return nil
}

// Acquire opens the microphone, plus the camera when video is set. A single
// attempt is made: a call that asked for video fails rather than silently
// degrading to audio.
func (d *DeviceSource) Acquire(ctx context.Context, video bool) (LocalStream, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	}
	if video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only. Some cameras expose an MJPEG node producing
			// malformed frames that poison the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: d.cfg.MaxWidth}
			c.Height = prop.IntRanged{Max: d.cfg.MaxHeight}
		}
	}

	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := mediadevices.GetUserMedia(constraints)
		ch <- result{s, err}
	}()

	select {
	case <-ctx.Done():
		// Release whatever the capture goroutine eventually opens.
		go func() {
			if r := <-ch; r.err == nil {
				closeTracks(r.stream.GetTracks())
			}
		}()
		return nil, &MediaError{Err: ctx.Err()}
	case r := <-ch:
		if r.err != nil {
			if len(mediadevices.EnumerateDevices()) == 0 {
				return nil, &MediaError{Err: errors.New("no media devices found")}
			}
			return nil, &MediaError{Err: r.err}
		}
		tracks := r.stream.GetTracks()
		for _, t := range tracks {
			id := t.ID()
			t.OnEnded(func(err error) {
				if err != nil {
					log.Printf("CALL: local track %s ended: %v", id, err)
				}
			})
		}
		return &deviceStream{tracks: tracks}, nil
	}
}

type deviceStream struct {
	tracks []mediadevices.Track
}

func (s *deviceStream) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *deviceStream) Stop() { closeTracks(s.tracks) }

func closeTracks(tracks []mediadevices.Track) {
	for _, t := range tracks {
		_ = t.Close()
	}
}

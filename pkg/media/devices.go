package media

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	webrtc "github.com/pion/webrtc/v3"

	"github.com/Sharif2023/StudyNest-sub000/pkg/session"
)

// DeviceCapturer acquires microphone, camera and screen tracks through the
// platform capture drivers. Driver registration is a blank import in the
// binary; this package only selects codecs and shapes constraints.
type DeviceCapturer struct {
	codec *mediadevices.CodecSelector
}

func NewDeviceCapturer() (*DeviceCapturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &DeviceCapturer{
		codec: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// PopulateEngine registers the selected encoders on a media engine so the
// negotiated codecs match what the capture pipeline can actually produce.
func (d *DeviceCapturer) PopulateEngine(engine *webrtc.MediaEngine) {
	d.codec.Populate(engine)
}

func (d *DeviceCapturer) Microphone(ctx context.Context) (session.CaptureTrack, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {},
		Codec: d.codec,
	})
	if err != nil {
		return nil, fmt.Errorf("microphone capture: %w", err)
	}
	return firstTrack(ctx, stream.GetAudioTracks())
}

func (d *DeviceCapturer) Camera(ctx context.Context) (session.CaptureTrack, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.Int(640)
			c.Height = prop.Int(480)
		},
		Codec: d.codec,
	})
	if err != nil {
		return nil, fmt.Errorf("camera capture: %w", err)
	}
	return firstTrack(ctx, stream.GetVideoTracks())
}

// Screen acquires a display capture. A context cancelled while the platform
// picker is up maps to the non-error cancelled outcome.
func (d *DeviceCapturer) Screen(ctx context.Context) (session.CaptureTrack, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {},
		Codec: d.codec,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, session.ErrShareCancelled
		}
		return nil, fmt.Errorf("screen capture: %w", err)
	}
	track, err := firstTrack(ctx, stream.GetVideoTracks())
	if err != nil {
		if ctx.Err() != nil {
			return nil, session.ErrShareCancelled
		}
		return nil, err
	}
	return track, nil
}

func firstTrack(ctx context.Context, tracks []mediadevices.Track) (session.CaptureTrack, error) {
	if len(tracks) == 0 {
		return nil, session.ErrDeviceUnavailable
	}
	track := tracks[0]
	if err := ctx.Err(); err != nil {
		track.Close()
		return nil, err
	}
	return track, nil
}

//go:build linux

package call

import (
	"context"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

const (
	defaultVideoBitRate = 1_500_000
	defaultMaxWidth     = 640
	defaultMaxHeight    = 480
)

// DeviceSource captures camera and microphone through pion/mediadevices
// (V4L2 + malgo on Linux), encoding VP8 and Opus.
type DeviceSource struct {
	log logging.LeveledLogger

	mu    sync.RWMutex
	prefs CapturePrefs
}

// NewDeviceSource returns a source using prefs. lf may be nil.
func NewDeviceSource(prefs CapturePrefs, lf logging.LoggerFactory) (*DeviceSource, error) {
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	s := &DeviceSource{log: lf.NewLogger("media")}
	s.SetPrefs(prefs)
	if _, err := s.codecSelector(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetPrefs replaces the capture preferences used by later acquisitions.
func (s *DeviceSource) SetPrefs(p CapturePrefs) {
	if p.MaxWidth <= 0 {
		p.MaxWidth = defaultMaxWidth
	}
	if p.MaxHeight <= 0 {
		p.MaxHeight = defaultMaxHeight
	}
	if p.VideoBitRateBps <= 0 {
		p.VideoBitRateBps = defaultVideoBitRate
	}
	s.mu.Lock()
	s.prefs = p
	s.mu.Unlock()
}

func (s *DeviceSource) currentPrefs() CapturePrefs {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prefs
}

func (s *DeviceSource) codecSelector() (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = s.currentPrefs().VideoBitRateBps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

// RegisterCodecs registers the encoders this source produces so the peer's
// media engine negotiates the same payload types.
func (s *DeviceSource) RegisterCodecs(me *webrtc.MediaEngine) error {
	sel, err := s.codecSelector()
	if err != nil {
		return err
	}
	sel.Populate(me)
	return nil
}

// Acquire opens the requested devices. GetUserMedia fails as a unit when
// either track can't be opened, so video+audio falls back to video-only and
// then audio-only.
func (s *DeviceSource) Acquire(ctx context.Context, c Constraints) (*LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sel, err := s.codecSelector()
	if err != nil {
		return nil, err
	}
	prefs := s.currentPrefs()

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		s.log.Warn("no media devices found by pion/mediadevices")
		return nil, ErrNoDevices
	}
	for _, d := range devices {
		s.log.Debugf("media device kind=%v label=%q", d.Kind, d.Label)
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	var attempts []attempt
	switch {
	case c.Video && c.Audio:
		attempts = []attempt{{true, true, "video+audio"}, {true, false, "video-only"}, {false, true, "audio-only"}}
	case c.Video:
		attempts = []attempt{{true, false, "video-only"}}
	case c.Audio:
		attempts = []attempt{{false, true, "audio-only"}}
	}

	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: sel}
		if a.video {
			constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
				// Raw formats only: some cameras expose an MJPEG node whose
				// malformed frames poison the VP8 encoder.
				mc.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				mc.Width = prop.IntRanged{Max: prefs.MaxWidth}
				mc.Height = prop.IntRanged{Max: prefs.MaxHeight}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			s.log.Warnf("GetUserMedia (%s) failed: %v", a.label, err)
			continue
		}

		tracks := stream.GetTracks()
		if brokenVideo(tracks) {
			s.log.Warnf("video encoder broken, skipping attempt (%s)", a.label)
			closeAll(tracks)
			continue
		}
		if err := ctx.Err(); err != nil {
			closeAll(tracks)
			return nil, err
		}

		local := make([]LocalTrack, 0, len(tracks))
		for _, t := range tracks {
			local = append(local, t)
		}
		s.log.Infof("local media captured (%s), %d tracks", a.label, len(local))
		return NewLocalMedia(local...), nil
	}

	s.log.Warn("all media capture attempts failed")
	return nil, ErrNoDevices
}

// brokenVideo probes each video track for a working VP8 encoder.
func brokenVideo(tracks []mediadevices.Track) bool {
	for _, t := range tracks {
		if t.Kind() != webrtc.RTPCodecTypeVideo {
			continue
		}
		r, err := t.NewEncodedReader(webrtc.MimeTypeVP8)
		if err != nil {
			return true
		}
		_ = r.Close()
	}
	return false
}

func closeAll(tracks []mediadevices.Track) {
	for _, t := range tracks {
		_ = t.Close()
	}
}

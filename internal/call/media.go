package call

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// ErrNoDevices is returned when no capture device could be opened.
var ErrNoDevices = errors.New("call: no media devices available")

// Constraints selects which kinds of local media to capture.
type Constraints struct {
	Audio bool
	Video bool
}

// CapturePrefs tunes device capture. Zero values mean driver defaults.
type CapturePrefs struct {
	MaxWidth        int
	MaxHeight       int
	VideoBitRateBps int
}

// MediaSource acquires local camera/microphone media. Acquire may block for
// as long as the platform needs (permission prompts, device warm-up).
type MediaSource interface {
	Acquire(ctx context.Context, c Constraints) (*LocalMedia, error)
}

// LocalTrack is one captured track. mediadevices.Track satisfies it.
type LocalTrack interface {
	webrtc.TrackLocal
	OnEnded(func(error))
	Close() error
}

// LocalMedia is the set of tracks owned by one call. Close releases the
// devices and is safe to call more than once.
type LocalMedia struct {
	tracks []LocalTrack
	once   sync.Once
}

// NewLocalMedia wraps tracks. With no tracks it represents receive-only media.
func NewLocalMedia(tracks ...LocalTrack) *LocalMedia {
	return &LocalMedia{tracks: tracks}
}

func (m *LocalMedia) Tracks() []LocalTrack {
	if m == nil {
		return nil
	}
	return append([]LocalTrack(nil), m.tracks...)
}

func (m *LocalMedia) Close() {
	if m == nil {
		return
	}
	m.once.Do(func() {
		for _, t := range m.tracks {
			_ = t.Close()
		}
	})
}

// ReceiveOnly wraps a MediaSource so that acquisition failures yield empty
// media instead of aborting the call.
func ReceiveOnly(src MediaSource) MediaSource {
	return receiveOnly{src}
}

type receiveOnly struct{ MediaSource }

func (r receiveOnly) Acquire(ctx context.Context, c Constraints) (*LocalMedia, error) {
	m, err := r.MediaSource.Acquire(ctx, c)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return NewLocalMedia(), nil
	}
	return m, nil
}

//go:build !linux

package call

import (
	"context"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// DeviceSource has no capture drivers outside Linux; Acquire always
// returns ErrNoDevices. Combine with ReceiveOnly to still join calls.
type DeviceSource struct {
	log logging.LeveledLogger
}

func NewDeviceSource(_ CapturePrefs, lf logging.LoggerFactory) (*DeviceSource, error) {
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	return &DeviceSource{log: lf.NewLogger("media")}, nil
}

func (s *DeviceSource) SetPrefs(CapturePrefs) {}

func (s *DeviceSource) RegisterCodecs(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (s *DeviceSource) Acquire(ctx context.Context, _ Constraints) (*LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.log.Info("no capture drivers on this platform")
	return nil, ErrNoDevices
}

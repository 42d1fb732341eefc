//go:build !linux

package call

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

// DeviceSource has no capture drivers outside Linux; every Acquire fails,
// which aborts the call attempt.
type DeviceSource struct{}

func NewDeviceSource(DeviceConfig) (*DeviceSource, error) { return &DeviceSource{}, nil }

func (*DeviceSource) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (*DeviceSource) Acquire(context.Context, bool) (LocalStream, error) {
	return nil, &MediaError{Err: errors.New("local capture is not supported on this platform")}
}

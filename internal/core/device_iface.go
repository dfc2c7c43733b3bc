package core

import (
	"context"

	"github.com/dkeye/rtcall/internal/domain"
)

// DeviceSource lists the devices currently attached to the host.
type DeviceSource interface {
	Devices() ([]domain.DeviceDescriptor, error)
}

// Capturer opens a local track on one device. Implementations translate
// platform failures into permission-denied, device-not-found or device-in-use.
type Capturer interface {
	Capture(ctx context.Context, device domain.DeviceDescriptor) (LocalTrack, error)
}

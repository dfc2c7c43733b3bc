package call

import (
	"context"
	"time"

	"github.com/dkeye/rtcall/internal/app/quality"
	"github.com/dkeye/rtcall/internal/core"
	"github.com/dkeye/rtcall/internal/domain"
)

// DeviceResolver turns a device selection into a concrete device.
type DeviceResolver interface {
	Resolve(kind domain.DeviceKind, id string) (domain.DeviceDescriptor, error)
}

// MediaSource captures local tracks under a per-call lease.
type MediaSource interface {
	Acquire(ctx context.Context, owner domain.CallID, dev domain.DeviceDescriptor) (core.LocalTrack, error)
	Release(owner domain.CallID)
}

// Deps are the collaborators a session orchestrates.
type Deps struct {
	Signal  core.SignalChannel
	Peers   core.PeerConnectionFactory
	Devices DeviceResolver
	Media   MediaSource
}

type Options struct {
	QualityInterval time.Duration
	// RenegotiationBackoff is the base delay before a yielded renegotiation
	// is retried; the actual delay is jittered up to twice this value.
	RenegotiationBackoff time.Duration
	SendTimeout          time.Duration
	Devices              domain.DeviceSelection
	Observers            []Observer
}

const (
	DefaultRenegotiationBackoff = 200 * time.Millisecond
	DefaultSendTimeout          = 5 * time.Second
)

func (o Options) withDefaults() Options {
	if o.QualityInterval <= 0 {
		o.QualityInterval = quality.DefaultInterval
	}
	if o.RenegotiationBackoff <= 0 {
		o.RenegotiationBackoff = DefaultRenegotiationBackoff
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	return o
}

package devices

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/rtcall/internal/core"
	"github.com/dkeye/rtcall/internal/domain"
	"github.com/rs/zerolog/log"
)

// Capture hands out local tracks under an exclusive lease: while one call
// owns the devices, every other owner gets device-in-use.
type Capture struct {
	capturer core.Capturer

	mu    sync.Mutex
	owner domain.CallID
	refs  int
}

func NewCapture(c core.Capturer) *Capture {
	return &Capture{capturer: c}
}

func (c *Capture) Acquire(ctx context.Context, owner domain.CallID, dev domain.DeviceDescriptor) (core.LocalTrack, error) {
	if !dev.Kind.Capturable() {
		return nil, domain.NewCallError(domain.KindDeviceNotFound, "capture",
			fmt.Errorf("%s is not a capture device", dev.Kind))
	}
	c.mu.Lock()
	if c.refs > 0 && c.owner != owner {
		holder := c.owner
		c.mu.Unlock()
		return nil, domain.NewCallError(domain.KindDeviceInUse, "capture",
			fmt.Errorf("devices held by call %s", holder))
	}
	c.owner = owner
	c.refs++
	c.mu.Unlock()

	track, err := c.capturer.Capture(ctx, dev)
	if err != nil {
		c.drop(owner)
		var ce *domain.CallError
		if errors.As(err, &ce) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, domain.NewCallError(domain.KindTimeout, "capture", err)
		}
		return nil, domain.NewCallError(domain.KindDeviceNotFound, "capture", err)
	}
	log.Debug().
		Str("module", "devices").
		Str("call", owner.String()).
		Str("device", dev.DeviceID).
		Str("kind", string(dev.Kind)).
		Msg("track captured")
	return track, nil
}

func (c *Capture) drop(owner domain.CallID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owner != owner || c.refs == 0 {
		return
	}
	c.refs--
	if c.refs == 0 {
		c.owner = ""
	}
}

// Release ends owner's lease. Tracks stay owned by the caller, which stops them first.
func (c *Capture) Release(owner domain.CallID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owner != owner || c.refs == 0 {
		return
	}
	c.owner = ""
	c.refs = 0
	log.Debug().Str("module", "devices").Str("call", owner.String()).Msg("capture lease released")
}

// Owner reports the call currently holding the lease.
func (c *Capture) Owner() (domain.CallID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner, c.refs > 0
}

package sink

import (
	"sync/atomic"

	"github.com/dkeye/rtcall/internal/core"
	"github.com/pion/rtp"
)

type BindingState int32

const (
	BindingLive BindingState = iota
	BindingMuted
	BindingRetired
)

// Binding is one sink attached to a remote track. Muting pauses delivery
// without detaching; a retired binding never comes back.
type Binding struct {
	sink  core.Sink
	state atomic.Int32
}

func NewBinding(s core.Sink) *Binding {
	return &Binding{sink: s}
}

func (b *Binding) State() BindingState {
	return BindingState(b.state.Load())
}

func (b *Binding) Retired() bool { return b.State() == BindingRetired }

// SetMuted switches between live and muted. It reports false for a retired binding.
func (b *Binding) SetMuted(muted bool) bool {
	from, to := BindingLive, BindingMuted
	if !muted {
		from, to = BindingMuted, BindingLive
	}
	for {
		cur := b.State()
		switch cur {
		case BindingRetired:
			return false
		case to:
			return true
		}
		if b.state.CompareAndSwap(int32(from), int32(to)) {
			return true
		}
	}
}

func (b *Binding) Retire() {
	b.state.Store(int32(BindingRetired))
}

// Write delivers pkt to the sink while the binding is live. A sink error
// retires the binding.
func (b *Binding) Write(pkt *rtp.Packet) (delivered bool, err error) {
	if b.State() != BindingLive {
		return false, nil
	}
	if err := b.sink.WriteRTP(pkt); err != nil {
		b.Retire()
		return false, err
	}
	return true, nil
}

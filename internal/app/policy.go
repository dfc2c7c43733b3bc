package app

import "github.com/dkeye/rtcall/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickParticipant
	DropFrame
)

func (a BackpressureAction) String() string {
	switch a {
	case KickParticipant:
		return "kick"
	case DropFrame:
		return "drop"
	default:
		return "none"
	}
}

// Policy decides what happens to a recipient whose send buffer is full.
type Policy interface {
	OnBackPressure(to core.ParticipantSession) BackpressureAction
}

// SimplePolicy disconnects slow recipients.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(core.ParticipantSession) BackpressureAction {
	return KickParticipant
}

// DropPolicy keeps slow recipients connected and drops the frame.
type DropPolicy struct{}

func (DropPolicy) OnBackPressure(core.ParticipantSession) BackpressureAction {
	return DropFrame
}

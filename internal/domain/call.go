package domain

import (
	"fmt"

	"github.com/google/uuid"
)

type CallID string

func NewCallID() CallID { return CallID(uuid.NewString()) }

func (c CallID) String() string { return string(c) }

type Role string

const (
	RoleInitiator Role = "initiator"
	RoleReceiver  Role = "receiver"
)

// CallState is the lifecycle state of one call session.
type CallState int

const (
	StateIdle CallState = iota
	StatePreparing
	StateOffering
	StateAwaitingOffer
	StateNegotiating
	StateConnected
	StateRenegotiating
	StateEnded
	StateFailed
)

var callStateNames = [...]string{
	StateIdle:          "idle",
	StatePreparing:     "preparing",
	StateOffering:      "offering",
	StateAwaitingOffer: "awaiting-offer",
	StateNegotiating:   "negotiating",
	StateConnected:     "connected",
	StateRenegotiating: "renegotiating",
	StateEnded:         "ended",
	StateFailed:        "failed",
}

func (s CallState) String() string {
	if int(s) < len(callStateNames) {
		return callStateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s CallState) Terminal() bool { return s == StateEnded || s == StateFailed }

// MediaKind is what the call carries: audio only, or audio plus video.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool { return k == MediaAudio || k == MediaVideo }

func (k MediaKind) WantsVideo() bool { return k == MediaVideo }

// EndReason travels in call-end envelopes and ended events.
type EndReason string

const (
	ReasonHangup         EndReason = "hangup"
	ReasonRemoteHangup   EndReason = "remote-hangup"
	ReasonDeclined       EndReason = "declined"
	ReasonTimeout        EndReason = "timeout"
	ReasonConnectionLost EndReason = "connection-lost"
	ReasonShutdown       EndReason = "shutdown"
	ReasonBusy           EndReason = "busy"
	ReasonFailed         EndReason = "failed"
	ReasonUnreachable    EndReason = "unreachable"
)

// ReasonFor maps a failure kind to the reason reported with it.
func ReasonFor(kind ErrorKind) EndReason {
	switch kind {
	case KindConnectionFailed:
		return ReasonConnectionLost
	case KindTimeout:
		return ReasonTimeout
	default:
		return ReasonFailed
	}
}

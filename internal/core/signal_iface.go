package core

import (
	"context"

	"github.com/dkeye/rtcall/internal/domain"
)

// Frame is one encoded signaling message on a hub connection.
type Frame []byte

// SignalConnection abstracts a server-side transport endpoint.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// SignalChannel is the duplex message transport a call engine talks through.
// Delivery is at-most-once and in order per sender; there is no ordering
// guarantee across independently timed envelopes.
type SignalChannel interface {
	Send(ctx context.Context, env domain.SignalEnvelope) error
	// Subscribe registers fn for envelopes of type t addressed to this endpoint.
	// The returned func removes the subscription and is safe to call more than once.
	Subscribe(t domain.SignalType, fn func(domain.SignalEnvelope)) (unsubscribe func())
	// Self is the participant id this channel receives for.
	Self() domain.ParticipantID
}

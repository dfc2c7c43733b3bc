// Package orch relays signaling envelopes between hub participants.
package orch

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/rtcall/internal/app"
	"github.com/dkeye/rtcall/internal/core"
	"github.com/dkeye/rtcall/internal/domain"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotConnected     = errors.New("sender not connected")
	ErrBadEnvelope      = errors.New("bad envelope")
	ErrNoRecipient      = errors.New("envelope without recipient")
	ErrUnknownRecipient = errors.New("recipient not connected")
	ErrRecipientSlow    = errors.New("recipient is not keeping up")
)

type Orchestrator struct {
	Registry  *app.Registry
	Directory core.Directory
	Policy    app.Policy
}

func New(policy app.Policy) *Orchestrator {
	return &Orchestrator{
		Registry:  app.NewRegistry(),
		Directory: core.NewDirectory(),
		Policy:    policy,
	}
}

// Relay forwards one frame from sid to the envelope's recipient. The sender
// field is overwritten with the participant bound to sid.
func (o *Orchestrator) Relay(sid core.SessionID, data core.Frame) (domain.SignalEnvelope, error) {
	sess, ok := o.Registry.GetSession(sid)
	if !ok {
		return domain.SignalEnvelope{}, ErrNotConnected
	}
	var env domain.SignalEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	from := sess.Meta().ID
	env.From = from
	if err := env.Validate(); err != nil {
		return env, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if env.To == "" || env.To == from {
		return env, ErrNoRecipient
	}

	out, err := json.Marshal(env)
	if err != nil {
		return env, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}

	res := o.Directory.Deliver(env.To, out)
	switch {
	case res.Delivered:
		log.Debug().
			Str("module", "orch").
			Str("type", string(env.Type)).
			Str("call", env.CallID.String()).
			Str("from", from.String()).
			Str("to", env.To.String()).
			Msg("relayed")
		return env, nil
	case res.Dropped != nil:
		o.onBackPressure(res.Dropped)
		return env, ErrRecipientSlow
	default:
		o.unreachable(env)
		return env, ErrUnknownRecipient
	}
}

// unreachable answers an envelope for an absent participant with a call-end
// on the recipient's behalf, so the sender's call does not wait for a timeout.
func (o *Orchestrator) unreachable(env domain.SignalEnvelope) {
	if env.Type == domain.SignalCallEnd {
		return
	}
	reply, err := domain.NewEnvelope(domain.SignalCallEnd, env.CallID, env.To, env.From, domain.EndPayload{Reason: domain.ReasonUnreachable})
	if err != nil {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if res := o.Directory.Deliver(env.From, data); res.Dropped != nil {
		o.onBackPressure(res.Dropped)
	}
}

func (o *Orchestrator) onBackPressure(slow core.ParticipantSession) {
	if o.Policy == nil {
		return
	}
	action := o.Policy.OnBackPressure(slow)
	log.Warn().
		Str("module", "orch").
		Str("participant", slow.Meta().ID.String()).
		Str("action", action.String()).
		Msg("recipient back-pressure")
	switch action {
	case app.KickParticipant:
		if sid, ps, ok := o.Directory.Lookup(slow.Meta().ID); ok && ps == slow {
			o.KickBySID(sid)
		}
	case app.DropFrame, app.NoAction:
	}
}

// Participants lists everyone reachable through the hub.
func (o *Orchestrator) Participants() []domain.Participant {
	return o.Directory.Snapshot()
}

package orch

import (
	"context"

	"github.com/dkeye/rtcall/internal/core"
	"github.com/rs/zerolog/log"
)

// Connect makes sess reachable. An older connection of the same participant
// is kicked.
func (o *Orchestrator) Connect(sid core.SessionID, sess core.ParticipantSession, cancel context.CancelFunc) {
	id := sess.Meta().ID
	if old, _, ok := o.Directory.Lookup(id); ok && old != sid {
		log.Info().Str("module", "orch").Str("sid", string(old)).Str("participant", id.String()).Msg("superseded connection")
		o.KickBySID(old)
	}
	o.Registry.BindSignal(sid, sess, cancel)
	o.Directory.Add(sid, sess)
}

// Disconnect forgets sid. The adapter calls it once its pumps have stopped.
func (o *Orchestrator) Disconnect(sid core.SessionID) {
	o.Directory.Remove(sid)
	o.Registry.Unbind(sid)
}

// KickBySID makes sid unreachable at once and stops its pumps.
func (o *Orchestrator) KickBySID(sid core.SessionID) {
	o.Directory.Remove(sid)
	if !o.Registry.Cancel(sid) {
		return
	}
	log.Info().Str("module", "orch").Str("sid", string(sid)).Msg("kicked")
}

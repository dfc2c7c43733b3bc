package call

import (
	"sync"

	"github.com/dkeye/rtcall/internal/core"
	"github.com/dkeye/rtcall/internal/domain"
	"github.com/rs/zerolog"
)

// Router demultiplexes inbound envelopes to the session they belong to.
// It subscribes on construction, before any asynchronous setup runs, so
// envelopes racing ahead of capture are not lost.
type Router struct {
	self     domain.ParticipantID
	peer     domain.ParticipantID
	callID   domain.CallID
	handlers map[domain.SignalType]func(domain.SignalEnvelope)
	logger   zerolog.Logger

	unsubs []func()
	once   sync.Once
}

// NewRouter subscribes ch for every type in handlers.
func NewRouter(
	ch core.SignalChannel,
	callID domain.CallID,
	peer domain.ParticipantID,
	handlers map[domain.SignalType]func(domain.SignalEnvelope),
	logger zerolog.Logger,
) *Router {
	r := &Router{
		self:     ch.Self(),
		peer:     peer,
		callID:   callID,
		handlers: handlers,
		logger:   logger,
	}
	for _, t := range domain.SessionSignals {
		if _, ok := handlers[t]; !ok {
			continue
		}
		r.unsubs = append(r.unsubs, ch.Subscribe(t, r.Route))
	}
	return r
}

// Route dispatches env to its handler. Envelopes from another peer or for
// another call are dropped silently: they usually come from listeners of a
// previous call that have not been torn down yet.
func (r *Router) Route(env domain.SignalEnvelope) {
	if env.From != r.peer {
		r.logger.Debug().Str("from", string(env.From)).Str("type", string(env.Type)).Msg("discarding envelope from unexpected peer")
		return
	}
	if env.CallID != r.callID {
		r.logger.Debug().Str("envelope_call", string(env.CallID)).Str("type", string(env.Type)).Msg("discarding envelope for another call")
		return
	}
	if env.To != "" && env.To != r.self {
		r.logger.Debug().Str("to", string(env.To)).Msg("discarding envelope addressed elsewhere")
		return
	}
	h, ok := r.handlers[env.Type]
	if !ok {
		r.logger.Debug().Str("type", string(env.Type)).Msg("no handler for envelope")
		return
	}
	h(env)
}

// Unsubscribe releases every subscription exactly once.
func (r *Router) Unsubscribe() {
	r.once.Do(func() {
		for _, u := range r.unsubs {
			u()
		}
		r.unsubs = nil
	})
}

// Package call implements the call session state machine. Every transition of
// a session runs on its own loop goroutine; signals, pion callbacks and public
// operations are all posted to that loop, so session state needs no locks.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/rtcall/internal/app/quality"
	"github.com/dkeye/rtcall/internal/app/sink"
	"github.com/dkeye/rtcall/internal/core"
	"github.com/dkeye/rtcall/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var errSessionClosed = errors.New("session closed")

type localMedia struct {
	track  core.LocalTrack
	sender core.Sender
	device domain.DeviceDescriptor
}

func (m *localMedia) close() error {
	if m.track == nil {
		return nil
	}
	err := m.track.Close()
	m.track = nil
	return err
}

// snapshot is what the accessors read from outside the loop.
type snapshot struct {
	state       domain.CallState
	callID      domain.CallID
	role        domain.Role
	peer        domain.ParticipantID
	kind        domain.MediaKind
	quality     domain.QualitySample
	muted       bool
	video       bool
	connectedAt time.Time
	endedAt     time.Time
	endReason   domain.EndReason
	errKind     domain.ErrorKind
}

// Session is one peer-to-peer call. A session is used for exactly one call:
// once Ended or Failed its loop is gone and every operation returns invalid-state.
type Session struct {
	deps Deps
	opts Options
	self domain.ParticipantID

	box     *mailbox
	events  *notifier
	cleanup *Cleanup
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	// Owned by the loop goroutine.
	id            domain.CallID
	peer          domain.ParticipantID
	role          domain.Role
	kind          domain.MediaKind
	state         domain.CallState
	logger        zerolog.Logger
	pc            core.PeerConnection
	router        *Router
	offers        offerSlot
	candidates    candidateQueue
	handedOver    map[string]int
	remoteApplied bool
	linkUp        bool
	audio         localMedia
	video         localMedia
	sinks         *sink.Manager
	pendingSinks  map[domain.MediaKind]core.Sink
	monitor       *quality.Monitor
	selection     domain.DeviceSelection
	muted         bool
	reneg         renegotiation

	mu   sync.RWMutex
	snap snapshot
}

// NewSession builds an Idle session and starts its loop.
func NewSession(deps Deps, opts Options) *Session {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		deps:         deps,
		opts:         opts,
		self:         deps.Signal.Self(),
		box:          newMailbox(),
		events:       newNotifier(opts.Observers...),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		selection:    opts.Devices,
		pendingSinks: make(map[domain.MediaKind]core.Sink),
		logger:       log.With().Str("module", "call").Logger(),
	}
	s.cleanup = NewCleanup(s.logger)
	s.registerCleanup()
	go s.loop()
	return s
}

func (s *Session) registerCleanup() {
	s.cleanup.Step("queues", func() error {
		s.offers.clear()
		s.candidates.clear()
		clear(s.handedOver)
		s.reneg.stop()
		return nil
	})
	s.cleanup.Step("router", func() error {
		if s.router != nil {
			s.router.Unsubscribe()
		}
		return nil
	})
	s.cleanup.Step("tracks", func() error {
		s.cancel()
		if s.monitor != nil {
			s.monitor.Stop()
		}
		err := errors.Join(s.audio.close(), s.video.close())
		if s.id != "" && s.deps.Media != nil {
			s.deps.Media.Release(s.id)
		}
		if s.sinks != nil {
			s.sinks.StopReaders()
		}
		return err
	})
	s.cleanup.Step("sinks", func() error {
		if s.sinks != nil {
			s.sinks.UnbindAll()
		}
		clear(s.pendingSinks)
		return nil
	})
	s.cleanup.Step("peer-connection", func() error {
		if s.pc == nil {
			return nil
		}
		return s.pc.Close()
	})
}

func (s *Session) loop() {
	for {
		fn, ok := s.box.next()
		if !ok {
			return
		}
		fn()
		if s.state.Terminal() {
			s.box.close()
			return
		}
	}
}

// do runs fn on the loop and waits for its result.
func (s *Session) do(ctx context.Context, op string, fn func() error) error {
	res := make(chan error, 1)
	if !s.box.post(func() { res <- fn() }) {
		return domain.NewCallError(domain.KindInvalidState, op, errSessionClosed)
	}
	select {
	case err := <-res:
		return err
	case <-s.box.done:
		select {
		case err := <-res:
			return err
		default:
			return domain.NewCallError(domain.KindInvalidState, op, errSessionClosed)
		}
	case <-ctx.Done():
		return domain.NewCallError(domain.KindTimeout, op, ctx.Err())
	}
}

// post schedules fn on the loop; it is dropped once the session is terminal.
func (s *Session) post(fn func()) { s.box.post(fn) }

func invalidState(op string, st domain.CallState) error {
	return domain.NewCallError(domain.KindInvalidState, op, fmt.Errorf("not allowed while %s", st))
}

// Initiate places a call to peer. Preparation continues asynchronously;
// its failures are reported through a failed event.
func (s *Session) Initiate(ctx context.Context, peer domain.ParticipantID, kind domain.MediaKind) error {
	const op = "initiate"
	if err := domain.ValidateParticipantID(peer); err != nil {
		return domain.NewCallError(domain.KindSignalingError, op, err)
	}
	if !kind.Valid() {
		return domain.NewCallError(domain.KindInvalidState, op, fmt.Errorf("unknown media kind %q", kind))
	}
	return s.do(ctx, op, func() error {
		if s.state != domain.StateIdle {
			return invalidState(op, s.state)
		}
		s.begin(domain.NewCallID(), peer, domain.RoleInitiator, kind)
		return nil
	})
}

// Accept prepares the receiving side of callID before its offer is applied.
// The offer may already be in flight; it is picked up from the pending slot.
func (s *Session) Accept(ctx context.Context, callID domain.CallID, peer domain.ParticipantID, kind domain.MediaKind) error {
	const op = "accept"
	if callID == "" {
		return domain.NewCallError(domain.KindSignalingError, op, domain.ErrEnvelopeCallID)
	}
	if err := domain.ValidateParticipantID(peer); err != nil {
		return domain.NewCallError(domain.KindSignalingError, op, err)
	}
	if !kind.Valid() {
		return domain.NewCallError(domain.KindInvalidState, op, fmt.Errorf("unknown media kind %q", kind))
	}
	return s.do(ctx, op, func() error {
		if s.state != domain.StateIdle {
			return invalidState(op, s.state)
		}
		s.begin(callID, peer, domain.RoleReceiver, kind)
		return nil
	})
}

// acceptIncoming starts the receiving side of an incoming call the manager
// has been holding. take runs on the loop right after the router subscribed;
// from then on the router is the only path for this call's signals.
func (s *Session) acceptIncoming(ctx context.Context, callID domain.CallID, peer domain.ParticipantID, kind domain.MediaKind, take func() (*pendingCall, bool)) error {
	const op = "accept"
	if err := domain.ValidateParticipantID(peer); err != nil {
		return domain.NewCallError(domain.KindSignalingError, op, err)
	}
	if !kind.Valid() {
		return domain.NewCallError(domain.KindInvalidState, op, fmt.Errorf("unknown media kind %q", kind))
	}
	return s.do(ctx, op, func() error {
		if s.state != domain.StateIdle {
			return invalidState(op, s.state)
		}
		s.begin(callID, peer, domain.RoleReceiver, kind)
		p, ok := take()
		if !ok {
			return domain.NewCallError(domain.KindSignalingError, op, ErrUnknownIncoming)
		}
		s.offers.store(p.offer)
		for _, env := range p.candidates {
			s.takeOverCandidate(env)
		}
		return nil
	})
}

// AcceptOffer hands an offer to the session. An Idle session starts as the
// receiver of that offer; the media kind is read from the offer itself.
func (s *Session) AcceptOffer(ctx context.Context, env domain.SignalEnvelope) error {
	const op = "accept-offer"
	p, err := decodeDescription(op, env, domain.SignalOffer)
	if err != nil {
		return err
	}
	return s.do(ctx, op, func() error {
		if s.state == domain.StateIdle {
			s.begin(env.CallID, env.From, domain.RoleReceiver, OfferKind(p.SDP))
			s.offers.store(env)
			return nil
		}
		if err := s.checkOrigin(op, env); err != nil {
			return err
		}
		return s.handleOffer(env, p)
	})
}

// ApplyAnswer applies the peer's answer to the outstanding local offer.
func (s *Session) ApplyAnswer(ctx context.Context, env domain.SignalEnvelope) error {
	const op = "apply-answer"
	p, err := decodeDescription(op, env, domain.SignalAnswer)
	if err != nil {
		return err
	}
	return s.do(ctx, op, func() error {
		if err := s.checkOrigin(op, env); err != nil {
			return err
		}
		return s.handleAnswer(env, p)
	})
}

// ApplyIceCandidate applies a remote candidate, or queues it until a remote
// description exists. A candidate the connection rejects is logged only.
func (s *Session) ApplyIceCandidate(ctx context.Context, env domain.SignalEnvelope) error {
	const op = "apply-candidate"
	if env.Type != domain.SignalICECandidate {
		return domain.NewCallError(domain.KindSignalingError, op, fmt.Errorf("unexpected %s envelope", env.Type))
	}
	return s.do(ctx, op, func() error {
		if err := s.checkOrigin(op, env); err != nil {
			return err
		}
		return s.handleCandidate(env)
	})
}

// End hangs up. It is safe from any goroutine, including observers, and a
// second End is a no-op. Reason timeout ends the call as Failed{timeout}.
func (s *Session) End(ctx context.Context, reason domain.EndReason) error {
	if reason == "" {
		reason = domain.ReasonHangup
	}
	err := s.do(ctx, "end", func() error {
		if s.state.Terminal() {
			return nil
		}
		s.notifyEnd(reason)
		if reason == domain.ReasonTimeout {
			s.terminate(domain.StateFailed, reason, domain.KindTimeout,
				domain.NewCallError(domain.KindTimeout, "end", errors.New("call not connected in time")))
			return nil
		}
		s.terminate(domain.StateEnded, reason, "", nil)
		return nil
	})
	if errors.Is(err, domain.ErrInvalidState) {
		return nil
	}
	return err
}

func (s *Session) checkOrigin(op string, env domain.SignalEnvelope) error {
	if s.state == domain.StateIdle || s.state.Terminal() {
		return invalidState(op, s.state)
	}
	if env.CallID != s.id || env.From != s.peer {
		return domain.NewCallError(domain.KindSignalingError, op,
			fmt.Errorf("envelope for call %s from %s does not belong to this session", env.CallID, env.From))
	}
	return nil
}

func decodeDescription(op string, env domain.SignalEnvelope, want domain.SignalType) (domain.SessionDescriptionPayload, error) {
	if env.Type != want {
		return domain.SessionDescriptionPayload{}, domain.NewCallError(domain.KindSignalingError, op,
			fmt.Errorf("expected %s, got %s", want, env.Type))
	}
	if err := env.Validate(); err != nil {
		return domain.SessionDescriptionPayload{}, domain.NewCallError(domain.KindSignalingError, op, err)
	}
	p, err := env.SessionDescription()
	if err != nil {
		return p, domain.NewCallError(domain.KindSignalingError, op, err)
	}
	return p, nil
}

func (s *Session) setState(next domain.CallState) {
	prev := s.state
	if prev == next {
		return
	}
	s.state = next
	if prev == domain.StateConnected && s.monitor != nil {
		s.monitor.Stop()
	}
	// The baseline is taken before the state becomes visible outside the loop.
	if next == domain.StateConnected && s.monitor != nil {
		s.monitor.Start(s.ctx)
	}
	now := time.Now()
	s.publish(func(sn *snapshot) {
		sn.state = next
		if next == domain.StateConnected && sn.connectedAt.IsZero() {
			sn.connectedAt = now
		}
	})
	s.logger.Debug().Str("from", prev.String()).Str("to", next.String()).Msg("state change")

	switch next {
	case domain.StateNegotiating:
		s.emit(Event{Type: EventConnecting})
	case domain.StateConnected:
		s.emit(Event{Type: EventConnected})
	case domain.StateRenegotiating:
		s.emit(Event{Type: EventRenegotiating})
	}
}

// terminate runs cleanup and enters a terminal state. Later calls are no-ops.
func (s *Session) terminate(final domain.CallState, reason domain.EndReason, kind domain.ErrorKind, cause error) {
	if s.state.Terminal() {
		return
	}
	prev := s.state
	s.cleanup.Run()
	s.state = final
	now := time.Now()
	s.publish(func(sn *snapshot) {
		sn.state = final
		sn.endedAt = now
		sn.endReason = reason
		sn.errKind = kind
	})

	ev := Event{Type: EventEnded, Reason: reason}
	if final == domain.StateFailed {
		ev = Event{Type: EventFailed, Reason: reason, ErrorKind: kind, Err: cause}
	}
	s.logger.Info().
		Str("from", prev.String()).
		Str("to", final.String()).
		Str("reason", string(reason)).
		Str("kind", string(kind)).
		Msg("call finished")
	s.emit(ev)
	s.events.close()
	close(s.done)
}

func (s *Session) fail(kind domain.ErrorKind, err error) {
	if s.state.Terminal() {
		return
	}
	s.logger.Error().Err(err).Str("kind", string(kind)).Msg("call failed")
	reason := domain.ReasonFor(kind)
	s.notifyEnd(reason)
	s.terminate(domain.StateFailed, reason, kind, err)
}

// notifyEnd tells the peer the call is over. Failures are tolerated: the
// local side closes regardless.
func (s *Session) notifyEnd(reason domain.EndReason) {
	if s.state == domain.StateIdle || s.peer == "" {
		return
	}
	if err := s.send(domain.SignalCallEnd, domain.EndPayload{Reason: reason}); err != nil {
		s.logger.Warn().Err(err).Msg("call-end not delivered")
	}
}

func (s *Session) emit(e Event) {
	e.CallID = s.id
	e.Peer = s.peer
	e.State = s.state
	e.At = time.Now()
	s.events.emit(e)
}

func (s *Session) publish(fn func(*snapshot)) {
	s.mu.Lock()
	fn(&s.snap)
	s.mu.Unlock()
}

func (s *Session) read() snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func (s *Session) State() domain.CallState { return s.read().state }

func (s *Session) CallID() domain.CallID { return s.read().callID }

func (s *Session) Role() domain.Role { return s.read().role }

func (s *Session) Peer() domain.ParticipantID { return s.read().peer }

func (s *Session) MediaKind() domain.MediaKind { return s.read().kind }

// Quality returns the latest sample; the zero sample before the first poll.
func (s *Session) Quality() domain.QualitySample { return s.read().quality }

func (s *Session) Muted() bool { return s.read().muted }

func (s *Session) VideoEnabled() bool { return s.read().video }

// Duration is the connected time so far, or the final duration once ended.
func (s *Session) Duration() time.Duration {
	sn := s.read()
	if sn.connectedAt.IsZero() {
		return 0
	}
	end := sn.endedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(sn.connectedAt)
}

// EndReason and ErrorKind describe how a terminal session finished.
func (s *Session) EndReason() domain.EndReason { return s.read().endReason }

func (s *Session) ErrorKind() domain.ErrorKind { return s.read().errKind }

// Done is closed once the session is terminal and cleaned up.
func (s *Session) Done() <-chan struct{} { return s.done }

// CleanupRuns reports how many times resources were released; never above one.
func (s *Session) CleanupRuns() int { return s.cleanup.Runs() }

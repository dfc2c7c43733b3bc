package call

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/rtcall/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	DefaultNegotiationTimeout = 60 * time.Second
	DefaultSettleDelay        = 500 * time.Millisecond
)

var (
	ErrCallActive      = errors.New("a call is already active")
	ErrUnknownIncoming = errors.New("no such incoming call")
	ErrManagerClosed   = errors.New("call manager closed")
)

type ManagerConfig struct {
	// NegotiationTimeout ends a call that has not connected in time. Zero disables it.
	NegotiationTimeout time.Duration
	// SettleDelay separates the end of one call from capture for the next.
	SettleDelay time.Duration
	Session     Options
}

// IncomingCall is an offer for a call this side does not know yet.
type IncomingCall struct {
	CallID domain.CallID
	From   domain.ParticipantID
	Kind   domain.MediaKind
	At     time.Time
}

type pendingCall struct {
	IncomingCall
	offer      domain.SignalEnvelope
	candidates []domain.SignalEnvelope
}

// Manager is the per-user registry of calls: at most one active session,
// plus incoming calls that have not been answered yet.
type Manager struct {
	deps Deps
	cfg  ManagerConfig

	mu        sync.Mutex
	active    *Session
	lastEnded time.Time
	pending   map[domain.CallID]*pendingCall
	incoming  []func(IncomingCall)
	withdrawn []func(domain.CallID, domain.EndReason)
	unsubs    []func()
	closed    bool
}

func NewManager(deps Deps, cfg ManagerConfig) *Manager {
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	m := &Manager{
		deps:    deps,
		cfg:     cfg,
		pending: make(map[domain.CallID]*pendingCall),
	}
	m.unsubs = []func(){
		deps.Signal.Subscribe(domain.SignalOffer, m.onOffer),
		deps.Signal.Subscribe(domain.SignalICECandidate, m.onCandidate),
		deps.Signal.Subscribe(domain.SignalCallEnd, m.onEnd),
	}
	return m
}

// OnIncoming registers cb for offers with an unknown call id. It runs on the
// transport goroutine and must not block.
func (m *Manager) OnIncoming(cb func(IncomingCall)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incoming = append(m.incoming, cb)
}

// OnIncomingEnded registers cb for incoming calls withdrawn before an answer.
func (m *Manager) OnIncomingEnded(cb func(domain.CallID, domain.EndReason)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.withdrawn = append(m.withdrawn, cb)
}

// Active returns the current non-terminal session.
func (m *Manager) Active() (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.State().Terminal() {
		return nil, false
	}
	return m.active, true
}

// Pending lists unanswered incoming calls.
func (m *Manager) Pending() []IncomingCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]IncomingCall, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p.IncomingCall)
	}
	slices.SortFunc(out, func(a, b IncomingCall) int { return a.At.Compare(b.At) })
	return out
}

// StartCall places a call to peer. When the previous call ended less than
// the settle delay ago, capture waits for the remainder.
func (m *Manager) StartCall(ctx context.Context, peer domain.ParticipantID, kind domain.MediaKind) (*Session, error) {
	const op = "start-call"
	s, last, err := m.claim(op)
	if err != nil {
		return nil, err
	}
	if wait := m.cfg.SettleDelay - time.Since(last); !last.IsZero() && wait > 0 {
		log.Debug().Str("module", "call.manager").Dur("wait", wait).Msg("settling before capture")
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			m.abandon(s)
			return nil, domain.NewCallError(domain.KindTimeout, op, ctx.Err())
		}
	}
	if err := s.Initiate(ctx, peer, kind); err != nil {
		m.abandon(s)
		return nil, err
	}
	m.watch(s)
	return s, nil
}

// AcceptCall answers an incoming call. kind may downgrade a video offer to
// audio; empty keeps the offered kind.
func (m *Manager) AcceptCall(ctx context.Context, callID domain.CallID, kind domain.MediaKind) (*Session, error) {
	const op = "accept-call"
	m.mu.Lock()
	p, ok := m.pending[callID]
	m.mu.Unlock()
	if !ok {
		return nil, domain.NewCallError(domain.KindSignalingError, op, ErrUnknownIncoming)
	}
	if kind == "" {
		kind = p.Kind
	}

	s, _, err := m.claim(op)
	if err != nil {
		return nil, err
	}
	take := func() (*pendingCall, bool) {
		m.mu.Lock()
		defer m.mu.Unlock()
		p, ok := m.pending[callID]
		delete(m.pending, callID)
		return p, ok
	}
	if err := s.acceptIncoming(ctx, p.CallID, p.From, kind, take); err != nil {
		// Also covers a call withdrawn while accepting.
		m.abandon(s)
		return nil, err
	}
	m.watch(s)
	return s, nil
}

// Decline rejects an incoming call without creating a session.
func (m *Manager) Decline(ctx context.Context, callID domain.CallID) error {
	m.mu.Lock()
	p, ok := m.pending[callID]
	delete(m.pending, callID)
	m.mu.Unlock()
	if !ok {
		return domain.NewCallError(domain.KindSignalingError, "decline", ErrUnknownIncoming)
	}
	return m.sendEnd(ctx, p.CallID, p.From, domain.ReasonDeclined)
}

// Close ends the active call and stops listening for incoming ones.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	unsubs := m.unsubs
	m.unsubs = nil
	active := m.active
	clear(m.pending)
	m.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	if active != nil {
		return active.End(ctx, domain.ReasonShutdown)
	}
	return nil
}

// claim reserves the single active slot with a fresh Idle session.
func (m *Manager) claim(op string) (*Session, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, time.Time{}, domain.NewCallError(domain.KindInvalidState, op, ErrManagerClosed)
	}
	if m.active != nil {
		if !m.active.State().Terminal() {
			return nil, time.Time{}, domain.NewCallError(domain.KindInvalidState, op, ErrCallActive)
		}
		// Ended, but its terminal event has not been observed yet.
		m.retire()
	}
	opts := m.cfg.Session
	var s *Session
	opts.Observers = append(slices.Clone(opts.Observers), func(e Event) {
		if e.Terminal() {
			m.release(s)
		}
	})
	s = NewSession(m.deps, opts)
	m.active = s
	return s, m.lastEnded, nil
}

func (m *Manager) abandon(s *Session) {
	_ = s.End(context.Background(), domain.ReasonShutdown)
	m.release(s)
}

func (m *Manager) release(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == s {
		m.retire()
	}
}

// retire clears the active slot and remembers when its call ended. Callers hold mu.
func (m *Manager) retire() {
	s := m.active
	m.active = nil
	if s.CallID() == "" {
		return
	}
	ended := s.read().endedAt
	if ended.IsZero() {
		ended = time.Now()
	}
	if ended.After(m.lastEnded) {
		m.lastEnded = ended
	}
}

// watch ends s with timeout when it has not connected in time.
func (m *Manager) watch(s *Session) {
	if m.cfg.NegotiationTimeout <= 0 {
		return
	}
	t := time.AfterFunc(m.cfg.NegotiationTimeout, func() {
		if s.everConnected() || s.State().Terminal() {
			return
		}
		log.Warn().
			Str("module", "call.manager").
			Str("call", s.CallID().String()).
			Str("state", s.State().String()).
			Msg("negotiation timed out")
		_ = s.End(context.Background(), domain.ReasonTimeout)
	})
	go func() {
		<-s.Done()
		t.Stop()
	}()
}

func (s *Session) everConnected() bool { return !s.read().connectedAt.IsZero() }

func (m *Manager) onOffer(env domain.SignalEnvelope) {
	if env.Validate() != nil {
		return
	}
	p, err := env.SessionDescription()
	if err != nil || p.Renegotiation {
		return
	}

	m.mu.Lock()
	if m.closed || (m.active != nil && m.active.CallID() == env.CallID) {
		m.mu.Unlock()
		return
	}
	if known, ok := m.pending[env.CallID]; ok {
		if known.From == env.From {
			known.offer = env
		}
		m.mu.Unlock()
		return
	}
	if m.active != nil && !m.active.State().Terminal() {
		m.mu.Unlock()
		log.Info().Str("module", "call.manager").Str("from", env.From.String()).Msg("busy, rejecting incoming call")
		if err := m.sendEnd(context.Background(), env.CallID, env.From, domain.ReasonBusy); err != nil {
			log.Warn().Err(err).Str("module", "call.manager").Msg("busy reply not delivered")
		}
		return
	}
	inc := IncomingCall{CallID: env.CallID, From: env.From, Kind: OfferKind(p.SDP), At: time.Now()}
	m.pending[env.CallID] = &pendingCall{IncomingCall: inc, offer: env}
	cbs := slices.Clone(m.incoming)
	m.mu.Unlock()

	log.Info().
		Str("module", "call.manager").
		Str("call", inc.CallID.String()).
		Str("from", inc.From.String()).
		Str("kind", string(inc.Kind)).
		Msg("incoming call")
	for _, cb := range cbs {
		cb(inc)
	}
}

func (m *Manager) onCandidate(env domain.SignalEnvelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pending[env.CallID]; ok && p.From == env.From {
		p.candidates = append(p.candidates, env)
	}
}

func (m *Manager) onEnd(env domain.SignalEnvelope) {
	m.mu.Lock()
	p, ok := m.pending[env.CallID]
	if !ok || p.From != env.From {
		m.mu.Unlock()
		return
	}
	delete(m.pending, env.CallID)
	cbs := slices.Clone(m.withdrawn)
	m.mu.Unlock()

	reason := env.EndReason()
	for _, cb := range cbs {
		cb(env.CallID, reason)
	}
}

func (m *Manager) sendEnd(ctx context.Context, callID domain.CallID, to domain.ParticipantID, reason domain.EndReason) error {
	env, err := domain.NewEnvelope(domain.SignalCallEnd, callID, m.deps.Signal.Self(), to, domain.EndPayload{Reason: reason})
	if err != nil {
		return err
	}
	timeout := m.cfg.Session.SendTimeout
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := m.deps.Signal.Send(ctx, env); err != nil {
		return domain.NewCallError(domain.KindSignalingError, "send call-end", fmt.Errorf("to %s: %w", to, err))
	}
	return nil
}

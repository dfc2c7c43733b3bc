package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/rtcall/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrParticipantTaken = errors.New("participant already on the bus")

// Bus relays envelopes between endpoints in one process, with the same
// addressing rules as the hub: the sender is stamped and an envelope for an
// absent participant is answered with an unreachable call-end.
type Bus struct {
	mu        sync.RWMutex
	endpoints map[domain.ParticipantID]*Endpoint
	closed    bool
}

func NewBus() *Bus {
	return &Bus{endpoints: make(map[domain.ParticipantID]*Endpoint)}
}

// Join attaches a new endpoint for id.
func (b *Bus) Join(id domain.ParticipantID) (*Endpoint, error) {
	if err := domain.ValidateParticipantID(id); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if _, ok := b.endpoints[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrParticipantTaken, id)
	}
	e := &Endpoint{
		bus:    b,
		self:   id,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	b.endpoints[id] = e
	go e.run()
	return e, nil
}

func (b *Bus) lookup(id domain.ParticipantID) *Endpoint {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.endpoints[id]
}

func (b *Bus) leave(e *Endpoint) {
	b.mu.Lock()
	if b.endpoints[e.self] == e {
		delete(b.endpoints, e.self)
	}
	b.mu.Unlock()
}

// Close detaches every endpoint.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	eps := make([]*Endpoint, 0, len(b.endpoints))
	for _, e := range b.endpoints {
		eps = append(eps, e)
	}
	b.mu.Unlock()
	for _, e := range eps {
		e.Close()
	}
}

// Endpoint is one participant's SignalChannel on a Bus. Envelopes are
// handed to subscribers on the endpoint's own goroutine, in arrival order.
type Endpoint struct {
	bus  *Bus
	self domain.ParticipantID
	subs subscriptions

	mu     sync.Mutex
	queue  []domain.SignalEnvelope
	wake   chan struct{}
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
}

func (e *Endpoint) Self() domain.ParticipantID { return e.self }

func (e *Endpoint) Subscribe(t domain.SignalType, fn func(domain.SignalEnvelope)) func() {
	return e.subs.add(t, fn)
}

func (e *Endpoint) Send(ctx context.Context, env domain.SignalEnvelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-e.done:
		return ErrClosed
	default:
	}
	env.From = e.self
	if err := env.Validate(); err != nil {
		return err
	}
	if env.To == "" || env.To == e.self {
		return fmt.Errorf("%s: envelope without recipient", env.Type)
	}

	to := e.bus.lookup(env.To)
	if to == nil {
		log.Debug().Str("module", "signal.bus").Str("to", env.To.String()).Str("type", string(env.Type)).Msg("recipient absent")
		if env.Type != domain.SignalCallEnd {
			reply, err := domain.NewEnvelope(domain.SignalCallEnd, env.CallID, env.To, e.self, domain.EndPayload{Reason: domain.ReasonUnreachable})
			if err == nil {
				e.enqueue(reply)
			}
		}
		return nil
	}
	to.enqueue(env)
	return nil
}

func (e *Endpoint) enqueue(env domain.SignalEnvelope) {
	e.mu.Lock()
	e.queue = append(e.queue, env)
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Endpoint) run() {
	defer close(e.exited)
	for {
		select {
		case <-e.done:
			return
		case <-e.wake:
		}
		for {
			e.mu.Lock()
			if len(e.queue) == 0 {
				e.mu.Unlock()
				break
			}
			env := e.queue[0]
			e.queue = e.queue[1:]
			e.mu.Unlock()

			select {
			case <-e.done:
				return
			default:
			}
			e.subs.dispatch(env)
		}
	}
}

// Close detaches the endpoint; queued envelopes are dropped.
func (e *Endpoint) Close() {
	e.once.Do(func() {
		close(e.done)
		e.bus.leave(e)
	})
}

// Wait blocks until the delivery goroutine has exited.
func (e *Endpoint) Wait() { <-e.exited }

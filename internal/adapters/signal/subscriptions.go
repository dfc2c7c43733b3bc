package signal

import (
	"maps"
	"slices"
	"sync"

	"github.com/dkeye/rtcall/internal/domain"
)

type handler = func(domain.SignalEnvelope)

// subscriptions fans envelopes out by type, in subscription order.
type subscriptions struct {
	mu     sync.RWMutex
	next   uint64
	byType map[domain.SignalType]map[uint64]handler
}

func (s *subscriptions) add(t domain.SignalType, fn handler) func() {
	s.mu.Lock()
	if s.byType == nil {
		s.byType = make(map[domain.SignalType]map[uint64]handler)
	}
	if s.byType[t] == nil {
		s.byType[t] = make(map[uint64]handler)
	}
	s.next++
	id := s.next
	s.byType[t][id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.byType[t], id)
			s.mu.Unlock()
		})
	}
}

func (s *subscriptions) dispatch(env domain.SignalEnvelope) int {
	s.mu.RLock()
	subs := s.byType[env.Type]
	fns := make([]handler, 0, len(subs))
	for _, id := range slices.Sorted(maps.Keys(subs)) {
		fns = append(fns, subs[id])
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(env)
	}
	return len(fns)
}

package sink

import (
	"context"
	"sync"

	"github.com/dkeye/rtcall/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Manager owns the relays of one call: one per remote track, plus the sink
// currently bound for each media kind. Sinks bound before a track arrives are
// attached as soon as it does.
type Manager struct {
	callID string

	mu     sync.RWMutex
	relays map[string]*Relay
	sinks  map[webrtc.RTPCodecType]core.Sink
}

func NewManager(callID string) *Manager {
	return &Manager{
		callID: callID,
		relays: make(map[string]*Relay),
		sinks:  make(map[webrtc.RTPCodecType]core.Sink),
	}
}

// StartRelay creates a relay for track, binds the current sink of its kind and starts reading.
func (m *Manager) StartRelay(ctx context.Context, track core.RemoteTrack) {
	logger := log.With().
		Str("module", "sink").
		Str("call", m.callID).
		Str("track", track.ID()).
		Str("kind", track.Kind().String()).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(track, cancel)

	m.mu.Lock()
	if old, ok := m.relays[track.ID()]; ok {
		logger.Info().Msg("replacing existing relay for track")
		old.retireAll()
		old.Stop()
	}
	m.relays[track.ID()] = relay
	if s, ok := m.sinks[track.Kind()]; ok {
		relay.Bind(track.Kind().String(), s)
	}
	m.mu.Unlock()

	logger.Debug().Msg("starting relay loop")
	go relay.loop(relayCtx, &logger)
}

// Bind routes every current and future remote track of kind into s.
func (m *Manager) Bind(kind webrtc.RTPCodecType, s core.Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks[kind] = s
	for _, r := range m.relays {
		if r.Src.Kind() == kind {
			r.Bind(kind.String(), s)
		}
	}
}

// Sink returns the sink bound for kind.
func (m *Manager) Sink(kind webrtc.RTPCodecType) (core.Sink, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sinks[kind]
	return s, ok
}

// SetMuted pauses or resumes delivery to the sinks of kind without unbinding them.
func (m *Manager) SetMuted(kind webrtc.RTPCodecType, muted bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.relays {
		if r.Src.Kind() == kind {
			r.setMuted(muted)
		}
	}
}

// StopReaders cancels every relay loop.
func (m *Manager) StopReaders() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.relays {
		r.retireAll()
		r.Stop()
	}
}

// UnbindAll detaches every sink and forgets the per-kind bindings.
func (m *Manager) UnbindAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.relays {
		r.UnbindAll()
	}
	clear(m.sinks)
}

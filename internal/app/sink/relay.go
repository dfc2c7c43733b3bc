package sink

import (
	"context"
	"maps"
	"sync"

	"github.com/dkeye/rtcall/internal/core"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// Relay pumps RTP from one remote track into its bound sinks.
type Relay struct {
	Src core.RemoteTrack

	mu       sync.RWMutex
	bindings map[string]*Binding

	cancel context.CancelFunc
	done   chan struct{}
}

func NewRelay(src core.RemoteTrack, cancel context.CancelFunc) *Relay {
	return &Relay{
		Src:      src,
		bindings: make(map[string]*Binding),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// loop reads RTP packets from the source track and forwards them to every binding.
func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("relay ctx done, retiring bindings")
			r.retireAll()
			return
		default:
		}
		pkt, _, err := r.Src.ReadRTP()
		if err != nil {
			if ctx.Err() == nil {
				logger.Debug().Err(err).Msg("remote track read ended")
			}
			r.retireAll()
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := make(map[string]*Binding, len(r.bindings))
	maps.Copy(snapshot, r.bindings)
	r.mu.RUnlock()

	dirty := make([]string, 0, len(snapshot))
	for name, b := range snapshot {
		if b.Retired() {
			dirty = append(dirty, name)
			continue
		}
		if _, err := b.Write(pkt); err != nil {
			logger.Warn().
				Err(err).
				Str("sink", name).
				Msg("sink write error, unbinding")
			dirty = append(dirty, name)
		}
	}

	if len(dirty) > 0 {
		r.dropRetired(dirty)
	}
}

func (r *Relay) dropRetired(dirty []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range dirty {
		if b, ok := r.bindings[name]; ok && b.Retired() {
			delete(r.bindings, name)
		}
	}
}

func (r *Relay) retireAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.bindings {
		b.Retire()
	}
}

// Bind attaches s under name, replacing a previous sink with the same name.
func (r *Relay) Bind(name string, s core.Sink) *Binding {
	b := NewBinding(s)
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.bindings[name]; ok {
		old.Retire()
	}
	r.bindings[name] = b
	return b
}

func (r *Relay) Unbind(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.bindings[name]; ok {
		b.Retire()
		delete(r.bindings, name)
	}
}

func (r *Relay) UnbindAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, b := range r.bindings {
		b.Retire()
		delete(r.bindings, name)
	}
}

// Bound returns the number of live bindings.
func (r *Relay) Bound() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}

// Stop cancels the read loop. ReadRTP only returns once the connection
// closes, so callers that need the loop gone must close the source first.
func (r *Relay) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Relay) Done() <-chan struct{} { return r.done }

// setMuted mutes or resumes every binding of the relay.
func (r *Relay) setMuted(muted bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.bindings {
		b.SetMuted(muted)
	}
}

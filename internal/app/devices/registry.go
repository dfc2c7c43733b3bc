package devices

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/dkeye/rtcall/internal/core"
	"github.com/dkeye/rtcall/internal/domain"
	"github.com/rs/zerolog/log"
)

const DefaultDebounce = 300 * time.Millisecond

type ChangeFunc func([]domain.DeviceDescriptor)

// Registry caches the host's devices and fans out hot-plug changes.
type Registry struct {
	src      core.DeviceSource
	debounce func(func())

	mu      sync.RWMutex
	devices []domain.DeviceDescriptor
	loaded  bool
	subs    map[int]ChangeFunc
	nextSub int
}

func NewRegistry(src core.DeviceSource, window time.Duration) *Registry {
	if window <= 0 {
		window = DefaultDebounce
	}
	return &Registry{
		src:      src,
		debounce: debounce.New(window),
		subs:     make(map[int]ChangeFunc),
	}
}

// Enumerate refreshes the cache from the source. The result holds each
// (kind, id) once and exactly one default per kind.
func (r *Registry) Enumerate() ([]domain.DeviceDescriptor, error) {
	raw, err := r.src.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	list := normalize(raw)

	r.mu.Lock()
	r.devices = list
	r.loaded = true
	r.mu.Unlock()
	return slices.Clone(list), nil
}

// Devices returns the cached list, enumerating on first use.
func (r *Registry) Devices() ([]domain.DeviceDescriptor, error) {
	r.mu.RLock()
	if r.loaded {
		out := slices.Clone(r.devices)
		r.mu.RUnlock()
		return out, nil
	}
	r.mu.RUnlock()
	return r.Enumerate()
}

// Resolve maps a selection to a device. An empty id or "default" selects the
// default device of kind. An unknown id falls back to the first enumerated
// device of kind.
func (r *Registry) Resolve(kind domain.DeviceKind, id string) (domain.DeviceDescriptor, error) {
	list, err := r.Devices()
	if err != nil {
		return domain.DeviceDescriptor{}, domain.NewCallError(domain.KindDeviceNotFound, "resolve", err)
	}
	explicit := id != "" && id != domain.DefaultDeviceID
	var first, def *domain.DeviceDescriptor
	for i := range list {
		d := &list[i]
		if d.Kind != kind {
			continue
		}
		if explicit && d.DeviceID == id {
			return *d, nil
		}
		if first == nil {
			first = d
		}
		if d.IsDefault && def == nil {
			def = d
		}
	}
	if first == nil {
		return domain.DeviceDescriptor{}, domain.NewCallError(domain.KindDeviceNotFound, "resolve",
			fmt.Errorf("no %s device", kind))
	}
	if !explicit {
		if def != nil {
			return *def, nil
		}
		return *first, nil
	}
	log.Warn().
		Str("module", "devices").
		Str("kind", string(kind)).
		Str("requested", id).
		Str("using", first.DeviceID).
		Msg("device not found, falling back to first device")
	return *first, nil
}

// OnChange registers cb for hot-plug changes and returns its cancel func.
func (r *Registry) OnChange(cb ChangeFunc) func() {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = cb
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// Notify reports a possible device change. Bursts of notifications inside
// the debounce window collapse into one refresh.
func (r *Registry) Notify() {
	r.debounce(r.refresh)
}

// Watch polls the source every interval until ctx is done.
func (r *Registry) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Notify()
		}
	}
}

func (r *Registry) refresh() {
	r.mu.RLock()
	prev := r.devices
	r.mu.RUnlock()

	next, err := r.Enumerate()
	if err != nil {
		log.Warn().Err(err).Str("module", "devices").Msg("refresh failed")
		return
	}
	if slices.Equal(prev, next) {
		return
	}
	log.Info().Str("module", "devices").Int("count", len(next)).Msg("device set changed")

	r.mu.RLock()
	subs := make([]ChangeFunc, 0, len(r.subs))
	for _, cb := range r.subs {
		subs = append(subs, cb)
	}
	r.mu.RUnlock()
	for _, cb := range subs {
		cb(slices.Clone(next))
	}
}

func normalize(raw []domain.DeviceDescriptor) []domain.DeviceDescriptor {
	type key struct {
		kind domain.DeviceKind
		id   string
	}
	seen := make(map[key]bool, len(raw))
	hasDefault := make(map[domain.DeviceKind]bool)
	out := make([]domain.DeviceDescriptor, 0, len(raw))
	for _, d := range raw {
		k := key{d.Kind, d.DeviceID}
		if d.DeviceID == "" || seen[k] {
			continue
		}
		seen[k] = true
		if d.IsDefault {
			if hasDefault[d.Kind] {
				d.IsDefault = false
			}
			hasDefault[d.Kind] = true
		}
		out = append(out, d)
	}
	for i := range out {
		if !hasDefault[out[i].Kind] {
			out[i].IsDefault = true
			hasDefault[out[i].Kind] = true
		}
	}
	return out
}

package core

import (
	"sort"
	"sync"

	"github.com/dkeye/rtcall/internal/domain"
	"github.com/rs/zerolog/log"
)

// directoryImpl is a threadsafe in-memory participant directory.
type directoryImpl struct {
	mu     sync.RWMutex
	bySID  map[SessionID]ParticipantSession
	byPart map[domain.ParticipantID]SessionID
}

func NewDirectory() Directory {
	return &directoryImpl{
		bySID:  make(map[SessionID]ParticipantSession),
		byPart: make(map[domain.ParticipantID]SessionID),
	}
}

func (d *directoryImpl) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.bySID)
}

// Add registers ps; a newer connection of the same participant replaces the older one.
func (d *directoryImpl) Add(sid SessionID, ps ParticipantSession) {
	p := ps.Meta().ID
	d.mu.Lock()
	defer d.mu.Unlock()
	if old, ok := d.byPart[p]; ok && old != sid {
		delete(d.bySID, old)
		log.Info().Str("module", "core.directory").Str("sid", string(old)).Str("participant", string(p)).Msg("replaced by newer connection")
	}
	d.bySID[sid] = ps
	d.byPart[p] = sid
	log.Info().Str("module", "core.directory").Str("sid", string(sid)).Str("participant", string(p)).Msg("participant added")
}

func (d *directoryImpl) Remove(sid SessionID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ps, ok := d.bySID[sid]; ok {
		p := ps.Meta().ID
		if d.byPart[p] == sid {
			delete(d.byPart, p)
		}
	}
	delete(d.bySID, sid)
	log.Info().Str("module", "core.directory").Str("sid", string(sid)).Msg("participant removed")
}

func (d *directoryImpl) Lookup(id domain.ParticipantID) (SessionID, ParticipantSession, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sid, ok := d.byPart[id]
	if !ok {
		return "", nil, false
	}
	return sid, d.bySID[sid], true
}

func (d *directoryImpl) Deliver(to domain.ParticipantID, data Frame) DeliveryResult {
	_, ps, ok := d.Lookup(to)
	if !ok {
		return DeliveryResult{}
	}
	if err := ps.Signal().TrySend(data); err != nil {
		log.Debug().Str("module", "core.directory").Str("to", string(to)).Err(err).Msg("delivery dropped")
		return DeliveryResult{Dropped: ps}
	}
	return DeliveryResult{Delivered: true}
}

func (d *directoryImpl) Snapshot() []domain.Participant {
	d.mu.RLock()
	out := make([]domain.Participant, 0, len(d.bySID))
	for _, ps := range d.bySID {
		out = append(out, *ps.Meta())
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

package app

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/rtcall/internal/core"
	"github.com/rs/zerolog/log"
)

type sessionEntry struct {
	Session     core.ParticipantSession
	Cancel      context.CancelFunc
	ConnectedAt time.Time
}

// Registry tracks the hub connections that are alive and how to tear them down.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[core.SessionID]*sessionEntry),
	}
}

func (r *Registry) BindSignal(sid core.SessionID, sess core.ParticipantSession, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sid] = &sessionEntry{Session: sess, Cancel: cancel, ConnectedAt: time.Now()}
	log.Info().
		Str("module", "app.registry").
		Str("sid", string(sid)).
		Str("participant", sess.Meta().ID.String()).
		Msg("bound signal")
}

func (r *Registry) GetSession(sid core.SessionID) (core.ParticipantSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return e.Session, true
	}
	return nil, false
}

// ConnectedAt reports when sid was bound.
func (r *Registry) ConnectedAt(sid core.SessionID) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return e.ConnectedAt, true
	}
	return time.Time{}, false
}

func (r *Registry) Unbind(sid core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sid]; !ok {
		return
	}
	delete(r.sessions, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("unbind session")
}

// Cancel stops the pumps of sid. The entry stays until the adapter unbinds it.
func (r *Registry) Cancel(sid core.SessionID) bool {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("canceled session")
	return true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

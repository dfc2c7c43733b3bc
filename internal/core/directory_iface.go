package core

import "github.com/dkeye/rtcall/internal/domain"

// SessionID identifies one hub connection; a participant reconnecting gets a new one.
type SessionID string

// ParticipantSession binds a participant and its transport endpoint.
type ParticipantSession interface {
	Meta() *domain.Participant
	Signal() SignalConnection
}

// DeliveryResult reports delivery and back-pressure to the relay.
type DeliveryResult struct {
	Delivered bool
	Dropped   ParticipantSession
}

// Directory is the set of participants currently reachable through the hub.
// It never closes adapter-owned resources.
type Directory interface {
	Add(sid SessionID, ps ParticipantSession)
	Remove(sid SessionID)
	Lookup(id domain.ParticipantID) (SessionID, ParticipantSession, bool)
	Deliver(to domain.ParticipantID, data Frame) DeliveryResult
	Count() int
	Snapshot() []domain.Participant
}

type participantSession struct {
	meta *domain.Participant
	conn SignalConnection
}

func NewParticipantSession(meta *domain.Participant, conn SignalConnection) ParticipantSession {
	return &participantSession{meta: meta, conn: conn}
}

func (p *participantSession) Meta() *domain.Participant { return p.meta }
func (p *participantSession) Signal() SignalConnection  { return p.conn }

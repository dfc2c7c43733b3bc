package call

import (
	"github.com/dkeye/rtcall/internal/domain"
	"github.com/pion/webrtc/v4"
)

// offerSlot holds at most one offer that arrived before the peer connection
// existed. Only one offer can be outstanding per negotiation round, so a newer
// offer overwrites the older one.
type offerSlot struct {
	env *domain.SignalEnvelope
}

func (s *offerSlot) store(env domain.SignalEnvelope) (replaced bool) {
	replaced = s.env != nil
	s.env = &env
	return replaced
}

func (s *offerSlot) take() (domain.SignalEnvelope, bool) {
	if s.env == nil {
		return domain.SignalEnvelope{}, false
	}
	env := *s.env
	s.env = nil
	return env, true
}

func (s *offerSlot) clear() { s.env = nil }

func (s *offerSlot) pending() bool { return s.env != nil }

// candidateQueue keeps remote ICE candidates in arrival order until a remote
// description has been applied.
type candidateQueue struct {
	items []webrtc.ICECandidateInit
}

func (q *candidateQueue) push(c webrtc.ICECandidateInit) { q.items = append(q.items, c) }

func (q *candidateQueue) len() int { return len(q.items) }

// drain hands every queued candidate to apply in FIFO order and empties the
// queue. A failing candidate does not stop the drain.
func (q *candidateQueue) drain(apply func(webrtc.ICECandidateInit) error, onErr func(webrtc.ICECandidateInit, error)) int {
	items := q.items
	q.items = nil
	for _, c := range items {
		if err := apply(c); err != nil && onErr != nil {
			onErr(c, err)
		}
	}
	return len(items)
}

func (q *candidateQueue) clear() { q.items = nil }

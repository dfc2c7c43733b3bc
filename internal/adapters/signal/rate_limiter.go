package signal

import (
	"sync"

	"github.com/dkeye/rtcall/internal/core"
	"golang.org/x/time/rate"
)

// ParticipantRateLimiter holds one token bucket per hub connection.
type ParticipantRateLimiter struct {
	mu      sync.Mutex
	buckets map[core.SessionID]*rate.Limiter
	limit   rate.Limit
	burst   int
}

// NewParticipantRateLimiter allows perSecond frames on average with bursts
// of burst. A non-positive perSecond disables limiting.
func NewParticipantRateLimiter(perSecond float64, burst int) *ParticipantRateLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &ParticipantRateLimiter{
		buckets: make(map[core.SessionID]*rate.Limiter),
		limit:   limit,
		burst:   burst,
	}
}

func (rl *ParticipantRateLimiter) Allow(sid core.SessionID) bool {
	rl.mu.Lock()
	b, ok := rl.buckets[sid]
	if !ok {
		b = rate.NewLimiter(rl.limit, rl.burst)
		rl.buckets[sid] = b
	}
	rl.mu.Unlock()
	return b.Allow()
}

func (rl *ParticipantRateLimiter) Forget(sid core.SessionID) {
	rl.mu.Lock()
	delete(rl.buckets, sid)
	rl.mu.Unlock()
}

// SetLimit retunes every bucket, existing ones included.
func (rl *ParticipantRateLimiter) SetLimit(perSecond float64, burst int) {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.limit, rl.burst = limit, burst
	for _, b := range rl.buckets {
		b.SetLimit(limit)
		b.SetBurst(burst)
	}
}

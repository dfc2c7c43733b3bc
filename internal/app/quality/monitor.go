package quality

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/rtcall/internal/core"
	"github.com/dkeye/rtcall/internal/domain"
	"github.com/rs/zerolog/log"
)

const DefaultInterval = 2 * time.Second

// Monitor polls link statistics and classifies the loss of each interval.
// It is advisory only and never acts on the connection.
type Monitor struct {
	src      core.StatsSource
	interval time.Duration
	onSample func(sample domain.QualitySample, changed bool)

	mu     sync.Mutex
	last   core.LinkStats
	sample domain.QualitySample
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor builds a stopped monitor. onSample runs on the polling goroutine.
func NewMonitor(src core.StatsSource, interval time.Duration, onSample func(domain.QualitySample, bool)) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{src: src, interval: interval, onSample: onSample}
}

// Start takes a baseline and polls until Stop or ctx is done. Starting a
// running monitor is a no-op. The tier survives a Stop/Start cycle.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	m.last = m.src.Stats()
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.run(ctx, m.done)
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sample, changed := m.Poll()
			if m.onSample != nil && ctx.Err() == nil {
				m.onSample(sample, changed)
			}
		}
	}
}

// Stop halts polling and waits for the polling goroutine to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

// Poll reads the counters once and classifies the delta since the previous
// poll. An interval without packets keeps the previous tier.
func (m *Monitor) Poll() (domain.QualitySample, bool) {
	cur := m.src.Stats()

	m.mu.Lock()
	defer m.mu.Unlock()

	lost := cur.PacketsLost - m.last.PacketsLost
	received := cur.PacketsReceived - m.last.PacketsReceived
	m.last = cur
	if lost < 0 {
		// Late duplicates can move the cumulative loss counter backwards.
		lost = 0
	}
	if received < 0 {
		received = 0
	}

	prev := m.sample.Tier
	next := domain.QualitySample{
		Timestamp:       time.Now(),
		PacketsLost:     lost,
		PacketsReceived: received,
		Jitter:          cur.Jitter,
		RoundTripTime:   cur.RoundTripTime,
		Tier:            prev,
	}
	if expected := lost + received; expected > 0 {
		next.LossRatio = float64(lost) / float64(expected)
		next.Tier = domain.ClassifyLoss(next.LossRatio)
	}
	m.sample = next

	changed := next.Tier != prev
	if changed {
		log.Debug().
			Str("module", "quality").
			Str("from", string(prev)).
			Str("to", string(next.Tier)).
			Float64("loss", next.LossRatio).
			Msg("link quality changed")
	}
	return next, changed
}

// Latest returns the most recent sample.
func (m *Monitor) Latest() domain.QualitySample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sample
}

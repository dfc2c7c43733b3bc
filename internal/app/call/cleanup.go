package call

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type cleanupStep struct {
	name string
	fn   func() error
}

// Cleanup releases session resources exactly once, in registration order.
// A session can see a remote hangup and a local teardown back to back, so
// every run after the first is a no-op.
type Cleanup struct {
	steps  []cleanupStep
	once   sync.Once
	runs   atomic.Int32
	logger zerolog.Logger
}

func NewCleanup(logger zerolog.Logger) *Cleanup {
	return &Cleanup{logger: logger}
}

// Step appends a release step. Steps must be registered before the first Run.
func (c *Cleanup) Step(name string, fn func() error) {
	c.steps = append(c.steps, cleanupStep{name: name, fn: fn})
}

// Run executes all steps; a failing step is logged and the rest still run.
// It reports whether this call performed the cleanup.
func (c *Cleanup) Run() bool {
	ran := false
	c.once.Do(func() {
		for _, s := range c.steps {
			if err := s.fn(); err != nil {
				c.logger.Warn().Err(err).Str("step", s.name).Msg("cleanup step failed")
			}
		}
		c.runs.Add(1)
		ran = true
		c.logger.Debug().Int("steps", len(c.steps)).Msg("cleanup complete")
	})
	return ran
}

func (c *Cleanup) Runs() int { return int(c.runs.Load()) }

func (c *Cleanup) Done() bool { return c.runs.Load() > 0 }

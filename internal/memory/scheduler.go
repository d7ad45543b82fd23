package memory

import (
	"context"
	"time"

	"github.com/corvid-labs/grounder/internal/log"
)

// DefaultInterval is how often the scheduler runs a summarization cycle.
const DefaultInterval = 5 * time.Minute

// Scheduler drives the summarizer on a fixed interval.
type Scheduler struct {
	summarizer *Summarizer
	interval   time.Duration
	logger     log.Logger
}

func NewScheduler(summarizer *Summarizer, interval time.Duration, logger log.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Scheduler{summarizer: summarizer, interval: interval, logger: logger}
}

// Run blocks until ctx is canceled, running one summarization cycle per
// tick. Callers must track the goroutine with a WaitGroup.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.summarizer.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("memory cycle failed", "error", err)
			}
		}
	}
}

package scanner

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler runs the scanner on a fixed interval.
type Scheduler struct {
	scanner  *Scanner
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler constructs a scheduler; intervals below one second default to five minutes.
func NewScheduler(scanner *Scanner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval < time.Second {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{scanner: scanner, interval: interval, logger: logger}
}

// Start runs a pass immediately and then on every tick until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.scanner == nil {
		return
	}
	s.runOnce(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if _, err := s.scanner.Run(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("consistency scan failed", slog.Any("error", err))
	}
}

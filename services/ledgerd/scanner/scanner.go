// Package scanner re-drives records left behind by crashes or lost jobs.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"coopledger/observability"
	"coopledger/services/ledgerd/models"
	"coopledger/services/ledgerd/store"
)

// Store is the subset of the ledger store the scanner reads.
type Store interface {
	Find(ctx context.Context, f store.Filter) ([]models.TransactionRecord, error)
}

// Processor drives a hash to its terminal state.
type Processor interface {
	Process(ctx context.Context, hash string) error
}

// Resumer re-runs the follow-up of a MINED record still REQUIRED.
type Resumer interface {
	Resume(ctx context.Context, rec models.TransactionRecord) error
}

// Recoverer puts jobs abandoned by crashed workers back on their queue.
type Recoverer interface {
	RecoverStale(ctx context.Context) (int64, error)
}

// Report summarises one pass.
type Report struct {
	Pending       int   `json:"pending"`
	Resolved      int   `json:"resolved"`
	Errors        int   `json:"errors"`
	Resumed       int   `json:"resumed"`
	ResumeErrors  int   `json:"resume_errors"`
	RecoveredJobs int64 `json:"recovered_jobs"`
}

// Config tunes the scanner.
type Config struct {
	// SupervisorGrace is how long a MINED record may stay REQUIRED before it is resumed.
	SupervisorGrace time.Duration
}

// Scanner walks the ledger sequentially. It never skips a PENDING record because of its age.
// Passes never overlap: a manual run waits for a scheduled one.
type Scanner struct {
	mu        sync.Mutex
	store     Store
	processor Processor
	resumer   Resumer
	recoverer Recoverer
	cfg       Config
	now       func() time.Time
	logger    *slog.Logger
	metrics   *observability.LedgerdMetrics
}

// New constructs a Scanner. resumer and recoverer may be nil.
func New(st Store, processor Processor, resumer Resumer, recoverer Recoverer, cfg Config, logger *slog.Logger) *Scanner {
	if cfg.SupervisorGrace <= 0 {
		cfg.SupervisorGrace = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		store:     st,
		processor: processor,
		resumer:   resumer,
		recoverer: recoverer,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger,
		metrics:   observability.Ledgerd(),
	}
}

// Run performs one pass. Per-record errors are counted, not returned.
func (s *Scanner) Run(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var report Report
	if s.recoverer != nil {
		recovered, err := s.recoverer.RecoverStale(ctx)
		if err != nil {
			s.logger.Warn("stale job recovery failed", slog.Any("error", err))
		}
		report.RecoveredJobs = recovered
	}

	pending, err := s.store.Find(ctx, store.Filter{States: []models.TxState{models.StatePending}})
	if err != nil {
		return report, fmt.Errorf("scanner: list pending: %w", err)
	}
	seen := make(map[string]struct{}, len(pending))
	for _, rec := range pending {
		if _, dup := seen[rec.Hash]; dup {
			continue
		}
		seen[rec.Hash] = struct{}{}
		report.Pending++
		if err := s.processor.Process(ctx, rec.Hash); err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.Errors++
			s.metrics.RecordScan("pending", "error")
			s.logger.Warn("re-drive failed", slog.String("hash", rec.Hash), slog.Any("error", err))
			continue
		}
		report.Resolved++
		s.metrics.RecordScan("pending", "resolved")
	}

	if s.resumer != nil {
		stuck, err := s.store.Find(ctx, store.Filter{
			States:           []models.TxState{models.StateMined},
			SupervisorStatus: models.SupervisorRequired,
			UpdatedBefore:    s.now().Add(-s.cfg.SupervisorGrace),
		})
		if err != nil {
			return report, fmt.Errorf("scanner: list stuck: %w", err)
		}
		for _, rec := range stuck {
			if err := s.resumer.Resume(ctx, rec); err != nil {
				report.ResumeErrors++
				s.metrics.RecordScan("supervisor", "error")
				s.logger.Warn("resume failed", slog.String("hash", rec.Hash), slog.Any("error", err))
				continue
			}
			report.Resumed++
			s.metrics.RecordScan("supervisor", "resumed")
		}
	}

	s.logger.Info("consistency scan finished",
		slog.Int("pending", report.Pending),
		slog.Int("resolved", report.Resolved),
		slog.Int("errors", report.Errors),
		slog.Int("resumed", report.Resumed))
	return report, nil
}

package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"coopledger/observability"
	"coopledger/services/ledgerd/models"
)

// Disposition tells the pool what to do with a handled job.
type Disposition int

const (
	// Ack completes the job.
	Ack Disposition = iota
	// Retry reschedules the job after the queue backoff until its attempts are spent.
	Retry
	// Discard fails the job without further attempts.
	Discard
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case Discard:
		return "discard"
	default:
		return "unknown"
	}
}

// Handler processes one job synchronously.
type Handler func(ctx context.Context, job *models.Job) (Disposition, error)

// Pool runs a fixed number of workers against one queue. While a handler runs, the pool
// renews the job's lease every heartbeat interval.
type Pool struct {
	queue     *Queue
	name      string
	handler   Handler
	workers   int
	idle      time.Duration
	heartbeat time.Duration
	logger    *slog.Logger
	metrics   *observability.LedgerdMetrics
}

// NewPool constructs a worker pool.
func NewPool(q *Queue, name string, handler Handler, workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		queue:     q,
		name:      name,
		handler:   handler,
		workers:   workers,
		idle:      250 * time.Millisecond,
		heartbeat: q.Lease() / 3,
		logger:    logger.With(slog.String("queue", name)),
		metrics:   observability.Ledgerd(),
	}
}

// SetHeartbeat overrides the lease renewal interval; zero disables renewal.
func (p *Pool) SetHeartbeat(d time.Duration) {
	p.heartbeat = d
}

// Run blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.work(ctx, worker)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) work(ctx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}
		handled, err := p.Step(ctx)
		if err != nil {
			p.logger.Error("queue step failed", slog.Int("worker", worker), slog.Any("error", err))
		}
		if handled {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.idle):
		}
	}
}

// Step claims and handles at most one job. It reports whether a job was handled.
func (p *Pool) Step(ctx context.Context) (bool, error) {
	job, err := p.queue.Claim(ctx, p.name)
	if err != nil || job == nil {
		return false, err
	}
	stop := p.keepAlive(ctx, job)
	disposition, herr := p.handler(ctx, job)
	stop()
	p.metrics.RecordJob(p.name, disposition.String())
	switch disposition {
	case Ack:
		return true, p.queue.Complete(ctx, job)
	case Discard:
		p.logger.Error("job discarded",
			slog.String("job", job.ID.String()),
			slog.String("ref", job.Ref),
			slog.Any("error", herr))
		return true, p.queue.Fail(ctx, job, herr)
	default:
		again, err := p.queue.Reschedule(ctx, job, herr)
		if err != nil {
			return true, err
		}
		if again {
			p.logger.Warn("job rescheduled",
				slog.String("job", job.ID.String()),
				slog.String("ref", job.Ref),
				slog.Int("attempt", job.Attempts),
				slog.Any("error", herr))
		} else {
			p.logger.Error("job failed after retries",
				slog.String("job", job.ID.String()),
				slog.String("ref", job.Ref),
				slog.Int("attempts", job.Attempts),
				slog.Any("error", herr))
		}
		return true, nil
	}
}

func (p *Pool) keepAlive(ctx context.Context, job *models.Job) func() {
	if p.heartbeat <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.Heartbeat(ctx, job); err != nil {
					p.logger.Warn("lease renewal failed", slog.String("job", job.ID.String()), slog.Any("error", err))
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// Drain handles due jobs until none remain and returns how many were handled.
func (p *Pool) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		handled, err := p.Step(ctx)
		if err != nil {
			return n, err
		}
		if !handled {
			return n, nil
		}
		n++
	}
}

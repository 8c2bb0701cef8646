// Package confirm waits for operations to become final and submits operations without
// losing track of them when the account sequence collides.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"coopledger/services/ledgerd/chain"
)

// ErrConfirmationTimeout is returned when the attempt budget is spent before the operation
// reaches the requested depth.
var ErrConfirmationTimeout = errors.New("confirm: confirmation timeout")

const (
	defaultAttempts = 30
	defaultInterval = time.Second
)

// WaiterOption customises a Waiter.
type WaiterOption func(*Waiter)

// WithAttempts overrides the shared attempt budget.
func WithAttempts(n int) WaiterOption {
	return func(w *Waiter) {
		if n > 0 {
			w.attempts = n
		}
	}
}

// WithInterval overrides the sleep between attempts.
func WithInterval(d time.Duration) WaiterOption {
	return func(w *Waiter) {
		if d >= 0 {
			w.interval = d
		}
	}
}

// WithPollBlocks bounds each underlying Poll call.
func WithPollBlocks(n uint64) WaiterOption {
	return func(w *Waiter) { w.pollBlocks = n }
}

// WithWaiterLogger sets the logger.
func WithWaiterLogger(logger *slog.Logger) WaiterOption {
	return func(w *Waiter) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// Waiter polls an operation until it is mined and, optionally, buried under a number of blocks.
type Waiter struct {
	adapter    chain.Adapter
	attempts   int
	interval   time.Duration
	pollBlocks uint64
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewWaiter constructs a Waiter.
func NewWaiter(adapter chain.Adapter, opts ...WaiterOption) *Waiter {
	w := &Waiter{
		adapter:    adapter,
		attempts:   defaultAttempts,
		interval:   defaultInterval,
		pollBlocks: 10,
		logger:     slog.Default(),
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Wait returns the terminal info of hash once it has at least depth blocks on top of it.
// Depth zero returns as soon as the operation is mined. Every failed check, including node
// errors, consumes one attempt.
func (w *Waiter) Wait(ctx context.Context, hash string, depth uint64) (*chain.OperationInfo, error) {
	if w == nil || w.adapter == nil {
		return nil, fmt.Errorf("confirm: waiter not configured")
	}
	var lastErr error
	for attempt := 1; attempt <= w.attempts; attempt++ {
		info, err := w.check(ctx, hash, depth)
		if err == nil {
			return info, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		lastErr = err
		w.logger.Debug("confirmation pending",
			slog.String("hash", hash),
			slog.Int("attempt", attempt),
			slog.String("reason", err.Error()))
		if attempt == w.attempts {
			break
		}
		if err := w.sleep(ctx, w.interval); err != nil {
			return nil, err
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfirmationTimeout, hash, lastErr)
	}
	return nil, fmt.Errorf("%w: %s", ErrConfirmationTimeout, hash)
}

func (w *Waiter) check(ctx context.Context, hash string, depth uint64) (*chain.OperationInfo, error) {
	info, err := w.adapter.Poll(ctx, hash, chain.PollOptions{Blocks: w.pollBlocks, Interval: w.interval})
	if err != nil {
		return nil, err
	}
	if depth == 0 {
		return info, nil
	}
	height, err := w.adapter.Height(ctx)
	if err != nil {
		return nil, err
	}
	if height < info.BlockHeight || height-info.BlockHeight < depth {
		return nil, fmt.Errorf("insufficient depth: mined at %d, head %d, want %d", info.BlockHeight, height, depth)
	}
	reread, err := w.adapter.OperationInfo(ctx, hash)
	if err != nil {
		return nil, err
	}
	if reread.BlockHeight != info.BlockHeight {
		return nil, fmt.Errorf("operation moved from block %d to %d", info.BlockHeight, reread.BlockHeight)
	}
	return reread, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package confirm

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"coopledger/services/ledgerd/chain"
)

// ErrSubmissionExhausted is returned when every attempt collided on the account sequence and
// none of the colliding operations turned out to be ours.
var ErrSubmissionExhausted = errors.New("confirm: submission attempts exhausted")

// BuildFunc produces a freshly signed operation. It is called again on every retry so the
// nonce can be re-read.
type BuildFunc func(ctx context.Context) (chain.SignedOperation, error)

// Submitter submits signed operations and resolves nonce collisions by checking whether the
// colliding slot is already occupied by the very operation being submitted.
type Submitter struct {
	adapter  chain.Adapter
	attempts int
	poll     chain.PollOptions
	logger   *slog.Logger
}

// NewSubmitter constructs a Submitter with the given attempt budget.
func NewSubmitter(adapter chain.Adapter, attempts int, poll chain.PollOptions, logger *slog.Logger) *Submitter {
	if attempts <= 0 {
		attempts = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{adapter: adapter, attempts: attempts, poll: poll, logger: logger}
}

// Submit builds and submits an operation. Failures other than a nonce conflict are returned
// immediately.
func (s *Submitter) Submit(ctx context.Context, build BuildFunc) (*chain.SubmitResult, error) {
	if s == nil || s.adapter == nil {
		return nil, fmt.Errorf("confirm: submitter not configured")
	}
	if build == nil {
		return nil, fmt.Errorf("confirm: build function required")
	}
	for attempt := 1; attempt <= s.attempts; attempt++ {
		signed, err := build(ctx)
		if err != nil {
			return nil, fmt.Errorf("confirm: build operation: %w", err)
		}
		hash, err := s.adapter.Submit(ctx, signed)
		if err == nil {
			return resultFor(hash, signed, nil), nil
		}
		if !errors.Is(err, chain.ErrNonceConflict) {
			return nil, err
		}
		expected := chain.OperationHash(signed)
		info, pollErr := s.adapter.Poll(ctx, expected, s.poll)
		if pollErr == nil && info.Succeeded() {
			s.logger.Info("nonce conflict resolved by included operation",
				slog.String("hash", expected),
				slog.Int("attempt", attempt))
			return resultFor(expected, signed, info), nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		s.logger.Warn("nonce conflict, rebuilding operation",
			slog.String("caller", signed.Operation.CallerID),
			slog.Uint64("nonce", signed.Operation.Nonce),
			slog.Int("attempt", attempt))
	}
	return nil, ErrSubmissionExhausted
}

func resultFor(hash string, signed chain.SignedOperation, info *chain.OperationInfo) *chain.SubmitResult {
	return &chain.SubmitResult{
		Hash:       hash,
		CallerID:   signed.Operation.CallerID,
		ContractID: signed.Operation.ContractID,
		CallData:   hex.EncodeToString(signed.Payload),
		Info:       info,
	}
}

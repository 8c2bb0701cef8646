// Package broadcast accepts caller-signed operations into the ledger lifecycle.
package broadcast

import (
	"context"
	"fmt"
	"log/slog"

	"coopledger/services/ledgerd/chain"
	"coopledger/services/ledgerd/confirm"
	"coopledger/services/ledgerd/ingest"
	"coopledger/services/ledgerd/store"
)

// RejectedError reports an operation the dry-run says would revert.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("broadcast: operation rejected: %s", e.Reason)
}

// Ingester writes ledger records for an execution.
type Ingester interface {
	Ingest(ctx context.Context, req ingest.Request) ([]store.UpsertResult, error)
}

// Reprocessor schedules a hash for the outcome handler.
type Reprocessor interface {
	EnqueueReprocess(ctx context.Context, hash string) error
}

// Service submits operations and returns as soon as the node accepted them; outcomes are
// delivered through notifications.
type Service struct {
	adapter   chain.Adapter
	submitter *confirm.Submitter
	ingestor  Ingester
	queue     Reprocessor
	logger    *slog.Logger
}

// New constructs a Service.
func New(adapter chain.Adapter, submitter *confirm.Submitter, ingestor Ingester, q Reprocessor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{adapter: adapter, submitter: submitter, ingestor: ingestor, queue: q, logger: logger}
}

// Broadcast dry-runs the operation, submits it, records its expected effects as PENDING and
// schedules confirmation. It returns the operation hash.
func (s *Service) Broadcast(ctx context.Context, tenantID string, op chain.SignedOperation) (string, error) {
	call := chain.DryRunRequest{
		CallerID:   op.Operation.CallerID,
		ContractID: op.Operation.ContractID,
		Function:   op.Operation.Function,
		Args:       op.Operation.Args,
	}
	exec, err := s.adapter.DryRun(ctx, call)
	if err != nil {
		return "", fmt.Errorf("broadcast: dry-run: %w", err)
	}
	if !exec.Succeeded() {
		reason := exec.ReturnValue
		if decoded, derr := s.adapter.DecodeError(ctx, exec.ReturnValue); derr == nil && decoded != "" {
			reason = decoded
		}
		return "", &RejectedError{Reason: reason}
	}
	exec.CallerID, exec.ContractID, exec.Function = call.CallerID, call.ContractID, call.Function

	res, err := s.submitter.Submit(ctx, func(context.Context) (chain.SignedOperation, error) { return op, nil })
	if err != nil {
		return "", err
	}
	if _, err := s.ingestor.Ingest(ctx, ingest.Request{Hash: res.Hash, TenantID: tenantID, Execution: *exec}); err != nil {
		return "", fmt.Errorf("broadcast: record %s: %w", res.Hash, err)
	}
	if err := s.queue.EnqueueReprocess(ctx, res.Hash); err != nil {
		return "", fmt.Errorf("broadcast: schedule %s: %w", res.Hash, err)
	}
	s.logger.Info("operation broadcast",
		slog.String("hash", res.Hash),
		slog.String("tenant", tenantID),
		slog.String("function", call.Function))
	return res.Hash, nil
}

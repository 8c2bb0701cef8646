// Package funding transfers platform funds to wallets and closes the records that asked for it.
package funding

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"coopledger/services/ledgerd/cache"
	"coopledger/services/ledgerd/chain"
	"coopledger/services/ledgerd/models"
	"coopledger/services/ledgerd/notify"
	"coopledger/services/ledgerd/queue"
	"coopledger/services/ledgerd/store"
)

// Store is the subset of the ledger store the handler needs.
type Store interface {
	Find(ctx context.Context, f store.Filter) ([]models.TransactionRecord, error)
	MarkSupervisorProcessed(ctx context.Context, hash string) (int64, error)
}

// Funder transfers native currency from the platform account.
type Funder interface {
	Fund(ctx context.Context, account string, amount *big.Int) (string, error)
}

// Waiter blocks until an operation is final.
type Waiter interface {
	Wait(ctx context.Context, hash string, depth uint64) (*chain.OperationInfo, error)
}

// Handler executes funding jobs.
type Handler struct {
	funder Funder
	waiter Waiter
	store  Store
	sink   notify.Sink
	cache  cache.Invalidator
	logger *slog.Logger
}

// NewHandler constructs a Handler.
func NewHandler(funder Funder, waiter Waiter, st Store, sink notify.Sink, logger *slog.Logger) *Handler {
	if sink == nil {
		sink = notify.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{funder: funder, waiter: waiter, store: st, sink: sink, cache: cache.Noop{}, logger: logger}
}

// SetCache sets the tenant cache invalidated when a funded origin closes.
func (h *Handler) SetCache(c cache.Invalidator) {
	if c != nil {
		h.cache = c
	}
}

// Handle transfers the amount to every wallet. A job whose origin is already PROCESSED is
// skipped; a job retried after a partial transfer funds the earlier wallets again.
func (h *Handler) Handle(ctx context.Context, job queue.FundingJob) error {
	if !job.Amount.IsPositive() {
		return fmt.Errorf("funding: amount must be positive")
	}
	var origins []models.TransactionRecord
	if job.OriginHash != "" {
		var err error
		origins, err = h.openOrigin(ctx, job.OriginHash)
		if err != nil {
			return err
		}
		if len(origins) == 0 {
			h.logger.Info("funding skipped, origin already processed", slog.String("origin", job.OriginHash))
			return nil
		}
	}
	amount := chain.ToBase(job.Amount)
	for _, wallet := range job.Wallets {
		hash, err := h.funder.Fund(ctx, wallet, amount)
		if err != nil {
			return fmt.Errorf("funding: transfer to %s: %w", wallet, err)
		}
		info, err := h.waiter.Wait(ctx, hash, 0)
		if err != nil {
			return fmt.Errorf("funding: confirm transfer to %s: %w", wallet, err)
		}
		if !info.Succeeded() {
			return fmt.Errorf("funding: transfer %s to %s reverted", hash, wallet)
		}
		h.logger.Info("wallet funded",
			slog.String("wallet", wallet),
			slog.String("amount", job.Amount.String()),
			slog.String("hash", hash))
	}
	if job.OriginHash != "" {
		closed, err := h.store.MarkSupervisorProcessed(ctx, job.OriginHash)
		if err != nil {
			return err
		}
		if closed > 0 {
			h.invalidate(ctx, origins)
		}
	}
	for _, wallet := range job.Wallets {
		h.sink.NotifyWallet(ctx, wallet)
	}
	return nil
}

// openOrigin returns the records of origin still waiting for their follow-up.
func (h *Handler) openOrigin(ctx context.Context, origin string) ([]models.TransactionRecord, error) {
	return h.store.Find(ctx, store.Filter{Hash: origin, SupervisorStatus: models.SupervisorRequired})
}

func (h *Handler) invalidate(ctx context.Context, records []models.TransactionRecord) {
	seen := make(map[string]struct{})
	for _, rec := range records {
		if rec.TenantID == "" {
			continue
		}
		if _, dup := seen[rec.TenantID]; dup {
			continue
		}
		seen[rec.TenantID] = struct{}{}
		if err := h.cache.Invalidate(ctx, rec.TenantID); err != nil {
			h.logger.Warn("cache invalidation failed", slog.String("tenant", rec.TenantID), slog.Any("error", err))
		}
	}
}

// QueueHandler adapts the handler to the funding queue.
func (h *Handler) QueueHandler() queue.Handler {
	return func(ctx context.Context, job *models.Job) (queue.Disposition, error) {
		payload, err := queue.Decode[queue.FundingJob](job)
		if err != nil {
			return queue.Discard, err
		}
		if err := h.Handle(ctx, payload); err != nil {
			return queue.Retry, err
		}
		return queue.Ack, nil
	}
}

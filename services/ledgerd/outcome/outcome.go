// Package outcome drives an operation hash to its terminal ledger state.
package outcome

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"coopledger/observability"
	"coopledger/services/ledgerd/cache"
	"coopledger/services/ledgerd/chain"
	"coopledger/services/ledgerd/ingest"
	"coopledger/services/ledgerd/models"
	"coopledger/services/ledgerd/notify"
	"coopledger/services/ledgerd/queue"
	"coopledger/services/ledgerd/store"
)

// Store is the subset of the ledger store the handler needs.
type Store interface {
	FindByHash(ctx context.Context, hash string) ([]models.TransactionRecord, error)
	TransitionState(ctx context.Context, id uuid.UUID, state models.TxState, errorMessage string) (bool, error)
	MarkSupervisorProcessed(ctx context.Context, hash string) (int64, error)
}

// Ingester writes ledger records for an execution.
type Ingester interface {
	Ingest(ctx context.Context, req ingest.Request) ([]store.UpsertResult, error)
}

// Waiter blocks until an operation is final.
type Waiter interface {
	Wait(ctx context.Context, hash string, depth uint64) (*chain.OperationInfo, error)
}

// FundingQueue schedules balance top-ups.
type FundingQueue interface {
	EnqueueFunding(ctx context.Context, job queue.FundingJob) (bool, error)
}

// Supervisor reacts to records that just became MINED.
type Supervisor interface {
	OnMined(ctx context.Context, rec models.TransactionRecord) error
}

// Option customises a Handler.
type Option func(*Handler)

// WithDepth sets the confirmation depth to wait for.
func WithDepth(depth uint64) Option {
	return func(h *Handler) { h.depth = depth }
}

// WithTopUp enqueues a top-up of amount for callers whose balance drops below threshold
// base units. Accounts listed in exempt are never topped up.
func WithTopUp(threshold *big.Int, amount decimal.Decimal, exempt ...string) Option {
	return func(h *Handler) {
		h.threshold = threshold
		h.topUp = amount
		for _, account := range exempt {
			h.exempt[account] = struct{}{}
		}
	}
}

// WithCache sets the tenant cache invalidated after mined records change.
func WithCache(c cache.Invalidator) Option {
	return func(h *Handler) {
		if c != nil {
			h.cache = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// Handler is safe to call repeatedly for the same hash: state transitions are compare-and-set
// and only the call that performs a transition hands the record to the supervisor.
type Handler struct {
	adapter    chain.Adapter
	waiter     Waiter
	store      Store
	ingestor   Ingester
	funding    FundingQueue
	supervisor Supervisor
	sink       notify.Sink
	cache      cache.Invalidator
	depth      uint64
	threshold  *big.Int
	topUp      decimal.Decimal
	exempt     map[string]struct{}
	logger     *slog.Logger
	metrics    *observability.LedgerdMetrics
	now        func() time.Time
}

// New constructs a Handler. The supervisor is attached later with SetSupervisor because it
// calls back into the handler.
func New(adapter chain.Adapter, waiter Waiter, st Store, ingestor Ingester, funding FundingQueue, sink notify.Sink, opts ...Option) *Handler {
	if sink == nil {
		sink = notify.Noop{}
	}
	h := &Handler{
		adapter:  adapter,
		waiter:   waiter,
		store:    st,
		ingestor: ingestor,
		funding:  funding,
		sink:     sink,
		cache:    cache.Noop{},
		exempt:   make(map[string]struct{}),
		logger:   slog.Default(),
		metrics:  observability.Ledgerd(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// SetSupervisor attaches the chained-action engine.
func (h *Handler) SetSupervisor(s Supervisor) {
	h.supervisor = s
}

// Process waits for hash to become final and applies the outcome to its records.
func (h *Handler) Process(ctx context.Context, hash string) error {
	_, err := h.Resolve(ctx, hash)
	return err
}

// Resolve is Process returning the final operation, so callers can tell a revert from a
// success.
func (h *Handler) Resolve(ctx context.Context, hash string) (*chain.OperationInfo, error) {
	start := h.now()
	info, err := h.waiter.Wait(ctx, hash, h.depth)
	if err != nil {
		h.metrics.ObserveConfirmation("timeout", h.now().Sub(start))
		return nil, fmt.Errorf("outcome: wait %s: %w", hash, err)
	}
	h.maybeTopUp(ctx, info.CallerID)

	var records []models.TransactionRecord
	if info.Succeeded() {
		h.metrics.ObserveConfirmation("mined", h.now().Sub(start))
		records, err = h.mined(ctx, hash, info)
	} else {
		h.metrics.ObserveConfirmation("failed", h.now().Sub(start))
		records, err = h.failed(ctx, hash, info)
	}
	if err != nil {
		return nil, err
	}
	for i := range records {
		for _, wallet := range records[i].Wallets() {
			h.sink.NotifyWallet(ctx, wallet)
		}
	}
	return info, nil
}

func (h *Handler) mined(ctx context.Context, hash string, info *chain.OperationInfo) ([]models.TransactionRecord, error) {
	if _, err := h.ingestor.Ingest(ctx, ingest.Request{Hash: hash, Execution: info.Execution}); err != nil {
		return nil, fmt.Errorf("outcome: ingest %s: %w", hash, err)
	}
	records, err := h.store.FindByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	var transitioned []models.TransactionRecord
	for i := range records {
		rec := &records[i]
		moved, err := h.store.TransitionState(ctx, rec.ID, models.StateMined, "")
		if err != nil {
			return nil, err
		}
		if !moved {
			continue
		}
		rec.State = models.StateMined
		if rec.ClosesOrigin() {
			if err := h.closeOrigin(ctx, *rec.OriginatedFrom); err != nil {
				return nil, err
			}
		}
		transitioned = append(transitioned, *rec)
	}
	h.invalidate(ctx, transitioned)
	if h.supervisor != nil {
		for _, rec := range transitioned {
			if err := h.supervisor.OnMined(ctx, rec); err != nil {
				h.logger.Error("supervisor action failed",
					slog.String("hash", rec.Hash),
					slog.String("type", string(rec.Type)),
					slog.Any("error", err))
			}
		}
	}
	return records, nil
}

func (h *Handler) failed(ctx context.Context, hash string, info *chain.OperationInfo) ([]models.TransactionRecord, error) {
	message := info.ReturnValue
	if decoded, err := h.adapter.DecodeError(ctx, info.ReturnValue); err == nil && decoded != "" {
		message = decoded
	} else if err != nil {
		h.logger.Warn("decode error payload failed", slog.String("hash", hash), slog.Any("error", err))
	}
	records, err := h.store.FindByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	var transitioned []models.TransactionRecord
	for i := range records {
		rec := &records[i]
		moved, err := h.store.TransitionState(ctx, rec.ID, models.StateFailed, message)
		if err != nil {
			return nil, err
		}
		if !moved {
			continue
		}
		rec.State = models.StateFailed
		rec.ErrorMessage = message
		// A failed follow-up ends its chain, batch loops included.
		if rec.OriginatedFrom != nil {
			if err := h.closeOrigin(ctx, *rec.OriginatedFrom); err != nil {
				return nil, err
			}
		}
		transitioned = append(transitioned, *rec)
	}
	// A failed record never triggers its follow-up.
	if _, err := h.store.MarkSupervisorProcessed(ctx, hash); err != nil {
		return nil, err
	}
	h.invalidate(ctx, transitioned)
	h.logger.Info("operation failed", slog.String("hash", hash), slog.String("reason", message))
	return records, nil
}

// invalidate drops the cached queries of every tenant whose records just changed.
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

func (h *Handler) closeOrigin(ctx context.Context, origin string) error {
	closed, err := h.store.MarkSupervisorProcessed(ctx, origin)
	if err != nil {
		return err
	}
	if closed > 0 {
		h.logger.Debug("supervisor chain closed", slog.String("origin", origin))
	}
	return nil
}

func (h *Handler) maybeTopUp(ctx context.Context, account string) {
	if h.funding == nil || h.threshold == nil || h.threshold.Sign() <= 0 || account == "" || !h.topUp.IsPositive() {
		return
	}
	if _, skip := h.exempt[account]; skip {
		return
	}
	balance, err := h.adapter.Balance(ctx, account)
	if err != nil {
		h.logger.Warn("balance lookup failed", slog.String("account", account), slog.Any("error", err))
		return
	}
	if balance.Cmp(h.threshold) >= 0 {
		return
	}
	if _, err := h.funding.EnqueueFunding(ctx, queue.FundingJob{Wallets: []string{account}, Amount: h.topUp}); err != nil {
		h.logger.Warn("enqueue top-up failed", slog.String("account", account), slog.Any("error", err))
	}
}

// IsFatal reports whether err can never succeed on retry.
func IsFatal(err error) bool {
	return errors.Is(err, ingest.ErrUnknownEvent) || errors.Is(err, ingest.ErrMalformedEvent)
}

// QueueHandler adapts the handler to the reprocess queue.
func (h *Handler) QueueHandler() queue.Handler {
	return func(ctx context.Context, job *models.Job) (queue.Disposition, error) {
		payload, err := queue.Decode[queue.ReprocessJob](job)
		if err != nil {
			return queue.Discard, err
		}
		if err := h.Process(ctx, payload.Hash); err != nil {
			if IsFatal(err) {
				return queue.Discard, err
			}
			return queue.Retry, err
		}
		return queue.Ack, nil
	}
}

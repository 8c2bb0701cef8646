// Package supervisor runs the platform-initiated follow-up operations of mined records.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"coopledger/crypto"
	"coopledger/observability"
	"coopledger/services/ledgerd/cache"
	"coopledger/services/ledgerd/chain"
	"coopledger/services/ledgerd/confirm"
	"coopledger/services/ledgerd/ingest"
	"coopledger/services/ledgerd/models"
	"coopledger/services/ledgerd/notify"
	"coopledger/services/ledgerd/queue"
	"coopledger/services/ledgerd/store"
)

// Contract functions called by the engine.
const (
	FnInvest             = "invest"
	FnPayoutRevenueBatch = models.FnPayoutRevenueBatch
	FnHasPendingBatches  = "has_pending_batches"
	FnTrySettle          = "try_settle"
	FnIsFullyFunded      = "is_fully_funded"
)

// Store is the subset of the ledger store the engine needs.
type Store interface {
	Find(ctx context.Context, f store.Filter) ([]models.TransactionRecord, error)
	WorkerCredential(ctx context.Context, wallet string) (crypto.WorkerCredential, error)
	MarkSupervisorProcessed(ctx context.Context, hash string) (int64, error)
	SetOwner(ctx context.Context, tenantID string, role store.OwnerRole, owner string) error
}

// Ingester writes ledger records for an execution.
type Ingester interface {
	Ingest(ctx context.Context, req ingest.Request) ([]store.UpsertResult, error)
}

// Processor drives a hash to its terminal state synchronously and returns the final operation.
type Processor interface {
	Resolve(ctx context.Context, hash string) (*chain.OperationInfo, error)
}

// Queue schedules follow-up work.
type Queue interface {
	EnqueueReprocess(ctx context.Context, hash string) error
	EnqueueFunding(ctx context.Context, job queue.FundingJob) (bool, error)
	HasActive(ctx context.Context, name, ref string) (bool, error)
}

// Config holds the engine tunables.
type Config struct {
	WelcomeAmount decimal.Decimal
	MaxBatches    int
	// Cache is invalidated for the tenant of every origin the engine closes.
	Cache         cache.Invalidator
}

// Engine dispatches on the type of a freshly mined record. Every REQUIRED record reaches
// PROCESSED exactly once: either when its follow-up settles or right away when the follow-up
// cannot run.
type Engine struct {
	adapter   chain.Adapter
	submitter *confirm.Submitter
	signer    chain.Signer
	store     Store
	ingestor  Ingester
	processor Processor
	queue     Queue
	sink      notify.Sink
	cfg       Config
	logger    *slog.Logger
	metrics   *observability.LedgerdMetrics
	// running holds the origins whose follow-up is executing in this process.
	running   sync.Map
}

// New constructs an Engine.
func New(adapter chain.Adapter, submitter *confirm.Submitter, signer chain.Signer, st Store, ingestor Ingester,
	processor Processor, q Queue, sink notify.Sink, cfg Config, logger *slog.Logger) *Engine {
	if signer == nil {
		signer = chain.KeySigner{}
	}
	if sink == nil {
		sink = notify.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = 100
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.Noop{}
	}
	return &Engine{
		adapter:   adapter,
		submitter: submitter,
		signer:    signer,
		store:     st,
		ingestor:  ingestor,
		processor: processor,
		queue:     q,
		sink:      sink,
		cfg:       cfg,
		logger:    logger,
		metrics:   observability.Ledgerd(),
	}
}

// OnMined reacts to a record that just transitioned to MINED.
func (e *Engine) OnMined(ctx context.Context, rec models.TransactionRecord) error {
	switch rec.Type {
	case models.TxCoopOwnershipTransfer:
		e.ownerChanged(ctx, rec, store.RoleCoopOwner)
	case models.TxEurOwnershipTransfer:
		e.ownerChanged(ctx, rec, store.RoleEurOwner)
	case models.TxInvest:
		e.checkFunded(ctx, rec)
	}
	if rec.SupervisorStatus != models.SupervisorRequired {
		return nil
	}
	return e.dispatch(ctx, rec)
}

// Resume re-runs the follow-up of a MINED record still REQUIRED, unless the follow-up is in
// flight. Settled follow-ups whose origin was left open are closed; a revenue payout whose
// batches all settled continues while batches are pending.
func (e *Engine) Resume(ctx context.Context, rec models.TransactionRecord) error {
	if rec.State != models.StateMined || rec.SupervisorStatus != models.SupervisorRequired {
		return nil
	}
	if _, busy := e.running.Load(rec.Hash); busy {
		return nil
	}
	// The origin's reprocess job runs the follow-up, and the batch loop for its whole length.
	active, err := e.queue.HasActive(ctx, queue.Reprocess, rec.Hash)
	if err != nil {
		return err
	}
	if active {
		return nil
	}
	followUps, err := e.store.Find(ctx, store.Filter{OriginatedFrom: rec.Hash})
	if err != nil {
		return err
	}
	if len(followUps) > 0 {
		for _, f := range followUps {
			if !f.State.Terminal() {
				return nil
			}
		}
		if rec.Type != models.TxStartRevenuePayout {
			return e.close(ctx, rec, "resumed_closed")
		}
		pending, ok, err := e.dryRun(ctx, rec, chain.DryRunRequest{CallerID: rec.FromWallet, ContractID: rec.ToWallet, Function: FnHasPendingBatches})
		if err != nil || !ok {
			return err
		}
		if pending.ReturnValue != "true" {
			return e.close(ctx, rec, "completed")
		}
	}
	active, err = e.queue.HasActive(ctx, queue.Funding, rec.Hash)
	if err != nil {
		return err
	}
	if active {
		return nil
	}
	e.logger.Info("resuming supervisor action", slog.String("hash", rec.Hash), slog.String("type", string(rec.Type)))
	return e.dispatch(ctx, rec)
}

func (e *Engine) dispatch(ctx context.Context, rec models.TransactionRecord) error {
	if _, busy := e.running.LoadOrStore(rec.Hash, struct{}{}); busy {
		return nil
	}
	defer e.running.Delete(rec.Hash)

	switch rec.Type {
	case models.TxApproveInvestment:
		return e.chained(ctx, rec, rec.FromWallet, chain.DryRunRequest{
			ContractID: rec.ToWallet,
			Function:   FnInvest,
			Args:       []string{amountArg(rec)},
		})
	case models.TxApproveCounterOffer:
		return e.chained(ctx, rec, rec.FromWallet, chain.DryRunRequest{
			ContractID: rec.ToWallet,
			Function:   FnTrySettle,
		})
	case models.TxStartRevenuePayout:
		return e.revenuePayout(ctx, rec)
	case models.TxWalletCreate:
		return e.walletCreated(ctx, rec)
	case models.TxOrgCreate, models.TxProjectCreate, models.TxDeposit, models.TxWithdraw, models.TxInvest,
		models.TxCancelInvestment, models.TxApproveUserWithdraw, models.TxPendingProjectWithdraw,
		models.TxSharePayout, models.TxCoopOwnershipTransfer, models.TxEurOwnershipTransfer,
		models.TxSellOfferCreate, models.TxCounterOfferPlaced, models.TxCounterOfferRemoved, models.TxSharesSold:
		e.logger.Warn("record has no follow-up action", slog.String("hash", rec.Hash), slog.String("type", string(rec.Type)))
		return e.close(ctx, rec, "no_action")
	default:
		return fmt.Errorf("supervisor: unhandled record type %q", rec.Type)
	}
}

// chained impersonates actor through its worker credential, dry-runs the call and submits it
// without waiting. The follow-up records carry the origin hash; the outcome handler closes the
// origin once they settle.
func (e *Engine) chained(ctx context.Context, rec models.TransactionRecord, actor string, call chain.DryRunRequest) error {
	key, ok, err := e.credential(ctx, rec, actor)
	if err != nil || !ok {
		return err
	}
	call.CallerID = actor
	exec, ok, err := e.dryRun(ctx, rec, call)
	if err != nil || !ok {
		return err
	}
	res, err := e.submit(ctx, key, call)
	if err != nil {
		e.metrics.RecordSupervisor(string(rec.Type), "submit_error")
		return fmt.Errorf("supervisor: submit %s for %s: %w", call.Function, rec.Hash, err)
	}
	results, err := e.ingestor.Ingest(ctx, ingest.Request{
		Hash:           res.Hash,
		TenantID:       rec.TenantID,
		Execution:      *exec,
		OriginatedFrom: rec.Hash,
	})
	if err != nil {
		return fmt.Errorf("supervisor: ingest follow-up %s: %w", res.Hash, err)
	}
	if len(results) == 0 {
		// Nothing will carry the back-reference, so the chain ends here.
		if err := e.close(ctx, rec, "no_records"); err != nil {
			return err
		}
	}
	if err := e.queue.EnqueueReprocess(ctx, res.Hash); err != nil {
		return fmt.Errorf("supervisor: enqueue follow-up %s: %w", res.Hash, err)
	}
	e.metrics.RecordSupervisor(string(rec.Type), "submitted")
	e.logger.Info("follow-up submitted",
		slog.String("origin", rec.Hash),
		slog.String("hash", res.Hash),
		slog.String("function", call.Function))
	return nil
}

// revenuePayout pays batches until the project reports none pending. Each batch is driven to
// its terminal state before the next one is dry-run; a reverted batch ends the loop. Batch
// records point back at the origin so Resume can see them in flight.
func (e *Engine) revenuePayout(ctx context.Context, rec models.TransactionRecord) error {
	initiator, project := rec.FromWallet, rec.ToWallet
	key, ok, err := e.credential(ctx, rec, initiator)
	if err != nil || !ok {
		return err
	}
	for batch := 1; batch <= e.cfg.MaxBatches; batch++ {
		call := chain.DryRunRequest{CallerID: initiator, ContractID: project, Function: FnPayoutRevenueBatch}
		exec, ok, err := e.dryRun(ctx, rec, call)
		if err != nil || !ok {
			return err
		}
		res, err := e.submit(ctx, key, call)
		if err != nil {
			e.metrics.RecordSupervisor(string(rec.Type), "submit_error")
			return fmt.Errorf("supervisor: submit batch %d for %s: %w", batch, rec.Hash, err)
		}
		if _, err := e.ingestor.Ingest(ctx, ingest.Request{
			Hash:           res.Hash,
			TenantID:       rec.TenantID,
			Execution:      *exec,
			OriginatedFrom: rec.Hash,
		}); err != nil {
			return fmt.Errorf("supervisor: ingest batch %s: %w", res.Hash, err)
		}
		info, err := e.processor.Resolve(ctx, res.Hash)
		if err != nil {
			return fmt.Errorf("supervisor: process batch %s: %w", res.Hash, err)
		}
		if !info.Succeeded() {
			e.logger.Warn("revenue batch reverted",
				slog.String("origin", rec.Hash),
				slog.String("hash", res.Hash),
				slog.Int("batch", batch))
			return e.close(ctx, rec, "batch_failed")
		}
		e.logger.Info("revenue batch paid", slog.String("origin", rec.Hash), slog.String("hash", res.Hash), slog.Int("batch", batch))

		pending, ok, err := e.dryRun(ctx, rec, chain.DryRunRequest{CallerID: initiator, ContractID: project, Function: FnHasPendingBatches})
		if err != nil || !ok {
			return err
		}
		if pending.ReturnValue != "true" {
			return e.close(ctx, rec, "completed")
		}
	}
	e.logger.Error("revenue payout stopped at batch limit", slog.String("hash", rec.Hash), slog.Int("max_batches", e.cfg.MaxBatches))
	return e.close(ctx, rec, "batch_limit")
}

func (e *Engine) walletCreated(ctx context.Context, rec models.TransactionRecord) error {
	if rec.WalletType != models.WalletUser || !e.cfg.WelcomeAmount.IsPositive() {
		return e.close(ctx, rec, "no_funding")
	}
	wallets := []string{rec.Wallet}
	if rec.WorkerPublicKey != "" {
		wallets = append(wallets, rec.WorkerPublicKey)
	}
	stored, err := e.queue.EnqueueFunding(ctx, queue.FundingJob{
		Wallets:    wallets,
		Amount:     e.cfg.WelcomeAmount,
		OriginHash: rec.Hash,
	})
	if err != nil {
		return fmt.Errorf("supervisor: enqueue welcome funding for %s: %w", rec.Wallet, err)
	}
	if stored {
		e.metrics.RecordSupervisor(string(rec.Type), "funding_enqueued")
	}
	return nil
}

func (e *Engine) ownerChanged(ctx context.Context, rec models.TransactionRecord, role store.OwnerRole) {
	if rec.TenantID == "" || rec.ToWallet == "" {
		return
	}
	if err := e.store.SetOwner(ctx, rec.TenantID, role, rec.ToWallet); err != nil {
		e.logger.Error("owner update failed",
			slog.String("tenant", rec.TenantID),
			slog.String("role", string(role)),
			slog.Any("error", err))
		return
	}
	e.sink.Publish(ctx, notify.TopicTenantRoleUpdated, map[string]string{
		"tenant": rec.TenantID,
		"role":   string(role),
		"owner":  rec.ToWallet,
		"hash":   rec.Hash,
	})
}

func (e *Engine) checkFunded(ctx context.Context, rec models.TransactionRecord) {
	exec, err := e.adapter.DryRun(ctx, chain.DryRunRequest{
		CallerID:   rec.FromWallet,
		ContractID: rec.ToWallet,
		Function:   FnIsFullyFunded,
	})
	if err != nil {
		e.logger.Warn("funding status lookup failed", slog.String("project", rec.ToWallet), slog.Any("error", err))
		return
	}
	if !exec.Succeeded() || exec.ReturnValue != "true" {
		return
	}
	e.sink.Publish(ctx, notify.TopicProjectFullyFunded, map[string]string{
		"tenant":  rec.TenantID,
		"project": rec.ToWallet,
		"hash":    rec.Hash,
	})
}

// credential restores the worker key of actor. A missing credential ends the chain.
func (e *Engine) credential(ctx context.Context, rec models.TransactionRecord, actor string) (*crypto.PrivateKey, bool, error) {
	cred, err := e.store.WorkerCredential(ctx, actor)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.logger.Error("no worker credential for wallet", slog.String("wallet", actor), slog.String("hash", rec.Hash))
			return nil, false, e.close(ctx, rec, "no_credential")
		}
		return nil, false, err
	}
	key, err := cred.Key()
	if err != nil {
		e.logger.Error("worker credential unusable", slog.String("wallet", actor), slog.Any("error", err))
		return nil, false, e.close(ctx, rec, "no_credential")
	}
	return key, true, nil
}

// dryRun returns ok=false after closing the origin when the call would revert.
func (e *Engine) dryRun(ctx context.Context, rec models.TransactionRecord, call chain.DryRunRequest) (*chain.Execution, bool, error) {
	exec, err := e.adapter.DryRun(ctx, call)
	if err != nil {
		return nil, false, fmt.Errorf("supervisor: dry-run %s: %w", call.Function, err)
	}
	if !exec.Succeeded() {
		reason := exec.ReturnValue
		if decoded, derr := e.adapter.DecodeError(ctx, exec.ReturnValue); derr == nil && decoded != "" {
			reason = decoded
		}
		e.logger.Warn("follow-up rejected by dry-run",
			slog.String("origin", rec.Hash),
			slog.String("function", call.Function),
			slog.String("reason", reason))
		return nil, false, e.close(ctx, rec, "dry_run_failed")
	}
	exec.CallerID = call.CallerID
	exec.ContractID = call.ContractID
	exec.Function = call.Function
	return exec, true, nil
}

func (e *Engine) submit(ctx context.Context, key *crypto.PrivateKey, call chain.DryRunRequest) (*chain.SubmitResult, error) {
	return e.submitter.Submit(ctx, func(ctx context.Context) (chain.SignedOperation, error) {
		nonce, err := e.adapter.NextNonce(ctx, call.CallerID)
		if err != nil {
			return chain.SignedOperation{}, err
		}
		return e.signer.Sign(ctx, key, chain.Operation{
			CallerID:   call.CallerID,
			ContractID: call.ContractID,
			Function:   call.Function,
			Args:       call.Args,
			Nonce:      nonce,
		})
	})
}

func (e *Engine) close(ctx context.Context, rec models.TransactionRecord, result string) error {
	closed, err := e.store.MarkSupervisorProcessed(ctx, rec.Hash)
	if err != nil {
		return err
	}
	if closed > 0 {
		e.metrics.RecordSupervisor(string(rec.Type), result)
		if rec.TenantID != "" {
			if err := e.cfg.Cache.Invalidate(ctx, rec.TenantID); err != nil {
				e.logger.Warn("cache invalidation failed", slog.String("tenant", rec.TenantID), slog.Any("error", err))
			}
		}
	}
	return nil
}

func amountArg(rec models.TransactionRecord) string {
	if !rec.Amount.Valid {
		return "0"
	}
	return chain.ToBase(rec.Amount.Decimal).String()
}

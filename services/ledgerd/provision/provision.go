// Package provision deploys and bootstraps a new cooperative tenant.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"

	"coopledger/crypto"
	"coopledger/services/ledgerd/chain"
	"coopledger/services/ledgerd/confirm"
	"coopledger/services/ledgerd/ingest"
	"coopledger/services/ledgerd/models"
	"coopledger/services/ledgerd/queue"
	"coopledger/services/ledgerd/store"
)

var (
	// ErrProvisioningFailed is returned once every attempt failed.
	ErrProvisioningFailed = errors.New("provision: provisioning failed")
	// ErrTenantExists is returned when the tenant id is already taken.
	ErrTenantExists = errors.New("provision: tenant already exists")
)

// Contract functions called while wiring a tenant.
const (
	FnDeploy            = "deploy"
	FnSetToken          = "set_token"
	FnAddWallet         = "add_wallet"
	FnTransferOwnership = "transfer_ownership"
)

// Request describes the tenant to create.
type Request struct {
	TenantID     string `json:"tenant_id"`
	AdminWallet  string `json:"admin_wallet"`
	CoopArtifact string `json:"coop_artifact"`
	EurArtifact  string `json:"eur_artifact"`
}

// Store is the subset of the ledger store provisioning needs.
type Store interface {
	Cooperative(ctx context.Context, id string) (*models.Cooperative, error)
	Transaction(ctx context.Context, fn func(tx *store.Store) error) error
}

// Funder transfers native currency from the platform account.
type Funder interface {
	Fund(ctx context.Context, account string, amount *big.Int) (string, error)
}

// Waiter blocks until an operation is final.
type Waiter interface {
	Wait(ctx context.Context, hash string, depth uint64) (*chain.OperationInfo, error)
}

// Config tunes the workflow.
type Config struct {
	Attempts        int
	DeployerFunding decimal.Decimal
}

// Workflow is a saga without compensation: a failed attempt restarts from a fresh deployer and
// leaves the contracts of the failed attempt orphaned on chain. The tenant row, the admin
// wallet record and its reprocess job are committed together as the last step, so a failed
// attempt leaves no ledger state behind.
type Workflow struct {
	adapter   chain.Adapter
	submitter *confirm.Submitter
	signer    chain.Signer
	funder    Funder
	waiter    Waiter
	store     Store
	ingestor  *ingest.Ingestor
	queue     *queue.Queue
	cfg       Config
	newKey    func() (*crypto.PrivateKey, error)
	logger    *slog.Logger
}

// New constructs a Workflow.
func New(adapter chain.Adapter, submitter *confirm.Submitter, signer chain.Signer, funder Funder, waiter Waiter,
	st Store, ingestor *ingest.Ingestor, q *queue.Queue, cfg Config, logger *slog.Logger) *Workflow {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if signer == nil {
		signer = chain.KeySigner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{
		adapter:   adapter,
		submitter: submitter,
		signer:    signer,
		funder:    funder,
		waiter:    waiter,
		store:     st,
		ingestor:  ingestor,
		queue:     q,
		cfg:       cfg,
		newKey:    crypto.GeneratePrivateKey,
		logger:    logger,
	}
}

// Provision runs the saga up to the configured number of attempts.
func (w *Workflow) Provision(ctx context.Context, req Request) (*models.Cooperative, error) {
	// Tenant ids end up in tokens and contract arguments; equal-looking ids must be equal.
	req.TenantID = norm.NFKC.String(strings.TrimSpace(req.TenantID))
	req.AdminWallet = strings.TrimSpace(req.AdminWallet)
	if req.TenantID == "" || req.AdminWallet == "" {
		return nil, fmt.Errorf("provision: tenant id and admin wallet required")
	}
	if _, err := crypto.DecodeAddress(req.AdminWallet); err != nil {
		return nil, fmt.Errorf("provision: admin wallet: %w", err)
	}
	if _, err := w.store.Cooperative(ctx, req.TenantID); err == nil {
		return nil, ErrTenantExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	var lastErr error
	for attempt := 1; attempt <= w.cfg.Attempts; attempt++ {
		coop, err := w.run(ctx, req)
		if err == nil {
			w.logger.Info("tenant provisioned",
				slog.String("tenant", coop.ID),
				slog.String("coop_contract", coop.CoopContract),
				slog.String("eur_contract", coop.EurContract),
				slog.Int("attempt", attempt))
			return coop, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		w.logger.Warn("provisioning attempt failed",
			slog.String("tenant", req.TenantID),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrProvisioningFailed, req.TenantID, lastErr)
}

type deployer struct {
	key     *crypto.PrivateKey
	address string
}

func (w *Workflow) run(ctx context.Context, req Request) (*models.Cooperative, error) {
	key, err := w.newKey()
	if err != nil {
		return nil, fmt.Errorf("generate deployer key: %w", err)
	}
	d := deployer{key: key, address: key.Address().String()}

	if w.cfg.DeployerFunding.IsPositive() {
		if w.funder == nil {
			return nil, fmt.Errorf("fund deployer: no platform funder")
		}
		hash, err := w.funder.Fund(ctx, d.address, chain.ToBase(w.cfg.DeployerFunding))
		if err != nil {
			return nil, fmt.Errorf("fund deployer: %w", err)
		}
		if _, err := w.settled(ctx, hash); err != nil {
			return nil, fmt.Errorf("fund deployer: %w", err)
		}
	}

	coopInfo, err := w.call(ctx, d, chain.Operation{Function: FnDeploy, Artifact: req.CoopArtifact, Args: []string{req.TenantID}})
	if err != nil {
		return nil, fmt.Errorf("deploy coop contract: %w", err)
	}
	eurInfo, err := w.call(ctx, d, chain.Operation{Function: FnDeploy, Artifact: req.EurArtifact, Args: []string{req.TenantID}})
	if err != nil {
		return nil, fmt.Errorf("deploy eur contract: %w", err)
	}
	coopContract, eurContract := coopInfo.ReturnValue, eurInfo.ReturnValue
	if coopContract == "" || eurContract == "" {
		return nil, fmt.Errorf("deploy returned no contract address")
	}

	if _, err := w.call(ctx, d, chain.Operation{ContractID: coopContract, Function: FnSetToken, Args: []string{eurContract}}); err != nil {
		return nil, fmt.Errorf("wire token: %w", err)
	}
	adminInfo, err := w.call(ctx, d, chain.Operation{ContractID: coopContract, Function: FnAddWallet, Args: []string{req.AdminWallet}})
	if err != nil {
		return nil, fmt.Errorf("activate admin wallet: %w", err)
	}
	for _, contract := range []string{coopContract, eurContract} {
		if _, err := w.call(ctx, d, chain.Operation{ContractID: contract, Function: FnTransferOwnership, Args: []string{req.AdminWallet}}); err != nil {
			return nil, fmt.Errorf("transfer ownership of %s: %w", contract, err)
		}
	}

	coop := &models.Cooperative{
		ID:           req.TenantID,
		CoopContract: coopContract,
		EurContract:  eurContract,
		CoopOwner:    req.AdminWallet,
		EurOwner:     req.AdminWallet,
	}
	if err := w.register(ctx, coop, adminInfo); err != nil {
		return nil, err
	}
	return coop, nil
}

// register stores the tenant with its admin wallet record and schedules the record. The admin
// wallet-create record mints the worker credential and starts the wallet-create follow-up once
// the reprocess job observes it mined.
func (w *Workflow) register(ctx context.Context, coop *models.Cooperative, admin *chain.OperationInfo) error {
	return w.store.Transaction(ctx, func(tx *store.Store) error {
		if err := tx.CreateCooperative(ctx, coop); err != nil {
			return err
		}
		if _, err := w.ingestor.Bind(tx).Ingest(ctx, ingest.Request{
			Hash:      admin.Hash,
			TenantID:  coop.ID,
			Execution: admin.Execution,
		}); err != nil {
			return fmt.Errorf("record admin wallet: %w", err)
		}
		if err := w.queue.Bind(tx.DB()).EnqueueReprocess(ctx, admin.Hash); err != nil {
			return fmt.Errorf("schedule admin wallet: %w", err)
		}
		return nil
	})
}

// call signs op as the deployer, submits it and waits for it to succeed.
func (w *Workflow) call(ctx context.Context, d deployer, op chain.Operation) (*chain.OperationInfo, error) {
	op.CallerID = d.address
	res, err := w.submitter.Submit(ctx, func(ctx context.Context) (chain.SignedOperation, error) {
		nonce, err := w.adapter.NextNonce(ctx, d.address)
		if err != nil {
			return chain.SignedOperation{}, err
		}
		op.Nonce = nonce
		return w.signer.Sign(ctx, d.key, op)
	})
	if err != nil {
		return nil, err
	}
	return w.settled(ctx, res.Hash)
}

func (w *Workflow) settled(ctx context.Context, hash string) (*chain.OperationInfo, error) {
	info, err := w.waiter.Wait(ctx, hash, 0)
	if err != nil {
		return nil, err
	}
	if !info.Succeeded() {
		reason := info.ReturnValue
		if decoded, derr := w.adapter.DecodeError(ctx, info.ReturnValue); derr == nil && decoded != "" {
			reason = decoded
		}
		return nil, fmt.Errorf("%s reverted: %s", hash, reason)
	}
	return info, nil
}

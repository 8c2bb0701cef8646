// Package ingest turns the event log of a chain operation into ledger records.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"coopledger/crypto"
	"coopledger/observability"
	"coopledger/services/ledgerd/cache"
	"coopledger/services/ledgerd/chain"
	"coopledger/services/ledgerd/models"
	"coopledger/services/ledgerd/notify"
	"coopledger/services/ledgerd/store"
)

// Store is the subset of the ledger store ingestion needs.
type Store interface {
	Upsert(ctx context.Context, rec models.TransactionRecord) (store.UpsertResult, error)
	Exists(ctx context.Context, f store.Filter) (bool, error)
	FindByHash(ctx context.Context, hash string) ([]models.TransactionRecord, error)
	Cooperative(ctx context.Context, id string) (*models.Cooperative, error)
	CooperativeByContract(ctx context.Context, contract string) (*models.Cooperative, error)
	TenantForAccount(ctx context.Context, account string) (string, error)
}

// Request describes one operation to ingest. Execution carries either the dry-run or the
// mined result; ingestion treats both the same.
type Request struct {
	Hash           string
	TenantID       string
	Execution      chain.Execution
	OriginatedFrom string
}

// Option customises an Ingestor.
type Option func(*Ingestor)

// WithCredentialSource overrides how worker credentials are minted.
func WithCredentialSource(fn func() (crypto.WorkerCredential, error)) Option {
	return func(i *Ingestor) {
		if fn != nil {
			i.credentials = fn
		}
	}
}

// WithCache sets the tenant cache invalidated after records are written.
func WithCache(c cache.Invalidator) Option {
	return func(i *Ingestor) {
		if c != nil {
			i.cache = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Ingestor) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// Ingestor writes one record per log entry, upserting on (hash, from, to).
type Ingestor struct {
	store       Store
	sink        notify.Sink
	credentials func() (crypto.WorkerCredential, error)
	cache       cache.Invalidator
	logger      *slog.Logger
	metrics     *observability.LedgerdMetrics
}

// New constructs an Ingestor.
func New(st Store, sink notify.Sink, opts ...Option) *Ingestor {
	if sink == nil {
		sink = notify.Noop{}
	}
	i := &Ingestor{
		store:       st,
		sink:        sink,
		credentials: crypto.GenerateWorkerCredential,
		cache:       cache.Noop{},
		logger:      slog.Default(),
		metrics:     observability.Ledgerd(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}
	return i
}

// Ingest interprets every log entry of the execution. Topics are checked before any record is
// written, so an unknown topic leaves the ledger untouched.
func (i *Ingestor) Ingest(ctx context.Context, req Request) ([]store.UpsertResult, error) {
	hash := strings.TrimSpace(req.Hash)
	if hash == "" {
		return nil, fmt.Errorf("ingest: hash required")
	}
	for idx, entry := range req.Execution.Log {
		ev, ok := Lookup(entry.Topic)
		if !ok {
			return nil, fmt.Errorf("%w: topic %s at log index %d of %s", ErrUnknownEvent, entry.Topic, idx, hash)
		}
		if len(entry.Values) < ev.minValues() {
			return nil, fmt.Errorf("%w: %s carries %d values", ErrMalformedEvent, ev, len(entry.Values))
		}
	}
	tenant, err := i.resolveTenant(ctx, hash, req)
	if err != nil {
		return nil, err
	}
	ictx := &interpretation{req: req, tenant: tenant}

	results := make([]store.UpsertResult, 0, len(req.Execution.Log))
	for _, entry := range req.Execution.Log {
		ev, _ := Lookup(entry.Topic)
		rec, err := i.interpret(ctx, ictx, ev, entry)
		if err != nil {
			return results, err
		}
		rec.Hash = hash
		rec.TenantID = tenant
		rec.CallerID = req.Execution.CallerID
		rec.ContractID = req.Execution.ContractID
		rec.Function = req.Execution.Function
		if req.OriginatedFrom != "" {
			origin := req.OriginatedFrom
			rec.OriginatedFrom = &origin
		}
		res, err := i.store.Upsert(ctx, rec)
		if err != nil {
			return results, fmt.Errorf("ingest: write %s record: %w", rec.Type, err)
		}
		i.metrics.RecordIngested(string(res.Record.Type), res.Existed)
		i.logger.Debug("ledger record written",
			slog.String("hash", hash),
			slog.String("type", string(res.Record.Type)),
			slog.String("from", res.Record.FromWallet),
			slog.String("to", res.Record.ToWallet),
			slog.Bool("existed", res.Existed))
		for _, wallet := range res.Record.Wallets() {
			i.sink.NotifyWallet(ctx, wallet)
		}
		ictx.written = append(ictx.written, res.Record)
		results = append(results, res)
	}
	if len(results) > 0 && tenant != "" {
		if err := i.cache.Invalidate(ctx, tenant); err != nil {
			i.logger.Warn("cache invalidation failed", slog.String("tenant", tenant), slog.Any("error", err))
		}
	}
	return results, nil
}

// Bind returns a copy of the ingestor writing through st, typically a transaction-bound store.
func (i *Ingestor) Bind(st Store) *Ingestor {
	bound := *i
	bound.store = st
	return &bound
}

func (i *Ingestor) resolveTenant(ctx context.Context, hash string, req Request) (string, error) {
	if tenant := strings.TrimSpace(req.TenantID); tenant != "" {
		return tenant, nil
	}
	existing, err := i.store.FindByHash(ctx, hash)
	if err != nil {
		return "", err
	}
	for _, rec := range existing {
		if rec.TenantID != "" {
			return rec.TenantID, nil
		}
	}
	exec := req.Execution
	if exec.ContractID != "" {
		coop, err := i.store.CooperativeByContract(ctx, exec.ContractID)
		if err == nil {
			return coop.ID, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
	}
	for _, account := range []string{exec.ContractID, exec.CallerID} {
		if account == "" {
			continue
		}
		tenant, err := i.store.TenantForAccount(ctx, account)
		if err == nil {
			return tenant, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
	}
	return "", nil
}

// interpretation carries per-call state: records written earlier in the same log are visible
// to later entries.
type interpretation struct {
	req     Request
	tenant  string
	coop    *models.Cooperative
	written []models.TransactionRecord
}

func (c *interpretation) emitter(entry chain.LogEntry) string {
	if entry.Address != "" {
		return entry.Address
	}
	return c.req.Execution.ContractID
}

func (c *interpretation) caller() string {
	return c.req.Execution.CallerID
}

func (i *Ingestor) interpret(ctx context.Context, c *interpretation, ev Event, entry chain.LogEntry) (models.TransactionRecord, error) {
	v := entry.Values
	switch ev {
	case EventWalletCreated:
		return i.walletCreated(ctx, c, v[0])
	case EventOrgCreated:
		return models.TransactionRecord{Type: models.TxOrgCreate, FromWallet: c.caller(), ToWallet: v[0]}, nil
	case EventProjectCreated:
		from := c.caller()
		if len(v) > 1 && v[1] != "" {
			from = v[1]
		}
		return models.TransactionRecord{Type: models.TxProjectCreate, FromWallet: from, ToWallet: v[0]}, nil
	case EventTokensMinted:
		return withAmount(models.TransactionRecord{Type: models.TxDeposit, FromWallet: c.emitter(entry), ToWallet: v[0]}, v[1])
	case EventTokensBurned:
		return withAmount(models.TransactionRecord{Type: models.TxWithdraw, FromWallet: v[0], ToWallet: c.emitter(entry)}, v[1])
	case EventApproveSpender:
		return i.approval(ctx, c, v[0], v[1], v[2])
	case EventProjectInvestment:
		return withAmount(models.TransactionRecord{Type: models.TxInvest, FromWallet: v[0], ToWallet: c.emitter(entry)}, v[1])
	case EventInvestmentCanceled:
		return withAmount(models.TransactionRecord{Type: models.TxCancelInvestment, FromWallet: c.emitter(entry), ToWallet: v[0]}, v[1])
	case EventStartRevenuePayout:
		return withAmount(models.TransactionRecord{
			Type:             models.TxStartRevenuePayout,
			FromWallet:       c.caller(),
			ToWallet:         c.emitter(entry),
			SupervisorStatus: models.SupervisorRequired,
		}, v[0])
	case EventRevenueShareReturned:
		return withAmount(models.TransactionRecord{Type: models.TxSharePayout, FromWallet: c.emitter(entry), ToWallet: v[0]}, v[1])
	case EventCoopOwnershipTransfer:
		return models.TransactionRecord{Type: models.TxCoopOwnershipTransfer, FromWallet: c.caller(), ToWallet: v[0]}, nil
	case EventEurOwnershipTransfer:
		return models.TransactionRecord{Type: models.TxEurOwnershipTransfer, FromWallet: c.caller(), ToWallet: v[0]}, nil
	case EventSellOfferCreated:
		return withAmount(models.TransactionRecord{Type: models.TxSellOfferCreate, FromWallet: c.caller(), ToWallet: v[0]}, v[1])
	case EventCounterOfferPlaced:
		return withAmount(models.TransactionRecord{Type: models.TxCounterOfferPlaced, FromWallet: v[0], ToWallet: c.emitter(entry)}, v[1])
	case EventCounterOfferRemoved:
		return withAmount(models.TransactionRecord{Type: models.TxCounterOfferRemoved, FromWallet: c.emitter(entry), ToWallet: v[0]}, v[1])
	case EventSharesSold:
		return withAmount(models.TransactionRecord{Type: models.TxSharesSold, FromWallet: v[0], ToWallet: v[1]}, v[2])
	default:
		return models.TransactionRecord{}, fmt.Errorf("%w: %s", ErrUnknownEvent, ev)
	}
}

func (i *Ingestor) walletCreated(ctx context.Context, c *interpretation, wallet string) (models.TransactionRecord, error) {
	// No source wallet, so the tuple never collides with the org or project record
	// created by the same operation.
	rec := models.TransactionRecord{
		Type:     models.TxWalletCreate,
		ToWallet: wallet,
		Wallet:   wallet,
	}
	kind, err := i.classify(ctx, c, wallet)
	if err != nil {
		return rec, err
	}
	rec.WalletType = kind
	if kind != models.WalletUser {
		return rec, nil
	}
	cred, err := i.credentials()
	if err != nil {
		return rec, fmt.Errorf("ingest: mint worker credential: %w", err)
	}
	rec.WorkerPublicKey = cred.PublicKey
	rec.WorkerSecretKey = cred.SecretKey
	rec.SupervisorStatus = models.SupervisorRequired
	return rec, nil
}

// classify decides the wallet type from prior organization and project creation records.
func (i *Ingestor) classify(ctx context.Context, c *interpretation, wallet string) (models.WalletType, error) {
	for _, rec := range c.written {
		if rec.ToWallet != wallet {
			continue
		}
		switch rec.Type {
		case models.TxOrgCreate:
			return models.WalletOrganization, nil
		case models.TxProjectCreate:
			return models.WalletProject, nil
		}
	}
	isOrg, err := i.created(ctx, c.tenant, models.TxOrgCreate, wallet)
	if err != nil {
		return "", err
	}
	if isOrg {
		return models.WalletOrganization, nil
	}
	isProject, err := i.created(ctx, c.tenant, models.TxProjectCreate, wallet)
	if err != nil {
		return "", err
	}
	if isProject {
		return models.WalletProject, nil
	}
	return models.WalletUser, nil
}

func (i *Ingestor) created(ctx context.Context, tenant string, kind models.TxType, wallet string) (bool, error) {
	return i.store.Exists(ctx, store.Filter{TenantID: tenant, Types: []models.TxType{kind}, ToWallet: wallet})
}

// approval disambiguates an allowance by who the spender is: the token authority approves
// withdrawals, a sell offer approves counter-offer settlement, anything else is an investment.
func (i *Ingestor) approval(ctx context.Context, c *interpretation, owner, spender, amount string) (models.TransactionRecord, error) {
	rec := models.TransactionRecord{FromWallet: owner, ToWallet: spender}
	authority, err := i.tokenAuthority(ctx, c)
	if err != nil {
		return rec, err
	}
	switch {
	case authority != "" && spender == authority:
		project, err := i.created(ctx, c.tenant, models.TxProjectCreate, owner)
		if err != nil {
			return rec, err
		}
		rec.Type = models.TxApproveUserWithdraw
		if project {
			rec.Type = models.TxPendingProjectWithdraw
		}
	default:
		offer, err := i.created(ctx, c.tenant, models.TxSellOfferCreate, spender)
		if err != nil {
			return rec, err
		}
		rec.Type = models.TxApproveInvestment
		if offer {
			rec.Type = models.TxApproveCounterOffer
		}
		rec.SupervisorStatus = models.SupervisorRequired
	}
	return withAmount(rec, amount)
}

func (i *Ingestor) tokenAuthority(ctx context.Context, c *interpretation) (string, error) {
	if c.coop == nil && c.tenant != "" {
		coop, err := i.store.Cooperative(ctx, c.tenant)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
		c.coop = coop
	}
	if c.coop == nil {
		return "", nil
	}
	return c.coop.EurOwner, nil
}

func withAmount(rec models.TransactionRecord, raw string) (models.TransactionRecord, error) {
	amount, err := chain.ToDisplay(raw)
	if err != nil {
		return rec, fmt.Errorf("%w: %s amount: %v", ErrMalformedEvent, rec.Type, err)
	}
	rec.Amount = decimal.NewNullDecimal(amount)
	return rec, nil
}

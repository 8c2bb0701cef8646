package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"coopledger/crypto"
	"coopledger/services/ledgerd/models"
)

// ErrNotFound is returned when a lookup matches no rows.
var ErrNotFound = errors.New("store: not found")

// Store persists transaction records and cooperatives. It carries no business rules beyond
// the compare-and-set guards that keep concurrent re-drives of a record consistent.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// New constructs a store backed by the provided database.
func New(db *gorm.DB, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, now: now}
}

// DB exposes the underlying handle for components sharing the connection (queue).
func (s *Store) DB() *gorm.DB { return s.db }

// Transaction runs fn against a store bound to one database transaction. Nothing fn writes is
// kept unless it returns nil.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, now: s.now})
	})
}

// Filter narrows record queries. Zero values are ignored.
type Filter struct {
	TenantID         string
	Hash             string
	Wallet           string
	FromWallet       string
	ToWallet         string
	Types            []models.TxType
	States           []models.TxState
	SupervisorStatus models.SupervisorStatus
	OriginatedFrom   string
	UpdatedBefore    time.Time
	Limit            int
}

func (f Filter) apply(q *gorm.DB) *gorm.DB {
	if f.TenantID != "" {
		q = q.Where("tenant_id = ?", f.TenantID)
	}
	if f.Hash != "" {
		q = q.Where("hash = ?", f.Hash)
	}
	if f.Wallet != "" {
		q = q.Where("(from_wallet = ? OR to_wallet = ? OR wallet = ?)", f.Wallet, f.Wallet, f.Wallet)
	}
	if f.FromWallet != "" {
		q = q.Where("from_wallet = ?", f.FromWallet)
	}
	if f.ToWallet != "" {
		q = q.Where("to_wallet = ?", f.ToWallet)
	}
	if len(f.Types) > 0 {
		q = q.Where("type IN ?", f.Types)
	}
	if len(f.States) > 0 {
		q = q.Where("state IN ?", f.States)
	}
	if f.SupervisorStatus != "" {
		q = q.Where("supervisor_status = ?", f.SupervisorStatus)
	}
	if f.OriginatedFrom != "" {
		q = q.Where("originated_from = ?", f.OriginatedFrom)
	}
	if !f.UpdatedBefore.IsZero() {
		q = q.Where("updated_at < ?", f.UpdatedBefore)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	return q
}

// Find returns records matching the filter ordered by creation time.
func (s *Store) Find(ctx context.Context, f Filter) ([]models.TransactionRecord, error) {
	var records []models.TransactionRecord
	q := f.apply(s.db.WithContext(ctx).Model(&models.TransactionRecord{}))
	if err := q.Order("created_at ASC").Order("id ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("store: find records: %w", err)
	}
	return records, nil
}

// Exists reports whether at least one record matches the filter.
func (s *Store) Exists(ctx context.Context, f Filter) (bool, error) {
	var count int64
	f.Limit = 0
	q := f.apply(s.db.WithContext(ctx).Model(&models.TransactionRecord{}))
	if err := q.Count(&count).Error; err != nil {
		return false, fmt.Errorf("store: count records: %w", err)
	}
	return count > 0, nil
}

// FindByHash returns every record derived from the operation hash.
func (s *Store) FindByHash(ctx context.Context, hash string) ([]models.TransactionRecord, error) {
	return s.Find(ctx, Filter{Hash: strings.TrimSpace(hash)})
}

// FindByWallet returns records touching the wallet within a tenant.
func (s *Store) FindByWallet(ctx context.Context, tenantID, wallet string) ([]models.TransactionRecord, error) {
	return s.Find(ctx, Filter{TenantID: tenantID, Wallet: strings.TrimSpace(wallet)})
}

// Get loads a record by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.TransactionRecord, error) {
	var record models.TransactionRecord
	if err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get record: %w", err)
	}
	return &record, nil
}

// UpsertResult describes the outcome of Upsert.
type UpsertResult struct {
	Record        models.TransactionRecord
	Existed       bool
	PreviousState models.TxState
}

// Upsert inserts the record or updates the row sharing its (hash, from, to) tuple. State
// transitions are not applied here; the credential and chain back-reference of an existing row
// are never overwritten.
func (s *Store) Upsert(ctx context.Context, rec models.TransactionRecord) (UpsertResult, error) {
	var result UpsertResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		existing, err := lockTuple(tx, rec.Hash, rec.FromWallet, rec.ToWallet)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if existing == nil {
			if rec.ID == uuid.Nil {
				rec.ID = uuid.New()
			}
			rec.State = models.StatePending
			if rec.SupervisorStatus == "" {
				rec.SupervisorStatus = models.SupervisorNotRequired
			}
			rec.CreatedAt = now
			rec.UpdatedAt = now
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
			if res.Error != nil {
				return fmt.Errorf("store: insert record: %w", res.Error)
			}
			if res.RowsAffected == 1 {
				result.Record = rec
				return nil
			}
			// A concurrent ingestion inserted the tuple first.
			existing, err = lockTuple(tx, rec.Hash, rec.FromWallet, rec.ToWallet)
			if err != nil {
				return err
			}
		}
		result.Existed = true
		result.PreviousState = existing.State
		merge(existing, rec)
		existing.UpdatedAt = now
		if err := tx.Save(existing).Error; err != nil {
			return fmt.Errorf("store: update record: %w", err)
		}
		result.Record = *existing
		return nil
	})
	if err != nil {
		return UpsertResult{}, err
	}
	return result, nil
}

func lockTuple(tx *gorm.DB, hash, from, to string) (*models.TransactionRecord, error) {
	var existing models.TransactionRecord
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("hash = ? AND from_wallet = ? AND to_wallet = ?", hash, from, to).
		First(&existing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: lock record: %w", err)
	}
	return &existing, nil
}

func merge(dst *models.TransactionRecord, src models.TransactionRecord) {
	if src.Type != "" {
		dst.Type = src.Type
	}
	if src.Wallet != "" {
		dst.Wallet = src.Wallet
	}
	if src.WalletType != "" {
		dst.WalletType = src.WalletType
	}
	if src.Amount.Valid {
		dst.Amount = src.Amount
	}
	if src.CallerID != "" {
		dst.CallerID = src.CallerID
	}
	if src.ContractID != "" {
		dst.ContractID = src.ContractID
	}
	if src.Function != "" {
		dst.Function = src.Function
	}
	if dst.TenantID == "" {
		dst.TenantID = src.TenantID
	}
	if dst.OriginatedFrom == nil && src.OriginatedFrom != nil {
		origin := *src.OriginatedFrom
		dst.OriginatedFrom = &origin
	}
	if dst.WorkerPublicKey == "" && src.WorkerPublicKey != "" {
		dst.WorkerPublicKey = src.WorkerPublicKey
		dst.WorkerSecretKey = src.WorkerSecretKey
	}
	if src.SupervisorStatus == models.SupervisorRequired && dst.State == models.StatePending &&
		(dst.SupervisorStatus == "" || dst.SupervisorStatus == models.SupervisorNotRequired) {
		dst.SupervisorStatus = models.SupervisorRequired
	}
}

// TransitionState moves a PENDING record to a terminal state. It reports whether this call
// performed the transition, so concurrent re-drives can tell which one observed it first.
func (s *Store) TransitionState(ctx context.Context, id uuid.UUID, state models.TxState, errorMessage string) (bool, error) {
	if !state.Terminal() {
		return false, fmt.Errorf("store: %s is not a terminal state", state)
	}
	now := s.now()
	updates := map[string]interface{}{
		"state":        state,
		"processed_at": now,
		"updated_at":   now,
	}
	if state == models.StateFailed {
		updates["error_message"] = errorMessage
	}
	res := s.db.WithContext(ctx).Model(&models.TransactionRecord{}).
		Where("id = ? AND state = ?", id, models.StatePending).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("store: transition record: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// MarkSupervisorProcessed closes every REQUIRED record of the hash and returns how many rows
// this call closed. Records already PROCESSED are left untouched.
func (s *Store) MarkSupervisorProcessed(ctx context.Context, hash string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.TransactionRecord{}).
		Where("hash = ? AND supervisor_status = ?", hash, models.SupervisorRequired).
		Updates(map[string]interface{}{
			"supervisor_status": models.SupervisorProcessed,
			"updated_at":        s.now(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("store: close supervisor chain: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// WorkerCredential returns the credential minted when the wallet was created.
func (s *Store) WorkerCredential(ctx context.Context, wallet string) (crypto.WorkerCredential, error) {
	var record models.TransactionRecord
	err := s.db.WithContext(ctx).
		Where("type = ? AND wallet = ? AND worker_public_key <> ''", models.TxWalletCreate, wallet).
		Order("created_at ASC").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return crypto.WorkerCredential{}, ErrNotFound
		}
		return crypto.WorkerCredential{}, fmt.Errorf("store: load credential: %w", err)
	}
	return crypto.WorkerCredential{PublicKey: record.WorkerPublicKey, SecretKey: record.WorkerSecretKey}, nil
}

// TenantForAccount resolves the tenant owning a wallet or contract address from prior records.
func (s *Store) TenantForAccount(ctx context.Context, account string) (string, error) {
	var record models.TransactionRecord
	err := s.db.WithContext(ctx).
		Where("tenant_id <> '' AND (wallet = ? OR (to_wallet = ? AND type IN ?))", account, account,
			[]models.TxType{models.TxOrgCreate, models.TxProjectCreate, models.TxSellOfferCreate}).
		Order("created_at ASC").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("store: resolve tenant: %w", err)
	}
	return record.TenantID, nil
}

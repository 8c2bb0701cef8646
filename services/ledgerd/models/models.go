package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TxType enumerates the application-level effects derived from chain event logs.
type TxType string

// All ledger record types.
const (
	TxWalletCreate           TxType = "WALLET_CREATE"
	TxOrgCreate              TxType = "ORG_CREATE"
	TxProjectCreate          TxType = "PROJECT_CREATE"
	TxDeposit                TxType = "DEPOSIT"
	TxWithdraw               TxType = "WITHDRAW"
	TxInvest                 TxType = "INVEST"
	TxCancelInvestment       TxType = "CANCEL_INVESTMENT"
	TxApproveInvestment      TxType = "APPROVE_INVESTMENT"
	TxApproveUserWithdraw    TxType = "APPROVE_USER_WITHDRAW"
	TxPendingProjectWithdraw TxType = "PENDING_PROJECT_WITHDRAW"
	TxStartRevenuePayout     TxType = "START_REVENUE_PAYOUT"
	TxSharePayout            TxType = "SHARE_PAYOUT"
	TxCoopOwnershipTransfer  TxType = "COOP_OWNERSHIP_TRANSFER"
	TxEurOwnershipTransfer   TxType = "EUR_OWNERSHIP_TRANSFER"
	TxSellOfferCreate        TxType = "SELL_OFFER_CREATE"
	TxApproveCounterOffer    TxType = "APPROVE_COUNTER_OFFER"
	TxCounterOfferPlaced     TxType = "COUNTER_OFFER_PLACED"
	TxCounterOfferRemoved    TxType = "COUNTER_OFFER_REMOVED"
	TxSharesSold             TxType = "SHARES_SOLD"
)

// Valid reports whether the type is part of the closed enumeration.
func (t TxType) Valid() bool {
	switch t {
	case TxWalletCreate, TxOrgCreate, TxProjectCreate, TxDeposit, TxWithdraw, TxInvest,
		TxCancelInvestment, TxApproveInvestment, TxApproveUserWithdraw, TxPendingProjectWithdraw,
		TxStartRevenuePayout, TxSharePayout, TxCoopOwnershipTransfer, TxEurOwnershipTransfer,
		TxSellOfferCreate, TxApproveCounterOffer, TxCounterOfferPlaced, TxCounterOfferRemoved,
		TxSharesSold:
		return true
	default:
		return false
	}
}

// FnPayoutRevenueBatch is the contract call of one revenue payout batch. The payout loop owns
// its origin record: a mined batch leaves the origin open, a failed one closes it.
const FnPayoutRevenueBatch = "payout_revenue_batch"

// ClosesOrigin reports whether this record settling as MINED completes the chain it belongs to.
func (r *TransactionRecord) ClosesOrigin() bool {
	return r.OriginatedFrom != nil && r.Function != FnPayoutRevenueBatch
}

// TxState tracks on-chain resolution of a record.
type TxState string

const (
	StatePending TxState = "PENDING"
	StateMined   TxState = "MINED"
	StateFailed  TxState = "FAILED"
)

// Terminal reports whether the state can no longer change.
func (s TxState) Terminal() bool {
	return s == StateMined || s == StateFailed
}

// SupervisorStatus tracks whether a platform follow-up still has to run.
type SupervisorStatus string

const (
	SupervisorNotRequired SupervisorStatus = "NOT_REQUIRED"
	SupervisorRequired    SupervisorStatus = "REQUIRED"
	SupervisorProcessed   SupervisorStatus = "PROCESSED"
)

// WalletType classifies wallet-create records.
type WalletType string

const (
	WalletUser         WalletType = "USER"
	WalletOrganization WalletType = "ORGANIZATION"
	WalletProject      WalletType = "PROJECT"
)

// TransactionRecord is one application-level effect of a chain operation.
type TransactionRecord struct {
	ID               uuid.UUID           `gorm:"type:uuid;primaryKey" json:"id"`
	Hash             string              `gorm:"size:128;not null;uniqueIndex:idx_tx_hash_from_to,priority:1;index" json:"hash"`
	FromWallet       string              `gorm:"size:128;not null;uniqueIndex:idx_tx_hash_from_to,priority:2;index" json:"from_wallet"`
	ToWallet         string              `gorm:"size:128;not null;uniqueIndex:idx_tx_hash_from_to,priority:3;index" json:"to_wallet"`
	Type             TxType              `gorm:"size:32;index" json:"type"`
	Wallet           string              `gorm:"size:128;index" json:"wallet,omitempty"`
	WalletType       WalletType          `gorm:"size:16" json:"wallet_type,omitempty"`
	Amount           decimal.NullDecimal `gorm:"type:numeric(38,18)" json:"amount"`
	State            TxState             `gorm:"size:16;index" json:"state"`
	SupervisorStatus SupervisorStatus    `gorm:"size:16;index" json:"supervisor_status"`
	OriginatedFrom   *string             `gorm:"size:128;index" json:"originated_from,omitempty"`
	TenantID         string              `gorm:"size:64;index" json:"tenant_id"`
	CallerID         string              `gorm:"size:128" json:"caller_id"`
	ContractID       string              `gorm:"size:128" json:"contract_id"`
	Function         string              `gorm:"size:64" json:"function,omitempty"`
	ErrorMessage     string              `gorm:"type:text" json:"error_message,omitempty"`
	WorkerPublicKey  string              `gorm:"size:128" json:"-"`
	WorkerSecretKey  string              `gorm:"size:128" json:"-"`
	ProcessedAt      *time.Time          `json:"processed_at,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// Wallets returns the distinct non-empty wallets touched by the record.
func (r *TransactionRecord) Wallets() []string {
	out := make([]string, 0, 2)
	if r.FromWallet != "" {
		out = append(out, r.FromWallet)
	}
	if r.ToWallet != "" && r.ToWallet != r.FromWallet {
		out = append(out, r.ToWallet)
	}
	return out
}

// Cooperative is a tenant deployment with its core contracts and owners.
type Cooperative struct {
	ID           string `gorm:"size:64;primaryKey" json:"id"`
	CoopContract string `gorm:"size:128;uniqueIndex" json:"coop_contract"`
	EurContract  string `gorm:"size:128;uniqueIndex" json:"eur_contract"`
	CoopOwner    string `gorm:"size:128" json:"coop_owner"`
	EurOwner     string `gorm:"size:128" json:"eur_owner"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// JobStatus is the lifecycle of a durable queue entry.
type JobStatus string

const (
	JobQueued  JobStatus = "QUEUED"
	JobRunning JobStatus = "RUNNING"
	JobDone    JobStatus = "DONE"
	JobFailed  JobStatus = "FAILED"
)

// Job is a durable queue message. The ledger records stay authoritative.
type Job struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Queue       string    `gorm:"size:32;not null;index:idx_jobs_claim,priority:1"`
	Status      JobStatus `gorm:"size:16;not null;index:idx_jobs_claim,priority:2"`
	NotBefore   time.Time `gorm:"index:idx_jobs_claim,priority:3"`
	Ref         string    `gorm:"size:128;index"`
	Payload     string    `gorm:"type:text"`
	Attempts    int
	MaxAttempts int
	LastError   string `gorm:"type:text"`
	ClaimedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&TransactionRecord{},
		&Cooperative{},
		&Job{},
	)
}

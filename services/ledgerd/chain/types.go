package chain

import (
	"context"
	"errors"
	"math/big"
	"time"

	"coopledger/crypto"
)

var (
	// ErrNonceConflict marks a submission rejected because another operation from the same
	// account already claimed its sequence slot.
	ErrNonceConflict = errors.New("chain: nonce conflict")
	// ErrPollTimeout is returned by Poll when the operation was not included in time.
	ErrPollTimeout = errors.New("chain: poll timeout")
	// ErrOperationNotFound is returned when the node does not know the hash.
	ErrOperationNotFound = errors.New("chain: operation not found")
)

// ReturnType is the execution status reported by the node.
type ReturnType string

const (
	ReturnOK     ReturnType = "ok"
	ReturnRevert ReturnType = "revert"
	ReturnError  ReturnType = "error"
)

// LogEntry is one emitted event: the topic hash identifies the event, values are its payload.
type LogEntry struct {
	Address string   `json:"address"`
	Topic   string   `json:"topic"`
	Values  []string `json:"values"`
}

// FnSpend is the native transfer function of the chain.
const FnSpend = "spend"

// Operation is an unsigned contract call or deployment.
type Operation struct {
	CallerID   string   `json:"caller_id"`
	ContractID string   `json:"contract_id,omitempty"`
	Function   string   `json:"function"`
	Args       []string `json:"args,omitempty"`
	Artifact   string   `json:"artifact,omitempty"`
	Nonce      uint64   `json:"nonce"`
}

// SignedOperation is an operation ready to broadcast.
type SignedOperation struct {
	Operation Operation `json:"operation"`
	Payload   []byte    `json:"payload"`
	Signature []byte    `json:"signature"`
}

// Execution is the result of running an operation, mined or dry-run.
type Execution struct {
	CallerID    string     `json:"caller_id"`
	ContractID  string     `json:"contract_id"`
	Function    string     `json:"function"`
	ReturnType  ReturnType `json:"return_type"`
	ReturnValue string     `json:"return_value"`
	Log         []LogEntry `json:"log"`
}

// Succeeded reports whether the execution completed without revert.
func (e *Execution) Succeeded() bool {
	return e != nil && e.ReturnType == ReturnOK
}

// OperationInfo describes an operation included in a block.
type OperationInfo struct {
	Hash        string `json:"hash"`
	BlockHeight uint64 `json:"block_height"`
	Execution
}

// DryRunRequest describes a non-committing call.
type DryRunRequest struct {
	CallerID   string   `json:"caller_id"`
	ContractID string   `json:"contract_id"`
	Function   string   `json:"function"`
	Args       []string `json:"args,omitempty"`
}

// PollOptions bounds a Poll call.
type PollOptions struct {
	Blocks   uint64
	Interval time.Duration
}

// SubmitResult is the normalized outcome of a submission.
type SubmitResult struct {
	Hash       string
	CallerID   string
	ContractID string
	CallData   string
	// Info is set when the result was recovered from an already-included operation.
	Info *OperationInfo
}

// Adapter is the narrow contract the core holds against the blockchain node.
type Adapter interface {
	Submit(ctx context.Context, op SignedOperation) (string, error)
	DryRun(ctx context.Context, req DryRunRequest) (*Execution, error)
	Poll(ctx context.Context, hash string, opts PollOptions) (*OperationInfo, error)
	OperationInfo(ctx context.Context, hash string) (*OperationInfo, error)
	Height(ctx context.Context) (uint64, error)
	DecodeError(ctx context.Context, payload string) (string, error)
	Balance(ctx context.Context, account string) (*big.Int, error)
	NextNonce(ctx context.Context, account string) (uint64, error)
}

// Signer turns an unsigned operation into a signed one for the supplied key.
type Signer interface {
	Sign(ctx context.Context, key *crypto.PrivateKey, op Operation) (SignedOperation, error)
}

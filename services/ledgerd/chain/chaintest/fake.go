// Package chaintest provides an in-memory chain.Adapter for tests.
package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"coopledger/services/ledgerd/chain"
)

// FundCall records an accepted spend transfer.
type FundCall struct {
	Account string
	Amount  *big.Int
}

// Fake mines every accepted submission in the next block. Nonces are enforced per caller.
type Fake struct {
	mu       sync.Mutex
	height   uint64
	ops      map[string]*chain.OperationInfo
	nonces   map[string]uint64
	balances map[string]*big.Int

	// Execute decides the outcome of a submitted operation. Defaults to success with no log.
	Execute func(op chain.Operation) chain.Execution
	// DryRunFunc answers dry-runs. Defaults to success with no log.
	DryRunFunc func(req chain.DryRunRequest) (*chain.Execution, error)
	// SubmitErr, when set, is returned by Submit before any state changes.
	SubmitErr func(op chain.SignedOperation) error
	// AutoAdvance increments the height on every Height call.
	AutoAdvance bool

	Submitted []chain.SignedOperation
	DryRuns   []chain.DryRunRequest
	Funded    []FundCall
}

// New constructs an empty fake at height 1.
func New() *Fake {
	return &Fake{
		height:   1,
		ops:      make(map[string]*chain.OperationInfo),
		nonces:   make(map[string]uint64),
		balances: make(map[string]*big.Int),
	}
}

// Event builds a log entry for the named event.
func Event(contract, name string, values ...string) chain.LogEntry {
	return chain.LogEntry{Address: contract, Topic: chain.TopicHash(name), Values: values}
}

// Include places an already-mined operation on the fake chain.
func (f *Fake) Include(info chain.OperationInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info.BlockHeight == 0 {
		f.height++
		info.BlockHeight = f.height
	}
	stored := info
	f.ops[info.Hash] = &stored
}

// Advance moves the height forward by n blocks.
func (f *Fake) Advance(n uint64) {
	f.mu.Lock()
	f.height += n
	f.mu.Unlock()
}

// SetBalance overrides the balance of an account.
func (f *Fake) SetBalance(account string, amount *big.Int) {
	f.mu.Lock()
	f.balances[account] = new(big.Int).Set(amount)
	f.mu.Unlock()
}

// SetNonce overrides the next expected nonce of an account.
func (f *Fake) SetNonce(account string, nonce uint64) {
	f.mu.Lock()
	f.nonces[account] = nonce
	f.mu.Unlock()
}

// SubmittedFunctions lists the function names of accepted submissions in order.
func (f *Fake) SubmittedFunctions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.Submitted))
	for _, op := range f.Submitted {
		out = append(out, op.Operation.Function)
	}
	return out
}

// Submit implements chain.Adapter.
func (f *Fake) Submit(_ context.Context, op chain.SignedOperation) (string, error) {
	if f.SubmitErr != nil {
		if err := f.SubmitErr(op); err != nil {
			return "", err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	caller := op.Operation.CallerID
	if op.Operation.Nonce < f.nonces[caller] {
		return "", fmt.Errorf("%w: nonce %d already used", chain.ErrNonceConflict, op.Operation.Nonce)
	}
	f.nonces[caller] = op.Operation.Nonce + 1
	exec := chain.Execution{ReturnType: chain.ReturnOK}
	if f.Execute != nil {
		exec = f.Execute(op.Operation)
	}
	if op.Operation.Function == chain.FnSpend && exec.Succeeded() {
		f.credit(op.Operation.Args)
	}
	exec.CallerID = caller
	exec.ContractID = op.Operation.ContractID
	exec.Function = op.Operation.Function
	hash := chain.OperationHash(op)
	f.height++
	f.ops[hash] = &chain.OperationInfo{Hash: hash, BlockHeight: f.height, Execution: exec}
	f.Submitted = append(f.Submitted, op)
	return hash, nil
}

// credit applies a spend transfer: args are the receiving account and the base amount.
func (f *Fake) credit(args []string) {
	if len(args) < 2 {
		return
	}
	amount, ok := new(big.Int).SetString(args[1], 10)
	if !ok {
		return
	}
	f.Funded = append(f.Funded, FundCall{Account: args[0], Amount: new(big.Int).Set(amount)})
	bal, ok := f.balances[args[0]]
	if !ok {
		bal = big.NewInt(0)
	}
	f.balances[args[0]] = new(big.Int).Add(bal, amount)
}

// SubmittedBy lists the accepted submissions signed by caller.
func (f *Fake) SubmittedBy(caller string) []chain.SignedOperation {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []chain.SignedOperation
	for _, op := range f.Submitted {
		if op.Operation.CallerID == caller {
			out = append(out, op)
		}
	}
	return out
}

// DryRun implements chain.Adapter.
func (f *Fake) DryRun(_ context.Context, req chain.DryRunRequest) (*chain.Execution, error) {
	f.mu.Lock()
	f.DryRuns = append(f.DryRuns, req)
	fn := f.DryRunFunc
	f.mu.Unlock()
	if fn != nil {
		exec, err := fn(req)
		if exec != nil {
			exec.CallerID = req.CallerID
			exec.ContractID = req.ContractID
			exec.Function = req.Function
		}
		return exec, err
	}
	return &chain.Execution{
		CallerID:   req.CallerID,
		ContractID: req.ContractID,
		Function:   req.Function,
		ReturnType: chain.ReturnOK,
	}, nil
}

// Poll implements chain.Adapter. Operations are either mined or never will be.
func (f *Fake) Poll(ctx context.Context, hash string, _ chain.PollOptions) (*chain.OperationInfo, error) {
	info, err := f.OperationInfo(ctx, hash)
	if err != nil {
		return nil, chain.ErrPollTimeout
	}
	return info, nil
}

// OperationInfo implements chain.Adapter.
func (f *Fake) OperationInfo(_ context.Context, hash string) (*chain.OperationInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.ops[hash]
	if !ok {
		return nil, chain.ErrOperationNotFound
	}
	copied := *info
	return &copied, nil
}

// Height implements chain.Adapter.
func (f *Fake) Height(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AutoAdvance {
		f.height++
	}
	return f.height, nil
}

// DecodeError implements chain.Adapter.
func (f *Fake) DecodeError(_ context.Context, payload string) (string, error) {
	return "decoded: " + payload, nil
}

// Balance implements chain.Adapter.
func (f *Fake) Balance(_ context.Context, account string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if bal, ok := f.balances[account]; ok {
		return new(big.Int).Set(bal), nil
	}
	return big.NewInt(0), nil
}

// NextNonce implements chain.Adapter.
func (f *Fake) NextNonce(_ context.Context, account string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonces[account], nil
}

var _ chain.Adapter = (*Fake)(nil)

package confirm

import (
	"context"
	"fmt"
	"math/big"

	"coopledger/crypto"
	"coopledger/services/ledgerd/chain"
)

// Platform signs native transfers from the platform account. Every transfer goes through the
// Submitter because funding workers, provisioning and top-ups all draw on the same sequence.
type Platform struct {
	adapter   chain.Adapter
	submitter *Submitter
	signer    chain.Signer
	key       *crypto.PrivateKey
	address   string
}

// NewPlatform constructs a Platform for key.
func NewPlatform(adapter chain.Adapter, submitter *Submitter, signer chain.Signer, key *crypto.PrivateKey) (*Platform, error) {
	if key == nil {
		return nil, fmt.Errorf("confirm: platform key required")
	}
	if signer == nil {
		signer = chain.KeySigner{}
	}
	return &Platform{
		adapter:   adapter,
		submitter: submitter,
		signer:    signer,
		key:       key,
		address:   key.Address().String(),
	}, nil
}

// Address returns the platform account.
func (p *Platform) Address() string {
	return p.address
}

// Fund transfers amount base units to account and returns the operation hash without waiting.
func (p *Platform) Fund(ctx context.Context, account string, amount *big.Int) (string, error) {
	if account == "" {
		return "", fmt.Errorf("confirm: fund account required")
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("confirm: fund amount must be positive")
	}
	res, err := p.submitter.Submit(ctx, func(ctx context.Context) (chain.SignedOperation, error) {
		nonce, err := p.adapter.NextNonce(ctx, p.address)
		if err != nil {
			return chain.SignedOperation{}, err
		}
		return p.signer.Sign(ctx, p.key, chain.Operation{
			CallerID: p.address,
			Function: chain.FnSpend,
			Args:     []string{account, amount.String()},
			Nonce:    nonce,
		})
	})
	if err != nil {
		return "", err
	}
	return res.Hash, nil
}

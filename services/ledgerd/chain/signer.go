package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"coopledger/crypto"
)

// KeySigner signs the canonical JSON encoding of an operation with a secp256k1 key.
type KeySigner struct{}

// Sign implements Signer.
func (KeySigner) Sign(_ context.Context, key *crypto.PrivateKey, op Operation) (SignedOperation, error) {
	if key == nil {
		return SignedOperation{}, fmt.Errorf("chain: signing key required")
	}
	if strings.TrimSpace(op.CallerID) == "" {
		op.CallerID = key.Address().String()
	}
	payload, err := json.Marshal(op)
	if err != nil {
		return SignedOperation{}, fmt.Errorf("chain: encode operation: %w", err)
	}
	sig, err := ethcrypto.Sign(ethcrypto.Keccak256(payload), key.PrivateKey)
	if err != nil {
		return SignedOperation{}, fmt.Errorf("chain: sign operation: %w", err)
	}
	return SignedOperation{Operation: op, Payload: payload, Signature: sig}, nil
}

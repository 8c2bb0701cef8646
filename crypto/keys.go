package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// AccountPrefix is the human-readable part used for account addresses minted by the platform.
const AccountPrefix = "ak"

// Address is a 20-byte account identifier rendered as bech32 with the account prefix.
type Address struct {
	bytes []byte
}

// NewAddress wraps the raw 20 address bytes.
func NewAddress(b []byte) (Address, error) {
	if len(b) != 20 {
		return Address{}, fmt.Errorf("crypto: address must be 20 bytes, got %d", len(b))
	}
	return Address{bytes: append([]byte(nil), b...)}, nil
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		return ""
	}
	encoded, err := bech32.Encode(AccountPrefix, conv)
	if err != nil {
		return ""
	}
	return encoded
}

// Bytes returns a copy of the raw address.
func (a Address) Bytes() []byte {
	return append([]byte(nil), a.bytes...)
}

// DecodeAddress parses a bech32 account address and enforces the account prefix.
func DecodeAddress(addr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(strings.TrimSpace(addr))
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	if prefix != AccountPrefix {
		return Address{}, fmt.Errorf("crypto: unexpected address prefix %q", prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	return NewAddress(conv)
}

// --- Key Management ---

// PrivateKey is a secp256k1 signing key held by the platform (worker credentials, deployers).
type PrivateKey struct {
	*ecdsa.PrivateKey
}

// GeneratePrivateKey creates a fresh random key.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

// Hex returns the hex encoding of the private key.
func (k *PrivateKey) Hex() string {
	return hex.EncodeToString(k.Bytes())
}

// Address derives the account address controlled by the key.
func (k *PrivateKey) Address() Address {
	return Address{bytes: crypto.PubkeyToAddress(k.PrivateKey.PublicKey).Bytes()}
}

// PrivateKeyFromBytes restores a key from its raw bytes.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// PrivateKeyFromHex restores a key from its hex encoding.
func PrivateKeyFromHex(value string) (*PrivateKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(value), "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: decode key: %w", err)
	}
	return PrivateKeyFromBytes(raw)
}

// WorkerCredential is a platform-held keypair used to co-sign operations on behalf of a wallet.
type WorkerCredential struct {
	PublicKey string
	SecretKey string
}

// GenerateWorkerCredential mints a new credential.
func GenerateWorkerCredential() (WorkerCredential, error) {
	key, err := GeneratePrivateKey()
	if err != nil {
		return WorkerCredential{}, err
	}
	return WorkerCredential{PublicKey: key.Address().String(), SecretKey: key.Hex()}, nil
}

// Key restores the signing key of the credential.
func (c WorkerCredential) Key() (*PrivateKey, error) {
	if strings.TrimSpace(c.SecretKey) == "" {
		return nil, fmt.Errorf("crypto: credential has no secret")
	}
	return PrivateKeyFromHex(c.SecretKey)
}

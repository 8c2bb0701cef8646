package chain

import (
	"encoding/hex"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"lukechampine.com/blake3"
)

// HashPrefix marks operation hashes.
const HashPrefix = "th_"

// OperationHash derives the hash the node assigns to a signed operation. It is deterministic,
// so a rejected submission can be looked up without resubmitting it.
func OperationHash(op SignedOperation) string {
	digest := ethcrypto.Keccak256(op.Payload, op.Signature)
	return HashPrefix + hex.EncodeToString(digest)
}

// TopicHash returns the log topic of an event name.
func TopicHash(event string) string {
	sum := blake3.Sum256([]byte(event))
	return hex.EncodeToString(sum[:])
}

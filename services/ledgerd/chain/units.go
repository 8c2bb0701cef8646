package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// TokenDecimals is the precision of on-chain amounts.
const TokenDecimals = 18

// ToDisplay converts an integer base-unit amount emitted by a contract into display units.
func ToDisplay(base string) (decimal.Decimal, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(base), 10)
	if !ok {
		return decimal.Zero, fmt.Errorf("chain: invalid amount %q", base)
	}
	return decimal.NewFromBigInt(value, -TokenDecimals), nil
}

// ToBase converts a display amount into integer base units, truncating sub-unit precision.
func ToBase(amount decimal.Decimal) *big.Int {
	return amount.Shift(TokenDecimals).Truncate(0).BigInt()
}

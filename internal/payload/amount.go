package payload

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// ToBaseUnits converts a human decimal amount ("1.5") into the asset's
// integer base units. Amounts with more fractional digits than the asset
// supports are rejected rather than truncated.
func ToBaseUnits(amount string, decimals uint8) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if !d.IsPositive() {
		return nil, fmt.Errorf("amount must be positive, got %s", amount)
	}
	shifted := d.Shift(int32(decimals))
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("amount %s has more than %d decimal places", amount, decimals)
	}
	return shifted.BigInt(), nil
}

// FromBaseUnits renders base units back into a decimal string.
func FromBaseUnits(v *big.Int, decimals uint8) string {
	return decimal.NewFromBigInt(v, -int32(decimals)).String()
}

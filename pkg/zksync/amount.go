package zksync

import (
	"fmt"
	"math/big"
	"strings"
)

// DefaultDecimals is the decimal precision used for amount parsing when a
// token has no explicit override. All supported testnet tokens use 18.
const DefaultDecimals = 18

// ParseUnits converts a human-readable decimal amount ("100", "0.002")
// into base units at the given decimal precision.
func ParseUnits(amount string, decimals int) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return nil, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(amount, "-") {
		return nil, fmt.Errorf("negative amount %q", amount)
	}

	whole, frac, _ := strings.Cut(amount, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > decimals {
		return nil, fmt.Errorf("amount %q has more than %d decimal places", amount, decimals)
	}
	frac += strings.Repeat("0", decimals-len(frac))

	n, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("malformed amount %q", amount)
	}
	return n, nil
}

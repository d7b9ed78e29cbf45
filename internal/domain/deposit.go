package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ExtraDeposit is the cumulative ledger row for one token added to a position.
type ExtraDeposit struct {
	PositionID  string
	TokenSymbol string
	Amount      decimal.Decimal
	AddedAt     time.Time
}

// DepositAmounts folds ledger rows into a token to amount mapping.
func DepositAmounts(entries []ExtraDeposit) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(entries))
	for _, e := range entries {
		out[e.TokenSymbol] = out[e.TokenSymbol].Add(e.Amount)
	}
	return out
}

// NormalizeSymbol canonicalises a token symbol.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// ParseAmount parses a strictly positive decimal string.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s must be positive", ErrInvalidAmount, d.String())
	}
	return d, nil
}

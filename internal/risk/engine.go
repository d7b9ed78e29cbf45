// Package risk computes the health ratio and loan-to-value of a leveraged
// position from its holdings, debt and current prices. It holds no state and
// is safe for concurrent use.
package risk

import (
	"errors"
	"fmt"
	"sort"

	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/shopspring/decimal"
)

// OutputPlaces is the number of decimal places ratios are rounded to.
const OutputPlaces = 2

// ErrMissingFactor is returned when a token involved in the computation has
// no configured collateral or borrow factor.
var ErrMissingFactor = errors.New("risk: missing factor")

// Input is everything needed to value one position.
type Input struct {
	Holdings          map[string]decimal.Decimal
	BorrowedToken     string
	BorrowedAmount    decimal.Decimal
	Prices            map[string]decimal.Decimal
	CollateralFactors map[string]decimal.Decimal
	BorrowFactors     map[string]decimal.Decimal
}

// Snapshot is the transient result of a risk computation.
type Snapshot struct {
	CollateralValue decimal.Decimal `json:"collateral_value"`
	DebtValue       decimal.Decimal `json:"debt_value"`
	HealthRatio     Ratio           `json:"health_ratio"`
	LTV             Ratio           `json:"ltv"`
}

// Compute values the collateral and debt legs and derives the ratios.
// A held token without a price fails with domain.ErrPriceUnavailable; no leg
// is ever dropped. Intermediate sums keep full precision and only the ratios
// are rounded.
func Compute(in Input) (Snapshot, error) {
	collateral := decimal.Zero
	for _, token := range sortedTokens(in.Holdings) {
		amount := in.Holdings[token]
		if amount.IsZero() {
			continue
		}
		price, ok := in.Prices[token]
		if !ok {
			return Snapshot{}, fmt.Errorf("%w: %s", domain.ErrPriceUnavailable, token)
		}
		factor, ok := in.CollateralFactors[token]
		if !ok {
			return Snapshot{}, fmt.Errorf("%w: collateral factor for %s", ErrMissingFactor, token)
		}
		collateral = collateral.Add(amount.Mul(price).Mul(factor))
	}

	debt := decimal.Zero
	if !in.BorrowedAmount.IsZero() {
		price, ok := in.Prices[in.BorrowedToken]
		if !ok {
			return Snapshot{}, fmt.Errorf("%w: %s", domain.ErrPriceUnavailable, in.BorrowedToken)
		}
		factor, ok := in.BorrowFactors[in.BorrowedToken]
		if !ok || !factor.IsPositive() {
			return Snapshot{}, fmt.Errorf("%w: borrow factor for %s", ErrMissingFactor, in.BorrowedToken)
		}
		debt = in.BorrowedAmount.Mul(price).Div(factor)
	}

	snap := Snapshot{CollateralValue: collateral, DebtValue: debt}
	switch {
	case debt.IsZero():
		snap.HealthRatio = Infinite()
		snap.LTV = Finite(decimal.Zero)
	case collateral.IsZero():
		snap.HealthRatio = Finite(decimal.Zero)
		snap.LTV = Infinite()
	default:
		snap.HealthRatio = Finite(collateral.Div(debt).Round(OutputPlaces))
		snap.LTV = Finite(debt.Div(collateral).Round(OutputPlaces))
	}
	return snap, nil
}

// Value returns the undiscounted market value of holdings. Missing prices
// fail the same way Compute does.
func Value(holdings, prices map[string]decimal.Decimal) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, token := range sortedTokens(holdings) {
		amount := holdings[token]
		if amount.IsZero() {
			continue
		}
		price, ok := prices[token]
		if !ok {
			return decimal.Zero, fmt.Errorf("%w: %s", domain.ErrPriceUnavailable, token)
		}
		total = total.Add(amount.Mul(price))
	}
	return total, nil
}

// Holdings merges a position's base deposit with its extra deposit ledger.
func Holdings(pos domain.Position, deposits []domain.ExtraDeposit) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(deposits)+1)
	out[pos.TokenSymbol] = pos.Amount
	for _, d := range deposits {
		out[d.TokenSymbol] = out[d.TokenSymbol].Add(d.Amount)
	}
	return out
}

// sortedTokens gives a deterministic iteration order so the error for
// several missing prices is stable.
func sortedTokens(m map[string]decimal.Decimal) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

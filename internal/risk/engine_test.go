package risk

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func exampleInput() Input {
	return Input{
		Holdings:          map[string]decimal.Decimal{"ETH": d("2"), "USDC": d("500")},
		BorrowedToken:     "USDC",
		BorrowedAmount:    d("1000"),
		Prices:            map[string]decimal.Decimal{"ETH": d("2000"), "USDC": d("1")},
		CollateralFactors: map[string]decimal.Decimal{"ETH": d("0.8"), "USDC": d("0.8")},
		BorrowFactors:     map[string]decimal.Decimal{"USDC": d("1")},
	}
}

func TestComputeWorkedExample(t *testing.T) {
	snap, err := Compute(exampleInput())
	require.NoError(t, err)

	assert.True(t, snap.CollateralValue.Equal(d("3600")), snap.CollateralValue.String())
	assert.True(t, snap.DebtValue.Equal(d("1000")), snap.DebtValue.String())
	assert.Equal(t, "3.6", snap.HealthRatio.String())
	assert.Equal(t, "0.28", snap.LTV.String())
}

func TestComputeMissingPriceFails(t *testing.T) {
	in := exampleInput()
	delete(in.Prices, "ETH")

	_, err := Compute(in)
	require.ErrorIs(t, err, domain.ErrPriceUnavailable)
	assert.Contains(t, err.Error(), "ETH")
}

func TestComputeZeroHoldingNeedsNoPrice(t *testing.T) {
	in := exampleInput()
	in.Holdings["WBTC"] = decimal.Zero

	_, err := Compute(in)
	require.NoError(t, err)
}

func TestComputeMissingBorrowPriceFails(t *testing.T) {
	in := exampleInput()
	in.Holdings = map[string]decimal.Decimal{"ETH": d("2")}
	delete(in.Prices, "USDC")

	_, err := Compute(in)
	require.ErrorIs(t, err, domain.ErrPriceUnavailable)
}

func TestComputeNoDebtSentinel(t *testing.T) {
	in := exampleInput()
	in.BorrowedAmount = decimal.Zero
	delete(in.Prices, "USDC")
	in.Holdings = map[string]decimal.Decimal{"ETH": d("1")}

	snap, err := Compute(in)
	require.NoError(t, err)
	assert.True(t, snap.HealthRatio.IsInfinite())
	_, ok := snap.HealthRatio.Decimal()
	assert.False(t, ok)
	assert.Equal(t, "0", snap.LTV.String())
	assert.False(t, snap.HealthRatio.LessThan(d("1000000")))
}

func TestComputeNoCollateral(t *testing.T) {
	in := exampleInput()
	in.Holdings = map[string]decimal.Decimal{}

	snap, err := Compute(in)
	require.NoError(t, err)
	assert.Equal(t, "0", snap.HealthRatio.String())
	assert.True(t, snap.LTV.IsInfinite())
}

func TestComputeMissingFactors(t *testing.T) {
	in := exampleInput()
	delete(in.CollateralFactors, "ETH")
	_, err := Compute(in)
	assert.ErrorIs(t, err, ErrMissingFactor)

	in = exampleInput()
	in.BorrowFactors["USDC"] = decimal.Zero
	_, err = Compute(in)
	assert.ErrorIs(t, err, ErrMissingFactor)
}

func TestComputeRoundsOnlyAtOutput(t *testing.T) {
	// 1000 deposits of 0.001 must sum to exactly 1.
	holdings := decimal.Zero
	for range 1000 {
		holdings = holdings.Add(d("0.001"))
	}
	in := Input{
		Holdings:          map[string]decimal.Decimal{"DAI": holdings},
		BorrowedToken:     "DAI",
		BorrowedAmount:    d("0.3"),
		Prices:            map[string]decimal.Decimal{"DAI": d("1")},
		CollateralFactors: map[string]decimal.Decimal{"DAI": d("0.9")},
		BorrowFactors:     map[string]decimal.Decimal{"DAI": d("1")},
	}
	snap, err := Compute(in)
	require.NoError(t, err)
	assert.True(t, snap.CollateralValue.Equal(d("0.9")))
	assert.Equal(t, "3", snap.HealthRatio.String())
	assert.Equal(t, "0.33", snap.LTV.String())
}

func TestComputeConcurrentCallers(t *testing.T) {
	in := exampleInput()
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := Compute(in)
			assert.NoError(t, err)
			assert.Equal(t, "3.6", snap.HealthRatio.String())
		}()
	}
	wg.Wait()
}

func TestValue(t *testing.T) {
	v, err := Value(
		map[string]decimal.Decimal{"ETH": d("2"), "USDC": d("500")},
		map[string]decimal.Decimal{"ETH": d("2000"), "USDC": d("1")},
	)
	require.NoError(t, err)
	assert.True(t, v.Equal(d("4500")))

	_, err = Value(map[string]decimal.Decimal{"ETH": d("1")}, nil)
	assert.ErrorIs(t, err, domain.ErrPriceUnavailable)
}

func TestHoldingsMergesLedger(t *testing.T) {
	pos := domain.Position{TokenSymbol: "ETH", Amount: d("2")}
	got := Holdings(pos, []domain.ExtraDeposit{
		{TokenSymbol: "USDC", Amount: d("500")},
		{TokenSymbol: "ETH", Amount: d("0.5")},
	})
	assert.Equal(t, "2.5", got["ETH"].String())
	assert.Equal(t, "500", got["USDC"].String())
}

func TestRatioJSON(t *testing.T) {
	b, err := json.Marshal(Snapshot{HealthRatio: Infinite(), LTV: Finite(d("0.28"))})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"health_ratio":"inf"`)
	assert.Contains(t, string(b), `"ltv":"0.28"`)

	var r Ratio
	require.NoError(t, json.Unmarshal([]byte(`"inf"`), &r))
	assert.True(t, r.IsInfinite())
	require.NoError(t, json.Unmarshal([]byte(`"1.25"`), &r))
	assert.True(t, r.Equal(Finite(d("1.25"))))
}

package risk

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

const infText = "inf"

// Ratio is a rounded risk ratio that may also be the distinguished infinite
// value used when its denominator is zero.
type Ratio struct {
	v   decimal.Decimal
	inf bool
}

// Finite wraps a numeric ratio.
func Finite(d decimal.Decimal) Ratio { return Ratio{v: d} }

// Infinite returns the no-debt sentinel.
func Infinite() Ratio { return Ratio{inf: true} }

// IsInfinite reports whether r is the sentinel.
func (r Ratio) IsInfinite() bool { return r.inf }

// Decimal returns the numeric value; ok is false for the sentinel.
func (r Ratio) Decimal() (d decimal.Decimal, ok bool) {
	if r.inf {
		return decimal.Zero, false
	}
	return r.v, true
}

// LessThan reports whether r is numerically below threshold. The sentinel is
// never below any threshold.
func (r Ratio) LessThan(threshold decimal.Decimal) bool {
	if r.inf {
		return false
	}
	return r.v.LessThan(threshold)
}

// Equal compares two ratios, treating the sentinels as equal.
func (r Ratio) Equal(o Ratio) bool {
	if r.inf || o.inf {
		return r.inf == o.inf
	}
	return r.v.Equal(o.v)
}

func (r Ratio) String() string {
	if r.inf {
		return infText
	}
	return r.v.String()
}

func (r Ratio) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *Ratio) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("risk: ratio: %w", err)
	}
	if s == infText {
		*r = Infinite()
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("risk: ratio %q: %w", s, err)
	}
	*r = Finite(d)
	return nil
}

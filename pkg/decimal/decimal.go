// Package decimal provides a fixed-precision base-10 value type for token
// amount arithmetic. Amounts are carried as strings on the wire; summing
// millions of them through float64 drifts, so all accumulation goes through
// this type and only FixedString/Float64 leave it.
package decimal

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Places is the number of fractional digits retained by FixedString.
const Places = 10

// Decimal is an arbitrary-precision base-10 value. The zero value is usable
// and equal to Zero.
type Decimal struct {
	d decimal.Decimal
}

// Zero is the additive identity.
var Zero = Decimal{}

// Parse parses s into a Decimal. Non-numeric strings are rejected.
func Parse(s string) (Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Decimal{}, fmt.Errorf("parse decimal: empty string")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Decimal{}, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return Decimal{d: d}, nil
}

// ParseOrZero parses s, returning Zero when s is not a valid decimal.
// Aggregation uses this: a malformed amount contributes nothing and is not
// an error.
func ParseOrZero(s string) Decimal {
	d, err := Parse(s)
	if err != nil {
		return Zero
	}
	return d
}

// FromInt returns an integer-valued Decimal.
func FromInt(n int64) Decimal {
	return Decimal{d: decimal.NewFromInt(n)}
}

// Plus returns d + other.
func (d Decimal) Plus(other Decimal) Decimal {
	return Decimal{d: d.d.Add(other.d)}
}

// Minus returns d - other.
func (d Decimal) Minus(other Decimal) Decimal {
	return Decimal{d: d.d.Sub(other.d)}
}

// Mul returns d * other.
func (d Decimal) Mul(other Decimal) Decimal {
	return Decimal{d: d.d.Mul(other.d)}
}

// Cmp returns -1, 0 or 1 comparing d against other.
func (d Decimal) Cmp(other Decimal) int {
	return d.d.Cmp(other.d)
}

// IsZero reports whether d equals zero.
func (d Decimal) IsZero() bool {
	return d.d.IsZero()
}

// FixedString renders d with exactly Places fractional digits.
func (d Decimal) FixedString() string {
	return d.d.StringFixed(Places)
}

// String renders d without trailing-zero padding.
func (d Decimal) String() string {
	return d.d.String()
}

// Float64 converts d for comparison or display. Never accumulate on the
// result; precision beyond float64 is lost.
func (d Decimal) Float64() float64 {
	f, _ := d.d.Float64()
	return f
}

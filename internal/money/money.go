// Package money implements the fixed-point monetary scalar used by the
// wallet ledger. Values are a signed count of minimum units (1e-8 of the
// ledger unit); no binary floating point is involved anywhere.
package money

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// FractionDigits is the number of decimal fraction digits carried exactly.
const FractionDigits = 8

var (
	ErrMalformed = errors.New("money: malformed decimal amount")
	ErrRange     = errors.New("money: amount out of range")
)

// Money is a count of minimum units. The zero value is zero money.
type Money int64

// Zero is the additive identity.
const Zero Money = 0

// FromUnits wraps a raw count of minimum units.
func FromUnits(units int64) Money { return Money(units) }

// Units returns the raw count of minimum units.
func (m Money) Units() int64 { return int64(m) }

// Parse converts a decimal string ("12.5", "0.00000001") into Money.
// More than FractionDigits fraction digits, or values outside the int64
// unit range, fail with ErrMalformed / ErrRange.
func Parse(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, ErrMalformed
	}
	scaled := d.Shift(FractionDigits)
	if !scaled.IsInteger() {
		return 0, ErrMalformed
	}
	bi := scaled.BigInt()
	if !bi.IsInt64() {
		return 0, ErrRange
	}
	return Money(bi.Int64()), nil
}

// MustParse is Parse for constants in tests and seeds; it panics on error.
func MustParse(s string) Money {
	m, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("money.MustParse(%q): %v", s, err))
	}
	return m
}

// Add returns m+o, failing with ErrRange on int64 overflow.
func (m Money) Add(o Money) (Money, error) {
	sum := int64(m) + int64(o)
	if (int64(o) > 0 && sum < int64(m)) || (int64(o) < 0 && sum > int64(m)) {
		return 0, ErrRange
	}
	return Money(sum), nil
}

// Sub returns m-o. A result below zero fails with ErrRange: committed
// balances are never negative, so underflow is always a caller bug.
func (m Money) Sub(o Money) (Money, error) {
	if int64(o) == math.MinInt64 {
		return 0, ErrRange
	}
	diff := int64(m) - int64(o)
	if diff < 0 {
		return 0, ErrRange
	}
	return Money(diff), nil
}

func (m Money) IsZero() bool     { return m == 0 }
func (m Money) IsPositive() bool { return m > 0 }
func (m Money) IsNegative() bool { return m < 0 }

// Cmp returns -1, 0 or +1 comparing m against o.
func (m Money) Cmp(o Money) int {
	switch {
	case m < o:
		return -1
	case m > o:
		return 1
	default:
		return 0
	}
}

// String renders the exact decimal form with all fraction digits,
// e.g. Money(150000000).String() == "1.50000000".
func (m Money) String() string {
	return decimal.New(int64(m), -FractionDigits).StringFixed(FractionDigits)
}

// MarshalJSON encodes Money as a quoted decimal string so that JSON
// consumers never see it as a float.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

// UnmarshalJSON accepts either a quoted decimal string or a bare number.
func (m *Money) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Package money converts decimal major-unit amounts at the transport edge into
// the integral minor units the ledger works with.
package money

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

// MinorPerMajor is the scaling factor between rupees and paise.
const MinorPerMajor = 100

var (
	// ErrNotPositive is returned for zero or negative amounts.
	ErrNotPositive = errors.New("money: amount must be positive")
	// ErrFractionalMinor is returned when the amount has more precision than one paisa.
	ErrFractionalMinor = errors.New("money: amount has fractional minor units")
	// ErrOverflow is returned when the amount does not fit in int64 minor units.
	ErrOverflow = errors.New("money: amount too large")
)

var (
	scale    = decimal.NewFromInt(MinorPerMajor)
	maxMinor = decimal.NewFromInt(math.MaxInt64)
)

// ToMinor scales a major-unit amount to minor units exactly.
func ToMinor(major decimal.Decimal) (int64, error) {
	if !major.IsPositive() {
		return 0, ErrNotPositive
	}
	minor := major.Mul(scale)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, ErrFractionalMinor
	}
	if minor.GreaterThan(maxMinor) {
		return 0, ErrOverflow
	}
	return minor.IntPart(), nil
}

// ParseMinor parses a decimal string such as "499.50" into minor units.
func ParseMinor(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return ToMinor(d)
}

// ToMajor converts minor units back to a major-unit decimal.
func ToMajor(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

package types

import (
	"bytes"
	"fmt"

	"github.com/shopspring/decimal"
)

// minorUnitPlaces is the configured currency precision (2 = cents).
const minorUnitPlaces = 2

// Amount is a decimal money value as received on the wire. It accepts both
// JSON numbers and strings so callers are never forced through float64, and
// it converts to integer minor units before any ledger arithmetic.
type Amount struct {
	value decimal.Decimal
	set   bool
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	raw := bytes.Trim(bytes.TrimSpace(data), `"`)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	value, err := decimal.NewFromString(string(raw))
	if err != nil {
		return fmt.Errorf("invalid amount %q", raw)
	}
	a.value = value
	a.set = true
	return nil
}

func (a Amount) MarshalJSON() ([]byte, error) {
	if !a.set {
		return []byte("null"), nil
	}
	return []byte(a.value.StringFixed(minorUnitPlaces)), nil
}

// IsSet reports whether a value was supplied at all.
func (a Amount) IsSet() bool {
	return a.set
}

// Cents converts the amount to integer minor units. It rejects unset,
// non-positive, and sub-cent values: "4.255" loses precision at 2 dp and is
// a caller error, never something to round.
func (a Amount) Cents() (int64, error) {
	if !a.set {
		return 0, fmt.Errorf("amount is required")
	}
	if a.value.Exponent() < -minorUnitPlaces {
		truncated := a.value.Truncate(minorUnitPlaces)
		if !truncated.Equal(a.value) {
			return 0, fmt.Errorf("amount %s exceeds %d decimal places", a.value.String(), minorUnitPlaces)
		}
	}
	cents := a.value.Shift(minorUnitPlaces)
	if !cents.IsInteger() {
		return 0, fmt.Errorf("amount %s exceeds %d decimal places", a.value.String(), minorUnitPlaces)
	}
	if !cents.IsPositive() {
		return 0, fmt.Errorf("amount must be positive")
	}
	return cents.IntPart(), nil
}

// CentsToDecimalString renders integer minor units for API responses.
func CentsToDecimalString(cents int64) string {
	return decimal.New(cents, -minorUnitPlaces).StringFixed(minorUnitPlaces)
}

// Package money converts between decimal major-unit strings used on the
// HTTP surface and the int64 minor units used everywhere else.
package money

import (
	"strings"

	"deposit-hold-service/pkg/apperror"

	"github.com/shopspring/decimal"
)

var exponents = map[string]int32{
	"bif": 0, "clp": 0, "djf": 0, "gnf": 0, "jpy": 0, "kmf": 0, "krw": 0,
	"mga": 0, "pyg": 0, "rwf": 0, "ugx": 0, "vnd": 0, "vuv": 0, "xaf": 0,
	"xof": 0, "xpf": 0,
	"bhd": 3, "jod": 3, "kwd": 3, "omr": 3, "tnd": 3,
}

// Exponent returns the number of minor-unit digits for an ISO 4217 currency.
func Exponent(currency string) int32 {
	if exp, ok := exponents[strings.ToLower(currency)]; ok {
		return exp
	}
	return 2
}

// ParseMinor parses a major-unit amount such as "150.00" into minor units.
// Amounts with more precision than the currency allows are rejected, never rounded.
func ParseMinor(amount, currency string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return 0, apperror.ErrInvalidAmount()
	}
	return ToMinor(d, currency)
}

// ToMinor converts a decimal major-unit amount into minor units.
func ToMinor(d decimal.Decimal, currency string) (int64, error) {
	shifted := d.Shift(Exponent(currency))
	if !shifted.IsInteger() || !shifted.IsPositive() {
		return 0, apperror.ErrInvalidAmount()
	}
	if shifted.GreaterThan(decimal.NewFromInt(maxMinor)) {
		return 0, apperror.ErrInvalidAmount()
	}
	return shifted.IntPart(), nil
}

// FromMinor renders minor units as a fixed-point major-unit string.
func FromMinor(minor int64, currency string) string {
	exp := Exponent(currency)
	return decimal.New(minor, -exp).StringFixed(exp)
}

// maxMinor keeps amounts well inside int64 after summing captures and refunds.
const maxMinor = int64(1) << 53

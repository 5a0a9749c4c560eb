// Package currency converts decimal money amounts to and from the payment
// processor's integer minor-unit representation.
package currency

import (
	"strings"

	"github.com/shopspring/decimal"
)

// zeroDecimal lists currencies whose smallest unit is the major unit.
var zeroDecimal = map[string]struct{}{
	"bif": {}, "clp": {}, "djf": {}, "gnf": {}, "jpy": {},
	"kmf": {}, "krw": {}, "mga": {}, "pyg": {}, "rwf": {},
	"ugx": {}, "vnd": {}, "vuv": {}, "xaf": {}, "xof": {}, "xpf": {},
}

var hundred = decimal.NewFromInt(100)

// IsZeroDecimal reports whether code is a zero-decimal currency. Unknown codes
// are treated as two-decimal currencies.
func IsZeroDecimal(code string) bool {
	_, ok := zeroDecimal[normalize(code)]
	return ok
}

// ZeroDecimalCodes returns the supported zero-decimal currency codes.
func ZeroDecimalCodes() []string {
	out := make([]string, 0, len(zeroDecimal))
	for code := range zeroDecimal {
		out = append(out, code)
	}
	return out
}

// Exponent returns the number of decimal places in one major unit.
func Exponent(code string) int32 {
	if IsZeroDecimal(code) {
		return 0
	}
	return 2
}

// ToMinorUnit converts amount to integer minor units, rounding half away from zero.
func ToMinorUnit(amount decimal.Decimal, code string) int64 {
	if IsZeroDecimal(code) {
		return amount.Round(0).IntPart()
	}
	return amount.Mul(hundred).Round(0).IntPart()
}

// FromMinorUnit converts integer minor units back to a decimal amount.
func FromMinorUnit(units int64, code string) decimal.Decimal {
	return decimal.New(units, -Exponent(code))
}

// MinimumUnit is the smallest amount representable in code.
func MinimumUnit(code string) decimal.Decimal {
	return decimal.New(1, -Exponent(code))
}

func normalize(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

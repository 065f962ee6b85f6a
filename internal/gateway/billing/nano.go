// Package billing prices requests in integer nanodollars and settles them
// against token quotas.
package billing

import (
	"math"
	"math/bits"

	"github.com/shopspring/decimal"
)

// NanoPerDollar is the number of nanodollars in one currency unit.
const NanoPerDollar int64 = 1_000_000_000

// RateScale is the fixed-point scale applied to stored exchange rates.
const RateScale int64 = 1_000_000_000

const perMillion uint64 = 1_000_000

// DollarsToNano converts a decimal amount to nanodollars, rounding to the
// nearest nanodollar.
func DollarsToNano(d decimal.Decimal) int64 {
	return d.Shift(9).Round(0).IntPart()
}

// DollarsToNanoFloat converts a float amount such as a configured list price.
// The float is read through its shortest decimal form so 0.15 becomes exactly
// 150_000_000.
func DollarsToNanoFloat(f float64) int64 {
	return DollarsToNano(decimal.NewFromFloat(f))
}

// NanoToDollars converts nanodollars to an exact decimal amount.
func NanoToDollars(nano int64) decimal.Decimal {
	return decimal.New(nano, -9)
}

// RateToScaled converts an exchange rate to its fixed-point form.
func RateToScaled(rate float64) int64 {
	return decimal.NewFromFloat(rate).Shift(9).Round(0).IntPart()
}

// ScaledToRate converts a fixed-point exchange rate back to a decimal.
func ScaledToRate(scaled int64) decimal.Decimal {
	return decimal.New(scaled, -9)
}

// CalculateCostSafe returns floor(tokens * pricePerMillion / 1_000_000)
// computed with a 128-bit intermediate. Negative inputs cost nothing and
// results beyond int64 saturate.
func CalculateCostSafe(tokens, pricePerMillion int64) int64 {
	if tokens <= 0 || pricePerMillion <= 0 {
		return 0
	}
	return mulDiv(uint64(tokens), uint64(pricePerMillion), perMillion)
}

// mulDiv returns floor(a*b/d) saturated to math.MaxInt64.
func mulDiv(a, b, d uint64) int64 {
	hi, lo := bits.Mul64(a, b)
	if hi >= d {
		return math.MaxInt64
	}
	q, _ := bits.Div64(hi, lo, d)
	if q > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(q)
}

// scale multiplies a nanodollar rate by num/den, flooring.
func scale(rate int64, num, den uint64) int64 {
	if rate <= 0 {
		return 0
	}
	return mulDiv(uint64(rate), num, den)
}

func addSat(a, b int64) int64 {
	if a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

package math

import (
	stdmath "math"
	"time"

	"github.com/shopspring/decimal"
)

const SecondsPerYear int64 = 365 * 24 * 60 * 60

// expPrecision is the number of digits kept when evaluating e^x.
const expPrecision = 18

// CompoundContinuous grows balance by e^(rate * elapsed / year) and returns the
// new balance in the same fixed-point unit, rounded half-even.
func CompoundContinuous(balance int64, annualRateBps int64, elapsed time.Duration) int64 {
	if balance <= 0 || annualRateBps <= 0 || elapsed <= 0 {
		return balance
	}

	seconds := int64(elapsed / time.Second)
	if seconds == 0 {
		return balance
	}

	exponent := decimal.NewFromInt(annualRateBps).
		Mul(decimal.NewFromInt(seconds)).
		Div(decimal.NewFromInt(BpsScale * SecondsPerYear))

	factor, err := exponent.ExpTaylor(expPrecision)
	if err != nil {
		f, _ := exponent.Float64()
		factor = decimal.NewFromFloat(stdmath.Exp(f))
	}

	grown := decimal.NewFromInt(balance).Mul(factor).RoundBank(0)
	if grown.GreaterThan(decimal.NewFromInt(stdmath.MaxInt64)) {
		return stdmath.MaxInt64
	}
	return grown.IntPart()
}

// InterestDue returns the interest accrued on (principal + interest) over elapsed.
func InterestDue(principal, interest int64, annualRateBps int64, elapsed time.Duration) int64 {
	base := principal + interest
	return CompoundContinuous(base, annualRateBps, elapsed) - base
}

package math

import (
	"fmt"
	stdmath "math"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"
)

// Stablecoin amounts are fixed-point int64 in micro-USD (6 decimals).
const (
	USDDecimals       = 6
	USDScale    int64 = 1_000_000
	BpsScale    int64 = 10_000
)

// HealthFactorInfinite is returned for positions without debt.
const HealthFactorInfinite int64 = stdmath.MaxInt64

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown
	RoundUp
)

var bigIntPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBigInt() *big.Int {
	return bigIntPool.Get().(*big.Int)
}

func putBigInt(v *big.Int) {
	v.SetInt64(0)
	bigIntPool.Put(v)
}

// MulDiv computes a * b / denom with 128-bit intermediate precision.
// Operands are expected to be non-negative; denom must be positive.
// Results that do not fit into int64 saturate at MaxInt64.
func MulDiv(a, b, denom int64, mode RoundingMode) int64 {
	if denom <= 0 {
		panic(fmt.Sprintf("MulDiv: non-positive denominator %d", denom))
	}

	num := getBigInt()
	defer putBigInt(num)
	num.Mul(big.NewInt(a), big.NewInt(b))

	d := big.NewInt(denom)
	quotient := getBigInt()
	remainder := getBigInt()
	defer putBigInt(quotient)
	defer putBigInt(remainder)

	quotient.QuoRem(num, d, remainder)

	if remainder.Sign() != 0 {
		switch mode {
		case RoundUp:
			quotient.Add(quotient, big.NewInt(1))
		case RoundHalfEven:
			twice := new(big.Int).Mul(remainder, big.NewInt(2))
			cmp := twice.Cmp(d)
			if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
				quotient.Add(quotient, big.NewInt(1))
			}
		}
	}

	if !quotient.IsInt64() {
		return stdmath.MaxInt64
	}
	return quotient.Int64()
}

// MulBps applies a basis-point ratio to an amount.
func MulBps(amount, bps int64, mode RoundingMode) int64 {
	return MulDiv(amount, bps, BpsScale, mode)
}

// MaxBorrowable returns value * ltv, rounded down.
func MaxBorrowable(collateralValue, ltvBps int64) int64 {
	return MulBps(collateralValue, ltvBps, RoundDown)
}

// HealthFactorBps returns collateralValue * 10000 / debt, or HealthFactorInfinite when debt is 0.
func HealthFactorBps(collateralValue, debt int64) int64 {
	if debt <= 0 {
		return HealthFactorInfinite
	}
	return MulDiv(collateralValue, BpsScale, debt, RoundDown)
}

// ParseUSD converts a decimal string ("1000.25") into micro-USD.
func ParseUSD(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse usd %q: %w", s, err)
	}
	scaled := d.Shift(USDDecimals)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("parse usd %q: more than %d decimals", s, USDDecimals)
	}
	if scaled.GreaterThan(decimal.NewFromInt(stdmath.MaxInt64)) || scaled.LessThan(decimal.NewFromInt(stdmath.MinInt64)) {
		return 0, fmt.Errorf("parse usd %q: out of range", s)
	}
	return scaled.IntPart(), nil
}

// FormatUSD renders micro-USD with all six decimals.
func FormatUSD(v int64) string {
	return decimal.New(v, -USDDecimals).StringFixed(USDDecimals)
}

// USD converts whole dollars into micro-USD. Convenient for constants and tests.
func USD(dollars int64) int64 {
	return dollars * USDScale
}

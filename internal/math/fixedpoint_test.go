package math_test

import (
	fpmath "LendLedger/internal/math"
	"testing"
	"time"
)

// ============================================================================
// Test: MulDiv rounding
// ============================================================================

func TestMulDiv_RoundHalfEven(t *testing.T) {
	cases := []struct {
		a, b, d int64
		want    int64
	}{
		{5, 1, 2, 2},  // 2.5 -> 2
		{7, 1, 2, 4},  // 3.5 -> 4
		{10, 1, 3, 3}, // 3.33 -> 3
		{20, 1, 3, 7}, // 6.67 -> 7
	}
	for _, c := range cases {
		got := fpmath.MulDiv(c.a, c.b, c.d, fpmath.RoundHalfEven)
		if got != c.want {
			t.Errorf("MulDiv(%d,%d,%d) = %d, want %d", c.a, c.b, c.d, got, c.want)
		}
	}
}

func TestMulDiv_DownAndUp(t *testing.T) {
	if got := fpmath.MulDiv(10, 1, 3, fpmath.RoundDown); got != 3 {
		t.Errorf("RoundDown: got %d, want 3", got)
	}
	if got := fpmath.MulDiv(10, 1, 3, fpmath.RoundUp); got != 4 {
		t.Errorf("RoundUp: got %d, want 4", got)
	}
	if got := fpmath.MulDiv(9, 1, 3, fpmath.RoundUp); got != 3 {
		t.Errorf("RoundUp exact: got %d, want 3", got)
	}
}

func TestMulDiv_NoOverflow(t *testing.T) {
	// $1B collateral * 10000 bps overflows int64 without the wide intermediate.
	value := fpmath.USD(1_000_000_000)
	got := fpmath.MulDiv(value, 10_000, value, fpmath.RoundDown)
	if got != 10_000 {
		t.Errorf("got %d, want 10000", got)
	}
}

// ============================================================================
// Test: Health factor and LTV
// ============================================================================

func TestHealthFactor_ZeroDebtIsInfinite(t *testing.T) {
	if hf := fpmath.HealthFactorBps(fpmath.USD(1000), 0); hf != fpmath.HealthFactorInfinite {
		t.Errorf("got %d, want infinite", hf)
	}
}

func TestHealthFactor_Bps(t *testing.T) {
	// $1000 collateral, $800 debt -> 12500 bps
	if hf := fpmath.HealthFactorBps(fpmath.USD(1000), fpmath.USD(800)); hf != 12_500 {
		t.Errorf("got %d, want 12500", hf)
	}
}

func TestMaxBorrowable(t *testing.T) {
	if got := fpmath.MaxBorrowable(fpmath.USD(1000), 7_000); got != fpmath.USD(700) {
		t.Errorf("got %d, want %d", got, fpmath.USD(700))
	}
}

// ============================================================================
// Test: USD parsing
// ============================================================================

func TestParseUSD(t *testing.T) {
	got, err := fpmath.ParseUSD("1000.25")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != 1_000_250_000 {
		t.Errorf("got %d, want 1000250000", got)
	}

	if _, err := fpmath.ParseUSD("0.0000001"); err == nil {
		t.Error("expected error for 7 decimals")
	}
	if _, err := fpmath.ParseUSD("abc"); err == nil {
		t.Error("expected error for garbage input")
	}
}

func TestFormatUSD(t *testing.T) {
	if got := fpmath.FormatUSD(270_000_000); got != "270.000000" {
		t.Errorf("got %q", got)
	}
}

// ============================================================================
// Test: Continuous compounding
// ============================================================================

func TestCompoundContinuous_OneYear(t *testing.T) {
	// 1000 USD at 10% for one year: 1000 * e^0.1 = 1105.170918...
	year := time.Duration(fpmath.SecondsPerYear) * time.Second
	got := fpmath.CompoundContinuous(fpmath.USD(1000), 1_000, year)
	want := int64(1_105_170_918)
	if diff := got - want; diff < -1 || diff > 1 {
		t.Errorf("got %d, want ~%d", got, want)
	}
}

func TestCompoundContinuous_ZeroElapsed(t *testing.T) {
	if got := fpmath.CompoundContinuous(fpmath.USD(1000), 1_000, 0); got != fpmath.USD(1000) {
		t.Errorf("zero elapsed must not accrue, got %d", got)
	}
}

func TestCompoundContinuous_SplitEqualsWhole(t *testing.T) {
	// Continuous compounding is path independent up to rounding.
	day := 24 * time.Hour
	whole := fpmath.CompoundContinuous(fpmath.USD(5000), 800, 20*day)
	half := fpmath.CompoundContinuous(fpmath.USD(5000), 800, 10*day)
	split := fpmath.CompoundContinuous(half, 800, 10*day)
	if diff := whole - split; diff < -1 || diff > 1 {
		t.Errorf("whole=%d split=%d", whole, split)
	}
}

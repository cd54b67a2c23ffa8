package state

import (
	"LendLedger/internal/event"
	fpmath "LendLedger/internal/math"
	"fmt"
)

// RiskParams defines admission and liquidation limits (bps, scale=10_000)
type RiskParams struct {
	ClassALTVBps            int64 `toml:"class_a_ltv_bps"`
	ClassBLTVBps            int64 `toml:"class_b_ltv_bps"`
	LiquidationThresholdBps int64 `toml:"liquidation_threshold_bps"` // Health factor below this is eligible
	LiquidationFeeBps       int64 `toml:"liquidation_fee_bps"`       // Taken from settlement surplus
	DefaultAfterMissed      int32 `toml:"default_after_missed"`      // Missed installments before default
}

// DefaultRiskParams returns the production defaults.
func DefaultRiskParams() RiskParams {
	return RiskParams{
		ClassALTVBps:            7_000, // 70%
		ClassBLTVBps:            6_000, // 60%
		LiquidationThresholdBps: 11_500,
		LiquidationFeeBps:       1_000, // 10%
		DefaultAfterMissed:      3,
	}
}

// LTV returns the loan-to-value cap for a collateral class.
func (rp RiskParams) LTV(t event.TokenType) (int64, bool) {
	switch t {
	case event.TokenTypeClassA:
		return rp.ClassALTVBps, true
	case event.TokenTypeClassB:
		return rp.ClassBLTVBps, true
	default:
		return 0, false
	}
}

// Validate checks that risk parameters are within valid ranges:
// 0 < ltv < 10_000, threshold > 10_000, 0 <= fee <= 10_000, default_after > 0.
func (rp RiskParams) Validate() error {
	if rp.ClassALTVBps <= 0 || rp.ClassALTVBps >= fpmath.BpsScale {
		return fmt.Errorf("class_a_ltv_bps must be in (0, %d), got %d", fpmath.BpsScale, rp.ClassALTVBps)
	}
	if rp.ClassBLTVBps <= 0 || rp.ClassBLTVBps >= fpmath.BpsScale {
		return fmt.Errorf("class_b_ltv_bps must be in (0, %d), got %d", fpmath.BpsScale, rp.ClassBLTVBps)
	}
	if rp.LiquidationThresholdBps <= fpmath.BpsScale {
		return fmt.Errorf("liquidation_threshold_bps must be > %d, got %d", fpmath.BpsScale, rp.LiquidationThresholdBps)
	}
	if rp.LiquidationFeeBps < 0 || rp.LiquidationFeeBps > fpmath.BpsScale {
		return fmt.Errorf("liquidation_fee_bps must be in [0, %d], got %d", fpmath.BpsScale, rp.LiquidationFeeBps)
	}
	if rp.DefaultAfterMissed <= 0 {
		return fmt.Errorf("default_after_missed must be > 0, got %d", rp.DefaultAfterMissed)
	}
	// A freshly borrowed position must not be liquidatable by health alone.
	maxLTV := max(rp.ClassALTVBps, rp.ClassBLTVBps)
	if fpmath.BpsScale*fpmath.BpsScale/maxLTV < rp.LiquidationThresholdBps {
		return fmt.Errorf("max ltv %d bps is liquidatable at threshold %d bps", maxLTV, rp.LiquidationThresholdBps)
	}
	return nil
}

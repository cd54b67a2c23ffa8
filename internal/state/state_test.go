package state_test

import (
	"LendLedger/internal/event"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/state"
	"testing"
	"time"
)

var t0 = time.Unix(1_700_000_000, 0).UTC()

// ============================================================================
// Test: RepaymentPlan
// ============================================================================

func TestRepaymentPlan_Interval(t *testing.T) {
	plan, err := state.NewRepaymentPlan(90*24*time.Hour, 9, t0)
	if err != nil {
		t.Fatalf("new plan: %v", err)
	}
	if plan.InstallmentInterval != 10*24*time.Hour {
		t.Errorf("interval = %s, want 240h", plan.InstallmentInterval)
	}
	if !plan.NextPaymentDue.Equal(t0.Add(10 * 24 * time.Hour)) {
		t.Errorf("next due = %s", plan.NextPaymentDue)
	}
}

func TestRepaymentPlan_RejectsInvalidSchedule(t *testing.T) {
	if _, err := state.NewRepaymentPlan(90*24*time.Hour, 0, t0); err == nil {
		t.Error("expected error for zero installments")
	}
	if _, err := state.NewRepaymentPlan(5*time.Second, 10, t0); err == nil {
		t.Error("expected error for sub-second interval")
	}
}

func TestRepaymentPlan_ThreeMissedTicks(t *testing.T) {
	plan, _ := state.NewRepaymentPlan(90*24*time.Hour, 9, t0)
	for i := 0; i < 3; i++ {
		plan.MarkMissed()
	}
	if plan.MissedPayments != 3 {
		t.Errorf("missed = %d, want 3", plan.MissedPayments)
	}
	if !plan.NextPaymentDue.Equal(t0.Add(40 * 24 * time.Hour)) {
		t.Errorf("next due = %s, want t0+40d", plan.NextPaymentDue)
	}
	if plan.MissedPayments < state.DefaultRiskParams().DefaultAfterMissed {
		t.Error("three misses should reach the default threshold")
	}
}

func TestRepaymentPlan_EarlyPaymentCoversCurrentInstallment(t *testing.T) {
	plan, _ := state.NewRepaymentPlan(30*24*time.Hour, 3, t0)
	due := plan.NextPaymentDue

	plan.RecordPayment(due.Add(-24 * time.Hour))
	if !plan.NextPaymentDue.Equal(due.Add(plan.InstallmentInterval)) {
		t.Errorf("early payment should cover the installment, next due = %s", plan.NextPaymentDue)
	}
}

func TestRepaymentPlan_SecondPaymentInWindowDoesNotSkipAhead(t *testing.T) {
	plan, _ := state.NewRepaymentPlan(30*24*time.Hour, 3, t0)
	due := plan.NextPaymentDue

	plan.RecordPayment(t0.Add(time.Hour))
	plan.RecordPayment(t0.Add(2 * time.Hour))
	if !plan.NextPaymentDue.Equal(due.Add(plan.InstallmentInterval)) {
		t.Errorf("two payments in one window advanced to %s", plan.NextPaymentDue)
	}
	if plan.InstallmentsPaid != 2 {
		t.Errorf("installments paid = %d, want 2", plan.InstallmentsPaid)
	}
}

func TestRepaymentPlan_LatePaymentCoversOneInstallment(t *testing.T) {
	plan, _ := state.NewRepaymentPlan(30*24*time.Hour, 3, t0)
	due := plan.NextPaymentDue

	plan.RecordPayment(due.Add(plan.InstallmentInterval + time.Hour))
	if !plan.NextPaymentDue.Equal(due.Add(plan.InstallmentInterval)) {
		t.Errorf("late payment should cover one installment, next due = %s", plan.NextPaymentDue)
	}
}

func TestRepaymentPlan_StateRoundTrip(t *testing.T) {
	plan, _ := state.NewRepaymentPlan(60*24*time.Hour, 6, t0)
	plan.MarkMissed()
	back := state.PlanFromState(plan.State())
	if *back != *plan {
		t.Errorf("round trip mismatch: %+v vs %+v", back, plan)
	}
}

// ============================================================================
// Test: Settlement
// ============================================================================

func TestComputeSettlement_Surplus(t *testing.T) {
	out := state.ComputeSettlement(fpmath.USD(1_000), fpmath.USD(700), 1_000)

	if out.DebtRepaid != fpmath.USD(700) {
		t.Errorf("debt repaid = %d", out.DebtRepaid)
	}
	if out.Fee != fpmath.USD(30) {
		t.Errorf("fee = %d, want %d", out.Fee, fpmath.USD(30))
	}
	if out.Refund != fpmath.USD(270) {
		t.Errorf("refund = %d, want %d", out.Refund, fpmath.USD(270))
	}
	if out.Shortfall != 0 {
		t.Errorf("shortfall = %d", out.Shortfall)
	}
}

func TestComputeSettlement_Shortfall(t *testing.T) {
	out := state.ComputeSettlement(fpmath.USD(500), fpmath.USD(700), 1_000)

	if out.DebtRepaid != fpmath.USD(500) || out.Fee != 0 || out.Refund != 0 {
		t.Errorf("unexpected outcome: %+v", out)
	}
	if out.Shortfall != fpmath.USD(200) {
		t.Errorf("shortfall = %d, want %d", out.Shortfall, fpmath.USD(200))
	}
}

func TestComputeSettlement_Conserves(t *testing.T) {
	cases := []struct{ proceeds, debt int64 }{
		{1, 0}, {3, 1}, {999_999, 1}, {fpmath.USD(1_000), fpmath.USD(1_000)}, {0, 5},
	}
	for _, c := range cases {
		out := state.ComputeSettlement(c.proceeds, c.debt, 1_000)
		if out.DebtRepaid+out.Fee+out.Refund != c.proceeds {
			t.Errorf("proceeds %d not conserved: %+v", c.proceeds, out)
		}
		if out.DebtRepaid+out.Shortfall != c.debt {
			t.Errorf("debt %d not conserved: %+v", c.debt, out)
		}
	}
}

func TestSettlementVariants(t *testing.T) {
	var s state.Settlement = state.YieldBurn{Proceeds: 10}
	if s.Kind() != event.SettlementYieldBurn || s.Recipient() != "" {
		t.Errorf("unexpected yield burn: %v %q", s.Kind(), s.Recipient())
	}
	s = state.AdminPurchase{PurchaseAmount: 20, Liquidator: "0xliq"}
	if s.Kind() != event.SettlementAdminPurchase || s.Amount() != 20 || s.Recipient() != "0xliq" {
		t.Errorf("unexpected admin purchase: %v", s)
	}
}

func TestLiquidationID_Deterministic(t *testing.T) {
	a := state.LiquidationID(7, "0xabc")
	b := state.LiquidationID(7, "0xabc")
	c := state.LiquidationID(8, "0xabc")
	if a != b {
		t.Error("same inputs must give same id")
	}
	if a == c {
		t.Error("different positions must give different ids")
	}
}

// ============================================================================
// Test: Position lifecycle
// ============================================================================

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to event.PositionStatus
		ok       bool
	}{
		{event.StatusActive, event.StatusRepaid, true},
		{event.StatusActive, event.StatusLiquidationPending, true},
		{event.StatusRepaid, event.StatusActive, true},
		{event.StatusLiquidationPending, event.StatusLiquidated, true},
		{event.StatusLiquidationPending, event.StatusActive, false},
		{event.StatusLiquidated, event.StatusActive, false},
		{event.StatusClosed, event.StatusActive, false},
		{event.StatusRepaid, event.StatusLiquidated, false},
	}
	for _, c := range cases {
		if got := state.CanTransition(c.from, c.to); got != c.ok {
			t.Errorf("%s -> %s: got %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestPositionManager_OneOpenLiquidation(t *testing.T) {
	pm := state.NewPositionManager()
	id := pm.Create(&state.Position{Owner: "0xowner", Status: event.StatusActive})

	if err := pm.OpenLiquidation(&state.LiquidationRecord{PositionID: id}); err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := pm.OpenLiquidation(&state.LiquidationRecord{PositionID: id}); err == nil {
		t.Error("second open liquidation must fail")
	}
}

func TestPositionManager_SnapshotRestore(t *testing.T) {
	pm := state.NewPositionManager()
	id := pm.Create(&state.Position{Owner: "0xa", Status: event.StatusActive, CollateralAmount: 5})
	plan, _ := state.NewRepaymentPlan(30*24*time.Hour, 3, t0)
	if err := pm.SetPlan(id, plan); err != nil {
		t.Fatalf("set plan: %v", err)
	}

	restored := state.NewPositionManager()
	restored.Restore(pm.Snapshot())

	if restored.NextID() != pm.NextID() {
		t.Errorf("next id = %d, want %d", restored.NextID(), pm.NextID())
	}
	if got := restored.GetPosition(id); got == nil || got.CollateralAmount != 5 {
		t.Errorf("restored position = %+v", got)
	}
	if restored.GetPlan(id) == nil || !restored.GetPlan(id).IsActive {
		t.Error("restored plan missing")
	}
	if err := restored.SetPlan(id, plan); err == nil {
		t.Error("active plan must not be replaced")
	}
}

func TestRiskParams_DefaultsValid(t *testing.T) {
	if err := state.DefaultRiskParams().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	rp := state.DefaultRiskParams()
	rp.ClassALTVBps = 9_500
	if err := rp.Validate(); err == nil {
		t.Error("ltv liquidatable at threshold should be rejected")
	}
}

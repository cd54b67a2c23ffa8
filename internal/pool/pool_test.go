package pool_test

import (
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/pool"
	"errors"
	"testing"
	"time"
)

var t0 = time.Unix(1_700_000_000, 0).UTC()

func newFundedPool(t *testing.T, supply int64) *pool.Pool {
	t.Helper()
	p := pool.New(pool.DefaultConfig())
	if err := p.Supply(supply); err != nil {
		t.Fatalf("supply: %v", err)
	}
	return p
}

// ============================================================================
// Test: Borrow limits
// ============================================================================

func TestBorrow_RespectsReserve(t *testing.T) {
	p := newFundedPool(t, fpmath.USD(1_000))

	// 10% reserve leaves $900 lendable
	if err := p.Borrow(1, fpmath.USD(901), t0); !errors.Is(err, pool.ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
	if err := p.Borrow(1, fpmath.USD(900), t0); err != nil {
		t.Fatalf("borrow at reserve boundary: %v", err)
	}
	if p.Available() != 0 {
		t.Errorf("available = %d, want 0", p.Available())
	}
}

func TestBorrow_RespectsCeiling(t *testing.T) {
	cfg := pool.DefaultConfig()
	cfg.MaxDebtPerPosition = fpmath.USD(100)
	p := pool.New(cfg)
	if err := p.Supply(fpmath.USD(10_000)); err != nil {
		t.Fatalf("supply: %v", err)
	}

	if err := p.Borrow(1, fpmath.USD(60), t0); err != nil {
		t.Fatalf("first borrow: %v", err)
	}
	if err := p.Borrow(1, fpmath.USD(41), t0); !errors.Is(err, pool.ErrCeilingExceeded) {
		t.Fatalf("expected ErrCeilingExceeded, got %v", err)
	}
	// Another position has its own ceiling
	if err := p.Borrow(2, fpmath.USD(100), t0); err != nil {
		t.Fatalf("second position: %v", err)
	}
}

func TestCanBorrow_CeilingIncludesInterest(t *testing.T) {
	cfg := pool.DefaultConfig()
	cfg.MaxDebtPerPosition = fpmath.USD(1_000)
	p := pool.New(cfg)
	if err := p.Supply(fpmath.USD(10_000)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if err := p.Borrow(1, fpmath.USD(900), t0); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	if err := p.CanBorrow(1, fpmath.USD(50), t0); err != nil {
		t.Fatalf("principal alone leaves room: %v", err)
	}
	// A year at 8% puts the debt near $975, principal still $900
	later := t0.Add(365 * 24 * time.Hour)
	if err := p.CanBorrow(1, fpmath.USD(50), later); !errors.Is(err, pool.ErrCeilingExceeded) {
		t.Fatalf("expected ErrCeilingExceeded once interest accrued, got %v", err)
	}
	if err := p.Borrow(1, fpmath.USD(50), later); !errors.Is(err, pool.ErrCeilingExceeded) {
		t.Fatalf("Borrow must apply the same ceiling, got %v", err)
	}
}

// ============================================================================
// Test: Interest accrual
// ============================================================================

func TestAccrue_IdempotentAtSameInstant(t *testing.T) {
	p := newFundedPool(t, fpmath.USD(10_000))
	if err := p.Borrow(1, fpmath.USD(1_000), t0); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	at := t0.Add(30 * 24 * time.Hour)
	first := p.Accrue(1, at)
	if first <= 0 {
		t.Fatalf("expected positive accrual, got %d", first)
	}
	if second := p.Accrue(1, at); second != 0 {
		t.Errorf("second accrual at same instant = %d, want 0", second)
	}
}

func TestAccrue_SplitEqualsWhole(t *testing.T) {
	a := newFundedPool(t, fpmath.USD(10_000))
	b := newFundedPool(t, fpmath.USD(10_000))
	for _, p := range []*pool.Pool{a, b} {
		if err := p.Borrow(1, fpmath.USD(1_000), t0); err != nil {
			t.Fatalf("borrow: %v", err)
		}
	}

	end := t0.Add(60 * 24 * time.Hour)
	a.Accrue(1, t0.Add(20*24*time.Hour))
	a.Accrue(1, t0.Add(45*24*time.Hour))
	a.Accrue(1, end)
	b.Accrue(1, end)

	la, _ := a.Loan(1)
	lb, _ := b.Loan(1)
	// Continuous compounding composes; allow one micro-USD per step of rounding.
	if diff := la.InterestAccrued - lb.InterestAccrued; diff < -2 || diff > 2 {
		t.Errorf("split accrual %d vs whole %d", la.InterestAccrued, lb.InterestAccrued)
	}
}

func TestReads_DoNotMutate(t *testing.T) {
	p := newFundedPool(t, fpmath.USD(10_000))
	if err := p.Borrow(1, fpmath.USD(1_000), t0); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	at := t0.Add(90 * 24 * time.Hour)
	before, _ := p.Loan(1)
	debt1 := p.OutstandingDebt(1, at)
	debt2 := p.OutstandingDebt(1, at)
	after, _ := p.Loan(1)

	if debt1 != debt2 {
		t.Errorf("repeated reads differ: %d vs %d", debt1, debt2)
	}
	if before != after {
		t.Errorf("read mutated loan: %+v -> %+v", before, after)
	}
	if debt1 <= fpmath.USD(1_000) {
		t.Errorf("expected interest in projected debt, got %d", debt1)
	}
}

// ============================================================================
// Test: Repay split
// ============================================================================

func TestRepay_InterestFirst(t *testing.T) {
	p := newFundedPool(t, fpmath.USD(10_000))
	if err := p.Borrow(1, fpmath.USD(1_000), t0); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	at := t0.Add(365 * 24 * time.Hour)
	interest := p.AccruedInterest(1, at)

	principalPaid, interestPaid, err := p.Repay(1, interest+fpmath.USD(100), at)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if interestPaid != interest {
		t.Errorf("interest paid = %d, want %d", interestPaid, interest)
	}
	if principalPaid != fpmath.USD(100) {
		t.Errorf("principal paid = %d, want %d", principalPaid, fpmath.USD(100))
	}

	loan, ok := p.Loan(1)
	if !ok || loan.Principal != fpmath.USD(900) || loan.InterestAccrued != 0 {
		t.Errorf("unexpected loan after repay: %+v", loan)
	}
}

func TestRepay_FullClosesLoan(t *testing.T) {
	p := newFundedPool(t, fpmath.USD(10_000))
	if err := p.Borrow(1, fpmath.USD(500), t0); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	at := t0.Add(10 * 24 * time.Hour)
	debt := p.OutstandingDebt(1, at)

	if _, _, err := p.Repay(1, debt, at); err != nil {
		t.Fatalf("repay: %v", err)
	}
	if _, ok := p.Loan(1); ok {
		t.Error("loan should be closed after full repayment")
	}
	if p.Cash() != fpmath.USD(10_000)+(debt-fpmath.USD(500)) {
		t.Errorf("cash = %d, want supply plus interest", p.Cash())
	}
}

func TestWriteOff_ClearsLoan(t *testing.T) {
	p := newFundedPool(t, fpmath.USD(10_000))
	if err := p.Borrow(1, fpmath.USD(700), t0); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, _, err := p.Repay(1, fpmath.USD(200), t0); err != nil {
		t.Fatalf("repay: %v", err)
	}

	principal, interest := p.WriteOff(1, t0)
	if principal != fpmath.USD(500) || interest != 0 {
		t.Errorf("write-off = (%d, %d), want (%d, 0)", principal, interest, fpmath.USD(500))
	}
	if p.Stats().TotalWrittenOff != fpmath.USD(500) {
		t.Errorf("written off = %d", p.Stats().TotalWrittenOff)
	}
}

func TestSnapshot_RestoreRoundTrip(t *testing.T) {
	p := newFundedPool(t, fpmath.USD(10_000))
	if err := p.Borrow(3, fpmath.USD(250), t0); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	restored := pool.New(pool.DefaultConfig())
	restored.Restore(p.Snapshot())

	if restored.Stats() != p.Stats() {
		t.Errorf("stats differ: %+v vs %+v", restored.Stats(), p.Stats())
	}
	at := t0.Add(48 * time.Hour)
	if restored.OutstandingDebt(3, at) != p.OutstandingDebt(3, at) {
		t.Error("restored pool projects different debt")
	}
}

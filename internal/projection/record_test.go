package projection_test

import (
	"LendLedger/internal/event"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/projection"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func logFor(positionID uint64, seq, positionSeq int64, evt event.Event) event.LogEntry {
	return event.LogEntry{
		TxHash:      fmt.Sprintf("0x%064x", seq),
		Sequence:    seq,
		TxSequence:  seq,
		PositionID:  positionID,
		PositionSeq: positionSeq,
		Timestamp:   t0.Add(time.Duration(seq) * time.Minute),
		Event:       evt,
	}
}

func created(id uint64) *event.PositionCreated {
	return &event.PositionCreated{
		Position:           id,
		Owner:              "0xalice",
		CollateralToken:    "sUSD",
		TokenType:          event.TokenTypeClassB,
		CollateralAmount:   1_000_000,
		CollateralValueUSD: fpmath.USD(10_000),
		Status:             event.StatusActive,
		CreatedAt:          t0,
	}
}

func plan(missed int32, due time.Time) event.PlanState {
	return event.PlanState{
		LoanDuration:         90 * 24 * time.Hour,
		NumberOfInstallments: 9,
		InstallmentInterval:  10 * 24 * time.Hour,
		NextPaymentDue:       due,
		MissedPayments:       missed,
		IsActive:             true,
	}
}

// ============================================================================
// Apply
// ============================================================================

func TestApply_Lifecycle(t *testing.T) {
	liqID := uuid.New()
	due := t0.Add(10 * 24 * time.Hour)
	logs := []event.LogEntry{
		logFor(7, 1, 1, created(7)),
		logFor(7, 2, 2, &event.CreditLineAttached{Position: 7, CreditLineRef: "cl-7"}),
		logFor(7, 3, 3, &event.Borrowed{
			Position: 7, Amount: fpmath.USD(5_000), USDCBorrowed: fpmath.USD(5_000),
			Principal: fpmath.USD(5_000), AccruedAt: t0, Plan: plan(0, due), Status: event.StatusActive,
		}),
		logFor(7, 4, 4, &event.PaymentMissed{Position: 7, DueAt: due, MissedPayments: 1, NextPaymentDue: due.Add(10 * 24 * time.Hour)}),
		logFor(7, 5, 5, &event.Defaulted{Position: 7, MissedPayments: 3}),
		logFor(7, 6, 6, &event.Liquidated{
			Position: 7, LiquidationID: liqID, Trigger: event.TriggerDefault, HealthFactor: 20_000,
			Debt: fpmath.USD(5_000), Principal: fpmath.USD(5_000), Settlement: event.SettlementAdminPurchase,
			LiquidatedAt: t0.Add(40 * 24 * time.Hour), Status: event.StatusLiquidationPending,
		}),
		logFor(7, 7, 7, &event.CreditLineRevoked{Position: 7, CreditLineRef: "cl-7"}),
		logFor(7, 8, 8, &event.LiquidationSettled{
			Position: 7, LiquidationID: liqID, Kind: event.SettlementAdminPurchase,
			Proceeds: fpmath.USD(6_000), DebtRepaid: fpmath.USD(5_000), Fee: fpmath.USD(100), Refund: fpmath.USD(900),
			Liquidator: "0xliq", SettledAt: t0.Add(41 * 24 * time.Hour), Status: event.StatusLiquidated,
		}),
	}

	var rec *projection.Record
	for _, l := range logs {
		next, err := projection.Apply(rec, l)
		require.NoError(t, err, "apply %s", l.EventType())
		rec = next
	}

	assert.Equal(t, uint64(7), rec.PositionID)
	assert.Equal(t, "0xalice", rec.Owner)
	assert.Equal(t, int64(8), rec.Version)
	assert.Equal(t, int64(8), rec.LastLogSequence)
	assert.Equal(t, event.StatusLiquidated, rec.Status)
	assert.False(t, rec.Active)
	assert.Zero(t, rec.USDCBorrowed)
	assert.Empty(t, rec.CreditLineRef)
	require.NotNil(t, rec.Plan)
	assert.True(t, rec.Plan.Defaulted)
	assert.False(t, rec.Plan.IsActive)
	assert.Equal(t, int32(3), rec.Plan.MissedPayments)
	require.NotNil(t, rec.Liquidation)
	assert.True(t, rec.Liquidation.Settled)
	assert.Equal(t, fpmath.USD(900), rec.Liquidation.Refund)
	assert.Equal(t, "0xliq", rec.Liquidation.Liquidator)
}

func TestApply_DoesNotMutatePrevious(t *testing.T) {
	rec, err := projection.Apply(nil, logFor(1, 1, 1, created(1)))
	require.NoError(t, err)
	due := t0.Add(time.Hour)
	rec, err = projection.Apply(rec, logFor(1, 2, 2, &event.Borrowed{
		Position: 1, Amount: 10, USDCBorrowed: 10, Principal: 10, Plan: plan(0, due), Status: event.StatusActive,
	}))
	require.NoError(t, err)

	next, err := projection.Apply(rec, logFor(1, 3, 3, &event.PaymentMissed{
		Position: 1, DueAt: due, MissedPayments: 1, NextPaymentDue: due.Add(time.Hour),
	}))
	require.NoError(t, err)

	assert.Equal(t, int32(0), rec.Plan.MissedPayments)
	assert.Equal(t, int64(2), rec.Version)
	assert.Equal(t, int32(1), next.Plan.MissedPayments)
}

func TestApply_OrderingErrors(t *testing.T) {
	rec, err := projection.Apply(nil, logFor(1, 1, 1, created(1)))
	require.NoError(t, err)

	_, err = projection.Apply(rec, logFor(1, 1, 1, created(1)))
	assert.ErrorIs(t, err, projection.ErrStaleLog)

	_, err = projection.Apply(rec, logFor(1, 5, 3, &event.CreditLineAttached{Position: 1, CreditLineRef: "x"}))
	assert.ErrorIs(t, err, projection.ErrOutOfOrder)

	_, err = projection.Apply(rec, logFor(2, 2, 2, &event.CreditLineAttached{Position: 2, CreditLineRef: "x"}))
	assert.ErrorIs(t, err, projection.ErrPositionMismatch)

	_, err = projection.Apply(nil, logFor(3, 2, 1, &event.Defaulted{Position: 3, MissedPayments: 3}))
	assert.ErrorIs(t, err, projection.ErrNoRecord)
}

func TestApply_SettlementWithoutLiquidation(t *testing.T) {
	rec, err := projection.Apply(nil, logFor(1, 1, 1, created(1)))
	require.NoError(t, err)

	_, err = projection.Apply(rec, logFor(1, 2, 2, &event.LiquidationSettled{Position: 1, LiquidationID: uuid.New()}))
	assert.Error(t, err)
}

func TestRecord_ProjectedHealth(t *testing.T) {
	rec := &projection.Record{
		PositionID:         1,
		CollateralValueUSD: fpmath.USD(10_000),
		Principal:          fpmath.USD(5_000),
		AccruedAt:          t0,
	}

	assert.Equal(t, int64(20_000), rec.HealthFactor(0, t0.Add(24*time.Hour)))

	later := t0.Add(365 * 24 * time.Hour)
	assert.Greater(t, rec.Debt(800, later), fpmath.USD(5_000))
	assert.Less(t, rec.HealthFactor(800, later), int64(20_000))

	empty := &projection.Record{CollateralValueUSD: 1}
	assert.Equal(t, fpmath.HealthFactorInfinite, empty.HealthFactor(800, later))
}

func TestRecord_HasDuePlan(t *testing.T) {
	due := t0.Add(time.Hour)
	p := plan(0, due)
	rec := &projection.Record{Status: event.StatusActive, Plan: &p}

	assert.False(t, rec.HasDuePlan(t0))
	assert.True(t, rec.HasDuePlan(due))

	rec.Plan.Defaulted = true
	assert.False(t, rec.HasDuePlan(due))
}

// ============================================================================
// MemoryStore
// ============================================================================

func TestMemoryStore_SaveIsIdempotent(t *testing.T) {
	store := projection.NewMemoryStore()
	ctx := t.Context()
	l := logFor(1, 1, 1, created(1))
	rec, err := projection.Apply(nil, l)
	require.NoError(t, err)

	require.NoError(t, store.Save(ctx, rec, l))
	assert.ErrorIs(t, store.Save(ctx, rec, l), projection.ErrAlreadyApplied)

	applied, err := store.IsApplied(ctx, l)
	require.NoError(t, err)
	assert.True(t, applied)

	history, err := store.History(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Positions)
	assert.Equal(t, 1, stats.ByStatus["ACTIVE"])
}

func TestMemoryStore_WatermarkNeverMovesBack(t *testing.T) {
	store := projection.NewMemoryStore()
	ctx := t.Context()
	require.NoError(t, store.SetWatermark(ctx, 10))
	require.NoError(t, store.SetWatermark(ctx, 4))
	wm, err := store.Watermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), wm)
}

func TestSkip_AdvancesVersionOnly(t *testing.T) {
	prev, err := projection.Apply(nil, logFor(1, 1, 1, created(1)))
	require.NoError(t, err)

	entry := logFor(1, 5, 2, &event.PaymentMissed{Position: 99})
	_, err = projection.Apply(prev, entry)
	require.ErrorIs(t, err, projection.ErrPositionMismatch)

	next := projection.Skip(prev, entry)
	assert.Equal(t, int64(2), next.Version)
	assert.Equal(t, int64(5), next.LastLogSequence)
	assert.Equal(t, prev.Owner, next.Owner)
	assert.Equal(t, prev.Status, next.Status)
	assert.Equal(t, int64(1), prev.Version, "prev mutated")
}

package projection

import (
	"LendLedger/internal/event"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/pool"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrStaleLog means the record already reflects the log.
	ErrStaleLog = errors.New("projection: log already folded into record")
	// ErrOutOfOrder means a predecessor of the log has not been applied yet.
	ErrOutOfOrder = errors.New("projection: log is ahead of record version")
	// ErrPositionMismatch means the log belongs to another position.
	ErrPositionMismatch = errors.New("projection: log position does not match record")
	// ErrNoRecord means a log other than PositionCreated arrived for an unknown position.
	ErrNoRecord = errors.New("projection: no record for position")
)

// LiquidationSummary is the mirror's view of an open or settled liquidation.
type LiquidationSummary struct {
	LiquidationID uuid.UUID                `json:"liquidation_id"`
	Trigger       event.LiquidationTrigger `json:"trigger"`
	HealthFactor  int64                    `json:"health_factor"`
	Debt          int64                    `json:"debt"`
	Kind          event.SettlementKind     `json:"kind"`
	LiquidatedAt  time.Time                `json:"liquidated_at"`
	Settled       bool                     `json:"settled"`
	Proceeds      int64                    `json:"proceeds,omitempty"`
	DebtRepaid    int64                    `json:"debt_repaid,omitempty"`
	Fee           int64                    `json:"fee,omitempty"`
	Refund        int64                    `json:"refund,omitempty"`
	Shortfall     int64                    `json:"shortfall,omitempty"`
	Liquidator    string                   `json:"liquidator,omitempty"`
	SettledAt     *time.Time               `json:"settled_at,omitempty"`
}

// Record is the mirror's copy of one position, folded from confirmed logs.
// Version equals the PositionSeq of the last applied log.
type Record struct {
	PositionID         uint64               `json:"position_id"`
	Owner              string               `json:"owner"`
	CollateralToken    string               `json:"collateral_token"`
	TokenType          event.TokenType      `json:"token_type"`
	CollateralAmount   int64                `json:"collateral_amount"`
	CollateralValueUSD int64                `json:"collateral_value_usd"`
	USDCBorrowed       int64                `json:"usdc_borrowed"`
	Principal          int64                `json:"principal"`
	InterestAccrued    int64                `json:"interest_accrued"`
	AccruedAt          time.Time            `json:"accrued_at"`
	Plan               *event.PlanState     `json:"plan,omitempty"`
	CreditLineRef      string               `json:"credit_line_ref,omitempty"`
	Active             bool                 `json:"active"`
	Status             event.PositionStatus `json:"status"`
	Liquidation        *LiquidationSummary  `json:"liquidation,omitempty"`
	CreatedAt          time.Time            `json:"created_at"`
	Version            int64                `json:"version"`
	LastLogSequence    int64                `json:"last_log_sequence"`
	UpdatedAt          time.Time            `json:"updated_at"`
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	c := *r
	if r.Plan != nil {
		p := *r.Plan
		c.Plan = &p
	}
	if r.Liquidation != nil {
		l := *r.Liquidation
		if r.Liquidation.SettledAt != nil {
			t := *r.Liquidation.SettledAt
			l.SettledAt = &t
		}
		c.Liquidation = &l
	}
	return &c
}

// HasDuePlan reports whether the record has an active, non-defaulted plan
// with an installment due at or before now.
func (r *Record) HasDuePlan(now time.Time) bool {
	return r.Plan != nil && r.Plan.IsActive && !r.Plan.Defaulted &&
		r.Status == event.StatusActive && !r.Plan.NextPaymentDue.After(now)
}

// Debt returns principal plus interest accrued up to now at the given rate.
// Interest is projected from the last accrual the ledger reported.
func (r *Record) Debt(annualRateBps int64, now time.Time) int64 {
	if r.Principal == 0 && r.InterestAccrued == 0 {
		return 0
	}
	loan := pool.Loan{
		PositionID:      r.PositionID,
		Principal:       r.Principal,
		InterestAccrued: r.InterestAccrued,
		LastAccrualTime: r.AccruedAt,
	}
	return loan.Debt() + pool.ProjectInterest(loan, annualRateBps, now)
}

// HealthFactor returns the projected health factor in bps.
func (r *Record) HealthFactor(annualRateBps int64, now time.Time) int64 {
	return fpmath.HealthFactorBps(r.CollateralValueUSD, r.Debt(annualRateBps, now))
}

// Apply folds one confirmed log into the previous record and returns the new
// record. prev is never mutated; nil means the position is not yet known.
func Apply(prev *Record, entry event.LogEntry) (*Record, error) {
	if entry.Event == nil {
		return nil, fmt.Errorf("apply %s: empty log", entry.IdempotencyKey())
	}
	if entry.Event.PositionID() != entry.PositionID {
		return nil, fmt.Errorf("apply %s: %w", entry.IdempotencyKey(), ErrPositionMismatch)
	}

	var version int64
	if prev != nil {
		if prev.PositionID != entry.PositionID {
			return nil, fmt.Errorf("apply %s: %w", entry.IdempotencyKey(), ErrPositionMismatch)
		}
		version = prev.Version
	}
	switch {
	case entry.PositionSeq <= version:
		return nil, fmt.Errorf("apply %s (seq %d, version %d): %w", entry.IdempotencyKey(), entry.PositionSeq, version, ErrStaleLog)
	case entry.PositionSeq > version+1:
		return nil, fmt.Errorf("apply %s (seq %d, version %d): %w", entry.IdempotencyKey(), entry.PositionSeq, version, ErrOutOfOrder)
	}

	var next *Record
	if created, ok := entry.Event.(*event.PositionCreated); ok {
		if prev != nil {
			return nil, fmt.Errorf("apply %s: position %d created twice", entry.IdempotencyKey(), entry.PositionID)
		}
		next = &Record{
			PositionID:         created.Position,
			Owner:              created.Owner,
			CollateralToken:    created.CollateralToken,
			TokenType:          created.TokenType,
			CollateralAmount:   created.CollateralAmount,
			CollateralValueUSD: created.CollateralValueUSD,
			Active:             true,
			Status:             created.Status,
			CreatedAt:          created.CreatedAt,
		}
	} else {
		if prev == nil {
			return nil, fmt.Errorf("apply %s: %w %d", entry.IdempotencyKey(), ErrNoRecord, entry.PositionID)
		}
		next = prev.Clone()
		if err := fold(next, entry.Event); err != nil {
			return nil, fmt.Errorf("apply %s: %w", entry.IdempotencyKey(), err)
		}
	}

	next.Version = entry.PositionSeq
	next.LastLogSequence = entry.Sequence
	next.UpdatedAt = entry.Timestamp
	return next, nil
}

// Skip steps prev over a log the fold rejected: the version moves to the
// log's PositionSeq and every other field stays as it was, so later logs of
// the position still apply. prev is never mutated.
func Skip(prev *Record, entry event.LogEntry) *Record {
	var next *Record
	if prev != nil {
		next = prev.Clone()
	} else {
		next = &Record{PositionID: entry.PositionID}
	}
	next.Version = entry.PositionSeq
	next.LastLogSequence = entry.Sequence
	next.UpdatedAt = entry.Timestamp
	return next
}

func fold(r *Record, evt event.Event) error {
	switch e := evt.(type) {
	case *event.CreditLineAttached:
		r.CreditLineRef = e.CreditLineRef

	case *event.CreditLineRevoked:
		r.CreditLineRef = ""

	case *event.Borrowed:
		r.USDCBorrowed = e.USDCBorrowed
		r.Principal = e.Principal
		r.InterestAccrued = e.InterestAccrued
		r.AccruedAt = e.AccruedAt
		plan := e.Plan
		r.Plan = &plan
		r.Status = e.Status

	case *event.Repaid:
		r.USDCBorrowed = e.USDCBorrowed
		r.Principal = e.Principal
		r.InterestAccrued = e.InterestAccrued
		r.AccruedAt = e.AccruedAt
		plan := e.Plan
		r.Plan = &plan
		r.Status = e.Status

	case *event.Withdrawn:
		r.CollateralAmount = e.CollateralAmount
		r.CollateralValueUSD = e.CollateralValueUSD
		r.Active = e.Active
		r.Status = e.Status

	case *event.PaymentMissed:
		if r.Plan == nil {
			return fmt.Errorf("payment missed on position %d without a plan", r.PositionID)
		}
		r.Plan.MissedPayments = e.MissedPayments
		r.Plan.NextPaymentDue = e.NextPaymentDue

	case *event.Defaulted:
		if r.Plan == nil {
			return fmt.Errorf("default on position %d without a plan", r.PositionID)
		}
		r.Plan.MissedPayments = e.MissedPayments
		r.Plan.Defaulted = true

	case *event.Liquidated:
		r.Principal = e.Principal
		r.InterestAccrued = e.InterestAccrued
		r.AccruedAt = e.LiquidatedAt
		if r.Plan != nil {
			r.Plan.IsActive = false
		}
		r.Status = e.Status
		r.Liquidation = &LiquidationSummary{
			LiquidationID: e.LiquidationID,
			Trigger:       e.Trigger,
			HealthFactor:  e.HealthFactor,
			Debt:          e.Debt,
			Kind:          e.Settlement,
			LiquidatedAt:  e.LiquidatedAt,
		}

	case *event.LiquidationSettled:
		if r.Liquidation == nil || r.Liquidation.LiquidationID != e.LiquidationID {
			return fmt.Errorf("settlement %s on position %d has no matching liquidation", e.LiquidationID, r.PositionID)
		}
		settledAt := e.SettledAt
		r.Liquidation.Settled = true
		r.Liquidation.Proceeds = e.Proceeds
		r.Liquidation.DebtRepaid = e.DebtRepaid
		r.Liquidation.Fee = e.Fee
		r.Liquidation.Refund = e.Refund
		r.Liquidation.Shortfall = e.Shortfall
		r.Liquidation.Liquidator = e.Liquidator
		r.Liquidation.SettledAt = &settledAt
		r.USDCBorrowed = 0
		r.Principal = 0
		r.InterestAccrued = 0
		r.AccruedAt = e.SettledAt
		r.Active = false
		r.Status = e.Status

	default:
		return fmt.Errorf("unhandled event type %s", evt.EventType())
	}
	return nil
}

package state

import (
	"LendLedger/internal/event"
	"fmt"
	"time"
)

// RepaymentPlan is the installment schedule created with the first borrow.
type RepaymentPlan struct {
	LoanDuration         time.Duration
	NumberOfInstallments int32
	InstallmentInterval  time.Duration
	NextPaymentDue       time.Time
	InstallmentsPaid     int32
	MissedPayments       int32
	IsActive             bool
	Defaulted            bool
}

// NewRepaymentPlan derives the installment interval and the first due date.
func NewRepaymentPlan(duration time.Duration, installments int32, now time.Time) (*RepaymentPlan, error) {
	if installments <= 0 {
		return nil, fmt.Errorf("installments must be positive, got %d", installments)
	}
	interval := duration / time.Duration(installments)
	if interval < time.Second {
		return nil, fmt.Errorf("installment interval %s too short (duration=%s, installments=%d)",
			interval, duration, installments)
	}
	return &RepaymentPlan{
		LoanDuration:         duration,
		NumberOfInstallments: installments,
		InstallmentInterval:  interval,
		NextPaymentDue:       now.Add(interval),
		IsActive:             true,
	}, nil
}

// RecordPayment counts an installment. The first payment inside the window
// of the installment currently due, [NextPaymentDue-interval, ...), covers
// it and moves the due date to the next interval. Further payments before
// the next window opens are counted but cover nothing new.
func (rp *RepaymentPlan) RecordPayment(now time.Time) {
	rp.InstallmentsPaid++
	if rp.inWindow(now) {
		rp.NextPaymentDue = rp.NextPaymentDue.Add(rp.InstallmentInterval)
	}
}

// inWindow reports whether a payment at now falls in the window of the
// installment currently due.
func (rp *RepaymentPlan) inWindow(now time.Time) bool {
	return !now.Before(rp.NextPaymentDue.Add(-rp.InstallmentInterval))
}

// MarkMissed counts a missed installment and advances the due date.
func (rp *RepaymentPlan) MarkMissed() {
	rp.MissedPayments++
	rp.NextPaymentDue = rp.NextPaymentDue.Add(rp.InstallmentInterval)
}

// Close deactivates the plan after full repayment or liquidation.
func (rp *RepaymentPlan) Close() {
	rp.IsActive = false
}

// State returns the wire representation.
func (rp *RepaymentPlan) State() event.PlanState {
	if rp == nil {
		return event.PlanState{}
	}
	return event.PlanState{
		LoanDuration:         rp.LoanDuration,
		NumberOfInstallments: rp.NumberOfInstallments,
		InstallmentInterval:  rp.InstallmentInterval,
		NextPaymentDue:       rp.NextPaymentDue,
		InstallmentsPaid:     rp.InstallmentsPaid,
		MissedPayments:       rp.MissedPayments,
		IsActive:             rp.IsActive,
		Defaulted:            rp.Defaulted,
	}
}

// PlanFromState rebuilds a plan from its wire representation.
func PlanFromState(s event.PlanState) *RepaymentPlan {
	return &RepaymentPlan{
		LoanDuration:         s.LoanDuration,
		NumberOfInstallments: s.NumberOfInstallments,
		InstallmentInterval:  s.InstallmentInterval,
		NextPaymentDue:       s.NextPaymentDue,
		InstallmentsPaid:     s.InstallmentsPaid,
		MissedPayments:       s.MissedPayments,
		IsActive:             s.IsActive,
		Defaulted:            s.Defaulted,
	}
}

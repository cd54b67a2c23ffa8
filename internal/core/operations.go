package core

import (
	"LendLedger/internal/event"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/pool"
	"LendLedger/internal/state"
	"errors"
	"fmt"
	"time"
)

// Handlers run every admission check before the first mutation. Debt checks
// use the pool's pure projections; interest is booked with Accrue only once
// the transaction is admitted.

func (a *Authority) lookupPosition(id uint64) (*state.Position, *Rejection) {
	pos := a.positions.GetPosition(id)
	if pos == nil {
		return nil, reject(ReasonPositionNotFound, "position %d not found", id)
	}
	return pos, nil
}

// accrue books interest up to x.now and journals the delta.
func (a *Authority) accrue(x *execCtx, positionID uint64) {
	if delta := a.pool.Accrue(positionID, x.now); delta > 0 {
		x.batch.AccrueInterest(positionID, delta)
	}
}

// transition applies an already validated status change.
func (a *Authority) transition(pos *state.Position, to event.PositionStatus) {
	if err := a.positions.Transition(pos, to); err != nil {
		panic(fmt.Sprintf("FATAL: %v", err))
	}
}

func (a *Authority) execSupply(x *execCtx, op *SupplyLiquidity) *Rejection {
	if op.Amount <= 0 {
		return reject(ReasonZeroAmount, "supply amount must be positive")
	}
	if err := a.pool.Supply(op.Amount); err != nil {
		panic(fmt.Sprintf("FATAL: supply after admission: %v", err))
	}
	x.batch.Supply(op.Amount)
	return nil
}

func (a *Authority) execDeposit(x *execCtx, op *DepositCollateral) *Rejection {
	if op.Amount <= 0 {
		return reject(ReasonZeroAmount, "collateral amount must be positive")
	}
	if op.ValueUSD <= 0 {
		return reject(ReasonZeroValuation, "collateral valuation must be positive")
	}
	if _, ok := a.risk.LTV(op.TokenType); !ok {
		return reject(ReasonUnknownTokenType, "token type %s is not accepted", op.TokenType)
	}

	pos := &state.Position{
		Owner:              x.tx.Sender,
		CollateralToken:    op.Token,
		TokenType:          op.TokenType,
		CollateralAmount:   op.Amount,
		CollateralValueUSD: op.ValueUSD,
		CreatedAt:          x.now,
		Active:             true,
		Status:             event.StatusActive,
	}
	id := a.positions.Create(pos)
	x.positionID = id

	a.emit(x, pos, &event.PositionCreated{
		Position:           id,
		Owner:              pos.Owner,
		CollateralToken:    pos.CollateralToken,
		TokenType:          pos.TokenType,
		CollateralAmount:   pos.CollateralAmount,
		CollateralValueUSD: pos.CollateralValueUSD,
		Status:             pos.Status,
		CreatedAt:          pos.CreatedAt,
	})

	if a.creditLines != nil {
		owner, value := pos.Owner, pos.CollateralValueUSD
		x.after = append(x.after, func() { a.creditLines.EnqueueIssue(id, owner, value) })
	}
	return nil
}

func (a *Authority) execBorrow(x *execCtx, op *Borrow) *Rejection {
	pos, rej := a.lookupPosition(op.PositionID)
	if rej != nil {
		return rej
	}
	if pos.Owner != x.tx.Sender {
		return reject(ReasonNotOwner, "%s does not own position %d", x.tx.Sender, pos.ID)
	}
	if op.Amount <= 0 {
		return reject(ReasonZeroAmount, "borrow amount must be positive")
	}
	if !pos.AcceptsBorrow() {
		return reject(ReasonPositionNotActive, "position %d is %s", pos.ID, pos.Status)
	}
	if plan := a.positions.GetPlan(pos.ID); plan != nil && plan.IsActive {
		return reject(ReasonPlanActive, "position %d already has an active repayment plan", pos.ID)
	}
	plan, err := state.NewRepaymentPlan(op.Duration, op.Installments, x.now)
	if err != nil {
		return reject(ReasonInvalidSchedule, "%v", err)
	}

	ltv, _ := a.risk.LTV(pos.TokenType)
	limit := fpmath.MaxBorrowable(pos.CollateralValueUSD, ltv)
	debt := a.pool.OutstandingDebt(pos.ID, x.now)
	if op.Amount > limit-debt {
		return reject(ReasonLTVExceeded, "borrow %s exceeds remaining capacity %s (limit %s, debt %s)",
			fpmath.FormatUSD(op.Amount), fpmath.FormatUSD(max(limit-debt, 0)),
			fpmath.FormatUSD(limit), fpmath.FormatUSD(debt))
	}
	if err := a.pool.CanBorrow(pos.ID, op.Amount, x.now); err != nil {
		switch {
		case errors.Is(err, pool.ErrCeilingExceeded):
			return reject(ReasonPoolCeilingExceeded, "%v", err)
		case errors.Is(err, pool.ErrInsufficientLiquidity):
			return reject(ReasonPoolInsufficientLiquidity, "%v", err)
		default:
			return reject(ReasonZeroAmount, "%v", err)
		}
	}

	// Admitted
	x.positionID = pos.ID
	a.accrue(x, pos.ID)
	if err := a.pool.Borrow(pos.ID, op.Amount, x.now); err != nil {
		panic(fmt.Sprintf("FATAL: borrow after admission: %v", err))
	}
	x.batch.Disburse(pos.ID, op.Amount)
	pos.USDCBorrowed += op.Amount
	if err := a.positions.SetPlan(pos.ID, plan); err != nil {
		panic(fmt.Sprintf("FATAL: %v", err))
	}
	a.transition(pos, event.StatusActive)

	loan, _ := a.pool.Loan(pos.ID)
	a.emit(x, pos, &event.Borrowed{
		Position:        pos.ID,
		Amount:          op.Amount,
		USDCBorrowed:    pos.USDCBorrowed,
		Principal:       loan.Principal,
		InterestAccrued: loan.InterestAccrued,
		AccruedAt:       loan.LastAccrualTime,
		Plan:            plan.State(),
		Status:          pos.Status,
	})
	return nil
}

func (a *Authority) execRepay(x *execCtx, op *Repay) *Rejection {
	pos, rej := a.lookupPosition(op.PositionID)
	if rej != nil {
		return rej
	}
	if op.Amount <= 0 {
		return reject(ReasonZeroAmount, "repay amount must be positive")
	}
	if !pos.AcceptsBorrow() {
		return reject(ReasonPositionNotActive, "position %d is %s", pos.ID, pos.Status)
	}
	debt := a.pool.OutstandingDebt(pos.ID, x.now)
	if debt == 0 {
		return reject(ReasonNoDebt, "position %d has no outstanding debt", pos.ID)
	}
	pay := min(op.Amount, debt)

	// Admitted
	x.positionID = pos.ID
	a.accrue(x, pos.ID)
	principalPaid, interestPaid, err := a.pool.Repay(pos.ID, pay, x.now)
	if err != nil {
		panic(fmt.Sprintf("FATAL: repay after admission: %v", err))
	}
	x.batch.Repay(pos.ID, principalPaid, interestPaid)
	pos.USDCBorrowed -= principalPaid

	plan := a.positions.GetPlan(pos.ID)
	if plan != nil && plan.IsActive {
		plan.RecordPayment(x.now)
	}
	accruedAt := x.now
	loan, open := a.pool.Loan(pos.ID)
	if open {
		accruedAt = loan.LastAccrualTime
	} else {
		if plan != nil {
			plan.Close()
			plan.Defaulted = false
		}
		a.transition(pos, event.StatusRepaid)
	}

	a.emit(x, pos, &event.Repaid{
		Position:        pos.ID,
		Payer:           x.tx.Sender,
		Amount:          pay,
		InterestPaid:    interestPaid,
		PrincipalPaid:   principalPaid,
		USDCBorrowed:    pos.USDCBorrowed,
		Principal:       loan.Principal,
		InterestAccrued: loan.InterestAccrued,
		AccruedAt:       accruedAt,
		Plan:            plan.State(),
		Status:          pos.Status,
	})
	return nil
}

func (a *Authority) execWithdraw(x *execCtx, op *Withdraw) *Rejection {
	pos, rej := a.lookupPosition(op.PositionID)
	if rej != nil {
		return rej
	}
	if pos.Owner != x.tx.Sender {
		return reject(ReasonNotOwner, "%s does not own position %d", x.tx.Sender, pos.ID)
	}
	if op.Amount <= 0 {
		return reject(ReasonZeroAmount, "withdraw amount must be positive")
	}
	if !pos.AcceptsBorrow() {
		return reject(ReasonPositionNotActive, "position %d is %s", pos.ID, pos.Status)
	}
	if debt := a.pool.OutstandingDebt(pos.ID, x.now); debt > 0 {
		return reject(ReasonDebtOutstanding, "position %d owes %s", pos.ID, fpmath.FormatUSD(debt))
	}
	if op.Amount > pos.CollateralAmount {
		return reject(ReasonInsufficientCollateral, "withdraw %d exceeds collateral %d", op.Amount, pos.CollateralAmount)
	}

	// Admitted
	x.positionID = pos.ID
	remaining := pos.CollateralAmount - op.Amount
	pos.CollateralValueUSD = fpmath.MulDiv(pos.CollateralValueUSD, remaining, pos.CollateralAmount, fpmath.RoundDown)
	pos.CollateralAmount = remaining
	if remaining == 0 {
		pos.Active = false
		a.transition(pos, event.StatusClosed)
	}

	a.emit(x, pos, &event.Withdrawn{
		Position:           pos.ID,
		Amount:             op.Amount,
		CollateralAmount:   pos.CollateralAmount,
		CollateralValueUSD: pos.CollateralValueUSD,
		Active:             pos.Active,
		Status:             pos.Status,
	})
	return nil
}

func (a *Authority) execMarkMissed(x *execCtx, op *MarkMissedPayment) *Rejection {
	pos, rej := a.lookupPosition(op.PositionID)
	if rej != nil {
		return rej
	}
	plan := a.positions.GetPlan(pos.ID)
	if plan == nil || !plan.IsActive {
		return reject(ReasonNoActivePlan, "position %d has no active repayment plan", pos.ID)
	}
	if pos.Status != event.StatusActive {
		return reject(ReasonPositionNotActive, "position %d is %s", pos.ID, pos.Status)
	}
	if plan.Defaulted {
		return reject(ReasonAlreadyDefaulted, "position %d is already defaulted", pos.ID)
	}
	if !plan.NextPaymentDue.Equal(op.DueAt) {
		return reject(ReasonStaleInstallment, "installment due %s is not the current one (%s)",
			op.DueAt.UTC().Format(time.RFC3339), plan.NextPaymentDue.UTC().Format(time.RFC3339))
	}
	if plan.NextPaymentDue.After(x.now) {
		return reject(ReasonPaymentNotDue, "installment due %s is in the future", plan.NextPaymentDue.UTC().Format(time.RFC3339))
	}

	// Admitted
	x.positionID = pos.ID
	plan.MarkMissed()
	a.emit(x, pos, &event.PaymentMissed{
		Position:       pos.ID,
		DueAt:          op.DueAt,
		MissedPayments: plan.MissedPayments,
		NextPaymentDue: plan.NextPaymentDue,
	})
	return nil
}

func (a *Authority) execMarkDefaulted(x *execCtx, op *MarkDefaulted) *Rejection {
	pos, rej := a.lookupPosition(op.PositionID)
	if rej != nil {
		return rej
	}
	plan := a.positions.GetPlan(pos.ID)
	if plan == nil || !plan.IsActive {
		return reject(ReasonNoActivePlan, "position %d has no active repayment plan", pos.ID)
	}
	if plan.Defaulted {
		return reject(ReasonAlreadyDefaulted, "position %d is already defaulted", pos.ID)
	}
	if plan.MissedPayments < a.risk.DefaultAfterMissed {
		return reject(ReasonNotEligible, "position %d missed %d payments, default needs %d",
			pos.ID, plan.MissedPayments, a.risk.DefaultAfterMissed)
	}

	// Admitted
	x.positionID = pos.ID
	plan.Defaulted = true
	a.emit(x, pos, &event.Defaulted{
		Position:       pos.ID,
		MissedPayments: plan.MissedPayments,
	})
	return nil
}

func (a *Authority) execLiquidate(x *execCtx, op *Liquidate) *Rejection {
	pos, rej := a.lookupPosition(op.PositionID)
	if rej != nil {
		return rej
	}
	if rec := a.positions.GetLiquidation(pos.ID); (rec != nil && !rec.Settled) || pos.Status == event.StatusLiquidationPending {
		return reject(ReasonAlreadyLiquidating, "position %d is already being liquidated", pos.ID)
	}
	if pos.Status != event.StatusActive {
		return reject(ReasonPositionNotActive, "position %d is %s", pos.ID, pos.Status)
	}

	debt := a.pool.OutstandingDebt(pos.ID, x.now)
	hf := fpmath.HealthFactorBps(pos.CollateralValueUSD, debt)
	plan := a.positions.GetPlan(pos.ID)

	var trigger event.LiquidationTrigger
	switch {
	case hf < a.risk.LiquidationThresholdBps:
		trigger = event.TriggerHealth
	case plan != nil && plan.IsActive && plan.Defaulted:
		trigger = event.TriggerDefault
	default:
		return reject(ReasonNotEligible, "position %d is healthy (hf=%d bps) and not defaulted", pos.ID, hf)
	}

	// Admitted
	x.positionID = pos.ID
	a.accrue(x, pos.ID)
	loan, _ := a.pool.Loan(pos.ID)

	rec := &state.LiquidationRecord{
		LiquidationID:     state.LiquidationID(pos.ID, x.txHash),
		PositionID:        pos.ID,
		LiquidatedAt:      x.now,
		Trigger:           trigger,
		HealthFactor:      hf,
		DebtAtLiquidation: loan.Debt(),
		Kind:              pos.SettlementKind(),
	}
	if err := a.positions.OpenLiquidation(rec); err != nil {
		panic(fmt.Sprintf("FATAL: %v", err))
	}
	if plan != nil {
		plan.Close()
	}
	a.transition(pos, event.StatusLiquidationPending)
	liquidatedAt := x.now
	pos.LiquidatedAt = &liquidatedAt

	a.emit(x, pos, &event.Liquidated{
		Position:        pos.ID,
		LiquidationID:   rec.LiquidationID,
		Trigger:         trigger,
		HealthFactor:    hf,
		Debt:            loan.Debt(),
		Principal:       loan.Principal,
		InterestAccrued: loan.InterestAccrued,
		Settlement:      rec.Kind,
		LiquidatedAt:    x.now,
		Status:          pos.Status,
	})

	if pos.CreditLineRef != nil {
		ref := *pos.CreditLineRef
		pos.CreditLineRef = nil
		a.emit(x, pos, &event.CreditLineRevoked{Position: pos.ID, CreditLineRef: ref})
		if a.creditLines != nil {
			id := pos.ID
			x.after = append(x.after, func() { a.creditLines.EnqueueRevoke(id, ref) })
		}
	}

	if a.metrics != nil {
		x.after = append(x.after, func() { a.metrics.LiquidationTriggered.WithLabelValues(string(trigger)).Inc() })
	}
	return nil
}

func (a *Authority) execSettle(x *execCtx, positionID uint64, s state.Settlement) *Rejection {
	pos, rej := a.lookupPosition(positionID)
	if rej != nil {
		return rej
	}
	rec := a.positions.GetLiquidation(pos.ID)
	if pos.Status != event.StatusLiquidationPending || rec == nil || rec.Settled {
		return reject(ReasonNotLiquidating, "position %d is %s", pos.ID, pos.Status)
	}
	if s.Kind() != pos.SettlementKind() {
		return reject(ReasonWrongSettlementKind, "position %d settles by %s, not %s", pos.ID, pos.SettlementKind(), s.Kind())
	}

	// Admitted
	x.positionID = pos.ID
	a.accrue(x, pos.ID)
	loan, _ := a.pool.Loan(pos.ID)
	out := state.ComputeSettlement(s.Amount(), loan.Debt(), a.risk.LiquidationFeeBps)

	var repaidPrincipal, repaidInterest int64
	if out.DebtRepaid > 0 {
		var err error
		repaidPrincipal, repaidInterest, err = a.pool.Repay(pos.ID, out.DebtRepaid, x.now)
		if err != nil {
			panic(fmt.Sprintf("FATAL: settlement repay: %v", err))
		}
	}
	writtenPrincipal, writtenInterest := a.pool.WriteOff(pos.ID, x.now)
	if writtenPrincipal+writtenInterest != out.Shortfall {
		panic(fmt.Sprintf("FATAL: position %d write-off %d != shortfall %d",
			pos.ID, writtenPrincipal+writtenInterest, out.Shortfall))
	}

	x.batch.Settle(pos.ID, repaidPrincipal, repaidInterest, out.Fee, out.Refund)
	x.batch.WriteOff(pos.ID, writtenPrincipal, writtenInterest)

	rec.Settle(s, out, x.now)
	pos.USDCBorrowed = 0
	pos.Active = false
	a.transition(pos, event.StatusLiquidated)

	a.emit(x, pos, &event.LiquidationSettled{
		Position:      pos.ID,
		LiquidationID: rec.LiquidationID,
		Kind:          s.Kind(),
		Proceeds:      s.Amount(),
		DebtRepaid:    out.DebtRepaid,
		Fee:           out.Fee,
		Refund:        out.Refund,
		Shortfall:     out.Shortfall,
		Liquidator:    s.Recipient(),
		SettledAt:     x.now,
		Status:        pos.Status,
	})

	if a.metrics != nil {
		x.after = append(x.after, func() {
			a.metrics.LiquidationSettled.WithLabelValues(s.Kind().String()).Inc()
			a.metrics.LiquidationShortfall.Add(float64(out.Shortfall))
			a.metrics.LiquidationFees.Add(float64(out.Fee))
		})
	}
	return nil
}

func (a *Authority) execAttachCreditLine(x *execCtx, op *AttachCreditLine) *Rejection {
	pos, rej := a.lookupPosition(op.PositionID)
	if rej != nil {
		return rej
	}
	if op.CreditLineRef == "" {
		return reject(ReasonInvalidCreditLine, "credit line reference is empty")
	}
	if pos.Status.IsTerminal() || pos.Status == event.StatusLiquidationPending {
		return reject(ReasonPositionNotActive, "position %d is %s", pos.ID, pos.Status)
	}
	if pos.CreditLineRef != nil {
		return reject(ReasonCreditLineExists, "position %d already has credit line %s", pos.ID, *pos.CreditLineRef)
	}

	// Admitted
	x.positionID = pos.ID
	ref := op.CreditLineRef
	pos.CreditLineRef = &ref
	a.emit(x, pos, &event.CreditLineAttached{Position: pos.ID, CreditLineRef: ref})
	return nil
}

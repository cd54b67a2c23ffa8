package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNonceTooLow means the sender's nonce was already consumed by another
	// transaction (replacement conflict).
	ErrNonceTooLow = errors.New("nonce too low")
	// ErrNonceGap means an earlier nonce of the sender has not been admitted
	// yet (ordering conflict).
	ErrNonceGap = errors.New("nonce gap")
	// ErrNotConfirmed is returned for admitted transactions not yet durable.
	ErrNotConfirmed = errors.New("transaction not confirmed")
	// ErrUnknownTx is returned for hashes the authority never admitted.
	ErrUnknownTx = errors.New("unknown transaction")
	// ErrInvalidTransaction is returned for malformed submissions.
	ErrInvalidTransaction = errors.New("invalid transaction")
)

// RejectReason is the machine-readable admission failure code.
type RejectReason string

const (
	ReasonZeroAmount                RejectReason = "zero_amount"
	ReasonZeroValuation             RejectReason = "zero_valuation"
	ReasonUnknownTokenType          RejectReason = "unknown_token_type"
	ReasonNotOwner                  RejectReason = "not_owner"
	ReasonNotAdmin                  RejectReason = "not_admin"
	ReasonPositionNotFound          RejectReason = "position_not_found"
	ReasonPlanActive                RejectReason = "plan_active"
	ReasonLTVExceeded               RejectReason = "ltv_exceeded"
	ReasonInvalidSchedule           RejectReason = "invalid_schedule"
	ReasonDebtOutstanding           RejectReason = "debt_outstanding"
	ReasonNoDebt                    RejectReason = "no_debt"
	ReasonInsufficientCollateral    RejectReason = "insufficient_collateral"
	ReasonPositionNotActive         RejectReason = "position_not_active"
	ReasonNoActivePlan              RejectReason = "no_active_plan"
	ReasonStaleInstallment          RejectReason = "stale_installment"
	ReasonPaymentNotDue             RejectReason = "payment_not_due"
	ReasonAlreadyDefaulted          RejectReason = "already_defaulted"
	ReasonNotEligible               RejectReason = "not_eligible"
	ReasonAlreadyLiquidating        RejectReason = "already_liquidating"
	ReasonNotLiquidating            RejectReason = "not_liquidating"
	ReasonWrongSettlementKind       RejectReason = "wrong_settlement_kind"
	ReasonYieldUnavailable          RejectReason = "yield_unavailable"
	ReasonCreditLineExists          RejectReason = "credit_line_exists"
	ReasonInvalidCreditLine         RejectReason = "invalid_credit_line"
	ReasonPoolCeilingExceeded       RejectReason = "pool_ceiling_exceeded"
	ReasonPoolInsufficientLiquidity RejectReason = "pool_insufficient_liquidity"
)

// Rejection is an admission failure. The transaction left no trace: no state
// change, no nonce consumed.
type Rejection struct {
	Reason  RejectReason `json:"reason"`
	Message string       `json:"message"`
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("rejected (%s): %s", r.Reason, r.Message)
}

func reject(reason RejectReason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// AsRejection unwraps a Rejection from err.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// IsConflict reports whether err is a retryable nonce conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrNonceTooLow) || errors.Is(err, ErrNonceGap)
}

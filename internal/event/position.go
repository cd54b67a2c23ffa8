package event

import "time"

// PlanState carries the full post-transaction state of a repayment plan.
type PlanState struct {
	LoanDuration         time.Duration `json:"loan_duration"`
	NumberOfInstallments int32         `json:"number_of_installments"`
	InstallmentInterval  time.Duration `json:"installment_interval"`
	NextPaymentDue       time.Time     `json:"next_payment_due"`
	InstallmentsPaid     int32         `json:"installments_paid"`
	MissedPayments       int32         `json:"missed_payments"`
	IsActive             bool          `json:"is_active"`
	Defaulted            bool          `json:"defaulted"`
}

// PositionCreated is emitted by DepositCollateral.
type PositionCreated struct {
	Position           uint64         `json:"position_id"`
	Owner              string         `json:"owner"`
	CollateralToken    string         `json:"collateral_token"`
	TokenType          TokenType      `json:"token_type"`
	CollateralAmount   int64          `json:"collateral_amount"`
	CollateralValueUSD int64          `json:"collateral_value_usd"`
	Status             PositionStatus `json:"status"`
	CreatedAt          time.Time      `json:"created_at"`
}

func (e *PositionCreated) EventType() EventType { return EventTypePositionCreated }
func (e *PositionCreated) PositionID() uint64   { return e.Position }

// CreditLineAttached records the external credit line issued for a position.
type CreditLineAttached struct {
	Position      uint64 `json:"position_id"`
	CreditLineRef string `json:"credit_line_ref"`
}

func (e *CreditLineAttached) EventType() EventType { return EventTypeCreditLineAttached }
func (e *CreditLineAttached) PositionID() uint64   { return e.Position }

// CreditLineRevoked is emitted when liquidation detaches the credit line.
type CreditLineRevoked struct {
	Position      uint64 `json:"position_id"`
	CreditLineRef string `json:"credit_line_ref"`
}

func (e *CreditLineRevoked) EventType() EventType { return EventTypeCreditLineRevoked }
func (e *CreditLineRevoked) PositionID() uint64   { return e.Position }

// Borrowed is emitted by Borrow. Principal and InterestAccrued are the loan
// state after the disbursement, accrued up to AccruedAt.
type Borrowed struct {
	Position        uint64         `json:"position_id"`
	Amount          int64          `json:"amount"`
	USDCBorrowed    int64          `json:"usdc_borrowed"`
	Principal       int64          `json:"principal"`
	InterestAccrued int64          `json:"interest_accrued"`
	AccruedAt       time.Time      `json:"accrued_at"`
	Plan            PlanState      `json:"plan"`
	Status          PositionStatus `json:"status"`
}

func (e *Borrowed) EventType() EventType { return EventTypeBorrowed }
func (e *Borrowed) PositionID() uint64   { return e.Position }

// Repaid is emitted by Repay.
type Repaid struct {
	Position        uint64         `json:"position_id"`
	Payer           string         `json:"payer"`
	Amount          int64          `json:"amount"`
	InterestPaid    int64          `json:"interest_paid"`
	PrincipalPaid   int64          `json:"principal_paid"`
	USDCBorrowed    int64          `json:"usdc_borrowed"`
	Principal       int64          `json:"principal"`
	InterestAccrued int64          `json:"interest_accrued"`
	AccruedAt       time.Time      `json:"accrued_at"`
	Plan            PlanState      `json:"plan"`
	Status          PositionStatus `json:"status"`
}

func (e *Repaid) EventType() EventType { return EventTypeRepaid }
func (e *Repaid) PositionID() uint64   { return e.Position }

// Withdrawn is emitted by Withdraw.
type Withdrawn struct {
	Position           uint64         `json:"position_id"`
	Amount             int64          `json:"amount"`
	CollateralAmount   int64          `json:"collateral_amount"`
	CollateralValueUSD int64          `json:"collateral_value_usd"`
	Active             bool           `json:"active"`
	Status             PositionStatus `json:"status"`
}

func (e *Withdrawn) EventType() EventType { return EventTypeWithdrawn }
func (e *Withdrawn) PositionID() uint64   { return e.Position }

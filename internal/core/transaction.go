package core

import (
	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OpKind discriminates ledger operations
type OpKind string

const (
	OpSupplyLiquidity             OpKind = "supply_liquidity"
	OpDepositCollateral           OpKind = "deposit_collateral"
	OpBorrow                      OpKind = "borrow"
	OpRepay                       OpKind = "repay"
	OpWithdraw                    OpKind = "withdraw"
	OpMarkMissedPayment           OpKind = "mark_missed_payment"
	OpMarkDefaulted               OpKind = "mark_defaulted"
	OpLiquidate                   OpKind = "liquidate"
	OpSettleLiquidationByYield    OpKind = "settle_liquidation_by_yield"
	OpSettleLiquidationByPurchase OpKind = "settle_liquidation_by_purchase"
	OpAttachCreditLine            OpKind = "attach_credit_line"
)

// Operation is the mutation carried by a transaction
type Operation interface {
	Kind() OpKind
	// Target returns the position the operation acts on, 0 when it creates one
	// or touches none.
	Target() uint64
}

// SupplyLiquidity adds lender funds to the pool. Admin only.
type SupplyLiquidity struct {
	Amount int64 `json:"amount"`
}

// DepositCollateral opens a position. Valuation is trusted verbatim.
type DepositCollateral struct {
	Token     string          `json:"token"`
	Amount    int64           `json:"amount"`
	ValueUSD  int64           `json:"value_usd"`
	TokenType event.TokenType `json:"token_type"`
}

type Borrow struct {
	PositionID   uint64        `json:"position_id"`
	Amount       int64         `json:"amount"`
	Duration     time.Duration `json:"duration"`
	Installments int32         `json:"installments"`
}

type Repay struct {
	PositionID uint64 `json:"position_id"`
	Amount     int64  `json:"amount"`
}

type Withdraw struct {
	PositionID uint64 `json:"position_id"`
	Amount     int64  `json:"amount"`
}

// MarkMissedPayment flags the installment due at DueAt as missed.
type MarkMissedPayment struct {
	PositionID uint64    `json:"position_id"`
	DueAt      time.Time `json:"due_at"`
}

type MarkDefaulted struct {
	PositionID uint64 `json:"position_id"`
}

type Liquidate struct {
	PositionID uint64 `json:"position_id"`
}

// SettleLiquidationByYield redeems class A collateral. Proceeds is resolved by
// the authority at admission and recorded for replay; submitters leave it 0.
type SettleLiquidationByYield struct {
	PositionID uint64 `json:"position_id"`
	Proceeds   int64  `json:"proceeds,omitempty"`
}

type SettleLiquidationByPurchase struct {
	PositionID     uint64 `json:"position_id"`
	PurchaseAmount int64  `json:"purchase_amount"`
	Liquidator     string `json:"liquidator,omitempty"`
}

// AttachCreditLine records an externally issued credit line.
type AttachCreditLine struct {
	PositionID    uint64 `json:"position_id"`
	CreditLineRef string `json:"credit_line_ref"`
}

func (*SupplyLiquidity) Kind() OpKind             { return OpSupplyLiquidity }
func (*DepositCollateral) Kind() OpKind           { return OpDepositCollateral }
func (*Borrow) Kind() OpKind                      { return OpBorrow }
func (*Repay) Kind() OpKind                       { return OpRepay }
func (*Withdraw) Kind() OpKind                    { return OpWithdraw }
func (*MarkMissedPayment) Kind() OpKind           { return OpMarkMissedPayment }
func (*MarkDefaulted) Kind() OpKind               { return OpMarkDefaulted }
func (*Liquidate) Kind() OpKind                   { return OpLiquidate }
func (*SettleLiquidationByYield) Kind() OpKind    { return OpSettleLiquidationByYield }
func (*SettleLiquidationByPurchase) Kind() OpKind { return OpSettleLiquidationByPurchase }
func (*AttachCreditLine) Kind() OpKind            { return OpAttachCreditLine }

func (*SupplyLiquidity) Target() uint64               { return 0 }
func (*DepositCollateral) Target() uint64             { return 0 }
func (o *Borrow) Target() uint64                      { return o.PositionID }
func (o *Repay) Target() uint64                       { return o.PositionID }
func (o *Withdraw) Target() uint64                    { return o.PositionID }
func (o *MarkMissedPayment) Target() uint64           { return o.PositionID }
func (o *MarkDefaulted) Target() uint64               { return o.PositionID }
func (o *Liquidate) Target() uint64                   { return o.PositionID }
func (o *SettleLiquidationByYield) Target() uint64    { return o.PositionID }
func (o *SettleLiquidationByPurchase) Target() uint64 { return o.PositionID }
func (o *AttachCreditLine) Target() uint64            { return o.PositionID }

// NewOperation returns an empty operation of the given kind.
func NewOperation(kind OpKind) (Operation, error) {
	switch kind {
	case OpSupplyLiquidity:
		return &SupplyLiquidity{}, nil
	case OpDepositCollateral:
		return &DepositCollateral{}, nil
	case OpBorrow:
		return &Borrow{}, nil
	case OpRepay:
		return &Repay{}, nil
	case OpWithdraw:
		return &Withdraw{}, nil
	case OpMarkMissedPayment:
		return &MarkMissedPayment{}, nil
	case OpMarkDefaulted:
		return &MarkDefaulted{}, nil
	case OpLiquidate:
		return &Liquidate{}, nil
	case OpSettleLiquidationByYield:
		return &SettleLiquidationByYield{}, nil
	case OpSettleLiquidationByPurchase:
		return &SettleLiquidationByPurchase{}, nil
	case OpAttachCreditLine:
		return &AttachCreditLine{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown operation kind %q", ErrInvalidTransaction, kind)
	}
}

// Transaction is one signed-off mutation request. SubmissionID is stable
// across retries of the same logical request; Nonce orders a sender's
// transactions.
type Transaction struct {
	SubmissionID uuid.UUID
	Sender       string
	Nonce        uint64
	Op           Operation
}

type wireTx struct {
	SubmissionID uuid.UUID       `json:"submission_id"`
	Sender       string          `json:"sender"`
	Nonce        uint64          `json:"nonce"`
	Kind         OpKind          `json:"kind"`
	Op           json.RawMessage `json:"op"`
}

func (tx Transaction) MarshalJSON() ([]byte, error) {
	if tx.Op == nil {
		return nil, fmt.Errorf("%w: missing operation", ErrInvalidTransaction)
	}
	op, err := json.Marshal(tx.Op)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", tx.Op.Kind(), err)
	}
	return json.Marshal(wireTx{
		SubmissionID: tx.SubmissionID,
		Sender:       tx.Sender,
		Nonce:        tx.Nonce,
		Kind:         tx.Op.Kind(),
		Op:           op,
	})
}

func (tx *Transaction) UnmarshalJSON(data []byte) error {
	var w wireTx
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("parse transaction: %w", err)
	}
	op, err := NewOperation(w.Kind)
	if err != nil {
		return err
	}
	if len(w.Op) > 0 {
		if err := json.Unmarshal(w.Op, op); err != nil {
			return fmt.Errorf("parse %s: %w", w.Kind, err)
		}
	}
	*tx = Transaction{
		SubmissionID: w.SubmissionID,
		Sender:       w.Sender,
		Nonce:        w.Nonce,
		Op:           op,
	}
	return nil
}

// Validate checks the transaction is well-formed. Business rules are checked
// at admission.
func (tx Transaction) Validate() error {
	if tx.SubmissionID == uuid.Nil {
		return fmt.Errorf("%w: missing submission id", ErrInvalidTransaction)
	}
	if tx.Sender == "" {
		return fmt.Errorf("%w: missing sender", ErrInvalidTransaction)
	}
	if tx.Op == nil {
		return fmt.Errorf("%w: missing operation", ErrInvalidTransaction)
	}
	return nil
}

// TxRecord is an admitted transaction as written to the durable log.
type TxRecord struct {
	Sequence   int64            `json:"sequence"`
	TxHash     string           `json:"tx_hash"`
	Tx         Transaction      `json:"tx"`
	ExecutedAt time.Time        `json:"executed_at"`
	Logs       []event.LogEntry `json:"logs"`
	Batch      *ledger.Batch    `json:"-"`
	StateHash  [32]byte         `json:"state_hash"`
	PrevHash   [32]byte         `json:"prev_hash"`
}

// Receipt reports the outcome of an admitted transaction.
type Receipt struct {
	TxHash       string           `json:"tx_hash"`
	Sequence     int64            `json:"sequence"`
	SubmissionID uuid.UUID        `json:"submission_id"`
	Sender       string           `json:"sender"`
	Nonce        uint64           `json:"nonce"`
	Kind         OpKind           `json:"kind"`
	PositionID   uint64           `json:"position_id"`
	ExecutedAt   time.Time        `json:"executed_at"`
	Logs         []event.LogEntry `json:"logs"`
	Confirmed    bool             `json:"confirmed"`
}

// SubmitResult is the synchronous answer to a submission. Exactly one of
// TxHash (admitted or duplicate) and Rejection is set.
type SubmitResult struct {
	TxHash    string     `json:"tx_hash,omitempty"`
	Sequence  int64      `json:"sequence,omitempty"`
	Duplicate bool       `json:"duplicate,omitempty"`
	Rejection *Rejection `json:"rejection,omitempty"`
}

func receiptFromRecord(rec *TxRecord, confirmed bool) *Receipt {
	r := &Receipt{
		TxHash:       rec.TxHash,
		Sequence:     rec.Sequence,
		SubmissionID: rec.Tx.SubmissionID,
		Sender:       rec.Tx.Sender,
		Nonce:        rec.Tx.Nonce,
		Kind:         rec.Tx.Op.Kind(),
		PositionID:   rec.Tx.Op.Target(),
		ExecutedAt:   rec.ExecutedAt,
		Logs:         rec.Logs,
		Confirmed:    confirmed,
	}
	if r.PositionID == 0 && len(rec.Logs) > 0 {
		r.PositionID = rec.Logs[0].PositionID
	}
	return r
}

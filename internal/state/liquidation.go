package state

import (
	"LendLedger/internal/event"
	fpmath "LendLedger/internal/math"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Settlement is the tagged union of liquidation settlement inputs.
// Exactly one variant applies to a position, chosen by its collateral class.
type Settlement interface {
	Kind() event.SettlementKind
	Amount() int64
	Recipient() string // Party receiving the frozen collateral, empty for burns
}

// YieldBurn redeems class A collateral through the yield-claim mechanism.
type YieldBurn struct {
	Proceeds int64
}

func (YieldBurn) Kind() event.SettlementKind { return event.SettlementYieldBurn }
func (y YieldBurn) Amount() int64            { return y.Proceeds }
func (YieldBurn) Recipient() string          { return "" }

// AdminPurchase sells class B collateral to a third-party liquidator.
type AdminPurchase struct {
	PurchaseAmount int64
	Liquidator     string
}

func (AdminPurchase) Kind() event.SettlementKind { return event.SettlementAdminPurchase }
func (a AdminPurchase) Amount() int64            { return a.PurchaseAmount }
func (a AdminPurchase) Recipient() string        { return a.Liquidator }

// SettlementOutcome is the split of settlement proceeds.
type SettlementOutcome struct {
	DebtRepaid int64
	Fee        int64
	Refund     int64
	Shortfall  int64
}

// ComputeSettlement repays debt first, takes the fee from the surplus and
// refunds the remainder. Insufficient proceeds leave a shortfall.
func ComputeSettlement(proceeds, debt, feeBps int64) SettlementOutcome {
	repaid := min(proceeds, debt)
	surplus := proceeds - repaid
	fee := fpmath.MulBps(surplus, feeBps, fpmath.RoundHalfEven)
	return SettlementOutcome{
		DebtRepaid: repaid,
		Fee:        fee,
		Refund:     surplus - fee,
		Shortfall:  debt - repaid,
	}
}

// LiquidationRecord tracks one liquidation from trigger to settlement.
type LiquidationRecord struct {
	LiquidationID     uuid.UUID                `json:"liquidation_id"`
	PositionID        uint64                   `json:"position_id"`
	LiquidatedAt      time.Time                `json:"liquidated_at"`
	Trigger           event.LiquidationTrigger `json:"trigger"`
	HealthFactor      int64                    `json:"health_factor"`
	DebtAtLiquidation int64                    `json:"debt_at_liquidation"`
	Kind              event.SettlementKind     `json:"kind"`

	// Populated on settlement
	Proceeds       int64      `json:"proceeds"` // yieldReceived or purchaseAmount
	DebtRepaid     int64      `json:"debt_repaid"`
	LiquidationFee int64      `json:"liquidation_fee"`
	UserRefund     int64      `json:"user_refund"`
	Shortfall      int64      `json:"shortfall"`
	Liquidator     string     `json:"liquidator,omitempty"`
	SettledAt      *time.Time `json:"settled_at,omitempty"`
	Settled        bool       `json:"settled"`
}

// liquidationNamespace seeds deterministic liquidation IDs.
var liquidationNamespace = uuid.MustParse("5f1d8e4a-93c2-4b7e-8d0a-2c6e9b1f4a37")

// LiquidationID derives the liquidation ID from the admitting transaction.
func LiquidationID(positionID uint64, txHash string) uuid.UUID {
	return uuid.NewSHA1(liquidationNamespace, []byte(txHash+":"+strconv.FormatUint(positionID, 10)))
}

// Settle records the settlement outcome and closes the record.
func (lr *LiquidationRecord) Settle(s Settlement, out SettlementOutcome, at time.Time) {
	lr.Proceeds = s.Amount()
	lr.DebtRepaid = out.DebtRepaid
	lr.LiquidationFee = out.Fee
	lr.UserRefund = out.Refund
	lr.Shortfall = out.Shortfall
	lr.Liquidator = s.Recipient()
	lr.SettledAt = &at
	lr.Settled = true
}

// Clone returns a deep copy.
func (lr *LiquidationRecord) Clone() *LiquidationRecord {
	c := *lr
	if lr.SettledAt != nil {
		t := *lr.SettledAt
		c.SettledAt = &t
	}
	return &c
}

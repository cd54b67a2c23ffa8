package event

import (
	"time"

	"github.com/google/uuid"
)

// Liquidated is emitted when a position enters LIQUIDATION_PENDING.
type Liquidated struct {
	Position        uint64             `json:"position_id"`
	LiquidationID   uuid.UUID          `json:"liquidation_id"`
	Trigger         LiquidationTrigger `json:"trigger"`
	HealthFactor    int64              `json:"health_factor"`
	Debt            int64              `json:"debt"`
	Principal       int64              `json:"principal"`
	InterestAccrued int64              `json:"interest_accrued"`
	Settlement      SettlementKind     `json:"settlement"`
	LiquidatedAt    time.Time          `json:"liquidated_at"`
	Status          PositionStatus     `json:"status"`
}

func (e *Liquidated) EventType() EventType { return EventTypeLiquidated }
func (e *Liquidated) PositionID() uint64   { return e.Position }

// LiquidationSettled is emitted by either settlement path. Proceeds is the
// yield received for YieldBurn or the purchase amount for AdminPurchase.
type LiquidationSettled struct {
	Position      uint64         `json:"position_id"`
	LiquidationID uuid.UUID      `json:"liquidation_id"`
	Kind          SettlementKind `json:"kind"`
	Proceeds      int64          `json:"proceeds"`
	DebtRepaid    int64          `json:"debt_repaid"`
	Fee           int64          `json:"fee"`
	Refund        int64          `json:"refund"`
	Shortfall     int64          `json:"shortfall"`
	Liquidator    string         `json:"liquidator,omitempty"`
	SettledAt     time.Time      `json:"settled_at"`
	Status        PositionStatus `json:"status"`
}

func (e *LiquidationSettled) EventType() EventType { return EventTypeLiquidationSettled }
func (e *LiquidationSettled) PositionID() uint64   { return e.Position }

package state

import (
	"LendLedger/internal/event"
	"encoding/binary"
	"time"
)

// Position is the authoritative record of one collateral deposit.
type Position struct {
	ID                 uint64               `json:"id"`
	Owner              string               `json:"owner"`
	CollateralToken    string               `json:"collateral_token"`
	TokenType          event.TokenType      `json:"token_type"`
	CollateralAmount   int64                `json:"collateral_amount"`
	CollateralValueUSD int64                `json:"collateral_value_usd"` // Fixed at deposit, scaled on partial withdrawal
	USDCBorrowed       int64                `json:"usdc_borrowed"`        // Running principal
	CreatedAt          time.Time            `json:"created_at"`
	LiquidatedAt       *time.Time           `json:"liquidated_at,omitempty"`
	CreditLineRef      *string              `json:"credit_line_ref,omitempty"`
	Active             bool                 `json:"active"` // Collateral still held in custody
	Status             event.PositionStatus `json:"status"`
	Version            int64                `json:"version"` // Per-position log counter
}

// CanTransition validates lifecycle transitions
func CanTransition(from, to event.PositionStatus) bool {
	validTransitions := map[event.PositionStatus][]event.PositionStatus{
		event.StatusActive: {
			event.StatusRepaid,
			event.StatusLiquidationPending,
			event.StatusClosed,
		},
		event.StatusRepaid: {
			event.StatusActive, // Borrowing again
			event.StatusClosed,
		},
		event.StatusLiquidationPending: {
			event.StatusLiquidated,
		},
	}

	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}

	for _, allowedState := range allowed {
		if to == allowedState {
			return true
		}
	}

	return false
}

// AcceptsBorrow reports whether new debt may be taken against the position.
func (p *Position) AcceptsBorrow() bool {
	return p.Status == event.StatusActive || p.Status == event.StatusRepaid
}

// SettlementKind returns the settlement path bound at deposit.
func (p *Position) SettlementKind() event.SettlementKind {
	return event.SettlementFor(p.TokenType)
}

// Clone returns a deep copy.
func (p *Position) Clone() *Position {
	c := *p
	if p.LiquidatedAt != nil {
		t := *p.LiquidatedAt
		c.LiquidatedAt = &t
	}
	if p.CreditLineRef != nil {
		ref := *p.CreditLineRef
		c.CreditLineRef = &ref
	}
	return &c
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)

	buf = binary.LittleEndian.AppendUint64(buf, p.ID)

	buf = append(buf, byte(len(p.Owner)))
	buf = append(buf, []byte(p.Owner)...)

	buf = append(buf, byte(p.TokenType))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.CollateralAmount))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.CollateralValueUSD))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.USDCBorrowed))
	buf = append(buf, byte(p.Status))
	if p.Active {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.Version))

	return buf
}

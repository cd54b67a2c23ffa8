package event

import "fmt"

// TokenType is the collateral class chosen at deposit. It fixes the LTV and
// the settlement path for the life of the position.
type TokenType int32

const (
	TokenTypeUnknown TokenType = iota
	TokenTypeClassA            // yield-bearing, settled by yield-claim burn
	TokenTypeClassB            // settled by third-party purchase
)

func (t TokenType) String() string {
	switch t {
	case TokenTypeClassA:
		return "A"
	case TokenTypeClassB:
		return "B"
	default:
		return "Unknown"
	}
}

func ParseTokenType(s string) (TokenType, error) {
	switch s {
	case "A", "a", "class_a":
		return TokenTypeClassA, nil
	case "B", "b", "class_b":
		return TokenTypeClassB, nil
	default:
		return TokenTypeUnknown, fmt.Errorf("unknown token type: %s", s)
	}
}

func (t TokenType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TokenType) UnmarshalText(b []byte) error {
	if string(b) == "Unknown" {
		*t = TokenTypeUnknown
		return nil
	}
	parsed, err := ParseTokenType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// PositionStatus is the lifecycle status of a position.
type PositionStatus int32

const (
	StatusUnknown PositionStatus = iota
	StatusActive
	StatusRepaid
	StatusLiquidationPending
	StatusLiquidated
	StatusClosed
)

func (s PositionStatus) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusRepaid:
		return "REPAID"
	case StatusLiquidationPending:
		return "LIQUIDATION_PENDING"
	case StatusLiquidated:
		return "LIQUIDATED"
	case StatusClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

func ParsePositionStatus(s string) (PositionStatus, error) {
	for st := StatusActive; st <= StatusClosed; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return StatusUnknown, fmt.Errorf("unknown position status: %s", s)
}

func (s PositionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *PositionStatus) UnmarshalText(b []byte) error {
	if string(b) == "UNKNOWN" {
		*s = StatusUnknown
		return nil
	}
	parsed, err := ParsePositionStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// IsTerminal reports whether the position accepts no further operations.
func (s PositionStatus) IsTerminal() bool {
	return s == StatusLiquidated || s == StatusClosed
}

// SettlementKind selects the liquidation settlement path.
type SettlementKind int32

const (
	SettlementUnknown SettlementKind = iota
	SettlementYieldBurn
	SettlementAdminPurchase
)

func (k SettlementKind) String() string {
	switch k {
	case SettlementYieldBurn:
		return "YieldBurn"
	case SettlementAdminPurchase:
		return "AdminPurchase"
	default:
		return "Unknown"
	}
}

func (k SettlementKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *SettlementKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "YieldBurn":
		*k = SettlementYieldBurn
	case "AdminPurchase":
		*k = SettlementAdminPurchase
	case "Unknown":
		*k = SettlementUnknown
	default:
		return fmt.Errorf("unknown settlement kind: %s", b)
	}
	return nil
}

// SettlementFor returns the settlement path bound to a collateral class.
func SettlementFor(t TokenType) SettlementKind {
	switch t {
	case TokenTypeClassA:
		return SettlementYieldBurn
	case TokenTypeClassB:
		return SettlementAdminPurchase
	default:
		return SettlementUnknown
	}
}

// LiquidationTrigger records why a position was admitted into liquidation.
type LiquidationTrigger string

const (
	TriggerHealth  LiquidationTrigger = "health"
	TriggerDefault LiquidationTrigger = "default"
)

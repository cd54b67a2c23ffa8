package event

import (
	"fmt"
	"time"
)

// EventType discriminator for ledger log payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypePositionCreated
	EventTypeCreditLineAttached
	EventTypeCreditLineRevoked
	EventTypeBorrowed
	EventTypeRepaid
	EventTypeWithdrawn
	EventTypePaymentMissed
	EventTypeDefaulted
	EventTypeLiquidated
	EventTypeLiquidationSettled
)

// Event is the interface all log payloads implement
type Event interface {
	// EventType returns the discriminator
	EventType() EventType

	// PositionID returns the position the event belongs to
	PositionID() uint64
}

// LogEntry is one confirmed log emitted by a ledger transaction.
// (TxHash, LogIndex) identifies it; Sequence is the global confirmation order
// and PositionSeq the per-position order.
type LogEntry struct {
	TxHash      string
	LogIndex    uint32
	Sequence    int64
	TxSequence  int64
	PositionID  uint64
	PositionSeq int64
	Timestamp   time.Time
	Event       Event
}

// IdempotencyKey returns the stable dedup key of the log.
func (l LogEntry) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d", l.TxHash, l.LogIndex)
}

// EventType returns the payload discriminator or Unknown for an empty entry.
func (l LogEntry) EventType() EventType {
	if l.Event == nil {
		return EventTypeUnknown
	}
	return l.Event.EventType()
}

func (et EventType) String() string {
	switch et {
	case EventTypePositionCreated:
		return "PositionCreated"
	case EventTypeCreditLineAttached:
		return "CreditLineAttached"
	case EventTypeCreditLineRevoked:
		return "CreditLineRevoked"
	case EventTypeBorrowed:
		return "Borrowed"
	case EventTypeRepaid:
		return "Repaid"
	case EventTypeWithdrawn:
		return "Withdrawn"
	case EventTypePaymentMissed:
		return "PaymentMissed"
	case EventTypeDefaulted:
		return "Defaulted"
	case EventTypeLiquidated:
		return "Liquidated"
	case EventTypeLiquidationSettled:
		return "LiquidationSettled"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) (EventType, error) {
	for et := EventTypePositionCreated; et <= EventTypeLiquidationSettled; et++ {
		if et.String() == s {
			return et, nil
		}
	}
	return EventTypeUnknown, fmt.Errorf("unknown event type: %s", s)
}

func (et EventType) MarshalText() ([]byte, error) {
	return []byte(et.String()), nil
}

func (et *EventType) UnmarshalText(b []byte) error {
	parsed, err := ParseEventType(string(b))
	if err != nil {
		return err
	}
	*et = parsed
	return nil
}

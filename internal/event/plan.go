package event

import "time"

// PaymentMissed is emitted by MarkMissedPayment.
type PaymentMissed struct {
	Position       uint64    `json:"position_id"`
	DueAt          time.Time `json:"due_at"`
	MissedPayments int32     `json:"missed_payments"`
	NextPaymentDue time.Time `json:"next_payment_due"`
}

func (e *PaymentMissed) EventType() EventType { return EventTypePaymentMissed }
func (e *PaymentMissed) PositionID() uint64   { return e.Position }

// Defaulted is emitted by MarkDefaulted. It only makes the position eligible
// for liquidation.
type Defaulted struct {
	Position       uint64 `json:"position_id"`
	MissedPayments int32  `json:"missed_payments"`
}

func (e *Defaulted) EventType() EventType { return EventTypeDefaulted }
func (e *Defaulted) PositionID() uint64   { return e.Position }

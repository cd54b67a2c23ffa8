package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// wireLog is the JSON shape of a LogEntry on NATS, in Postgres and over gRPC.
type wireLog struct {
	TxHash      string          `json:"tx_hash"`
	LogIndex    uint32          `json:"log_index"`
	Sequence    int64           `json:"sequence"`
	TxSequence  int64           `json:"tx_sequence"`
	PositionID  uint64          `json:"position_id"`
	PositionSeq int64           `json:"position_seq"`
	EventType   EventType       `json:"event_type"`
	Timestamp   time.Time       `json:"timestamp"`
	Payload     json.RawMessage `json:"payload"`
}

func (l LogEntry) MarshalJSON() ([]byte, error) {
	if l.Event == nil {
		return nil, fmt.Errorf("log %s has no event", l.IdempotencyKey())
	}
	payload, err := json.Marshal(l.Event)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", l.Event.EventType(), err)
	}
	return json.Marshal(wireLog{
		TxHash:      l.TxHash,
		LogIndex:    l.LogIndex,
		Sequence:    l.Sequence,
		TxSequence:  l.TxSequence,
		PositionID:  l.PositionID,
		PositionSeq: l.PositionSeq,
		EventType:   l.Event.EventType(),
		Timestamp:   l.Timestamp,
		Payload:     payload,
	})
}

func (l *LogEntry) UnmarshalJSON(data []byte) error {
	var w wireLog
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("parse log entry: %w", err)
	}
	evt, err := DecodePayload(w.EventType, w.Payload)
	if err != nil {
		return err
	}
	if evt.PositionID() != w.PositionID {
		return fmt.Errorf("log %s:%d: payload position %d != envelope position %d",
			w.TxHash, w.LogIndex, evt.PositionID(), w.PositionID)
	}
	*l = LogEntry{
		TxHash:      w.TxHash,
		LogIndex:    w.LogIndex,
		Sequence:    w.Sequence,
		TxSequence:  w.TxSequence,
		PositionID:  w.PositionID,
		PositionSeq: w.PositionSeq,
		Timestamp:   w.Timestamp,
		Event:       evt,
	}
	return nil
}

// NewEvent returns an empty payload for the given type.
func NewEvent(et EventType) (Event, error) {
	switch et {
	case EventTypePositionCreated:
		return &PositionCreated{}, nil
	case EventTypeCreditLineAttached:
		return &CreditLineAttached{}, nil
	case EventTypeCreditLineRevoked:
		return &CreditLineRevoked{}, nil
	case EventTypeBorrowed:
		return &Borrowed{}, nil
	case EventTypeRepaid:
		return &Repaid{}, nil
	case EventTypeWithdrawn:
		return &Withdrawn{}, nil
	case EventTypePaymentMissed:
		return &PaymentMissed{}, nil
	case EventTypeDefaulted:
		return &Defaulted{}, nil
	case EventTypeLiquidated:
		return &Liquidated{}, nil
	case EventTypeLiquidationSettled:
		return &LiquidationSettled{}, nil
	default:
		return nil, fmt.Errorf("unknown event type: %d", et)
	}
}

// DecodePayload parses a JSON payload of the given type.
func DecodePayload(et EventType, data []byte) (Event, error) {
	evt, err := NewEvent(et)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, evt); err != nil {
		return nil, fmt.Errorf("parse %s: %w", et, err)
	}
	return evt, nil
}

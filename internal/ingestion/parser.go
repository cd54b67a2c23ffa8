package ingestion

import (
	"LendLedger/internal/event"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ParseLogMessage decodes a log published on NATS and checks the envelope.
// The payload itself is type-checked by event.LogEntry's decoder.
func ParseLogMessage(data []byte) (event.LogEntry, error) {
	var entry event.LogEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return event.LogEntry{}, err
	}
	if err := validateEnvelope(entry); err != nil {
		return event.LogEntry{}, err
	}
	return entry, nil
}

func validateEnvelope(entry event.LogEntry) error {
	switch {
	case entry.TxHash == "":
		return fmt.Errorf("log missing tx_hash")
	case entry.Sequence <= 0:
		return fmt.Errorf("log %s: sequence must be positive, got %d", entry.IdempotencyKey(), entry.Sequence)
	case entry.TxSequence <= 0:
		return fmt.Errorf("log %s: tx_sequence must be positive, got %d", entry.IdempotencyKey(), entry.TxSequence)
	case entry.PositionID == 0:
		return fmt.Errorf("log %s: missing position_id", entry.IdempotencyKey())
	case entry.PositionSeq <= 0:
		return fmt.Errorf("log %s: position_seq must be positive, got %d", entry.IdempotencyKey(), entry.PositionSeq)
	case entry.Timestamp.IsZero():
		return fmt.Errorf("log %s: missing timestamp", entry.IdempotencyKey())
	}
	return nil
}

// SubjectForLog returns lend.ledger.logs.{event_type}.{position_id}.
func SubjectForLog(entry event.LogEntry) string {
	return fmt.Sprintf("%s.%s.%d", LogSubjectPrefix, entry.EventType(), entry.PositionID)
}

// ParseSubject extracts the event type and position from a log subject.
func ParseSubject(subject string) (event.EventType, uint64, error) {
	rest, ok := strings.CutPrefix(subject, LogSubjectPrefix+".")
	if !ok {
		return event.EventTypeUnknown, 0, fmt.Errorf("not a log subject: %s", subject)
	}
	parts := strings.Split(rest, ".")
	if len(parts) != 2 {
		return event.EventTypeUnknown, 0, fmt.Errorf("malformed log subject: %s", subject)
	}
	et, err := event.ParseEventType(parts[0])
	if err != nil {
		return event.EventTypeUnknown, 0, err
	}
	positionID, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return event.EventTypeUnknown, 0, fmt.Errorf("parse position in %s: %w", subject, err)
	}
	return et, positionID, nil
}

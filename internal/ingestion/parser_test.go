package ingestion_test

import (
	"LendLedger/internal/event"
	"LendLedger/internal/ingestion"
	"encoding/json"
	"testing"
	"time"
)

func borrowedLog() event.LogEntry {
	return event.LogEntry{
		TxHash:      "0x5e1f",
		LogIndex:    0,
		Sequence:    12,
		TxSequence:  9,
		PositionID:  3,
		PositionSeq: 2,
		Timestamp:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Event: &event.Borrowed{
			Position:     3,
			Amount:       400_000_000,
			USDCBorrowed: 400_000_000,
			Principal:    400_000_000,
			Status:       event.StatusActive,
		},
	}
}

func marshalLog(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

// ============================================================================
// ParseLogMessage
// ============================================================================

func TestParseLogMessage(t *testing.T) {
	entry, err := ingestion.ParseLogMessage(marshalLog(t, borrowedLog()))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	b, ok := entry.Event.(*event.Borrowed)
	if !ok {
		t.Fatalf("expected *event.Borrowed, got %T", entry.Event)
	}
	if b.Amount != 400_000_000 {
		t.Errorf("amount: got %d, want 400_000_000", b.Amount)
	}
	if entry.IdempotencyKey() != "0x5e1f:0" {
		t.Errorf("idempotency key: got %s", entry.IdempotencyKey())
	}
	if entry.PositionSeq != 2 || entry.Sequence != 12 {
		t.Errorf("ordering fields lost: %+v", entry)
	}
}

func TestParseLogMessage_RejectsBadEnvelope(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*event.LogEntry)
	}{
		{"missing tx hash", func(e *event.LogEntry) { e.TxHash = "" }},
		{"zero sequence", func(e *event.LogEntry) { e.Sequence = 0 }},
		{"zero tx sequence", func(e *event.LogEntry) { e.TxSequence = 0 }},
		{"zero position seq", func(e *event.LogEntry) { e.PositionSeq = 0 }},
		{"zero timestamp", func(e *event.LogEntry) { e.Timestamp = time.Time{} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := borrowedLog()
			tt.mutate(&entry)
			if _, err := ingestion.ParseLogMessage(marshalLog(t, entry)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestParseLogMessage_PositionMismatch(t *testing.T) {
	data := marshalLog(t, map[string]interface{}{
		"tx_hash":      "0x01",
		"log_index":    0,
		"sequence":     1,
		"tx_sequence":  1,
		"position_id":  4,
		"position_seq": 1,
		"event_type":   "Defaulted",
		"timestamp":    "2026-01-01T00:00:00Z",
		"payload":      map[string]interface{}{"position_id": 5},
	})

	if _, err := ingestion.ParseLogMessage(data); err == nil {
		t.Fatal("expected error for payload/envelope position mismatch")
	}
}

func TestParseLogMessage_UnknownEventType(t *testing.T) {
	data := marshalLog(t, map[string]interface{}{
		"tx_hash":      "0x01",
		"log_index":    0,
		"sequence":     1,
		"tx_sequence":  1,
		"position_id":  4,
		"position_seq": 1,
		"event_type":   "TradeFill",
		"timestamp":    "2026-01-01T00:00:00Z",
		"payload":      map[string]interface{}{},
	})

	if _, err := ingestion.ParseLogMessage(data); err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestParseLogMessage_InvalidJSON(t *testing.T) {
	if _, err := ingestion.ParseLogMessage([]byte(`{invalid`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

// ============================================================================
// Subjects
// ============================================================================

func TestSubjectRoundTrip(t *testing.T) {
	entry := borrowedLog()
	subject := ingestion.SubjectForLog(entry)
	if subject != "lend.ledger.logs.Borrowed.3" {
		t.Fatalf("subject: got %s", subject)
	}

	et, positionID, err := ingestion.ParseSubject(subject)
	if err != nil {
		t.Fatalf("parse subject: %v", err)
	}
	if et != event.EventTypeBorrowed || positionID != 3 {
		t.Errorf("got (%s, %d), want (Borrowed, 3)", et, positionID)
	}
}

func TestParseSubject_Malformed(t *testing.T) {
	for _, s := range []string{
		"perp.ledger.events.TradeFill",
		"lend.ledger.logs.Borrowed",
		"lend.ledger.logs.Borrowed.x",
		"lend.ledger.logs.Nope.1",
	} {
		if _, _, err := ingestion.ParseSubject(s); err == nil {
			t.Errorf("%s: expected error", s)
		}
	}
}

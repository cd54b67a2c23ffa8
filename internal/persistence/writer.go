package persistence

import (
	"LendLedger/internal/core"
	"LendLedger/internal/ledger"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// LedgerWriter writes admitted transactions, their logs and their journals to
// Postgres using multi-row INSERTs inside the caller's transaction.
type LedgerWriter struct {
	db *sql.DB
}

// TransactionRow represents a row in ledger.transactions
type TransactionRow struct {
	Sequence     int64
	TxHash       string
	SubmissionID string
	Sender       string
	Nonce        uint64
	Kind         string
	PositionID   uint64
	Payload      []byte // JSON-encoded core.Transaction
	ExecutedAt   time.Time
	StateHash    []byte
	PrevHash     []byte
}

// LogRow represents a row in ledger.logs
type LogRow struct {
	LogSequence int64
	TxHash      string
	LogIndex    uint32
	TxSequence  int64
	PositionID  uint64
	PositionSeq int64
	EventType   string
	Payload     []byte // JSON-encoded event.LogEntry
	Timestamp   time.Time
}

// JournalRow represents a row in ledger.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	AssetID       uint16
	Amount        int64
	JournalType   int32
	Timestamp     int64
}

func NewLedgerWriter(db *sql.DB) *LedgerWriter {
	return &LedgerWriter{db: db}
}

// RowsFromRecord flattens an admitted transaction into its table rows.
func RowsFromRecord(rec *core.TxRecord) (TransactionRow, []LogRow, []JournalRow, error) {
	payload, err := json.Marshal(rec.Tx)
	if err != nil {
		return TransactionRow{}, nil, nil, fmt.Errorf("marshal tx %s: %w", rec.TxHash, err)
	}

	positionID := rec.Tx.Op.Target()
	if positionID == 0 && len(rec.Logs) > 0 {
		positionID = rec.Logs[0].PositionID
	}

	txRow := TransactionRow{
		Sequence:     rec.Sequence,
		TxHash:       rec.TxHash,
		SubmissionID: rec.Tx.SubmissionID.String(),
		Sender:       rec.Tx.Sender,
		Nonce:        rec.Tx.Nonce,
		Kind:         string(rec.Tx.Op.Kind()),
		PositionID:   positionID,
		Payload:      payload,
		ExecutedAt:   rec.ExecutedAt,
		StateHash:    rec.StateHash[:],
		PrevHash:     rec.PrevHash[:],
	}

	logRows := make([]LogRow, 0, len(rec.Logs))
	for _, l := range rec.Logs {
		data, err := json.Marshal(l)
		if err != nil {
			return TransactionRow{}, nil, nil, fmt.Errorf("marshal log %s: %w", l.IdempotencyKey(), err)
		}
		logRows = append(logRows, LogRow{
			LogSequence: l.Sequence,
			TxHash:      l.TxHash,
			LogIndex:    l.LogIndex,
			TxSequence:  l.TxSequence,
			PositionID:  l.PositionID,
			PositionSeq: l.PositionSeq,
			EventType:   l.EventType().String(),
			Payload:     data,
			Timestamp:   l.Timestamp,
		})
	}

	var journalRows []JournalRow
	if !rec.Batch.IsEmpty() {
		journalRows = make([]JournalRow, 0, len(rec.Batch.Journals))
		for _, j := range rec.Batch.Journals {
			journalRows = append(journalRows, journalRow(j))
		}
	}

	return txRow, logRows, journalRows, nil
}

func journalRow(j ledger.Journal) JournalRow {
	return JournalRow{
		JournalID:     j.JournalID.String(),
		BatchID:       j.BatchID.String(),
		EventRef:      j.EventRef,
		Sequence:      j.Sequence,
		DebitAccount:  j.DebitAccount.AccountPath(),
		CreditAccount: j.CreditAccount.AccountPath(),
		AssetID:       uint16(j.AssetID),
		Amount:        j.Amount,
		JournalType:   int32(j.JournalType),
		Timestamp:     j.Timestamp,
	}
}

// placeholders renders "($1, $2, ...), ($n+1, ...)" for rows of width columns.
func placeholders(rows, width int) string {
	values := make([]string, 0, rows)
	for i := 0; i < rows; i++ {
		cols := make([]string, width)
		for c := 0; c < width; c++ {
			cols[c] = fmt.Sprintf("$%d", i*width+c+1)
		}
		values = append(values, "("+strings.Join(cols, ", ")+")")
	}
	return strings.Join(values, ", ")
}

// WriteTransactionBatch writes a batch of transactions to ledger.transactions.
func (w *LedgerWriter) WriteTransactionBatch(ctx context.Context, tx *sql.Tx, rows []TransactionRow) error {
	if len(rows) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(rows)*11)
	for _, r := range rows {
		args = append(args,
			r.Sequence, r.TxHash, r.SubmissionID, r.Sender, int64(r.Nonce), r.Kind,
			int64(r.PositionID), r.Payload, r.ExecutedAt, r.StateHash, r.PrevHash,
		)
	}

	query := `INSERT INTO ledger.transactions
		(sequence, tx_hash, submission_id, sender, nonce, kind, position_id, payload, executed_at, state_hash, prev_hash)
		VALUES ` + placeholders(len(rows), 11) +
		" ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteLogBatch writes a batch of log entries to ledger.logs.
func (w *LedgerWriter) WriteLogBatch(ctx context.Context, tx *sql.Tx, rows []LogRow) error {
	if len(rows) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(rows)*9)
	for _, r := range rows {
		args = append(args,
			r.LogSequence, r.TxHash, int32(r.LogIndex), r.TxSequence,
			int64(r.PositionID), r.PositionSeq, r.EventType, r.Payload, r.Timestamp,
		)
	}

	query := `INSERT INTO ledger.logs
		(log_sequence, tx_hash, log_index, tx_sequence, position_id, position_seq, event_type, payload, timestamp)
		VALUES ` + placeholders(len(rows), 9) +
		" ON CONFLICT (log_sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to ledger.journal.
func (w *LedgerWriter) WriteJournalBatch(ctx context.Context, tx *sql.Tx, rows []JournalRow) error {
	if len(rows) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(rows)*10)
	for _, j := range rows {
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, int16(j.AssetID), j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query := `INSERT INTO ledger.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, asset_id, amount, journal_type, timestamp)
		VALUES ` + placeholders(len(rows), 10) +
		" ON CONFLICT (journal_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

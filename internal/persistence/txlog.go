package persistence

import (
	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresTxLog reads the durable transaction log. Only committed rows are
// visible, so everything it returns is confirmed.
type PostgresTxLog struct {
	db *sql.DB
}

func NewPostgresTxLog(db *sql.DB) *PostgresTxLog {
	return &PostgresTxLog{db: db}
}

const selectTransaction = `
	SELECT sequence, tx_hash, payload, executed_at, state_hash, prev_hash
	FROM ledger.transactions`

func scanTransaction(row interface{ Scan(...any) error }) (*core.TxRecord, error) {
	var (
		rec        core.TxRecord
		payload    []byte
		stateHash  []byte
		prevHash   []byte
		executedAt time.Time
	)
	if err := row.Scan(&rec.Sequence, &rec.TxHash, &payload, &executedAt, &stateHash, &prevHash); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &rec.Tx); err != nil {
		return nil, fmt.Errorf("decode tx %s: %w", rec.TxHash, err)
	}
	if len(stateHash) != 32 || len(prevHash) != 32 {
		return nil, fmt.Errorf("tx %s: malformed hash columns", rec.TxHash)
	}
	copy(rec.StateHash[:], stateHash)
	copy(rec.PrevHash[:], prevHash)
	rec.ExecutedAt = executedAt.UTC()
	return &rec, nil
}

// ReadTransaction returns the record with its logs, or nil when absent.
func (l *PostgresTxLog) ReadTransaction(ctx context.Context, txHash string) (*core.TxRecord, error) {
	rec, err := scanTransaction(l.db.QueryRowContext(ctx, selectTransaction+` WHERE tx_hash = $1`, txHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT payload FROM ledger.logs WHERE tx_hash = $1 ORDER BY log_index`, txHash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	rec.Logs, err = scanLogs(rows)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func scanLogs(rows *sql.Rows) ([]event.LogEntry, error) {
	var logs []event.LogEntry
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var entry event.LogEntry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// ReadLogs returns up to limit logs with log_sequence >= fromSequence.
func (l *PostgresTxLog) ReadLogs(ctx context.Context, fromSequence int64, limit int) ([]event.LogEntry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT payload FROM ledger.logs
		WHERE log_sequence >= $1
		ORDER BY log_sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLogs(rows)
}

// LatestLogSequence returns the highest persisted log sequence.
func (l *PostgresTxLog) LatestLogSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := l.db.QueryRowContext(ctx, `SELECT MAX(log_sequence) FROM ledger.logs`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// LatestSequence returns the highest persisted transaction sequence.
func (l *PostgresTxLog) LatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := l.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM ledger.transactions`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty log
	}
	return seq.Int64, nil
}

// LoadTransactionsFrom loads records from a sequence for replay. Logs are not
// loaded: replay regenerates them.
func (l *PostgresTxLog) LoadTransactionsFrom(ctx context.Context, fromSequence int64, limit int) ([]*core.TxRecord, error) {
	rows, err := l.db.QueryContext(ctx, selectTransaction+`
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.TxRecord
	for rows.Next() {
		rec, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// StateHashAt returns the recorded state hash of a sequence.
func (l *PostgresTxLog) StateHashAt(ctx context.Context, sequence int64) ([32]byte, bool, error) {
	var raw []byte
	var hash [32]byte
	err := l.db.QueryRowContext(ctx,
		`SELECT state_hash FROM ledger.transactions WHERE sequence = $1`, sequence,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return hash, false, nil
	}
	if err != nil {
		return hash, false, err
	}
	copy(hash[:], raw)
	return hash, true, nil
}

package projection

import (
	"LendLedger/internal/event"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore keeps the mirror in the mirror schema. Records are stored as
// JSONB with the columns the scheduler filters on pulled out.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	var data []byte
	if err := row.Scan(&data); err != nil {
		return nil, err
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode mirror record: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) Get(ctx context.Context, positionID uint64) (*Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT record FROM mirror.positions WHERE position_id = $1`, int64(positionID)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (s *PostgresStore) IsApplied(ctx context.Context, entry event.LogEntry) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM mirror.applied_logs WHERE tx_hash = $1 AND log_index = $2)
	`, entry.TxHash, int32(entry.LogIndex)).Scan(&exists)
	return exists, err
}

// Save records the log in applied_logs and upserts the record in the same
// transaction. A conflicting applied_logs row aborts with ErrAlreadyApplied.
func (s *PostgresStore) Save(ctx context.Context, rec *Record, entry event.LogEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal log %s: %w", entry.IdempotencyKey(), err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %d: %w", rec.PositionID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO mirror.applied_logs
			(tx_hash, log_index, log_sequence, position_id, position_seq, event_type, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING
	`, entry.TxHash, int32(entry.LogIndex), entry.Sequence, int64(entry.PositionID),
		entry.PositionSeq, entry.EventType().String(), payload)
	if err != nil {
		return fmt.Errorf("insert applied log: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyApplied
	}

	var nextDue *time.Time
	planActive, defaulted := false, false
	if rec.Plan != nil {
		due := rec.Plan.NextPaymentDue
		nextDue = &due
		planActive = rec.Plan.IsActive
		defaulted = rec.Plan.Defaulted
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO mirror.positions
			(position_id, owner, status, next_payment_due, plan_active, defaulted, version, record, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (position_id) DO UPDATE SET
			status = EXCLUDED.status,
			next_payment_due = EXCLUDED.next_payment_due,
			plan_active = EXCLUDED.plan_active,
			defaulted = EXCLUDED.defaulted,
			version = EXCLUDED.version,
			record = EXCLUDED.record,
			updated_at = NOW()
		WHERE mirror.positions.version < EXCLUDED.version
	`, int64(rec.PositionID), rec.Owner, rec.Status.String(), nextDue, planActive, defaulted,
		rec.Version, data); err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}

	return tx.Commit()
}

func (s *PostgresStore) Watermark(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT log_sequence FROM mirror.watermark WHERE id = 1`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

// SetWatermark never moves the watermark backwards.
func (s *PostgresStore) SetWatermark(ctx context.Context, logSequence int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mirror.watermark (id, log_sequence, updated_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET log_sequence = $1, updated_at = NOW()
		WHERE mirror.watermark.log_sequence < $1
	`, logSequence)
	return err
}

func (s *PostgresStore) queryRecords(ctx context.Context, query string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListByOwner(ctx context.Context, owner string) ([]*Record, error) {
	return s.queryRecords(ctx,
		`SELECT record FROM mirror.positions WHERE owner = $1 ORDER BY position_id`, owner)
}

func (s *PostgresStore) ListDue(ctx context.Context, now time.Time) ([]*Record, error) {
	return s.queryRecords(ctx, `
		SELECT record FROM mirror.positions
		WHERE plan_active AND NOT defaulted AND status = $1 AND next_payment_due <= $2
		ORDER BY next_payment_due, position_id
	`, event.StatusActive.String(), now)
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]*Record, error) {
	return s.queryRecords(ctx,
		`SELECT record FROM mirror.positions WHERE status = $1 ORDER BY position_id`,
		event.StatusActive.String())
}

func (s *PostgresStore) History(ctx context.Context, positionID uint64) ([]event.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM mirror.applied_logs
		WHERE position_id = $1
		ORDER BY position_seq
	`, int64(positionID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []event.LogEntry
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var entry event.LogEntry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return nil, fmt.Errorf("decode applied log: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByStatus: make(map[string]int)}
	records, err := s.queryRecords(ctx, `SELECT record FROM mirror.positions`)
	if err != nil {
		return st, err
	}
	for _, r := range records {
		accumulate(&st, r)
	}
	st.Watermark, err = s.Watermark(ctx)
	return st, err
}

// Rebuild clears the mirror so it can be folded again from the ledger log.
// The next reconciler start catches up from sequence 1. All three tables are
// cleared in one transaction, so a failure leaves the mirror untouched.
func Rebuild(ctx context.Context, db *sql.DB) error {
	truncateStatements := []string{
		`TRUNCATE mirror.applied_logs`,
		`TRUNCATE mirror.positions`,
		`DELETE FROM mirror.watermark WHERE id = 1`,
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rebuild: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range truncateStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rebuild: %w", err)
	}
	return nil
}

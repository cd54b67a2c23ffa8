package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresSubmissionLookup is the durable tier of submission deduplication.
// A submission is known once its transaction row is committed.
type PostgresSubmissionLookup struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresSubmissionLookup(db *sql.DB) *PostgresSubmissionLookup {
	return &PostgresSubmissionLookup{
		db:      db,
		timeout: 500 * time.Millisecond,
	}
}

// LookupSubmission returns the transaction hash recorded for a submission ID.
func (l *PostgresSubmissionLookup) LookupSubmission(ctx context.Context, submissionID string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	var txHash string
	err := l.db.QueryRowContext(ctx,
		`SELECT tx_hash FROM ledger.transactions WHERE submission_id = $1`,
		submissionID,
	).Scan(&txHash)

	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil // Not found - not a duplicate
	}
	if err != nil {
		return "", false, err // DB error
	}
	return txHash, true, nil
}

// RecentSubmissions returns the newest submission IDs with their hashes, used
// to warm the in-memory tier on startup.
func (l *PostgresSubmissionLookup) RecentSubmissions(ctx context.Context, limit int) (map[string]string, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT submission_id, tx_hash FROM ledger.transactions ORDER BY sequence DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string, limit)
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, err
		}
		out[id] = hash
	}
	return out, rows.Err()
}

package persistence

import (
	"LendLedger/internal/core"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// snapshotFormatVersion is bumped whenever core.SnapshotState changes shape.
const snapshotFormatVersion = 1

// SnapshotManager stores authority snapshots for warm restarts. A snapshot is
// only loaded once verified against the transaction log.
type SnapshotManager struct {
	db    *sql.DB
	txLog *PostgresTxLog
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db, txLog: NewPostgresTxLog(db)}
}

// SaveSnapshot persists a snapshot as unverified and returns its encoded size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.SnapshotState) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO ledger.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, data, snap.StateHash[:], snapshotFormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// VerifySnapshot checks the snapshot's hash against the state hash the log
// recorded for the same sequence and marks it verified on a match.
func (sm *SnapshotManager) VerifySnapshot(ctx context.Context, snap *core.SnapshotState) (bool, error) {
	if snap.Sequence == 0 {
		return true, sm.MarkVerified(ctx, 0)
	}
	hash, found, err := sm.txLog.StateHashAt(ctx, snap.Sequence)
	if err != nil {
		return false, fmt.Errorf("read state hash at %d: %w", snap.Sequence, err)
	}
	if !found || hash != snap.StateHash {
		return false, nil
	}
	return true, sm.MarkVerified(ctx, snap.Sequence)
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data, format_version FROM ledger.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var (
		data    []byte
		version int
	)
	if err := row.Scan(&data, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // No snapshot - cold start
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if version != snapshotFormatVersion {
		return nil, fmt.Errorf("snapshot format %d not supported", version)
	}

	var snap core.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE ledger.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// PruneSnapshots keeps the newest keep snapshots.
func (sm *SnapshotManager) PruneSnapshots(ctx context.Context, keep int) (int64, error) {
	res, err := sm.db.ExecContext(ctx, `
		DELETE FROM ledger.snapshots
		WHERE sequence NOT IN (
			SELECT sequence FROM ledger.snapshots ORDER BY sequence DESC LIMIT $1
		)
	`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

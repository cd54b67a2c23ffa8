package core

import (
	"LendLedger/internal/ledger"
	"LendLedger/internal/pool"
	"LendLedger/internal/state"
	"fmt"
	"time"
)

// --- Snapshot Restore & Startup Methods ---

// SnapshotState holds the serializable in-memory state of the authority.
type SnapshotState struct {
	Sequence    int64                 `json:"sequence"`
	LogSequence int64                 `json:"log_sequence"`
	StateHash   [32]byte              `json:"state_hash"`
	Positions   state.Snapshot        `json:"positions"`
	Pool        pool.Snapshot         `json:"pool"`
	Balances    []ledger.BalanceEntry `json:"balances"`
	Nonces      map[string]uint64     `json:"nonces"`
	CreatedAt   time.Time             `json:"created_at"`
}

// CreateSnapshot captures the current state. It returns false while admitted
// transactions are still waiting for durability, so a snapshot never covers
// a transaction the log does not hold.
func (a *Authority) CreateSnapshot() (*SnapshotState, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.ConfirmedSequence() < a.sequence {
		return nil, false
	}

	return &SnapshotState{
		Sequence:    a.sequence,
		LogSequence: a.logSequence,
		StateHash:   a.hasher.GetPrevHash(),
		Positions:   a.positions.Snapshot(),
		Pool:        a.pool.Snapshot(),
		Balances:    a.balances.Entries(),
		Nonces:      a.nonces.All(),
		CreatedAt:   a.clock().UTC(),
	}, true
}

// Restore replaces the authority's state with a snapshot. Called once at
// startup before replay.
func (a *Authority) Restore(snap *SnapshotState) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.sequence = snap.Sequence
	a.logSequence = snap.LogSequence
	a.hasher.SetPrevHash(snap.StateHash)
	a.positions.Restore(snap.Positions)
	a.pool.Restore(snap.Pool)
	a.balances.Restore(snap.Balances)
	a.nonces.Restore(snap.Nonces)

	a.receiptsMu.Lock()
	a.confirmedSeq = snap.Sequence
	a.receiptsMu.Unlock()
}

// WarmSubmissions seeds the submission index with persisted submission IDs.
func (a *Authority) WarmSubmissions(entries map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submissions.Warm(entries)
}

// Replay re-executes a persisted transaction. The recorded execution time
// stands in for the clock, so replay reproduces the original state hash.
// A mismatch means the log and the executor disagree and is returned as an
// error the caller must treat as fatal.
func (a *Authority) Replay(rec *TxRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if rec.Sequence != a.sequence+1 {
		return fmt.Errorf("replay sequence gap: have %d, record %d", a.sequence, rec.Sequence)
	}
	if err := a.nonces.Validate(rec.Tx.Sender, rec.Tx.Nonce); err != nil {
		return fmt.Errorf("replay seq %d: %w", rec.Sequence, err)
	}

	replayed, rej := a.execute(rec.Tx, rec.ExecutedAt, true)
	if rej != nil {
		return fmt.Errorf("replay seq %d rejected: %w", rec.Sequence, rej)
	}
	if replayed.TxHash != rec.TxHash {
		return fmt.Errorf("replay seq %d: tx hash mismatch: got %s, want %s", rec.Sequence, replayed.TxHash, rec.TxHash)
	}
	if replayed.StateHash != rec.StateHash {
		return fmt.Errorf("replay seq %d: state hash mismatch: got %x, want %x", rec.Sequence, replayed.StateHash, rec.StateHash)
	}

	a.receiptsMu.Lock()
	a.confirmedSeq = rec.Sequence
	a.receiptsMu.Unlock()

	if a.metrics != nil {
		a.metrics.ReplayTxTotal.Inc()
		a.metrics.LedgerSequence.Set(float64(rec.Sequence))
	}
	return nil
}

package core

import (
	"LendLedger/internal/event"
	"context"
	"sort"
	"sync"
)

// TxLog is the read side of the durable transaction log. It only holds
// persisted, and therefore confirmed, transactions.
type TxLog interface {
	ReadTransaction(ctx context.Context, txHash string) (*TxRecord, error) // nil, nil when absent
	ReadLogs(ctx context.Context, fromSequence int64, limit int) ([]event.LogEntry, error)
	LatestLogSequence(ctx context.Context) (int64, error)
}

// Confirmer is notified once transactions up to a sequence are durable.
type Confirmer interface {
	Confirm(upTo int64)
}

// MemoryTxLog is an in-process TxLog used by tests and local runs.
type MemoryTxLog struct {
	mu      sync.RWMutex
	records []*TxRecord
	byHash  map[string]*TxRecord
	logs    []event.LogEntry
}

func NewMemoryTxLog() *MemoryTxLog {
	return &MemoryTxLog{byHash: make(map[string]*TxRecord)}
}

// Append stores records in sequence order.
func (m *MemoryTxLog) Append(records ...*TxRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		if _, ok := m.byHash[rec.TxHash]; ok {
			continue
		}
		m.records = append(m.records, rec)
		m.byHash[rec.TxHash] = rec
		m.logs = append(m.logs, rec.Logs...)
	}
}

func (m *MemoryTxLog) ReadTransaction(_ context.Context, txHash string) (*TxRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byHash[txHash], nil
}

func (m *MemoryTxLog) ReadLogs(_ context.Context, fromSequence int64, limit int) ([]event.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := sort.Search(len(m.logs), func(i int) bool { return m.logs[i].Sequence >= fromSequence })
	end := min(i+limit, len(m.logs))
	out := make([]event.LogEntry, end-i)
	copy(out, m.logs[i:end])
	return out, nil
}

func (m *MemoryTxLog) LatestLogSequence(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.logs) == 0 {
		return 0, nil
	}
	return m.logs[len(m.logs)-1].Sequence, nil
}

// Records returns every stored record from the given sequence (for replay).
func (m *MemoryTxLog) Records(fromSequence int64) []*TxRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*TxRecord
	for _, rec := range m.records {
		if rec.Sequence >= fromSequence {
			out = append(out, rec)
		}
	}
	return out
}

// Run drains admitted transactions into the log and confirms them, standing
// in for the Postgres persistence worker.
func (m *MemoryTxLog) Run(ctx context.Context, in <-chan *TxRecord, confirmer Confirmer) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-in:
			if !ok {
				return
			}
			m.Append(rec)
			confirmer.Confirm(rec.Sequence)
		}
	}
}

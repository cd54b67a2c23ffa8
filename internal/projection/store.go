package projection

import (
	"LendLedger/internal/event"
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrAlreadyApplied is returned by Store.Save when the log was applied by an
// earlier attempt. The record is left untouched.
var ErrAlreadyApplied = errors.New("projection: log already applied")

// Stats summarizes the mirror.
type Stats struct {
	Positions          int            `json:"positions"`
	ByStatus           map[string]int `json:"by_status"`
	TotalCollateralUSD int64          `json:"total_collateral_usd"`
	TotalBorrowed      int64          `json:"total_borrowed"`
	Defaulted          int            `json:"defaulted"`
	Liquidations       int            `json:"liquidations"`
	TotalShortfall     int64          `json:"total_shortfall"`
	Watermark          int64          `json:"watermark"`
}

// Store holds mirror records, the set of applied logs and the watermark.
type Store interface {
	Get(ctx context.Context, positionID uint64) (*Record, error) // nil, nil when absent
	IsApplied(ctx context.Context, entry event.LogEntry) (bool, error)
	// Save writes the record and marks the log applied in one step.
	Save(ctx context.Context, rec *Record, entry event.LogEntry) error
	Watermark(ctx context.Context) (int64, error)
	SetWatermark(ctx context.Context, logSequence int64) error
	ListByOwner(ctx context.Context, owner string) ([]*Record, error)
	// ListDue returns records whose active, non-defaulted plan is due at now.
	ListDue(ctx context.Context, now time.Time) ([]*Record, error)
	// ListActive returns records in ACTIVE status.
	ListActive(ctx context.Context) ([]*Record, error)
	History(ctx context.Context, positionID uint64) ([]event.LogEntry, error)
	Stats(ctx context.Context) (Stats, error)
}

// MemoryStore is an in-process Store used by tests and single-node runs.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[uint64]*Record
	applied   map[string]struct{}
	history   map[uint64][]event.LogEntry
	watermark int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[uint64]*Record),
		applied: make(map[string]struct{}),
		history: make(map[uint64][]event.LogEntry),
	}
}

func (s *MemoryStore) Get(_ context.Context, positionID uint64) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.records[positionID]; ok {
		return r.Clone(), nil
	}
	return nil, nil
}

func (s *MemoryStore) IsApplied(_ context.Context, entry event.LogEntry) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.applied[entry.IdempotencyKey()]
	return ok, nil
}

func (s *MemoryStore) Save(_ context.Context, rec *Record, entry event.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entry.IdempotencyKey()
	if _, ok := s.applied[key]; ok {
		return ErrAlreadyApplied
	}
	s.applied[key] = struct{}{}
	s.records[rec.PositionID] = rec.Clone()
	s.history[rec.PositionID] = append(s.history[rec.PositionID], entry)
	return nil
}

func (s *MemoryStore) Watermark(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermark, nil
}

func (s *MemoryStore) SetWatermark(_ context.Context, logSequence int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logSequence > s.watermark {
		s.watermark = logSequence
	}
	return nil
}

func (s *MemoryStore) ListByOwner(_ context.Context, owner string) ([]*Record, error) {
	return s.list(func(r *Record) bool { return r.Owner == owner }), nil
}

func (s *MemoryStore) ListDue(_ context.Context, now time.Time) ([]*Record, error) {
	return s.list(func(r *Record) bool { return r.HasDuePlan(now) }), nil
}

func (s *MemoryStore) ListActive(_ context.Context) ([]*Record, error) {
	return s.list(func(r *Record) bool { return r.Status == event.StatusActive }), nil
}

func (s *MemoryStore) list(match func(*Record) bool) []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, r := range s.records {
		if match(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PositionID < out[j].PositionID })
	return out
}

func (s *MemoryStore) History(_ context.Context, positionID uint64) ([]event.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.history[positionID]
	out := make([]event.LogEntry, len(h))
	copy(out, h)
	return out, nil
}

func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{ByStatus: make(map[string]int), Watermark: s.watermark}
	for _, r := range s.records {
		accumulate(&st, r)
	}
	return st, nil
}

func accumulate(st *Stats, r *Record) {
	st.Positions++
	st.ByStatus[r.Status.String()]++
	if r.Active {
		st.TotalCollateralUSD += r.CollateralValueUSD
	}
	st.TotalBorrowed += r.USDCBorrowed
	if r.Plan != nil && r.Plan.Defaulted {
		st.Defaulted++
	}
	if r.Liquidation != nil {
		st.Liquidations++
		st.TotalShortfall += r.Liquidation.Shortfall
	}
}

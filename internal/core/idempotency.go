package core

import (
	"container/list"
	"context"
	"fmt"
)

// SubmissionIndex implements two-tier submission deduplication.
// A submission ID maps to the hash of the transaction it produced.
type SubmissionIndex struct {
	// Tier 1: In-memory LRU
	lru *SubmissionLRU

	// Tier 2: Postgres (injected via interface)
	dbLookup SubmissionLookup

	// Metrics
	metrics *IdempotencyMetrics
}

// SubmissionLookup is the interface for the Postgres dedup lookup
type SubmissionLookup interface {
	LookupSubmission(ctx context.Context, submissionID string) (txHash string, found bool, err error)
}

func NewSubmissionIndex(capacity int, dbLookup SubmissionLookup) *SubmissionIndex {
	return &SubmissionIndex{
		lru:      NewSubmissionLRU(capacity),
		dbLookup: dbLookup,
		metrics:  NewIdempotencyMetrics(),
	}
}

// Lookup returns the transaction hash recorded for a submission (two-tier lookup).
// A tier 2 failure is returned so the caller can retry; admitting a submission
// that may already exist would execute it twice.
func (si *SubmissionIndex) Lookup(ctx context.Context, submissionID string) (string, bool, error) {
	// Tier 1: LRU check (hot path)
	if txHash, ok := si.lru.Get(submissionID); ok {
		si.metrics.RecordDuplicate("lru")
		return txHash, true, nil
	}

	// Tier 2: Postgres check (cold path)
	if si.dbLookup != nil {
		txHash, found, err := si.dbLookup.LookupSubmission(ctx, submissionID)
		if err != nil {
			si.metrics.RecordTier2Error()
			return "", false, fmt.Errorf("submission lookup: %w", err)
		}

		if found {
			si.metrics.RecordDuplicate("postgres")
			// Add to LRU so we don't hit DB again
			si.lru.Add(submissionID, txHash)
			return txHash, true, nil
		}
	}

	return "", false, nil
}

// MarkProcessed records the submission after admission
func (si *SubmissionIndex) MarkProcessed(submissionID, txHash string) {
	si.lru.Add(submissionID, txHash)
}

// Warm seeds the in-memory tier, typically with the newest persisted
// submissions after a snapshot restore.
func (si *SubmissionIndex) Warm(entries map[string]string) {
	for id, txHash := range entries {
		si.lru.Add(id, txHash)
	}
}

// GetMetrics returns metrics for monitoring
func (si *SubmissionIndex) GetMetrics() *IdempotencyMetrics {
	return si.metrics
}

// --- LRU Implementation ---

// SubmissionLRU is an LRU cache of submission ID -> tx hash.
// Not thread-safe. Only accessed under the authority's writer lock.
type SubmissionLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64 // For metrics
}

type lruEntry struct {
	key    string
	txHash string
}

func NewSubmissionLRU(capacity int) *SubmissionLRU {
	return &SubmissionLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, min(capacity, 1<<16)),
		lruList:  list.New(),
	}
}

// Get returns the hash for key (promotes to front)
func (lru *SubmissionLRU) Get(key string) (string, bool) {
	elem, exists := lru.cache[key]
	if exists {
		// Move to front (most recently used)
		lru.lruList.MoveToFront(elem)
		return elem.Value.(*lruEntry).txHash, true
	}
	return "", false
}

// Add inserts a key (or promotes if exists)
func (lru *SubmissionLRU) Add(key, txHash string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	entry := &lruEntry{key: key, txHash: txHash}
	elem := lru.lruList.PushFront(entry)
	lru.cache[key] = elem

	// Evict if over capacity
	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *SubmissionLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		entry := elem.Value.(*lruEntry)
		delete(lru.cache, entry.key)
		lru.evictions++
	}
}

// Size returns current number of entries
func (lru *SubmissionLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions (for metrics)
func (lru *SubmissionLRU) Evictions() int64 {
	return lru.evictions
}

// --- Metrics ---

// IdempotencyMetrics tracks dedup stats.
// Not thread-safe. Only accessed under the authority's writer lock.
type IdempotencyMetrics struct {
	duplicates  map[string]int64 // tier -> count
	tier2Errors int64
}

func NewIdempotencyMetrics() *IdempotencyMetrics {
	return &IdempotencyMetrics{
		duplicates: make(map[string]int64),
	}
}

func (m *IdempotencyMetrics) RecordDuplicate(tier string) {
	m.duplicates[tier]++
}

func (m *IdempotencyMetrics) RecordTier2Error() {
	m.tier2Errors++
}

func (m *IdempotencyMetrics) GetDuplicates(tier string) int64 {
	return m.duplicates[tier]
}

func (m *IdempotencyMetrics) GetTier2Errors() int64 {
	return m.tier2Errors
}

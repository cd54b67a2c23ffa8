package ledger

import (
	"fmt"
	"sort"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// === Position receivables ===

// GetPositionReceivable returns the (principal, interest) still owed by a position
func (bt *BalanceTracker) GetPositionReceivable(positionID uint64, assetID AssetID) (int64, int64) {
	principal := bt.GetBalance(NewPositionAccountKey(positionID, SubTypePrincipal, assetID))
	interest := bt.GetBalance(NewPositionAccountKey(positionID, SubTypeInterest, assetID))
	return principal, interest
}

// GetPoolCash returns the pool's cash balance
func (bt *BalanceTracker) GetPoolCash(assetID AssetID) int64 {
	return bt.GetBalance(NewSystemAccountKey(SubTypePoolCash, assetID))
}

// GetFees returns the fees collected by the protocol
func (bt *BalanceTracker) GetFees(assetID AssetID) int64 {
	return bt.GetBalance(NewSystemAccountKey(SubTypeFees, assetID))
}

// === Invariant Checks ===

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]int64 {
	totals := make(map[AssetID]int64)

	for key, balance := range bt.balances {
		totals[key.AssetID] += balance
	}

	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// BalanceEntry is a serializable account balance.
type BalanceEntry struct {
	Key     AccountKey
	Balance int64
}

// Entries returns all non-zero balances sorted by account path.
func (bt *BalanceTracker) Entries() []BalanceEntry {
	entries := make([]BalanceEntry, 0, len(bt.balances))
	for k, v := range bt.balances {
		if v == 0 {
			continue
		}
		entries = append(entries, BalanceEntry{Key: k, Balance: v})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key.AccountPath() < entries[j].Key.AccountPath()
	})
	return entries
}

// Restore replaces all balances (used during snapshot recovery).
func (bt *BalanceTracker) Restore(entries []BalanceEntry) {
	bt.balances = make(map[AccountKey]int64, len(entries))
	for _, e := range entries {
		bt.balances[e.Key] = e.Balance
	}
}

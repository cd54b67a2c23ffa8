package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is well-formed and balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidatePositionReceivable checks the journal receivables match the loan book.
func (v *InvariantValidator) ValidatePositionReceivable(positionID uint64, assetID AssetID, principal, interest int64) error {
	gotPrincipal, gotInterest := v.tracker.GetPositionReceivable(positionID, assetID)
	if gotPrincipal != principal || gotInterest != interest {
		return fmt.Errorf("position %d receivable mismatch: journal=(%d,%d) loan=(%d,%d)",
			positionID, gotPrincipal, gotInterest, principal, interest)
	}
	return nil
}

// ValidatePoolCash checks pool cash matches the pool's own books and is non-negative.
func (v *InvariantValidator) ValidatePoolCash(assetID AssetID, expected int64) error {
	key := NewSystemAccountKey(SubTypePoolCash, assetID)
	if err := v.tracker.ValidateNonNegative(key); err != nil {
		return err
	}
	if got := v.tracker.GetBalance(key); got != expected {
		return fmt.Errorf("pool cash mismatch: journal=%d pool=%d", got, expected)
	}
	return nil
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %d", assetName, total)
		}
	}

	return nil
}

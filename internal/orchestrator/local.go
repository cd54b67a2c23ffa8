package orchestrator

import (
	"LendLedger/internal/core"
	"context"
)

// LocalLedger adapts an in-process authority to the Ledger interface.
type LocalLedger struct {
	Authority *core.Authority
}

func (l LocalLedger) PendingNonce(_ context.Context, sender string) (uint64, error) {
	return l.Authority.PendingNonce(sender), nil
}

func (l LocalLedger) Submit(ctx context.Context, tx core.Transaction) (core.SubmitResult, error) {
	return l.Authority.Submit(ctx, tx)
}

func (l LocalLedger) Receipt(ctx context.Context, txHash string) (*core.Receipt, error) {
	return l.Authority.Receipt(ctx, txHash)
}

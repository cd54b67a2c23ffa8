package core

import (
	"context"
)

// RedeemRequest describes frozen class A collateral handed to the yield-claim
// mechanism.
type RedeemRequest struct {
	PositionID uint64
	Token      string
	Amount     int64
	ValueUSD   int64
}

// YieldSource redeems class A collateral for stablecoin proceeds.
type YieldSource interface {
	Redeem(ctx context.Context, req RedeemRequest) (int64, error)
}

// ParYieldSource redeems collateral at its recorded valuation. It serves
// tests and single-node runs without a yield collaborator.
type ParYieldSource struct{}

func (ParYieldSource) Redeem(_ context.Context, req RedeemRequest) (int64, error) {
	return req.ValueUSD, nil
}

// CreditLineQueue receives credit-line work for out-of-band processing.
// Implementations must not block.
type CreditLineQueue interface {
	EnqueueIssue(positionID uint64, owner string, valueUSD int64)
	EnqueueRevoke(positionID uint64, ref string)
}

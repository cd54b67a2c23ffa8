package yield_test

import (
	"LendLedger/internal/core"
	"LendLedger/internal/testutil"
	"LendLedger/internal/yield"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// discountHandler pays 98% of the recorded valuation and refuses empty redemptions.
type discountHandler struct {
	delay time.Duration
}

func (h discountHandler) Redeem(_ context.Context, req yield.RedeemRequest) (int64, error) {
	time.Sleep(h.delay)
	if req.Amount == 0 {
		return 0, errors.New("nothing to redeem")
	}
	return req.ValueUSD * 98 / 100, nil
}

func connect(t *testing.T) *nats.Conn {
	t.Helper()
	testutil.RequireIntegration(t)

	nc, err := nats.Connect(testutil.TestNATSURL())
	if err != nil {
		t.Skipf("test nats not available: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}

func serve(t *testing.T, nc *nats.Conn, h yield.Handler) {
	t.Helper()
	sub, err := yield.Serve(nc, "yield-test", h)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
}

func TestNATSSource_Redeem(t *testing.T) {
	nc := connect(t)
	serve(t, nc, discountHandler{})

	src := yield.NewNATSSource(nc, 2*time.Second)
	ctx := context.Background()

	proceeds, err := src.Redeem(ctx, core.RedeemRequest{PositionID: 1, Token: "sUSD", Amount: 10, ValueUSD: 1_000_000})
	require.NoError(t, err)
	assert.Equal(t, int64(980_000), proceeds)

	_, err = src.Redeem(ctx, core.RedeemRequest{PositionID: 2, Token: "sUSD", ValueUSD: 1_000_000})
	assert.ErrorIs(t, err, yield.ErrDeclined)
}

func TestNATSSource_TimeoutIsUnavailable(t *testing.T) {
	nc := connect(t)
	serve(t, nc, discountHandler{delay: 500 * time.Millisecond})

	src := yield.NewNATSSource(nc, 50*time.Millisecond)
	_, err := src.Redeem(context.Background(), core.RedeemRequest{PositionID: 1, Amount: 1, ValueUSD: 1})
	assert.ErrorIs(t, err, yield.ErrUnavailable)
}

func TestNATSSource_NoCollaboratorIsUnavailable(t *testing.T) {
	nc := connect(t)

	src := yield.NewNATSSource(nc, time.Second)
	_, err := src.Redeem(context.Background(), core.RedeemRequest{PositionID: 1, Amount: 1, ValueUSD: 1})
	assert.ErrorIs(t, err, yield.ErrUnavailable)
}

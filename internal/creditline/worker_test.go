package creditline_test

import (
	"LendLedger/internal/core"
	"LendLedger/internal/creditline"
	"LendLedger/internal/event"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/orchestrator"
	"LendLedger/internal/testutil"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const admin = "0xadmin"

// fakeClient issues "cl-<position>" after failing the first issueFailures calls.
type fakeClient struct {
	mu            sync.Mutex
	issueFailures int
	issued        []creditline.IssueRequest
	revoked       []creditline.RevokeRequest
}

func (c *fakeClient) Issue(_ context.Context, req creditline.IssueRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.issueFailures > 0 {
		c.issueFailures--
		return "", errors.New("collaborator unavailable")
	}
	c.issued = append(c.issued, req)
	return fmt.Sprintf("cl-%d", req.PositionID), nil
}

func (c *fakeClient) Revoke(_ context.Context, req creditline.RevokeRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revoked = append(c.revoked, req)
	return nil
}

func (c *fakeClient) counts() (issued, revoked int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.issued), len(c.revoked)
}

type stubSubmitter struct {
	mu     sync.Mutex
	result orchestrator.Result
	ops    []core.Operation
}

func (s *stubSubmitter) Submit(_ context.Context, _ string, op core.Operation) (orchestrator.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, op)
	return s.result, nil
}

func (s *stubSubmitter) submitted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ops)
}

func fastConfig() creditline.Config {
	return creditline.Config{
		Operator:       admin,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
	}
}

func runWorker(t *testing.T, w *creditline.Worker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestQueue_FullDropsWithoutBlocking(t *testing.T) {
	q := creditline.NewQueue(1, nil)
	q.EnqueueIssue(1, "0xalice", fpmath.USD(100))

	done := make(chan struct{})
	go func() {
		q.EnqueueIssue(2, "0xbob", fpmath.USD(100))
		q.EnqueueRevoke(1, "cl-1")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a full queue")
	}
	assert.Equal(t, 1, q.Len())
}

func TestWorker_RetriesIssueThenAttaches(t *testing.T) {
	client := &fakeClient{issueFailures: 2}
	sub := &stubSubmitter{result: orchestrator.Result{Outcome: orchestrator.OutcomeAdmitted}}
	q := creditline.NewQueue(8, nil)
	runWorker(t, creditline.NewWorker(fastConfig(), q, client, sub, nil))

	q.EnqueueIssue(7, "0xalice", fpmath.USD(1_000))

	testutil.Eventually(t, time.Second, func() bool { return sub.submitted() == 1 }, "attach submitted")
	sub.mu.Lock()
	attach, ok := sub.ops[0].(*core.AttachCreditLine)
	sub.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, uint64(7), attach.PositionID)
	assert.Equal(t, "cl-7", attach.CreditLineRef)
}

func TestWorker_GivesUpAfterMaxAttempts(t *testing.T) {
	client := &fakeClient{issueFailures: 100}
	sub := &stubSubmitter{}
	q := creditline.NewQueue(8, nil)
	runWorker(t, creditline.NewWorker(fastConfig(), q, client, sub, nil))

	q.EnqueueIssue(1, "0xalice", fpmath.USD(1_000))
	q.EnqueueRevoke(2, "cl-2")

	// The revoke queued behind the failing issue still runs.
	testutil.Eventually(t, time.Second, func() bool {
		_, revoked := client.counts()
		return revoked == 1
	}, "revoke processed")
	assert.Zero(t, sub.submitted())
	client.mu.Lock()
	assert.Equal(t, 97, client.issueFailures)
	client.mu.Unlock()
}

func TestWorker_RevokesRefusedCreditLine(t *testing.T) {
	client := &fakeClient{}
	sub := &stubSubmitter{result: orchestrator.Result{
		Outcome:   orchestrator.OutcomeRejected,
		Rejection: &core.Rejection{Reason: core.ReasonPositionNotActive},
	}}
	q := creditline.NewQueue(8, nil)
	runWorker(t, creditline.NewWorker(fastConfig(), q, client, sub, nil))

	q.EnqueueIssue(3, "0xalice", fpmath.USD(1_000))

	testutil.Eventually(t, time.Second, func() bool {
		_, revoked := client.counts()
		return revoked == 1
	}, "refused line revoked")
	client.mu.Lock()
	assert.Equal(t, "cl-3", client.revoked[0].CreditLineRef)
	client.mu.Unlock()
}

func TestWorker_UnconfirmedAttachIsNotRevoked(t *testing.T) {
	client := &fakeClient{}
	sub := &stubSubmitter{result: orchestrator.Result{Outcome: orchestrator.OutcomeUnconfirmed}}
	q := creditline.NewQueue(8, nil)
	runWorker(t, creditline.NewWorker(fastConfig(), q, client, sub, nil))

	q.EnqueueIssue(4, "0xalice", fpmath.USD(1_000))
	q.EnqueueRevoke(9, "cl-9")

	testutil.Eventually(t, time.Second, func() bool {
		_, revoked := client.counts()
		return revoked == 1
	}, "queued revoke processed")
	client.mu.Lock()
	assert.Equal(t, "cl-9", client.revoked[0].CreditLineRef)
	client.mu.Unlock()
}

// ============================================================================
// Against a live authority
// ============================================================================

func TestWorker_AttachAndRevokeThroughLedger(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	q := creditline.NewQueue(8, nil)
	cfg := core.DefaultConfig()
	cfg.Admins = []string{admin}
	a, _ := testutil.NewLedger(t, cfg, core.Deps{Clock: clock, CreditLines: q})

	orch := orchestrator.New(orchestrator.LocalLedger{Authority: a}, orchestrator.Config{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
		MaxAttempts:    5,
		ConfirmTimeout: time.Second,
		CallTimeout:    time.Second,
		PollInterval:   time.Millisecond,
	}, nil)
	client := &fakeClient{}
	runWorker(t, creditline.NewWorker(fastConfig(), q, client, orch, nil))

	submit := func(sender string, op core.Operation) {
		t.Helper()
		res, err := a.Submit(context.Background(), core.Transaction{
			SubmissionID: uuid.New(),
			Sender:       sender,
			Nonce:        a.PendingNonce(sender),
			Op:           op,
		})
		require.NoError(t, err)
		require.Nil(t, res.Rejection, "%s rejected", op.Kind())
	}

	submit(admin, &core.SupplyLiquidity{Amount: fpmath.USD(100_000)})
	submit("0xalice", &core.DepositCollateral{Token: "sUSD-B", Amount: 1_000, ValueUSD: fpmath.USD(10_000), TokenType: event.TokenTypeClassB})

	testutil.Eventually(t, 2*time.Second, func() bool {
		view, ok := a.GetPosition(1)
		return ok && view.Position.CreditLineRef != nil && *view.Position.CreditLineRef == "cl-1"
	}, "credit line attached")

	submit("0xalice", &core.Borrow{PositionID: 1, Amount: fpmath.USD(1_000), Duration: 90 * 24 * time.Hour, Installments: 9})
	for range 3 {
		mu.Lock()
		now = now.Add(10 * 24 * time.Hour)
		mu.Unlock()
		view, ok := a.GetPosition(1)
		require.True(t, ok)
		submit(admin, &core.MarkMissedPayment{PositionID: 1, DueAt: view.Plan.NextPaymentDue})
	}
	submit(admin, &core.MarkDefaulted{PositionID: 1})
	submit(admin, &core.Liquidate{PositionID: 1})

	testutil.Eventually(t, 2*time.Second, func() bool {
		_, revoked := client.counts()
		return revoked == 1
	}, "credit line revoked on liquidation")
	view, ok := a.GetPosition(1)
	require.True(t, ok)
	assert.Nil(t, view.Position.CreditLineRef)
}

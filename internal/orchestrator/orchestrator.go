package orchestrator

import (
	"LendLedger/internal/core"
	"LendLedger/internal/observability"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Ledger is the authority as seen by the orchestrator. Implemented by the
// gRPC client and by LocalLedger.
type Ledger interface {
	PendingNonce(ctx context.Context, sender string) (uint64, error)
	Submit(ctx context.Context, tx core.Transaction) (core.SubmitResult, error)
	Receipt(ctx context.Context, txHash string) (*core.Receipt, error)
}

// Config holds retry and timeout settings.
type Config struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
	ConfirmTimeout time.Duration
	CallTimeout    time.Duration // Bounds every ledger RPC
	PollInterval   time.Duration // Receipt polling while waiting for confirmation
}

func DefaultConfig() Config {
	return Config{
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		MaxAttempts:    5,
		ConfirmTimeout: 30 * time.Second,
		CallTimeout:    5 * time.Second,
		PollInterval:   100 * time.Millisecond,
	}
}

// Outcome tags a Result.
type Outcome int

const (
	OutcomeAdmitted Outcome = iota + 1
	OutcomeRejected
	OutcomeUnconfirmed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAdmitted:
		return "admitted"
	case OutcomeRejected:
		return "rejected"
	case OutcomeUnconfirmed:
		return "unconfirmed"
	default:
		return "unknown"
	}
}

// Result is the final answer for one logical request.
//   - Admitted: Receipt is the confirmed receipt.
//   - Rejected: Rejection carries the admission failure.
//   - Unconfirmed: TxHash is set when the ledger admitted the request but
//     confirmation was not observed in time; Err is the last transient error.
type Result struct {
	Outcome      Outcome
	SubmissionID uuid.UUID
	TxHash       string
	Receipt      *core.Receipt
	Rejection    *core.Rejection
	Attempts     int
	Err          error
}

// Orchestrator is the only submitter of mutations. It holds no state between
// calls: each call picks a submission ID once and reuses it across retries, so
// a retried request is admitted at most once.
type Orchestrator struct {
	ledger  Ledger
	cfg     Config
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func New(ledger Ledger, cfg Config, metrics *observability.Metrics) *Orchestrator {
	def := DefaultConfig()
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = def.ConfirmTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	return &Orchestrator{
		ledger:  ledger,
		cfg:     cfg,
		metrics: metrics,
		logger:  observability.NewLogger("orchestrator"),
	}
}

// errConfirmTimeout ends confirmation polling.
var errConfirmTimeout = errors.New("confirmation timeout")

// IsRetryable reports whether err is a transient ledger failure: a nonce
// conflict, an unavailable ledger or an expired call deadline.
func IsRetryable(err error) bool {
	if core.IsConflict(err) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}

// Submit drives one operation to a final Result. Non-transient failures are
// returned as errors.
func (o *Orchestrator) Submit(ctx context.Context, sender string, op core.Operation) (Result, error) {
	start := time.Now()
	kind := string(op.Kind())
	res := Result{SubmissionID: uuid.New()}

	backoff := o.cfg.InitialBackoff
	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt
		if attempt > 1 {
			o.logger.Debug().
				Str("kind", kind).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				AnErr("last_error", res.Err).
				Msg("retrying submission")
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, o.cfg.MaxBackoff)
		}

		submit, err := o.attempt(ctx, sender, op, res.SubmissionID)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			if IsRetryable(err) {
				o.recordAttempt(kind, "retry")
				res.Err = err
				continue
			}
			o.recordAttempt(kind, "error")
			return Result{}, err
		}

		if submit.Rejection != nil {
			o.recordAttempt(kind, "rejected")
			res.Outcome = OutcomeRejected
			res.Rejection = submit.Rejection
			res.Err = nil
			o.recordOutcome(kind, res.Outcome)
			return res, nil
		}

		o.recordAttempt(kind, "admitted")
		res.TxHash = submit.TxHash
		receipt, err := o.awaitConfirmation(ctx, submit.TxHash)
		switch {
		case err == nil:
			res.Outcome = OutcomeAdmitted
			res.Receipt = receipt
			res.Err = nil
			if o.metrics != nil {
				o.metrics.ConfirmLatency.Observe(time.Since(start).Seconds())
			}
		case errors.Is(err, errConfirmTimeout):
			res.Outcome = OutcomeUnconfirmed
			res.Err = err
		default:
			return Result{}, err
		}
		o.recordOutcome(kind, res.Outcome)
		return res, nil
	}

	o.logger.Warn().
		Err(res.Err).
		Str("kind", kind).
		Str("submission_id", res.SubmissionID.String()).
		Int("attempts", res.Attempts).
		Msg("retries exhausted")
	res.Outcome = OutcomeUnconfirmed
	o.recordOutcome(kind, res.Outcome)
	return res, nil
}

func (o *Orchestrator) attempt(ctx context.Context, sender string, op core.Operation, submissionID uuid.UUID) (core.SubmitResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	nonce, err := o.ledger.PendingNonce(callCtx, sender)
	cancel()
	if err != nil {
		return core.SubmitResult{}, fmt.Errorf("pending nonce: %w", err)
	}

	callCtx, cancel = context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()
	return o.ledger.Submit(callCtx, core.Transaction{
		SubmissionID: submissionID,
		Sender:       sender,
		Nonce:        nonce,
		Op:           op,
	})
}

// awaitConfirmation polls the receipt until the transaction is durable.
func (o *Orchestrator) awaitConfirmation(ctx context.Context, txHash string) (*core.Receipt, error) {
	deadline := time.NewTimer(o.cfg.ConfirmTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
		receipt, err := o.ledger.Receipt(callCtx, txHash)
		cancel()
		switch {
		case err == nil:
			return receipt, nil
		case errors.Is(err, core.ErrNotConfirmed), IsRetryable(err):
			// keep polling
		default:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("receipt %s: %w", txHash, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%w: %s", errConfirmTimeout, txHash)
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) recordAttempt(kind, result string) {
	if o.metrics != nil {
		o.metrics.SubmitAttempts.WithLabelValues(kind, result).Inc()
	}
}

func (o *Orchestrator) recordOutcome(kind string, outcome Outcome) {
	if o.metrics != nil {
		o.metrics.SubmitOutcomes.WithLabelValues(kind, outcome.String()).Inc()
	}
}

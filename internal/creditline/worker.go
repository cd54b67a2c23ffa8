package creditline

import (
	"LendLedger/internal/core"
	"LendLedger/internal/observability"
	"LendLedger/internal/orchestrator"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

type jobKind int

const (
	jobIssue jobKind = iota + 1
	jobRevoke
)

func (k jobKind) String() string {
	if k == jobIssue {
		return "issue"
	}
	return "revoke"
}

type job struct {
	kind       jobKind
	positionID uint64
	owner      string
	valueUSD   int64
	ref        string
}

// Queue buffers credit-line work handed off by the authority. Enqueue never
// blocks: when the buffer is full the job is dropped and logged.
type Queue struct {
	jobs    chan job
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewQueue(size int, metrics *observability.Metrics) *Queue {
	if size <= 0 {
		size = 1024
	}
	return &Queue{
		jobs:    make(chan job, size),
		metrics: metrics,
		logger:  observability.NewLogger("creditline"),
	}
}

func (q *Queue) EnqueueIssue(positionID uint64, owner string, valueUSD int64) {
	q.enqueue(job{kind: jobIssue, positionID: positionID, owner: owner, valueUSD: valueUSD})
}

func (q *Queue) EnqueueRevoke(positionID uint64, ref string) {
	q.enqueue(job{kind: jobRevoke, positionID: positionID, ref: ref})
}

// Len reports the number of queued jobs.
func (q *Queue) Len() int { return len(q.jobs) }

func (q *Queue) enqueue(j job) {
	select {
	case q.jobs <- j:
	default:
		q.logger.Error().
			Str("action", j.kind.String()).
			Uint64("position_id", j.positionID).
			Msg("credit-line queue full, job dropped")
		if q.metrics != nil {
			q.metrics.CreditLineCalls.WithLabelValues(j.kind.String(), "dropped").Inc()
		}
	}
}

// Submitter submits ledger operations through the orchestrator.
type Submitter interface {
	Submit(ctx context.Context, sender string, op core.Operation) (orchestrator.Result, error)
}

type Config struct {
	Operator       string // Admin address that signs AttachCreditLine
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
	}
}

// Worker drains the queue against the collaborator. An issued line is
// recorded on the ledger with AttachCreditLine; a line the ledger refuses
// is revoked again so none is left orphaned.
type Worker struct {
	cfg       Config
	queue     *Queue
	client    Client
	submitter Submitter
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewWorker(cfg Config, queue *Queue, client Client, submitter Submitter, metrics *observability.Metrics) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Worker{
		cfg:       cfg,
		queue:     queue,
		client:    client,
		submitter: submitter,
		metrics:   metrics,
		logger:    observability.NewLogger("creditline"),
	}
}

// Run processes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			if n := w.queue.Len(); n > 0 {
				w.logger.Warn().Int("pending", n).Msg("credit-line worker stopping with queued jobs")
			}
			return ctx.Err()
		case j := <-w.queue.jobs:
			switch j.kind {
			case jobIssue:
				w.issue(ctx, j)
			case jobRevoke:
				w.revoke(ctx, j.positionID, j.ref)
			}
		}
	}
}

func (w *Worker) issue(ctx context.Context, j job) {
	logger := w.logger.With().Uint64("position_id", j.positionID).Logger()

	var ref string
	err := w.retry(ctx, "issue", func(ctx context.Context) error {
		var err error
		ref, err = w.client.Issue(ctx, IssueRequest{PositionID: j.positionID, Owner: j.owner, ValueUSD: j.valueUSD})
		return err
	})
	if err != nil {
		logger.Error().Err(err).Msg("credit line not issued")
		return
	}

	res, err := w.submitter.Submit(ctx, w.cfg.Operator, &core.AttachCreditLine{PositionID: j.positionID, CreditLineRef: ref})
	if err != nil {
		w.record("attach", "failed")
		logger.Error().Err(err).Str("credit_line_ref", ref).Msg("attach failed")
		return
	}

	switch res.Outcome {
	case orchestrator.OutcomeAdmitted:
		w.record("attach", "ok")
		logger.Info().Str("credit_line_ref", ref).Msg("credit line attached")
	case orchestrator.OutcomeRejected:
		w.record("attach", "rejected")
		logger.Warn().
			Str("credit_line_ref", ref).
			Str("reason", string(res.Rejection.Reason)).
			Msg("ledger refused credit line, revoking")
		w.revoke(ctx, j.positionID, ref)
	default:
		// The attach may still land; revoking here could strand a live ref.
		w.record("attach", "unconfirmed")
		logger.Warn().Err(res.Err).Str("credit_line_ref", ref).Msg("attach unconfirmed")
	}
}

func (w *Worker) revoke(ctx context.Context, positionID uint64, ref string) {
	err := w.retry(ctx, "revoke", func(ctx context.Context) error {
		return w.client.Revoke(ctx, RevokeRequest{PositionID: positionID, CreditLineRef: ref})
	})
	if err != nil {
		w.logger.Error().Err(err).Uint64("position_id", positionID).Str("credit_line_ref", ref).Msg("credit line not revoked")
		return
	}
	w.logger.Info().Uint64("position_id", positionID).Str("credit_line_ref", ref).Msg("credit line revoked")
}

// retry calls fn up to MaxAttempts times with exponential backoff.
func (w *Worker) retry(ctx context.Context, action string, fn func(context.Context) error) error {
	backoff := w.cfg.InitialBackoff
	var err error
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			w.record(action, "ok")
			return nil
		}
		if attempt == w.cfg.MaxAttempts {
			break
		}
		w.record(action, "retry")
		w.logger.Warn().Err(err).Str("action", action).Int("attempt", attempt).Dur("backoff", backoff).Msg("credit-line call failed")

		select {
		case <-ctx.Done():
			w.record(action, "failed")
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, w.cfg.MaxBackoff)
	}
	w.record(action, "failed")
	return fmt.Errorf("%s after %d attempts: %w", action, w.cfg.MaxAttempts, err)
}

func (w *Worker) record(action, result string) {
	if w.metrics != nil {
		w.metrics.CreditLineCalls.WithLabelValues(action, result).Inc()
	}
}

var _ core.CreditLineQueue = (*Queue)(nil)

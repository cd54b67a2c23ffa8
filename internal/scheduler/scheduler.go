// Package scheduler watches repayment plans and position health on the mirror
// and submits the resulting ledger operations. It never changes state itself:
// every decision is re-checked by the ledger at admission.
package scheduler

import (
	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/notify"
	"LendLedger/internal/observability"
	"LendLedger/internal/orchestrator"
	"LendLedger/internal/projection"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Config holds the scheduler settings.
type Config struct {
	Interval                time.Duration
	LeaseTTL                time.Duration
	Operator                string // Admin sender of scheduler transactions
	AutoLiquidate           bool
	AnnualRateBps           int64
	LiquidationThresholdBps int64
	DefaultAfterMissed      int32
}

func DefaultConfig() Config {
	return Config{
		Interval:                time.Minute,
		LeaseTTL:                55 * time.Second,
		AnnualRateBps:           800,
		LiquidationThresholdBps: 11_500,
		DefaultAfterMissed:      3,
	}
}

// Submitter submits one logical operation. Implemented by the orchestrator.
type Submitter interface {
	Submit(ctx context.Context, sender string, op core.Operation) (orchestrator.Result, error)
}

// Mirror is the read side the scheduler scans.
type Mirror interface {
	ListDue(ctx context.Context, now time.Time) ([]*projection.Record, error)
	ListActive(ctx context.Context) ([]*projection.Record, error)
}

// Notifier delivers owner notifications.
type Notifier interface {
	Send(ctx context.Context, n notify.Notification) error
}

// benignRejections are the reasons that mean another actor (or an earlier
// tick) already did the work.
var benignRejections = map[core.OpKind]map[core.RejectReason]bool{
	core.OpMarkMissedPayment: {
		core.ReasonStaleInstallment: true,
		core.ReasonAlreadyDefaulted: true,
		core.ReasonPaymentNotDue:    true,
	},
	core.OpMarkDefaulted: {
		core.ReasonAlreadyDefaulted: true,
	},
	core.OpLiquidate: {
		core.ReasonNotEligible:        true,
		core.ReasonAlreadyLiquidating: true,
	},
}

// Scheduler runs the repayment and default monitor on a fixed interval.
type Scheduler struct {
	cfg       Config
	mirror    Mirror
	submitter Submitter
	notifier  Notifier
	lease     Lease
	metrics   *observability.Metrics
	logger    zerolog.Logger
	clock     func() time.Time
}

func New(cfg Config, mirror Mirror, submitter Submitter, notifier Notifier, lease Lease, metrics *observability.Metrics) *Scheduler {
	if lease == nil {
		lease = &LocalLease{}
	}
	return &Scheduler{
		cfg:       cfg,
		mirror:    mirror,
		submitter: submitter,
		notifier:  notifier,
		lease:     lease,
		metrics:   metrics,
		logger:    observability.NewLogger("scheduler"),
		clock:     time.Now,
	}
}

// WithClock replaces the wall clock used to find due installments.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

// Run ticks until ctx is cancelled. A failed tick is logged; the next tick
// retries from the mirror's current state.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info().
		Dur("interval", s.cfg.Interval).
		Bool("auto_liquidate", s.cfg.AutoLiquidate).
		Msg("scheduler started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("scheduler tick failed")
			}
		}
	}
}

// Tick runs one pass while holding the lease:
//  1. mark due installments missed, defaulting positions that reach the limit;
//  2. default positions that reached the limit without being defaulted;
//  3. with AutoLiquidate, liquidate defaulted or unhealthy positions.
func (s *Scheduler) Tick(ctx context.Context) error {
	start := time.Now()
	release, err := s.lease.Acquire(ctx, s.cfg.LeaseTTL)
	if errors.Is(err, ErrLeaseHeld) {
		s.recordTick("standby")
		return nil
	}
	if err != nil {
		s.recordTick("lease_error")
		return err
	}
	defer release()

	now := s.clock().UTC()
	defaulted := make(map[uint64]bool)
	var errs []error

	due, err := s.mirror.ListDue(ctx, now)
	if err != nil {
		s.recordTick("mirror_error")
		return fmt.Errorf("list due: %w", err)
	}
	for _, rec := range due {
		if err := s.markMissed(ctx, rec, defaulted); err != nil {
			errs = append(errs, err)
		}
	}

	active, err := s.mirror.ListActive(ctx)
	if err != nil {
		s.recordTick("mirror_error")
		return fmt.Errorf("list active: %w", err)
	}
	for _, rec := range active {
		if defaulted[rec.PositionID] || rec.Plan == nil || !rec.Plan.IsActive || rec.Plan.Defaulted {
			continue
		}
		if rec.Plan.MissedPayments >= s.cfg.DefaultAfterMissed {
			if err := s.markDefaulted(ctx, rec, rec.Plan.MissedPayments, defaulted); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if s.cfg.AutoLiquidate {
		for _, rec := range active {
			eligible := defaulted[rec.PositionID] ||
				(rec.Plan != nil && rec.Plan.IsActive && rec.Plan.Defaulted) ||
				rec.HealthFactor(s.cfg.AnnualRateBps, now) < s.cfg.LiquidationThresholdBps
			if !eligible {
				continue
			}
			if err := s.liquidate(ctx, rec); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if s.metrics != nil {
		s.metrics.SchedulerTickDur.Observe(time.Since(start).Seconds())
	}
	if len(errs) > 0 {
		s.recordTick("partial")
		return errors.Join(errs...)
	}
	s.recordTick("ok")
	return nil
}

func (s *Scheduler) markMissed(ctx context.Context, rec *projection.Record, defaulted map[uint64]bool) error {
	op := &core.MarkMissedPayment{PositionID: rec.PositionID, DueAt: rec.Plan.NextPaymentDue}
	res, err := s.submit(ctx, op)
	if err != nil || res.Outcome != orchestrator.OutcomeAdmitted {
		return err
	}

	missed := rec.Plan.MissedPayments + 1
	for _, l := range res.Receipt.Logs {
		if e, ok := l.Event.(*event.PaymentMissed); ok {
			missed = e.MissedPayments
		}
	}

	s.notify(ctx, rec, notify.KindPaymentMissed, fmt.Sprintf(
		"position %d missed the installment due %s (%d missed)",
		rec.PositionID, op.DueAt.UTC().Format(time.RFC3339), missed))

	if missed >= s.cfg.DefaultAfterMissed {
		return s.markDefaulted(ctx, rec, missed, defaulted)
	}
	return nil
}

func (s *Scheduler) markDefaulted(ctx context.Context, rec *projection.Record, missed int32, defaulted map[uint64]bool) error {
	res, err := s.submit(ctx, &core.MarkDefaulted{PositionID: rec.PositionID})
	if err != nil {
		return err
	}
	if res.Outcome == orchestrator.OutcomeAdmitted ||
		(res.Outcome == orchestrator.OutcomeRejected && res.Rejection.Reason == core.ReasonAlreadyDefaulted) {
		defaulted[rec.PositionID] = true
	}
	if res.Outcome == orchestrator.OutcomeAdmitted {
		s.notify(ctx, rec, notify.KindDefaulted, fmt.Sprintf(
			"position %d defaulted after %d missed installments", rec.PositionID, missed))
	}
	return nil
}

func (s *Scheduler) liquidate(ctx context.Context, rec *projection.Record) error {
	_, err := s.submit(ctx, &core.Liquidate{PositionID: rec.PositionID})
	return err
}

// submit sends one operation and classifies the result. Benign rejections
// and unconfirmed outcomes are not errors: the next tick re-reads the mirror.
func (s *Scheduler) submit(ctx context.Context, op core.Operation) (orchestrator.Result, error) {
	action := string(op.Kind())
	logger := s.logger.With().Str("action", action).Uint64("position_id", op.Target()).Logger()

	res, err := s.submitter.Submit(ctx, s.cfg.Operator, op)
	if err != nil {
		s.recordFailure(action)
		logger.Warn().Err(err).Msg("submission failed")
		return res, fmt.Errorf("%s position %d: %w", action, op.Target(), err)
	}
	s.recordAction(action, res.Outcome.String())

	switch res.Outcome {
	case orchestrator.OutcomeAdmitted:
		logger.Info().Str("tx_hash", res.TxHash).Msg("admitted")
	case orchestrator.OutcomeRejected:
		if benignRejections[op.Kind()][res.Rejection.Reason] {
			logger.Debug().Str("reason", string(res.Rejection.Reason)).Msg("already handled")
		} else {
			logger.Warn().Str("reason", string(res.Rejection.Reason)).Str("message", res.Rejection.Message).Msg("rejected")
		}
	case orchestrator.OutcomeUnconfirmed:
		s.recordFailure(action)
		logger.Warn().Err(res.Err).Str("tx_hash", res.TxHash).Msg("unconfirmed, will retry next tick")
	}
	return res, nil
}

func (s *Scheduler) notify(ctx context.Context, rec *projection.Record, kind notify.Kind, msg string) {
	if s.notifier == nil {
		return
	}
	n := notify.Notification{
		Kind:       kind,
		PositionID: rec.PositionID,
		Owner:      rec.Owner,
		Message:    msg,
		At:         s.clock().UTC(),
	}
	if err := s.notifier.Send(ctx, n); err != nil {
		s.logger.Warn().Err(err).Uint64("position_id", rec.PositionID).Str("kind", string(kind)).Msg("notification not delivered")
	}
}

func (s *Scheduler) recordTick(result string) {
	if s.metrics != nil {
		s.metrics.SchedulerTicks.WithLabelValues(result).Inc()
	}
}

func (s *Scheduler) recordAction(action, outcome string) {
	if s.metrics != nil {
		s.metrics.SchedulerActions.WithLabelValues(action, outcome).Inc()
	}
}

func (s *Scheduler) recordFailure(action string) {
	if s.metrics != nil {
		s.metrics.SchedulerFailures.WithLabelValues(action).Inc()
	}
}

// Package notify delivers owner notifications for position events. Delivery
// is best effort: a failing sender is logged and never blocks the caller's
// state machine.
package notify

import (
	"LendLedger/internal/observability"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Kind identifies what happened to the position.
type Kind string

const (
	KindPaymentMissed      Kind = "payment_missed"
	KindDefaulted          Kind = "defaulted"
	KindLiquidated         Kind = "liquidated"
	KindLiquidationSettled Kind = "liquidation_settled"
)

// Notification is one message to a position owner.
type Notification struct {
	Kind       Kind      `json:"kind"`
	PositionID uint64    `json:"position_id"`
	Owner      string    `json:"owner"`
	Message    string    `json:"message"`
	At         time.Time `json:"at"`
}

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, n Notification) error
	Name() string
}

// Notifier fans a notification out to every sender. One sender failing does
// not prevent delivery to the rest.
type Notifier struct {
	senders []Sender
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewNotifier(metrics *observability.Metrics, senders ...Sender) *Notifier {
	return &Notifier{
		senders: senders,
		metrics: metrics,
		logger:  observability.NewLogger("notifier"),
	}
}

// Send delivers n to all senders and returns the combined failures.
func (n *Notifier) Send(ctx context.Context, msg Notification) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, msg); err != nil {
			n.logger.Error().
				Err(err).
				Str("sender", s.Name()).
				Str("kind", string(msg.Kind)).
				Uint64("position_id", msg.PositionID).
				Msg("notification failed")
			if n.metrics != nil {
				n.metrics.NotificationFailures.WithLabelValues(s.Name()).Inc()
			}
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		if n.metrics != nil {
			n.metrics.NotificationsSent.WithLabelValues(s.Name()).Inc()
		}
	}
	return errors.Join(errs...)
}

func (n *Notifier) Name() string {
	return "fanout"
}

// LogSender writes notifications to the structured log.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender() *LogSender {
	return &LogSender{logger: observability.NewLogger("notify")}
}

func (s *LogSender) Send(_ context.Context, n Notification) error {
	s.logger.Info().
		Str("kind", string(n.Kind)).
		Uint64("position_id", n.PositionID).
		Str("owner", n.Owner).
		Time("at", n.At).
		Msg(n.Message)
	return nil
}

func (s *LogSender) Name() string {
	return "log"
}

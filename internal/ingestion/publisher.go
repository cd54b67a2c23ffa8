package ingestion

import (
	"LendLedger/internal/core"
	"LendLedger/internal/observability"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	// LogStreamName is the JetStream stream holding confirmed ledger logs.
	LogStreamName = "LEND_LEDGER_LOGS"
	// LogSubjectPrefix prefixes every log subject: lend.ledger.logs.{event_type}.{position_id}
	LogSubjectPrefix = "lend.ledger.logs"
)

// LogPublisher publishes the logs of confirmed transactions to NATS.
// Records arrive only after the persistence worker confirmed them, so a
// published log is always durable. Publish failures are logged and left to
// the mirror's catch-up.
type LogPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan *core.TxRecord
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewLogPublisher(js jetstream.JetStream, inputChan <-chan *core.TxRecord, metrics *observability.Metrics) *LogPublisher {
	return &LogPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    observability.NewLogger("publisher"),
	}
}

// Run starts the publisher loop. Blocks until ctx is cancelled or the input
// channel is closed.
func (lp *LogPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case rec, ok := <-lp.inputChan:
			if !ok {
				return nil
			}
			if err := lp.publishRecord(ctx, rec); err != nil {
				// Non-fatal: the mirror catches up from the ledger log
				lp.logger.Warn().Err(err).Int64("sequence", rec.Sequence).Msg("log publish failed")
				if lp.metrics != nil {
					lp.metrics.NATSPublishErrors.Inc()
				}
			}
		}
	}
}

func (lp *LogPublisher) publishRecord(ctx context.Context, rec *core.TxRecord) error {
	for _, entry := range rec.Logs {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal log %s: %w", entry.IdempotencyKey(), err)
		}
		// The message ID lets JetStream drop republished logs inside its
		// duplicate window.
		if _, err := lp.js.Publish(ctx, SubjectForLog(entry), data,
			jetstream.WithMsgID(entry.IdempotencyKey()),
		); err != nil {
			return fmt.Errorf("publish %s: %w", entry.IdempotencyKey(), err)
		}
	}
	return nil
}

// EnsureLogStream creates the confirmed-log stream.
func EnsureLogStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       LogStreamName,
		Subjects:   []string{LogSubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create log stream: %w", err)
	}
	return nil
}

package ingestion

import (
	"LendLedger/internal/event"
	"LendLedger/internal/observability"
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// LogHandler consumes one confirmed log. A nil error acknowledges the
// message; an error leaves it for redelivery.
type LogHandler func(ctx context.Context, entry event.LogEntry) error

// ConsumerConfig configures the durable log consumer.
type ConsumerConfig struct {
	Durable    string
	AckWait    time.Duration
	MaxDeliver int
}

func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Durable:    "lend-mirror",
		AckWait:    30 * time.Second,
		MaxDeliver: -1,
	}
}

// LogSubscriber feeds confirmed ledger logs from a durable JetStream consumer
// into a handler. Delivery is at-least-once; the handler deduplicates.
type LogSubscriber struct {
	js       jetstream.JetStream
	handler  LogHandler
	consumer jetstream.ConsumeContext
	logger   zerolog.Logger
}

func NewLogSubscriber(js jetstream.JetStream, handler LogHandler) *LogSubscriber {
	return &LogSubscriber{
		js:      js,
		handler: handler,
		logger:  observability.NewLogger("subscriber"),
	}
}

// Subscribe creates the durable consumer and starts delivering messages.
// Consumers use explicit ACK.
func (ls *LogSubscriber) Subscribe(ctx context.Context, cfg ConsumerConfig) error {
	consumer, err := ls.js.CreateOrUpdateConsumer(ctx, LogStreamName, jetstream.ConsumerConfig{
		Durable:       cfg.Durable,
		FilterSubject: LogSubjectPrefix + ".>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", cfg.Durable, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		ls.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", cfg.Durable, err)
	}

	ls.consumer = cc
	ls.logger.Info().Str("consumer", cfg.Durable).Str("stream", LogStreamName).Msg("subscribed")
	return nil
}

func (ls *LogSubscriber) handle(ctx context.Context, msg jetstream.Msg) {
	entry, err := ParseLogMessage(msg.Data())
	if err != nil {
		// A malformed log never parses on redelivery; catch-up fills the hole.
		ls.logger.Error().Err(err).Str("subject", msg.Subject()).Msg("dropping malformed log")
		msg.Term()
		return
	}

	if err := ls.handler(ctx, entry); err != nil {
		ls.logger.Warn().Err(err).Str("log", entry.IdempotencyKey()).Msg("handler failed, redelivering")
		msg.Nak()
		return
	}
	msg.Ack()
}

// Stop gracefully stops the consumer.
func (ls *LogSubscriber) Stop() {
	if ls.consumer != nil {
		ls.consumer.Stop()
	}
	ls.logger.Info().Msg("NATS subscriber stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url, name string) (*nats.Conn, jetstream.JetStream, error) {
	logger := observability.NewLogger("nats")
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}

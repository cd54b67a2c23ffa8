package persistence

import (
	"LendLedger/internal/core"
	"LendLedger/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The authority sends on the persist channel with BLOCKING sends, so if this
// worker falls behind the authority stalls and no admitted transaction is
// lost. After each commit the worker confirms the flushed range.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *LedgerWriter
	inputChan    <-chan *core.TxRecord
	confirmer    core.Confirmer
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan *core.TxRecord,
	confirmer core.Confirmer,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *PersistenceWorker {
	return &PersistenceWorker{
		db:           db,
		writer:       NewLedgerWriter(db),
		inputChan:    inputChan,
		confirmer:    confirmer,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       observability.NewLogger("persistence"),
	}
}

// Run starts the persistence worker loop. It batches incoming records
// and flushes either when the batch is full or the flush timeout expires.
// Blocks until ctx is cancelled or the input channel is closed.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]*core.TxRecord, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			if len(batch) > 0 {
				if err := pw.flushAndConfirm(context.Background(), batch); err != nil {
					pw.logger.Error().Err(err).Int("records", len(batch)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case rec, ok := <-pw.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := pw.flushAndConfirm(context.Background(), batch); err != nil {
						pw.logger.Error().Err(err).Int("records", len(batch)).Msg("final flush failed")
					}
				}
				return nil
			}

			batch = append(batch, rec)

			if len(batch) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch = batch[:0]
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry attempts to flush with exponential backoff. The worker never
// drops records: it retries until the write succeeds or the context is
// cancelled, in which case one last flush runs on a background context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch []*core.TxRecord) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("records", len(batch)).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := pw.flushAndConfirm(context.Background(), batch); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
		}

		err := pw.flushAndConfirm(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.logger.Error().Err(err).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flushAndConfirm(ctx context.Context, batch []*core.TxRecord) error {
	if err := pw.flush(ctx, batch); err != nil {
		return err
	}
	if pw.confirmer != nil {
		pw.confirmer.Confirm(batch[len(batch)-1].Sequence)
	}
	return nil
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch []*core.TxRecord) error {
	start := time.Now()

	txRows := make([]TransactionRow, 0, len(batch))
	var logRows []LogRow
	var journalRows []JournalRow
	for _, rec := range batch {
		txRow, logs, journals, err := RowsFromRecord(rec)
		if err != nil {
			pw.recordError("encode")
			return err
		}
		txRows = append(txRows, txRow)
		logRows = append(logRows, logs...)
		journalRows = append(journalRows, journals...)
	}

	// Transactions, logs and journals commit together
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.recordError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteTransactionBatch(ctx, tx, txRows); err != nil {
		pw.recordError("write_transactions")
		return fmt.Errorf("write transactions: %w", err)
	}
	if err := pw.writer.WriteLogBatch(ctx, tx, logRows); err != nil {
		pw.recordError("write_logs")
		return fmt.Errorf("write logs: %w", err)
	}
	if err := pw.writer.WriteJournalBatch(ctx, tx, journalRows); err != nil {
		pw.recordError("write_journals")
		return fmt.Errorf("write journals: %w", err)
	}

	if err := tx.Commit(); err != nil {
		pw.recordError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(batch)))
		pw.metrics.PersistTxWritten.Add(float64(len(txRows)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journalRows)))
		pw.metrics.PersistLastSequence.Set(float64(batch[len(batch)-1].Sequence))
	}

	return nil
}

func (pw *PersistenceWorker) recordError(errorType string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(errorType).Inc()
	}
}

package main

import (
	"LendLedger/internal/config"
	"LendLedger/internal/core"
	"LendLedger/internal/creditline"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/observability"
	"LendLedger/internal/orchestrator"
	"LendLedger/internal/persistence"
	"LendLedger/internal/server"
	"LendLedger/internal/yield"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	replayBatchSize     = 1000
	warmSubmissionCount = 100_000
)

func main() {
	logger := observability.NewLogger("lendledger")

	if os.Getenv("GOGC") == "" {
		debug.SetGCPercent(400)
	}

	cfg, err := config.LoadLedger()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("lendledger stopped")
	}
	logger.Info().Msg("lendledger shutdown complete")
}

func run(cfg config.LedgerConfig, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	if err := persistence.NewMigrator(db, cfg.MigrationsDir).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Msg("postgres connected, migrations applied")

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, "lendledger")
	if err != nil {
		return err
	}
	defer nc.Close()
	if err := ingestion.EnsureLogStream(ctx, js); err != nil {
		return fmt.Errorf("ensure log stream: %w", err)
	}

	// --- Authority ---
	// Persist channel blocks (backpressure), publish channel drops
	persistChan := make(chan *core.TxRecord, cfg.PersistChanSize)
	publishChan := make(chan *core.TxRecord, cfg.PublishChanSize)

	txLog := persistence.NewPostgresTxLog(db)
	lookup := persistence.NewPostgresSubmissionLookup(db)
	deps := core.Deps{
		PersistChan: persistChan,
		PublishChan: publishChan,
		Submissions: lookup,
		TxLog:       txLog,
		Yield:       core.ParYieldSource{},
		Metrics:     metrics,
	}
	if cfg.YieldEnabled {
		deps.Yield = yield.NewNATSSource(nc, cfg.YieldTimeout)
	} else {
		logger.Warn().Msg("yield collaborator disabled, class A collateral redeems at par")
	}
	var creditQueue *creditline.Queue
	if cfg.CreditLineEnabled {
		creditQueue = creditline.NewQueue(cfg.CreditLineQueueSize, metrics)
		deps.CreditLines = creditQueue
	}
	authority := core.NewAuthority(cfg.Core, deps)

	snapMgr := persistence.NewSnapshotManager(db)
	if err := recoverState(ctx, authority, snapMgr, txLog, lookup, metrics, logger); err != nil {
		return err
	}

	// --- Workers ---
	// The persistence worker outlives the signal context: it drains every
	// admitted record once all submitters have stopped.
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, authority, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics)
	persistDone := make(chan error, 1)
	go func() { persistDone <- persistWorker.Run(context.Background()) }()

	publisher := ingestion.NewLogPublisher(js, publishChan, metrics)
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, authority)

	healthChecker.AddCheck("postgres", db.PingContext)
	healthChecker.AddCheck("nats", func(context.Context) error {
		if nc.Status() != nats.CONNECTED {
			return fmt.Errorf("nats status %s", nc.Status())
		}
		return nil
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return publisher.Run(gctx) })
	g.Go(func() error { return grpcServer.StartGRPC(gctx) })
	g.Go(func() error {
		runPeriodicSnapshots(gctx, authority, snapMgr, cfg, metrics, logger)
		return nil
	})
	g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, healthChecker, logger) })

	if creditQueue != nil {
		orch := orchestrator.New(orchestrator.LocalLedger{Authority: authority}, orchestrator.DefaultConfig(), metrics)
		workerCfg := creditline.DefaultConfig()
		workerCfg.Operator = cfg.Operator
		worker := creditline.NewWorker(workerCfg, creditQueue, creditline.NewNATSClient(nc, cfg.CreditLineTimeout), orch, metrics)
		g.Go(func() error { return worker.Run(gctx) })
	}

	grpcServer.SetServing(true)
	healthChecker.SetReady(true)
	logger.Info().
		Int64("sequence", authority.GetSequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("lendledger ready")

	err = g.Wait()
	healthChecker.SetReady(false)

	// --- Graceful shutdown ---
	// No submitter is left: drain the persist channel, then snapshot.
	close(persistChan)
	if perr := <-persistDone; perr != nil {
		logger.Error().Err(perr).Msg("persistence worker")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if serr := takeSnapshot(shutdownCtx, authority, snapMgr, cfg.SnapshotKeep, metrics); serr != nil {
		logger.Error().Err(serr).Msg("final snapshot failed")
	} else {
		logger.Info().Int64("sequence", authority.GetSequence()).Msg("final snapshot saved")
	}
	return err
}

// recoverState restores the latest verified snapshot and replays the
// transaction log past it.
func recoverState(
	ctx context.Context,
	authority *core.Authority,
	snapMgr *persistence.SnapshotManager,
	txLog *persistence.PostgresTxLog,
	lookup *persistence.PostgresSubmissionLookup,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) error {
	start := time.Now()

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("snapshot unusable, replaying from genesis")
		snap = nil
	}
	if snap != nil {
		authority.Restore(snap)
		logger.Info().Int64("sequence", snap.Sequence).Msg("restored snapshot")

		recent, err := lookup.RecentSubmissions(ctx, warmSubmissionCount)
		if err != nil {
			logger.Warn().Err(err).Msg("submission warm-up failed")
		} else {
			authority.WarmSubmissions(recent)
		}
	}

	var replayed int64
	from := authority.GetSequence() + 1
	for {
		records, err := txLog.LoadTransactionsFrom(ctx, from, replayBatchSize)
		if err != nil {
			return fmt.Errorf("load transactions from %d: %w", from, err)
		}
		if len(records) == 0 {
			break
		}
		for _, rec := range records {
			if err := authority.Replay(rec); err != nil {
				return fmt.Errorf("replay: %w", err)
			}
			replayed++
		}
		from = records[len(records)-1].Sequence + 1
	}

	if metrics != nil {
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	logger.Info().
		Int64("replayed", replayed).
		Int64("sequence", authority.GetSequence()).
		Hex("state_hash", hashBytes(authority.GetStateHash())).
		Dur("took", time.Since(start)).
		Msg("recovery complete")
	return nil
}

func hashBytes(h [32]byte) []byte { return h[:] }

// runPeriodicSnapshots snapshots every SnapshotInterval transactions.
func runPeriodicSnapshots(
	ctx context.Context,
	authority *core.Authority,
	snapMgr *persistence.SnapshotManager,
	cfg config.LedgerConfig,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	last := authority.GetSequence()
	ticker := time.NewTicker(cfg.SnapshotCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := authority.GetSequence()
			if current-last < cfg.SnapshotInterval {
				continue
			}
			if err := takeSnapshot(ctx, authority, snapMgr, cfg.SnapshotKeep, metrics); err != nil {
				logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			last = current
			logger.Info().Int64("sequence", current).Msg("periodic snapshot")
		}
	}
}

var errSnapshotNotDurable = errors.New("admitted transactions not yet durable")

// takeSnapshot captures the authority state, persists it and verifies it
// against the state hash recorded in the log.
func takeSnapshot(
	ctx context.Context,
	authority *core.Authority,
	snapMgr *persistence.SnapshotManager,
	keep int,
	metrics *observability.Metrics,
) error {
	start := time.Now()

	snap, ok := authority.CreateSnapshot()
	if !ok {
		return errSnapshotNotDurable
	}
	size, err := snapMgr.SaveSnapshot(ctx, snap)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	verified, err := snapMgr.VerifySnapshot(ctx, snap)
	if err != nil {
		return fmt.Errorf("verify snapshot: %w", err)
	}
	if !verified {
		return fmt.Errorf("snapshot at %d does not match the log", snap.Sequence)
	}
	if keep > 0 {
		if _, err := snapMgr.PruneSnapshots(ctx, keep); err != nil {
			return fmt.Errorf("prune snapshots: %w", err)
		}
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
		metrics.SnapshotSizeBytes.Set(float64(size))
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, hc *observability.HealthChecker, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", hc.LivenessHandler)
	mux.HandleFunc("/readyz", hc.ReadinessHandler)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

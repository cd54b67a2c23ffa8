package main

import (
	"LendLedger/internal/config"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/notify"
	"LendLedger/internal/observability"
	"LendLedger/internal/orchestrator"
	"LendLedger/internal/persistence"
	"LendLedger/internal/projection"
	"LendLedger/internal/query"
	"LendLedger/internal/scheduler"
	"LendLedger/internal/server"
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	rebuild := flag.Bool("rebuild", false, "drop the mirror tables and rebuild them from the ledger log")
	flag.Parse()

	logger := observability.NewLogger("lendmirror")

	cfg, err := config.LoadMirror()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if err := run(cfg, *rebuild, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("lendmirror stopped")
	}
	logger.Info().Msg("lendmirror shutdown complete")
}

func run(cfg config.MirrorConfig, rebuild bool, logger zerolog.Logger) error {
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
	if rebuild {
		if err := projection.Rebuild(ctx, db); err != nil {
			return fmt.Errorf("rebuild mirror: %w", err)
		}
		logger.Warn().Msg("mirror tables truncated, rebuilding from the ledger log")
	}

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Ledger client ---
	ledger, err := server.Dial(cfg.LedgerAddr)
	if err != nil {
		return err
	}
	defer ledger.Close()
	orch := orchestrator.New(ledger, cfg.Orchestrator, metrics)

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, "lendmirror")
	if err != nil {
		return err
	}
	defer nc.Close()
	if err := ingestion.EnsureLogStream(ctx, js); err != nil {
		return fmt.Errorf("ensure log stream: %w", err)
	}

	notifier := notify.NewNotifier(metrics, notify.NewLogSender(), notify.NewNATSSender(nc))

	// --- Mirror ---
	store := projection.NewPostgresStore(db)
	reconciler := projection.NewReconciler(cfg.Reconciler, store, ledger, notifier, metrics)
	subscriber := ingestion.NewLogSubscriber(js, reconciler.Handle)

	// --- Scheduler ---
	var lease scheduler.Lease
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		lease = scheduler.NewRedisLease(rdb, cfg.LeaseKey)
		healthChecker.AddCheck("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	} else {
		logger.Warn().Msg("LEND_REDIS_ADDR unset, scheduler lease is process-local")
	}
	sched := scheduler.New(cfg.Scheduler, store, orch, notifier, lease, metrics)

	// --- Query API ---
	qs := query.NewQueryService(store, query.Config{
		AnnualRateBps:           cfg.Scheduler.AnnualRateBps,
		LiquidationThresholdBps: cfg.Scheduler.LiquidationThresholdBps,
	})
	httpServer := query.NewHTTPServer(cfg.HTTPAddr, qs, healthChecker, metrics)

	healthChecker.AddCheck("postgres", db.PingContext)
	healthChecker.AddCheck("ledger", func(ctx context.Context) error {
		_, err := ledger.LogHead(ctx)
		return err
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reconciler.Run(gctx) })
	if err := subscriber.Subscribe(gctx, cfg.Consumer); err != nil {
		stop()
		_ = g.Wait()
		return fmt.Errorf("subscribe: %w", err)
	}
	if cfg.SchedulerEnabled {
		g.Go(func() error { return sched.Run(gctx) })
	}
	g.Go(func() error { return httpServer.Start(gctx) })
	g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, logger) })

	healthChecker.SetReady(true)
	logger.Info().
		Str("ledger", cfg.LedgerAddr).
		Str("http", cfg.HTTPAddr).
		Bool("scheduler", cfg.SchedulerEnabled).
		Msg("lendmirror ready")

	err = g.Wait()
	healthChecker.SetReady(false)
	subscriber.Stop()
	return err
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

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

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"LendLedger/internal/config"
	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/ledger"
	"LendLedger/internal/observability"
	"LendLedger/internal/oracle"
	"LendLedger/internal/persistence"
	"LendLedger/internal/projection"
	"LendLedger/internal/query"
	"LendLedger/internal/server"
	"LendLedger/internal/state"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// warmKeys is how many recent idempotency keys each snapshot carries.
const warmKeys = 100_000

func main() {
	logger := observability.NewLogger("lendledger")
	logger.Info().Msg("LendLedger starting")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}
	logger.Info().Msg("postgres connected")

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, observability.NewLogger("migrator"))
	if err := migrator.Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	// --- Observability ---
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", db.PingContext)

	// --- Oracle ---
	priceOracle, closeOracle := newOracle(cfg, healthChecker)
	defer closeOracle()

	feeds := oracle.NewFeedRegistry()
	resolver := oracle.NewResolver(feeds, priceOracle,
		oracle.WithMaxAge(cfg.OracleMaxAge),
		oracle.WithMaxConfidence(cfg.OracleMaxConfidenceBps),
		oracle.WithLogger(observability.NewLogger("oracle")),
		oracle.WithFailureHook(func(asset string) {
			metrics.OracleFailures.WithLabelValues(asset).Inc()
		}),
	)

	// --- Core ---
	// The persist channel blocks when full; the projection channel drops.
	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)

	custodian := ledger.NewCustodian(ledger.NewBalanceTracker())
	lendingCore := core.NewLendingCore(custodian, feeds, resolver,
		core.WithIdempotency(cfg.IdempotencyLRUCapacity, persistence.NewPostgresIdempotencyChecker(db)),
		core.WithOutputs(persistChan, projectionChan),
		core.WithMetrics(metrics),
		core.WithLogger(observability.NewLogger("core")),
	)

	// --- Recovery: snapshot + replay ---
	snapshots := persistence.NewSnapshotManager(db)
	recovery := persistence.NewRecovery(snapshots, warmKeys, metrics, observability.NewLogger("recovery"))
	replayed, err := recovery.Restore(ctx, lendingCore)
	if err != nil {
		logger.Fatal().Err(err).Msg("recovery failed")
	}
	logger.Info().Int64("replayed", replayed).Int64("sequence", lendingCore.GetSequence()).Msg("recovery complete")

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, observability.NewLogger("nats"))
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	healthChecker.AddCheck("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("nats disconnected")
		}
		return nil
	})

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure NATS streams")
	}

	publisher := ingestion.NewOutboundPublisher(js, cfg.PublishChanSize, metrics, observability.NewLogger("publisher"))

	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout,
		persistence.WithMetrics(metrics),
		persistence.WithLogger(observability.NewLogger("persistence")),
		persistence.WithFlushHook(publisher.Enqueue),
	)
	projWorker := projection.NewProjectionWorker(db, projectionChan, snapshots, metrics, observability.NewLogger("projection"))

	rawChan := make(chan ingestion.RawEvent, 4096)
	subscriber := ingestion.NewNATSSubscriber(js, rawChan, observability.NewLogger("subscriber"))
	ingester := ingestion.NewIngester(lendingCore, rawChan, cfg.IngestWorkers, metrics, observability.NewLogger("ingest"),
		ingestion.WithMaxClockSkew(time.Duration(cfg.IngestMaxClockSkew)*time.Second),
	)

	queryService := query.NewQueryService(db, lendingCore, query.WithMetrics(metrics))
	srv := server.NewServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.Deps{
		Query:         queryService,
		Ingest:        ingester,
		HealthChecker: healthChecker,
		Logger:        observability.NewLogger("server"),
		TakeSnapshot: func(ctx context.Context) error {
			return recovery.TakeSnapshot(ctx, lendingCore)
		},
		RebuildProjections: projWorker.Rebuild,
		LatestDurable:      snapshots.GetLatestSequence,
	})

	// --- Goroutines ---
	g, gctx := errgroup.WithContext(ctx)

	// Workers draining core outputs start before anything can commit
	g.Go(func() error { return ignoreCancel(persistWorker.Run(gctx)) })
	g.Go(func() error { return ignoreCancel(projWorker.Run(gctx)) })
	g.Go(func() error { return ignoreCancel(publisher.Run(gctx)) })

	if err := seedPools(gctx, lendingCore, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("seed pools")
	}

	if err := subscriber.Subscribe(gctx, ingestion.DefaultSubjects()); err != nil {
		logger.Fatal().Err(err).Msg("nats subscribe")
	}
	g.Go(func() error { return ignoreCancel(ingester.Run(gctx)) })

	g.Go(func() error { return srv.StartGRPC(gctx) })
	g.Go(func() error { return srv.StartHTTP(gctx) })
	g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, registry, logger) })
	g.Go(func() error {
		return recovery.RunPeriodic(gctx, lendingCore, cfg.SnapshotInterval, time.Second)
	})

	healthChecker.SetReady(true)
	srv.SetServing(true)
	logger.Info().
		Int64("sequence", lendingCore.GetSequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("LendLedger ready")

	<-gctx.Done()
	logger.Info().Msg("shutting down")
	healthChecker.SetReady(false)
	subscriber.Stop()

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("goroutine failed")
	}

	// Workers have drained; the snapshot matches the durable log
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := recovery.TakeSnapshot(shutdownCtx, lendingCore); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	}
	logger.Info().Msg("LendLedger shutdown complete")
}

func newOracle(cfg config.Config, hc *observability.HealthChecker) (oracle.Oracle, func()) {
	if cfg.Oracle == config.OracleStatic {
		return oracle.NewStaticOracle(), func() {}
	}
	ro := oracle.NewRedisOracle(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	hc.AddCheck("redis", ro.Ping)
	return ro, func() { _ = ro.Close() }
}

// seedPools creates configured pools and binds their feeds. Seed operation
// ids are stable, so after the first start these are deduplicated.
func seedPools(ctx context.Context, c *core.LendingCore, cfg config.Config, logger zerolog.Logger) error {
	now := time.Now().Unix()
	for _, seed := range cfg.Pools {
		_, err := c.Apply(ctx, &event.InitPool{
			OperationID: seed.InitOperationID(),
			Authority:   cfg.Authority,
			Asset:       seed.Asset,
			Decimals:    seed.Decimals,
			Params:      seed.Params,
			Timestamp:   now,
		})
		if err != nil && !errors.Is(err, state.ErrPoolExists) {
			return fmt.Errorf("init pool %s: %w", seed.Asset, err)
		}

		if _, err := c.Apply(ctx, &event.RegisterFeed{
			OperationID: seed.FeedOperationID(),
			Authority:   cfg.Authority,
			Symbol:      seed.Asset,
			FeedID:      seed.FeedID,
			Timestamp:   now,
		}); err != nil {
			return fmt.Errorf("register feed %s: %w", seed.Asset, err)
		}
		logger.Info().Str("asset", seed.Asset).Str("feed_id", seed.FeedID).Msg("pool seed applied")
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

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

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

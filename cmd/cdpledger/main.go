package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"CDPLedger/internal/config"
	"CDPLedger/internal/core"
	"CDPLedger/internal/ingestion"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/persistence"
	"CDPLedger/internal/projection"
	"CDPLedger/internal/query"
	"CDPLedger/internal/recovery"
	"CDPLedger/internal/server"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("INFO: CDPLedger starting...")

	if os.Getenv("GOGC") == "" {
		log.Println("WARN: GOGC not set, recommend GOGC=400 for production")
	}

	cfg, err := config.Load(os.Getenv("CDP_CONFIG"))
	if err != nil {
		log.Fatalf("FATAL: load config: %v", err)
	}
	defer observability.CloseLogSink()

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- Postgres ---
	db, err := persistence.OpenPostgres(ctx, cfg.Postgres.DSN)
	if err != nil {
		log.Fatalf("FATAL: postgres: %v", err)
	}
	defer db.Close()

	pool, err := persistence.Connect(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
	if err != nil {
		log.Fatalf("FATAL: pgx pool: %v", err)
	}
	defer pool.Close()
	log.Println("INFO: Postgres connected")

	migrator := persistence.NewMigrator(db, cfg.Migrations.Dir, observability.NewLogger("migrator"))
	if err := migrator.Up(ctx); err != nil {
		log.Fatalf("FATAL: run migrations: %v", err)
	}
	log.Println("INFO: migrations applied")

	eventLog := persistence.NewEventLog(pool)
	healthChecker.AddCheck("postgres", eventLog.Ping)

	snapStore, closeSnaps, err := openSnapshotStore(cfg, db)
	if err != nil {
		log.Fatalf("FATAL: snapshot store: %v", err)
	}
	defer closeSnaps()

	// --- Recovery: snapshot + replay ---
	// Replay runs with no outputs attached and without the DB dedup tier.
	coreLogger := observability.NewLogger("core")
	proc, res, err := recovery.New(snapStore, eventLog, metrics, observability.NewLogger("recovery")).
		Restore(ctx, func() (*core.Processor, error) {
			p, err := core.NewProcessor(cfg.Params, 0, nil, nil, nil, metrics, coreLogger)
			if err != nil {
				return nil, err
			}
			p.SetFullCheckInterval(cfg.Pipeline.FullCheckInterval)
			return p, nil
		})
	if err != nil {
		log.Fatalf("FATAL: restore: %v", err)
	}
	log.Printf("INFO: restored (snapshot=%d, replayed=%d, next_seq=%d, took=%s)",
		res.SnapshotSequence, res.Replayed, res.NextSequence, res.Duration)

	// --- Channels ---
	// The persist channel blocks (backpressure); the projection channel drops.
	persistChan := make(chan core.CoreOutput, cfg.Pipeline.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.Pipeline.ProjectionChanSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.Pipeline.PublishChanSize)

	proc.SetOutputs(persistChan, projectionChan)
	proc.SetDBChecker(persistence.NewPostgresIdempotencyChecker(db))

	sequencer := ingestion.NewSequencer(proc, cfg.Pipeline.InboundChanSize, metrics, observability.NewLogger("sequencer"))

	// --- NATS ---
	var (
		nc         *nats.Conn
		js         jetstream.JetStream
		subscriber *ingestion.NATSSubscriber
	)
	if cfg.NATS.Enabled {
		natsLogger := observability.NewLogger("nats")
		nc, js, err = ingestion.ConnectNATS(cfg.NATS.URL, natsLogger)
		if err != nil {
			log.Fatalf("FATAL: nats connect: %v", err)
		}
		defer nc.Close()
		log.Println("INFO: NATS connected")

		if err := ingestion.EnsureStreams(ctx, js, natsLogger); err != nil {
			log.Fatalf("FATAL: ensure NATS streams: %v", err)
		}
		if err := ingestion.EnsureOutboundStream(ctx, js, natsLogger); err != nil {
			log.Fatalf("FATAL: ensure outbound stream: %v", err)
		}
		healthChecker.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		})
	} else {
		log.Println("WARN: NATS disabled, commands arrive over the API only")
	}

	// --- Redis projection ---
	var (
		redisStore *projection.RedisStore
		projWorker *projection.Worker
	)
	if cfg.Redis.URL != "" {
		rdb, err := projection.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			log.Fatalf("FATAL: redis: %v", err)
		}
		defer rdb.Close()
		redisStore = projection.NewRedisStore(rdb, cfg.Redis.Prefix)
		healthChecker.AddCheck("redis", redisStore.Ping)

		projWorker = projection.NewWorker(redisStore, projectionChan, metrics, observability.NewLogger("projection"))
		projWorker.SetResyncer(func(ctx context.Context) (*projection.Update, error) {
			var u *projection.Update
			if err := sequencer.Exec(ctx, func() { u = projection.FullUpdate(proc) }); err != nil {
				return nil, err
			}
			return u, nil
		})
		log.Println("INFO: Redis projection enabled")
	} else {
		proc.SetOutputs(persistChan, nil)
		log.Println("WARN: CDP_REDIS_URL not set, projection disabled")
	}

	// --- Services ---
	snapshotter := recovery.NewSnapshotter(sequencer, proc, snapStore, cfg.Snapshot.Interval, cfg.Snapshot.Keep,
		metrics, observability.NewLogger("snapshot"))

	queryService := query.NewQueryService(sequencer, proc, metrics, observability.NewLogger("query"))
	queryService.SetLiveTimeout(cfg.Server.QueryLiveTimeout)
	queryService.SetEventLog(eventLog)

	var rebuild server.RebuildFunc
	if projWorker != nil {
		queryService.SetProjection(redisStore)
		rebuild = projWorker.Rebuild
	}

	ledgerService := server.NewLedgerService(
		ingestion.NewGRPCIngestService(sequencer),
		queryService,
		snapshotter.Take,
		rebuild,
	)

	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, &server.ServerDeps{
		Service:       ledgerService,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		RatePerSecond: cfg.Server.RatePerSecond,
		RateBurst:     cfg.Server.RateBurst,
		Logger:        observability.NewLogger("server"),
	})

	// --- Start goroutines ---
	errChan := make(chan error, 10)
	run := func(name string, fn func(context.Context) error) {
		go func() {
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- errors.New(name + ": " + err.Error())
			}
		}()
	}

	// 1. Persistence worker; publishes each output once it is durable.
	persistWorker := persistence.NewPersistenceWorker(eventLog, persistChan, cfg.Pipeline.PersistBatchSize,
		cfg.Pipeline.PersistFlushTimeout, metrics, observability.NewLogger("persistence"))
	if js != nil {
		persistWorker.SetOnPersisted(func(out core.CoreOutput) {
			ingestion.Offer(publishChan, ingestion.NewPublishableEvent(out), metrics)
		})
	}
	// It stops after the sequencer so the last outputs are flushed.
	persistCtx, persistCancel := context.WithCancel(context.Background())
	defer persistCancel()
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		if err := persistWorker.Run(persistCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- errors.New("persistence: " + err.Error())
		}
	}()

	// 2. Sequencer: the only goroutine that touches the processor.
	seqDone := make(chan struct{})
	go func() {
		defer close(seqDone)
		sequencer.Run(ctx)
	}()

	// 3. Projection worker, rebuilt from live state before tailing.
	if projWorker != nil {
		if err := projWorker.Rebuild(ctx); err != nil {
			log.Printf("WARN: initial projection rebuild failed: %v", err)
		}
		run("projection", projWorker.Run)
	}

	// 4. NATS ingestion and outbound publisher
	if js != nil {
		rawChan := make(chan ingestion.RawEvent, cfg.Pipeline.InboundChanSize)
		subscriber = ingestion.NewNATSSubscriber(js, rawChan, metrics, observability.NewLogger("nats"))
		if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
			log.Fatalf("FATAL: nats subscribe: %v", err)
		}
		run("ingestion", func(ctx context.Context) error { return sequencer.ConsumeRaw(ctx, rawChan) })

		publisher := ingestion.NewOutboundPublisher(js, publishChan, metrics, observability.NewLogger("publisher"))
		run("publisher", publisher.Run)
	}

	// 5. gRPC server and HTTP gateway
	run("grpc", grpcServer.StartGRPC)
	run("http", grpcServer.StartHTTPGateway)

	// 6. Periodic snapshots
	run("snapshot", snapshotter.Run)

	healthChecker.SetReady(true)
	grpcServer.SetServing(true)

	log.Printf("INFO: CDPLedger ready (next_seq=%d, grpc=%s, http=%s)",
		res.NextSequence, cfg.Server.GRPCAddr, cfg.Server.HTTPAddr)

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		log.Printf("INFO: received signal %s, shutting down...", sig)
	case err := <-errChan:
		log.Printf("ERROR: goroutine failed: %v, shutting down...", err)
	}

	// --- Graceful shutdown ---
	// Stop intake, let the sequencer finish its command, flush persistence,
	// then snapshot the final state.
	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	cancel()

	<-seqDone
	persistCancel()
	<-persistDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	final := recovery.NewSnapshotter(recovery.Direct{}, proc, snapStore, cfg.Snapshot.Interval, cfg.Snapshot.Keep,
		metrics, observability.NewLogger("snapshot"))
	if seq, _, err := final.Take(shutdownCtx); err != nil {
		log.Printf("ERROR: final snapshot failed: %v", err)
	} else {
		log.Printf("INFO: final snapshot saved at sequence %d", seq)
	}

	log.Println("INFO: CDPLedger shutdown complete")
}

// openSnapshotStore returns the configured snapshot backend and its closer.
func openSnapshotStore(cfg *config.Config, db *sql.DB) (persistence.SnapshotStore, func(), error) {
	if cfg.Snapshot.Backend == config.SnapshotBackendSQLite {
		store, err := persistence.OpenSQLiteSnapshotStore(cfg.Snapshot.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		log.Printf("INFO: snapshots in sqlite at %s", cfg.Snapshot.SQLitePath)
		return store, func() { store.Close() }, nil
	}
	return persistence.NewSnapshotManager(db), func() {}, nil
}

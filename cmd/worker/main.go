package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/edvin/backupd/internal/borg"
	"github.com/edvin/backupd/internal/broker"
	"github.com/edvin/backupd/internal/config"
	"github.com/edvin/backupd/internal/db"
	"github.com/edvin/backupd/internal/housekeeping"
	"github.com/edvin/backupd/internal/logging"
	"github.com/edvin/backupd/internal/metrics"
	"github.com/edvin/backupd/internal/model"
	"github.com/edvin/backupd/internal/pipeline"
	"github.com/edvin/backupd/internal/platform"
	"github.com/edvin/backupd/internal/process"
	"github.com/edvin/backupd/internal/queue"
	"github.com/edvin/backupd/internal/remote"
	"github.com/edvin/backupd/internal/snapshot"
	"github.com/edvin/backupd/internal/store"
	"github.com/edvin/backupd/internal/supervisor"
	"github.com/edvin/backupd/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate("worker"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, "backupd-worker", int32(2*cfg.WorkerConcurrency+4))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	rdb, err := broker.Connect(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to broker")
	}
	defer rdb.Close()

	metrics.RegisterPoolMetrics(prometheus.DefaultRegisterer, pool, rdb)

	b := broker.New(rdb, cfg.ProgressTTL, logger)
	q := queue.New(store.NewJobStore(pool), b, cfg.DefaultMaxAttempts, logger)

	executor := process.NewExecutor(logger)
	prober := remote.NewProber(remote.KeyHandshake(cfg.SSHKeyPath, cfg.SSHTimeout), logger)
	ssh := remote.NewClient(executor, cfg.SSHKeyPath, cfg.SSHTimeout, prober, logger).WithDefaultUser(cfg.SSHUser)
	archiver := borg.NewClient(executor, cfg.BorgBinary, cfg.BackupHostUser, cfg.CreateTimeout, logger)

	repositories := store.NewRepositoryStore(pool)
	servers := store.NewServerStore(pool)
	archives := store.NewArchiveStore(pool)

	registry := worker.NewRegistry()
	registry.Register(model.JobTypeBackupCreate, pipeline.New(pipeline.Deps{
		Repositories: repositories,
		Servers:      servers,
		Archives:     archives,
		Reports:      store.NewReportStore(pool),
		Archiver:     archiver,
		Remote:       ssh,
		Strategies:   snapshot.NewDefaultRegistry(ssh, cfg.SnapshotMountRoot, cfg.SnapshotLockTimeout, logger),
		Leases:       b,
		Progress:     q,
	}, pipeline.Config{
		BackupHost:        cfg.BackupHost,
		BackupHostUser:    cfg.BackupHostUser,
		BackupHostPort:    cfg.BackupHostPort,
		BackupHostKeyPath: cfg.BackupHostKeyPath,
		RemoteBinary:      cfg.BorgRemoteBinary,
		CreateTimeout:     cfg.CreateTimeout,
	}, logger))

	hk := &housekeeping.Handlers{
		Repositories: repositories,
		Archives:     archives,
		Servers:      servers,
		Pools:        store.NewStoragePoolStore(pool),
		Archiver:     archiver,
		Remote:       ssh,
		Local:        executor,
		Queue:        q,
		Logger:       logger.With().Str("component", "housekeeping").Logger(),
	}
	hk.Register(registry)

	tree := supervisor.New("worker", supervisor.Config{ShutdownTimeout: cfg.JobTimeout}, logger)
	for i := 0; i < cfg.WorkerConcurrency; i++ {
		tree.Add(worker.New(worker.Options{
			Tag:        platform.WorkerTag(nodeID(cfg), i),
			Queues:     cfg.WorkerQueues,
			PopTimeout: cfg.WorkerPopTimeout,
			JobTimeout: cfg.JobTimeout,
		}, q, registry, logger))
	}
	if cfg.MetricsAddr != "" {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("starting metrics server")
		tree.Add(metrics.NewService(metrics.NewServer(cfg.MetricsAddr, q)))
	}

	logger.Info().
		Int("concurrency", cfg.WorkerConcurrency).
		Strs("queues", cfg.WorkerQueues).
		Strs("job_types", registry.Types()).
		Msg("starting workers")
	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal().Err(err).Msg("worker pool failed")
	}
	logger.Info().Msg("shutting down workers")
}

func nodeID(cfg *config.Config) string {
	if cfg.NodeID != "" {
		return cfg.NodeID
	}
	host, err := os.Hostname()
	if err != nil {
		return "worker"
	}
	return host
}

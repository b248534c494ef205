package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/edvin/backupd/internal/broker"
	"github.com/edvin/backupd/internal/config"
	"github.com/edvin/backupd/internal/db"
	"github.com/edvin/backupd/internal/logging"
	"github.com/edvin/backupd/internal/metrics"
	"github.com/edvin/backupd/internal/queue"
	"github.com/edvin/backupd/internal/scheduler"
	"github.com/edvin/backupd/internal/store"
	"github.com/edvin/backupd/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate("scheduler"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, "backupd-scheduler", 4)
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
	sched := scheduler.New(q,
		store.NewDefinitionStore(pool),
		store.NewServerStore(pool),
		store.NewStoragePoolStore(pool),
		store.NewRepositoryStore(pool),
		logger)

	// A standby takes over once the leader misses three ticks.
	leader := scheduler.NewLeader(b, 3*cfg.SchedulerInterval, logger)

	tree := supervisor.New("scheduler", supervisor.Config{}, logger)
	tree.Add(scheduler.NewLoop("dispatch", cfg.SchedulerInterval, leader, sched.DispatchDue, logger))
	tree.Add(scheduler.NewLoop("housekeeping", cfg.HousekeepingInterval, leader, sched.Housekeep, logger))
	if cfg.MetricsAddr != "" {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("starting metrics server")
		tree.Add(metrics.NewService(metrics.NewServer(cfg.MetricsAddr, nil)))
	}

	logger.Info().Dur("interval", cfg.SchedulerInterval).Msg("starting scheduler")
	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal().Err(err).Msg("scheduler failed")
	}
	logger.Info().Msg("shutting down scheduler")
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/edvin/backupd/internal/broker"
	"github.com/edvin/backupd/internal/config"
	"github.com/edvin/backupd/internal/db"
	"github.com/edvin/backupd/internal/logging"
	"github.com/edvin/backupd/internal/queue"
	"github.com/edvin/backupd/internal/store"
)

var rootCmd = &cobra.Command{
	Use:           "backupctl",
	Short:         "Operate the backupd job queue and borg repositories",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// env holds the connections a command needs. Close releases them.
type env struct {
	cfg    *config.Config
	logger zerolog.Logger
	pool   *pgxpool.Pool
	rdb    *redis.Client
	jobs   *store.JobStore
	queue  *queue.Queue
}

func connect(ctx context.Context, withBroker bool) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate("backupctl"); err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, logger: logging.NewLogger(cfg)}

	if e.pool, err = db.NewPool(ctx, cfg.DatabaseURL, "backupctl", 2); err != nil {
		return nil, err
	}
	e.jobs = store.NewJobStore(e.pool)

	if withBroker {
		if cfg.RedisURL == "" {
			e.Close()
			return nil, fmt.Errorf("REDIS_URL is required for this command")
		}
		if e.rdb, err = broker.Connect(ctx, cfg.RedisURL); err != nil {
			e.Close()
			return nil, err
		}
		e.queue = queue.New(e.jobs, broker.New(e.rdb, cfg.ProgressTTL, e.logger), cfg.DefaultMaxAttempts, e.logger)
	}
	return e, nil
}

func (e *env) Close() {
	if e.rdb != nil {
		e.rdb.Close()
	}
	if e.pool != nil {
		e.pool.Close()
	}
}

func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return enc.Close()
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	DatabaseURL string `validate:"omitempty,url"`
	RedisURL    string `validate:"omitempty,url"`
	LogLevel    string `validate:"omitempty,oneof=trace debug info warn error fatal panic disabled"`
	ServiceName string
	// NodeID identifies this process in logs and is used as the worker tag prefix.
	NodeID      string
	MetricsAddr string

	WorkerConcurrency  int           `validate:"min=1,max=256"`
	WorkerQueues       []string      `validate:"min=1,dive,required"`
	WorkerPopTimeout   time.Duration `validate:"min=1s"`
	JobTimeout         time.Duration `validate:"min=0s"`
	DefaultMaxAttempts int           `validate:"min=1"`

	SchedulerInterval    time.Duration `validate:"min=1s"`
	HousekeepingInterval time.Duration `validate:"min=1s"`

	SSHKeyPath string
	SSHUser    string
	SSHTimeout time.Duration `validate:"min=1s"`

	BackupHost        string
	BackupHostUser    string
	BackupHostPort    int `validate:"min=1,max=65535"`
	BackupHostKeyPath string

	BorgBinary       string
	BorgRemoteBinary string
	CreateTimeout    time.Duration `validate:"min=0s"`

	ProgressTTL         time.Duration `validate:"min=1s"`
	SnapshotMountRoot   string        `validate:"required"`
	SnapshotLockTimeout time.Duration `validate:"min=1s"`
}

var validate = validator.New()

func setDefaults(v *viper.Viper) {
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SERVICE_NAME", "backupd")
	v.SetDefault("METRICS_ADDR", ":9090")
	v.SetDefault("WORKER_CONCURRENCY", 2)
	v.SetDefault("WORKER_QUEUES", "default,low")
	v.SetDefault("WORKER_POP_TIMEOUT", "5s")
	v.SetDefault("JOB_TIMEOUT", "12h")
	v.SetDefault("DEFAULT_MAX_ATTEMPTS", 3)
	v.SetDefault("SCHEDULER_INTERVAL", "60s")
	v.SetDefault("HOUSEKEEPING_INTERVAL", "900s")
	v.SetDefault("SSH_USER", "root")
	v.SetDefault("SSH_TIMEOUT", "30s")
	v.SetDefault("BACKUP_HOST_USER", "borg")
	v.SetDefault("BACKUP_HOST_PORT", 22)
	v.SetDefault("BACKUP_HOST_KEY_PATH", "/root/.ssh/backupd_borg")
	v.SetDefault("BORG_BINARY", "borg")
	v.SetDefault("BORG_REMOTE_BINARY", "borg")
	v.SetDefault("CREATE_TIMEOUT", "10h")
	v.SetDefault("PROGRESS_TTL", "1h")
	v.SetDefault("SNAPSHOT_MOUNT_ROOT", "/mnt/backupd")
	v.SetDefault("SNAPSHOT_LOCK_TIMEOUT", "60s")
}

// Load reads configuration from the environment and, when CONFIG_FILE is set,
// from that YAML file. Environment variables take precedence.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file := v.GetString("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	cfg := &Config{
		DatabaseURL:          v.GetString("DATABASE_URL"),
		RedisURL:             v.GetString("REDIS_URL"),
		LogLevel:             v.GetString("LOG_LEVEL"),
		ServiceName:          v.GetString("SERVICE_NAME"),
		NodeID:               v.GetString("NODE_ID"),
		MetricsAddr:          v.GetString("METRICS_ADDR"),
		WorkerConcurrency:    v.GetInt("WORKER_CONCURRENCY"),
		WorkerQueues:         splitList(v.GetString("WORKER_QUEUES")),
		WorkerPopTimeout:     v.GetDuration("WORKER_POP_TIMEOUT"),
		JobTimeout:           v.GetDuration("JOB_TIMEOUT"),
		DefaultMaxAttempts:   v.GetInt("DEFAULT_MAX_ATTEMPTS"),
		SchedulerInterval:    v.GetDuration("SCHEDULER_INTERVAL"),
		HousekeepingInterval: v.GetDuration("HOUSEKEEPING_INTERVAL"),
		SSHKeyPath:           v.GetString("SSH_KEY_PATH"),
		SSHUser:              v.GetString("SSH_USER"),
		SSHTimeout:           v.GetDuration("SSH_TIMEOUT"),
		BackupHost:           v.GetString("BACKUP_HOST"),
		BackupHostUser:       v.GetString("BACKUP_HOST_USER"),
		BackupHostPort:       v.GetInt("BACKUP_HOST_PORT"),
		BackupHostKeyPath:    v.GetString("BACKUP_HOST_KEY_PATH"),
		BorgBinary:           v.GetString("BORG_BINARY"),
		BorgRemoteBinary:     v.GetString("BORG_REMOTE_BINARY"),
		CreateTimeout:        v.GetDuration("CREATE_TIMEOUT"),
		ProgressTTL:          v.GetDuration("PROGRESS_TTL"),
		SnapshotMountRoot:    v.GetString("SNAPSHOT_MOUNT_ROOT"),
		SnapshotLockTimeout:  v.GetDuration("SNAPSHOT_LOCK_TIMEOUT"),
	}

	return cfg, nil
}

// Validate checks that the settings required by the given component are
// present and that all set values are well formed.
func (c *Config) Validate(component string) error {
	var missing []string
	require := func(key, value string) {
		if err := validate.Var(value, "required"); err != nil {
			missing = append(missing, key)
		}
	}

	switch component {
	case "scheduler":
		require("DATABASE_URL", c.DatabaseURL)
		require("REDIS_URL", c.RedisURL)
	case "worker":
		require("DATABASE_URL", c.DatabaseURL)
		require("REDIS_URL", c.RedisURL)
		require("SSH_KEY_PATH", c.SSHKeyPath)
		require("BACKUP_HOST", c.BackupHost)
	case "backupctl":
		require("DATABASE_URL", c.DatabaseURL)
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required config for %s: %s", component, strings.Join(missing, ", "))
	}

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config for %s: %w", component, err)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

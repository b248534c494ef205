package model

import "time"

// Repository backup types. Exactly one repository exists per (server, type).
const (
	BackupTypeFilesystem    = "backup"
	BackupTypeMySQL         = "mysql"
	BackupTypePostgres      = "postgres"
	BackupTypeMongoDB       = "mongodb"
	BackupTypeElasticsearch = "elasticsearch"
	BackupTypeDocker        = "docker"
)

// IsDatabaseType reports whether the type snapshots a database engine.
func IsDatabaseType(t string) bool {
	switch t {
	case BackupTypeMySQL, BackupTypePostgres, BackupTypeMongoDB, BackupTypeElasticsearch:
		return true
	}
	return false
}

type Repository struct {
	ID          string   `json:"id" db:"id"`
	ServerID    string   `json:"server_id" db:"server_id"`
	Type        string   `json:"type" db:"type"`
	Path        string   `json:"path" db:"path"`
	Passphrase  string   `json:"-" db:"passphrase"`
	Compression string   `json:"compression" db:"compression"`
	Excludes    []string `json:"excludes" db:"excludes"`
	KeepDaily   int      `json:"keep_daily" db:"keep_daily"`
	KeepWeekly  int      `json:"keep_weekly" db:"keep_weekly"`
	KeepMonthly int      `json:"keep_monthly" db:"keep_monthly"`
	KeepYearly  int      `json:"keep_yearly" db:"keep_yearly"`

	OriginalSize     int64      `json:"original_size" db:"original_size"`
	CompressedSize   int64      `json:"compressed_size" db:"compressed_size"`
	DeduplicatedSize int64      `json:"deduplicated_size" db:"deduplicated_size"`
	UniqueChunks     int64      `json:"unique_chunks" db:"unique_chunks"`
	StatsUpdatedAt   *time.Time `json:"stats_updated_at,omitempty" db:"stats_updated_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Retention is a keep-daily/weekly/monthly/yearly policy.
type Retention struct {
	Daily   int `json:"daily" yaml:"daily"`
	Weekly  int `json:"weekly" yaml:"weekly"`
	Monthly int `json:"monthly" yaml:"monthly"`
	Yearly  int `json:"yearly" yaml:"yearly"`
}

// Retention returns the repository's retention policy.
func (r *Repository) Retention() Retention {
	return Retention{Daily: r.KeepDaily, Weekly: r.KeepWeekly, Monthly: r.KeepMonthly, Yearly: r.KeepYearly}
}

// RepositoryStats is the rolling size summary reported by the archival tool.
type RepositoryStats struct {
	OriginalSize     int64
	CompressedSize   int64
	DeduplicatedSize int64
	UniqueChunks     int64
}

type Archive struct {
	ID               string    `json:"id" db:"id"`
	RepositoryID     string    `json:"repository_id" db:"repository_id"`
	ArchiveID        string    `json:"archive_id" db:"archive_id"`
	Name             string    `json:"name" db:"name"`
	StartedAt        time.Time `json:"started_at" db:"started_at"`
	EndedAt          time.Time `json:"ended_at" db:"ended_at"`
	DurationSeconds  float64   `json:"duration_seconds" db:"duration_seconds"`
	NFiles           int64     `json:"nfiles" db:"nfiles"`
	OriginalSize     int64     `json:"original_size" db:"original_size"`
	CompressedSize   int64     `json:"compressed_size" db:"compressed_size"`
	DeduplicatedSize int64     `json:"deduplicated_size" db:"deduplicated_size"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// BackupDefinition is a recurring schedule for one repository.
type BackupDefinition struct {
	ID           string     `json:"id" db:"id"`
	RepositoryID string     `json:"repository_id" db:"repository_id"`
	SourceID     string     `json:"source_id" db:"source_id"`
	Schedule     string     `json:"schedule" db:"schedule"`
	Priority     int        `json:"priority" db:"priority"`
	Enabled      bool       `json:"enabled" db:"enabled"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty" db:"last_run_at"`
	NextRunAt    *time.Time `json:"next_run_at,omitempty" db:"next_run_at"`
}

// Report is the outcome of one backup attempt.
type Report struct {
	ID               string     `json:"id" db:"id"`
	RepositoryID     string     `json:"repository_id" db:"repository_id"`
	JobID            *string    `json:"job_id,omitempty" db:"job_id"`
	StartedAt        time.Time  `json:"started_at" db:"started_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	DurationSeconds  float64    `json:"duration_seconds" db:"duration_seconds"`
	NFiles           int64      `json:"nfiles" db:"nfiles"`
	OriginalSize     int64      `json:"original_size" db:"original_size"`
	CompressedSize   int64      `json:"compressed_size" db:"compressed_size"`
	DeduplicatedSize int64      `json:"deduplicated_size" db:"deduplicated_size"`
	Error            bool       `json:"error" db:"error"`
	Log              string     `json:"log" db:"log"`
	Position         string     `json:"position" db:"position"`
}

package model

import (
	"encoding/json"
	"time"
)

// Job types dispatched by workers.
const (
	JobTypeBackupCreate        = "backup_create"
	JobTypeArchiveDelete       = "archive_delete"
	JobTypeRepositoryInit      = "repository_init"
	JobTypeRepositorySync      = "repository_sync"
	JobTypeServerMetrics       = "server_metrics"
	JobTypeStoragePoolCapacity = "storage_pool_capacity"
	JobTypeQueueReconcile      = "queue_reconcile"
)

// Queue names.
const (
	QueueDefault = "default"
	QueueLow     = "low"
)

// DefaultMaxAttempts is used when a producer does not specify a bound.
const DefaultMaxAttempts = 3

type Job struct {
	ID          string          `json:"id" yaml:"id"`
	Type        string          `json:"type" yaml:"type"`
	Payload     json.RawMessage `json:"payload" yaml:"-"`
	Queue       string          `json:"queue" yaml:"queue"`
	Status      string          `json:"status" yaml:"status"`
	Attempts    int             `json:"attempts" yaml:"attempts"`
	MaxAttempts int             `json:"max_attempts" yaml:"max_attempts"`
	WorkerTag   *string         `json:"worker_tag,omitempty" yaml:"worker_tag,omitempty"`
	Progress    int             `json:"progress" yaml:"progress"`
	Output      *string         `json:"output,omitempty" yaml:"output,omitempty"`
	Error       *string         `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" yaml:"updated_at"`
}

// Finished reports whether the job is in a finished state.
func (j *Job) Finished() bool {
	return IsFinished(j.Status)
}

// CanRetry reports whether another attempt is allowed.
func (j *Job) CanRetry() bool {
	return j.Attempts < j.MaxAttempts
}

// BackupCreatePayload is the payload of a backup_create job.
type BackupCreatePayload struct {
	Type         string  `json:"type"`
	RepositoryID string  `json:"repository_id" validate:"required"`
	SourceID     string  `json:"source_id" validate:"required"`
	BackupJobID  *string `json:"backup_job_id,omitempty"`
	Scheduled    bool    `json:"scheduled"`
}

// RepositoryPayload targets a single repository (init, sync).
type RepositoryPayload struct {
	RepositoryID string `json:"repository_id" validate:"required"`
}

// ArchiveDeletePayload removes one archive from a repository.
type ArchiveDeletePayload struct {
	RepositoryID string `json:"repository_id" validate:"required"`
	ArchiveID    string `json:"archive_id" validate:"required"`
}

// ServerPayload targets a single server.
type ServerPayload struct {
	ServerID string `json:"server_id" validate:"required"`
}

// StoragePoolPayload targets a single storage pool.
type StoragePoolPayload struct {
	StoragePoolID string `json:"storage_pool_id" validate:"required"`
}

// JobProgress is the live progress of a running job as published to the broker.
type JobProgress struct {
	JobID     string    `json:"job_id" yaml:"job_id"`
	Percent   int       `json:"percent" yaml:"percent"`
	Message   string    `json:"message" yaml:"message"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

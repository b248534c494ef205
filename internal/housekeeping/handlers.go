// Package housekeeping implements the maintenance job handlers: repository
// sync, archive delete, repository init, server metrics, storage pool
// capacity and queue reconciliation.
package housekeeping

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/edvin/backupd/internal/borg"
	"github.com/edvin/backupd/internal/model"
	"github.com/edvin/backupd/internal/process"
	"github.com/edvin/backupd/internal/remote"
	"github.com/edvin/backupd/internal/worker"
)

// ReconcileAge is how long a job may sit pending before its id is pushed again.
const ReconcileAge = 10 * time.Minute

type RepositoryStore interface {
	Get(ctx context.Context, id string) (*model.Repository, error)
	UpdateStats(ctx context.Context, id string, stats model.RepositoryStats, at time.Time) error
}

type ArchiveStore interface {
	ListByRepository(ctx context.Context, repositoryID string) ([]model.Archive, error)
	GetByArchiveID(ctx context.Context, archiveID string) (*model.Archive, error)
	Insert(ctx context.Context, a *model.Archive) (bool, error)
	DeleteByArchiveIDs(ctx context.Context, repositoryID string, archiveIDs []string) (int64, error)
}

type ServerStore interface {
	Get(ctx context.Context, id string) (*model.Server, error)
	UpdateMetrics(ctx context.Context, id string, m model.ServerMetrics, at time.Time) error
}

type StoragePoolStore interface {
	Get(ctx context.Context, id string) (*model.StoragePool, error)
	UpdateCapacity(ctx context.Context, id string, capacity, used int64, at time.Time) error
}

type Archiver interface {
	Init(ctx context.Context, repo borg.Location, passphrase string) error
	List(ctx context.Context, repo borg.Location, passphrase string) ([]borg.ListedArchive, error)
	ArchiveInfo(ctx context.Context, repo borg.Location, passphrase, name string) (*borg.ArchiveInfo, error)
	RepositoryStats(ctx context.Context, repo borg.Location, passphrase string) (*model.RepositoryStats, error)
	Delete(ctx context.Context, repo borg.Location, passphrase, name string) error
}

type Remote interface {
	Run(ctx context.Context, host remote.Host, command string) (*process.Result, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, olderThan time.Duration) (int, error)
}

type Handlers struct {
	Repositories RepositoryStore
	Archives     ArchiveStore
	Servers      ServerStore
	Pools        StoragePoolStore
	Archiver     Archiver
	Remote       Remote
	// Local runs commands on the backup host itself.
	Local  process.Runner
	Queue  Reconciler
	Logger zerolog.Logger

	now func() time.Time
}

// Register binds every maintenance job type to its handler.
func (h *Handlers) Register(reg *worker.Registry) {
	reg.Register(model.JobTypeRepositorySync, worker.HandlerFunc(h.RepositorySync))
	reg.Register(model.JobTypeArchiveDelete, worker.HandlerFunc(h.ArchiveDelete))
	reg.Register(model.JobTypeRepositoryInit, worker.HandlerFunc(h.RepositoryInit))
	reg.Register(model.JobTypeServerMetrics, worker.HandlerFunc(h.ServerMetrics))
	reg.Register(model.JobTypeStoragePoolCapacity, worker.HandlerFunc(h.StoragePoolCapacity))
	reg.Register(model.JobTypeQueueReconcile, worker.HandlerFunc(h.QueueReconcile))
}

func (h *Handlers) clock() time.Time {
	if h.now != nil {
		return h.now()
	}
	return time.Now()
}

var validate = validator.New()

// decode unmarshals and validates a payload. Bad payloads are never retried.
func decode(job *model.Job, v any) error {
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return worker.Permanent(fmt.Errorf("decode %s payload: %w", job.Type, err))
	}
	if err := validate.Struct(v); err != nil {
		return worker.Permanent(fmt.Errorf("invalid %s payload: %w", job.Type, err))
	}
	return nil
}

func localRepo(r *model.Repository) borg.Location {
	return borg.Location{Path: r.Path}
}

func (h *Handlers) QueueReconcile(ctx context.Context, _ *model.Job) (string, error) {
	n, err := h.Queue.Reconcile(ctx, ReconcileAge)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("re-pushed %d stale jobs", n), nil
}

// Package scheduler turns due backup definitions and periodic housekeeping
// into queued jobs.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/edvin/backupd/internal/metrics"
	"github.com/edvin/backupd/internal/model"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload any, queue string, maxAttempts int) (string, error)
}

type DefinitionStore interface {
	Due(ctx context.Context, now time.Time) ([]model.BackupDefinition, error)
	MarkDispatched(ctx context.Context, id string, lastRun, nextRun time.Time) error
	Disable(ctx context.Context, id string) error
}

type ServerLister interface {
	ListActive(ctx context.Context) ([]model.Server, error)
}

type StoragePoolLister interface {
	List(ctx context.Context) ([]model.StoragePool, error)
}

type RepositoryLister interface {
	List(ctx context.Context) ([]model.Repository, error)
}

type Scheduler struct {
	queue        Enqueuer
	definitions  DefinitionStore
	servers      ServerLister
	pools        StoragePoolLister
	repositories RepositoryLister
	logger       zerolog.Logger
	now          func() time.Time
}

func New(q Enqueuer, defs DefinitionStore, servers ServerLister, pools StoragePoolLister,
	repos RepositoryLister, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		queue:        q,
		definitions:  defs,
		servers:      servers,
		pools:        pools,
		repositories: repos,
		logger:       logger.With().Str("component", "scheduler").Logger(),
		now:          time.Now,
	}
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NextRun returns the first activation of a cron rule strictly after from.
func NextRun(rule string, from time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(strings.TrimSpace(rule))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse schedule %q: %w", rule, err)
	}
	return sched.Next(from), nil
}

// DispatchDue enqueues a backup_create job for every due definition and
// advances its schedule. Definitions with invalid rules are disabled.
func (s *Scheduler) DispatchDue(ctx context.Context) (int, error) {
	now := s.now().UTC()
	defs, err := s.definitions.Due(ctx, now)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, d := range defs {
		log := s.logger.With().Str("definition_id", d.ID).Str("repository_id", d.RepositoryID).Logger()

		next, err := NextRun(d.Schedule, now)
		if err != nil {
			log.Error().Err(err).Msg("invalid schedule, disabling definition")
			if err := s.definitions.Disable(ctx, d.ID); err != nil {
				log.Error().Err(err).Msg("disable definition")
			}
			continue
		}

		defID := d.ID
		payload := model.BackupCreatePayload{
			Type:         model.JobTypeBackupCreate,
			RepositoryID: d.RepositoryID,
			SourceID:     d.SourceID,
			BackupJobID:  &defID,
			Scheduled:    true,
		}
		jobID, err := s.queue.Enqueue(ctx, model.JobTypeBackupCreate, payload, model.QueueDefault, 0)
		if err != nil && jobID == "" {
			log.Error().Err(err).Msg("enqueue scheduled backup")
			continue
		}
		if err := s.definitions.MarkDispatched(ctx, d.ID, now, next); err != nil {
			log.Error().Err(err).Msg("advance definition schedule")
			continue
		}
		metrics.DefinitionsDispatched.Inc()
		dispatched++
		log.Info().Str("job_id", jobID).Time("next_run_at", next).Msg("scheduled backup dispatched")
	}
	return dispatched, nil
}

type housekeepingJob struct {
	jobType string
	payload any
}

// Housekeep enqueues the periodic maintenance jobs on the low queue.
func (s *Scheduler) Housekeep(ctx context.Context) (int, error) {
	var jobs []housekeepingJob

	servers, err := s.servers.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	for _, srv := range servers {
		jobs = append(jobs, housekeepingJob{model.JobTypeServerMetrics, model.ServerPayload{ServerID: srv.ID}})
	}

	pools, err := s.pools.List(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range pools {
		jobs = append(jobs, housekeepingJob{model.JobTypeStoragePoolCapacity, model.StoragePoolPayload{StoragePoolID: p.ID}})
	}

	jobs = append(jobs, housekeepingJob{model.JobTypeQueueReconcile, struct{}{}})

	repos, err := s.repositories.List(ctx)
	if err != nil {
		return 0, err
	}
	for _, r := range repos {
		jobs = append(jobs, housekeepingJob{model.JobTypeRepositorySync, model.RepositoryPayload{RepositoryID: r.ID}})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, j := range jobs {
		g.Go(func() error {
			id, err := s.queue.Enqueue(gctx, j.jobType, j.payload, model.QueueLow, 1)
			if err != nil && id == "" {
				return fmt.Errorf("enqueue %s: %w", j.jobType, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	s.logger.Debug().Int("jobs", len(jobs)).Msg("housekeeping enqueued")
	return len(jobs), nil
}

// Package queue implements the durable job queue: rows in PostgreSQL are the
// source of truth, Redis lists carry ids to workers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/edvin/backupd/internal/broker"
	"github.com/edvin/backupd/internal/metrics"
	"github.com/edvin/backupd/internal/model"
	"github.com/edvin/backupd/internal/platform"
	"github.com/edvin/backupd/internal/store"
)

const reconcileBatch = 500

// JobStore is the persistence the queue needs. *store.JobStore satisfies it.
type JobStore interface {
	Insert(ctx context.Context, j *model.Job) error
	Get(ctx context.Context, id string) (*model.Job, error)
	Claim(ctx context.Context, id, workerTag string) (bool, error)
	Complete(ctx context.Context, id, output string) (bool, error)
	Fail(ctx context.Context, id, errText string) (bool, error)
	Cancel(ctx context.Context, id string) (bool, error)
	ResetForRetry(ctx context.Context, id string) (bool, error)
	UpdateProgress(ctx context.Context, id string, pct int) error
	StalePending(ctx context.Context, cutoff time.Time, limit int) ([]model.Job, error)
	Touch(ctx context.Context, id string) error
}

// Broker moves job ids and progress. *broker.Broker satisfies it.
type Broker interface {
	Push(ctx context.Context, queue, jobID string) error
	Pop(ctx context.Context, queues []string, timeout time.Duration) (string, string, error)
	SetProgress(ctx context.Context, p model.JobProgress) error
	Progress(ctx context.Context, jobID string) (*model.JobProgress, error)
}

type Queue struct {
	jobs        JobStore
	broker      Broker
	maxAttempts int
	logger      zerolog.Logger

	// newBackOff builds the retry policy for pushes.
	newBackOff func() backoff.BackOff
	now        func() time.Time
}

func New(jobs JobStore, b Broker, maxAttempts int, logger zerolog.Logger) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = model.DefaultMaxAttempts
	}
	return &Queue{
		jobs:        jobs,
		broker:      b,
		maxAttempts: maxAttempts,
		logger:      logger.With().Str("component", "queue").Logger(),
		newBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(200*time.Millisecond),
				backoff.WithMaxInterval(5*time.Second),
			), 5)
		},
		now: time.Now,
	}
}

// Enqueue records a pending job and pushes its id. When every push attempt
// fails the row stays pending and Reconcile picks it up later, so the id is
// still returned alongside the error.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any, queue string, maxAttempts int) (string, error) {
	if queue == "" {
		queue = model.QueueDefault
	}
	if maxAttempts <= 0 {
		maxAttempts = q.maxAttempts
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", jobType, err)
	}

	now := q.now()
	job := &model.Job{
		ID:          platform.NewID(),
		Type:        jobType,
		Payload:     data,
		Queue:       queue,
		Status:      model.StatusPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.jobs.Insert(ctx, job); err != nil {
		return "", err
	}
	metrics.JobsEnqueued.WithLabelValues(jobType, queue).Inc()

	if err := q.push(ctx, queue, job.ID); err != nil {
		q.logger.Warn().Err(err).Str("job_id", job.ID).Msg("push failed, job left for reconciliation")
		return job.ID, err
	}
	q.logger.Debug().Str("job_id", job.ID).Str("type", jobType).Str("queue", queue).Msg("job enqueued")
	return job.ID, nil
}

func (q *Queue) push(ctx context.Context, queue, id string) error {
	return backoff.Retry(func() error {
		return q.broker.Push(ctx, queue, id)
	}, backoff.WithContext(q.newBackOff(), ctx))
}

// Dequeue pops ids until it finds a pending job or the timeout elapses, in
// which case it returns nil. Ids of missing or finished jobs are dropped.
func (q *Queue) Dequeue(ctx context.Context, queues []string, timeout time.Duration) (*model.Job, error) {
	deadline := q.now().Add(timeout)
	for {
		remaining := deadline.Sub(q.now())
		if remaining <= 0 {
			return nil, nil
		}
		_, id, err := q.broker.Pop(ctx, queues, remaining)
		if errors.Is(err, broker.ErrEmpty) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		job, err := q.jobs.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			metrics.StaleJobsDiscarded.Inc()
			q.logger.Warn().Str("job_id", id).Msg("discarding id of missing job")
			continue
		}
		if err != nil {
			return nil, err
		}
		if job.Status != model.StatusPending {
			metrics.StaleJobsDiscarded.Inc()
			q.logger.Debug().Str("job_id", id).Str("status", job.Status).Msg("discarding id of non-pending job")
			continue
		}
		return job, nil
	}
}

// MarkRunning claims a job for a worker. False means the claim was lost.
func (q *Queue) MarkRunning(ctx context.Context, id, workerTag string) (bool, error) {
	return q.jobs.Claim(ctx, id, workerTag)
}

func (q *Queue) MarkCompleted(ctx context.Context, id, output string) (bool, error) {
	return q.jobs.Complete(ctx, id, output)
}

func (q *Queue) MarkFailed(ctx context.Context, id, errText string) (bool, error) {
	return q.jobs.Fail(ctx, id, errText)
}

func (q *Queue) MarkCancelled(ctx context.Context, id string) (bool, error) {
	return q.jobs.Cancel(ctx, id)
}

// Retry returns a failed job to pending and pushes its id once. It reports
// false when the job is not failed or has no attempts left.
func (q *Queue) Retry(ctx context.Context, id string) (bool, error) {
	job, err := q.jobs.Get(ctx, id)
	if err != nil {
		return false, err
	}
	ok, err := q.jobs.ResetForRetry(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	metrics.JobsRetried.WithLabelValues(job.Type).Inc()
	if err := q.push(ctx, job.Queue, id); err != nil {
		q.logger.Warn().Err(err).Str("job_id", id).Msg("retry push failed, job left for reconciliation")
		return true, err
	}
	return true, nil
}

// UpdateProgress publishes progress to the broker and persists the percentage.
func (q *Queue) UpdateProgress(ctx context.Context, id string, pct int, msg string) error {
	pct = min(max(pct, 0), 100)
	p := model.JobProgress{JobID: id, Percent: pct, Message: msg, UpdatedAt: q.now()}
	if err := q.broker.SetProgress(ctx, p); err != nil {
		q.logger.Warn().Err(err).Str("job_id", id).Msg("publish progress")
	}
	return q.jobs.UpdateProgress(ctx, id, pct)
}

// Progress returns the live progress of a job, falling back to the stored
// percentage once the broker copy expired.
func (q *Queue) Progress(ctx context.Context, id string) (*model.JobProgress, error) {
	p, err := q.broker.Progress(ctx, id)
	if err != nil {
		q.logger.Warn().Err(err).Str("job_id", id).Msg("read progress from broker")
	}
	if p != nil {
		return p, nil
	}
	job, err := q.jobs.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &model.JobProgress{JobID: id, Percent: job.Progress, UpdatedAt: job.UpdatedAt}, nil
}

// Reconcile re-pushes ids of jobs that have been pending longer than
// olderThan and returns how many were pushed.
func (q *Queue) Reconcile(ctx context.Context, olderThan time.Duration) (int, error) {
	stale, err := q.jobs.StalePending(ctx, q.now().Add(-olderThan), reconcileBatch)
	if err != nil {
		return 0, err
	}
	pushed := 0
	for _, job := range stale {
		if err := q.broker.Push(ctx, job.Queue, job.ID); err != nil {
			return pushed, err
		}
		if err := q.jobs.Touch(ctx, job.ID); err != nil {
			q.logger.Warn().Err(err).Str("job_id", job.ID).Msg("touch reconciled job")
		}
		pushed++
	}
	if pushed > 0 {
		q.logger.Info().Int("count", pushed).Msg("re-pushed stale pending jobs")
	}
	return pushed, nil
}

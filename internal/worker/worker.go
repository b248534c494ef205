// Package worker pops jobs from the queue and runs the registered handler
// for each one.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/edvin/backupd/internal/metrics"
	"github.com/edvin/backupd/internal/model"
)

// Queue is the part of the job queue a worker drives.
type Queue interface {
	Dequeue(ctx context.Context, queues []string, timeout time.Duration) (*model.Job, error)
	MarkRunning(ctx context.Context, id, workerTag string) (bool, error)
	MarkCompleted(ctx context.Context, id, output string) (bool, error)
	MarkFailed(ctx context.Context, id, errText string) (bool, error)
	Retry(ctx context.Context, id string) (bool, error)
}

type Options struct {
	Tag        string
	Queues     []string
	PopTimeout time.Duration
	JobTimeout time.Duration
}

// Worker is a suture service. Cancelling the Serve context stops further
// pops; a job already claimed runs to completion.
type Worker struct {
	opts     Options
	queue    Queue
	registry *Registry
	logger   zerolog.Logger

	newBackOff func() backoff.BackOff
}

func New(opts Options, q Queue, registry *Registry, logger zerolog.Logger) *Worker {
	return &Worker{
		opts:     opts,
		queue:    q,
		registry: registry,
		logger:   logger.With().Str("component", "worker").Str("worker", opts.Tag).Logger(),
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(500*time.Millisecond),
				backoff.WithMaxInterval(30*time.Second),
				backoff.WithMaxElapsedTime(0),
			)
		},
	}
}

func (w *Worker) String() string {
	return "worker " + w.opts.Tag
}

func (w *Worker) Serve(ctx context.Context) error {
	w.logger.Info().Strs("queues", w.opts.Queues).Msg("worker started")
	bo := w.newBackOff()
	for {
		if ctx.Err() != nil {
			w.logger.Info().Msg("worker stopped")
			return nil
		}
		job, err := w.queue.Dequeue(ctx, w.opts.Queues, w.opts.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			wait := bo.NextBackOff()
			w.logger.Error().Err(err).Dur("retry_in", wait).Msg("dequeue failed")
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()
		if job == nil {
			continue
		}
		w.Process(ctx, job)
	}
}

// Process runs one popped job. Handlers get a context that survives
// shutdown and is bounded by the job timeout.
func (w *Worker) Process(ctx context.Context, job *model.Job) {
	ctx = context.WithoutCancel(ctx)
	log := w.logger.With().Str("job_id", job.ID).Str("job_type", job.Type).Logger()

	if job.Finished() {
		log.Debug().Str("status", job.Status).Msg("skipping finished job")
		return
	}

	handler, err := w.registry.Lookup(job.Type)
	if err != nil {
		log.Error().Err(err).Msg("unknown job type")
		if _, err := w.queue.MarkFailed(ctx, job.ID, err.Error()); err != nil {
			log.Error().Err(err).Msg("mark job failed")
		}
		metrics.JobsFinished.WithLabelValues(job.Type, model.StatusFailed).Inc()
		return
	}

	claimed, err := w.queue.MarkRunning(ctx, job.ID, w.opts.Tag)
	if err != nil {
		log.Error().Err(err).Msg("claim job")
		return
	}
	if !claimed {
		log.Debug().Msg("claim lost")
		return
	}

	log.Info().Int("attempt", job.Attempts+1).Int("max_attempts", job.MaxAttempts).Msg("job started")
	start := time.Now()
	output, err := w.run(ctx, handler, job, log)
	metrics.JobDuration.WithLabelValues(job.Type).Observe(time.Since(start).Seconds())

	if err == nil {
		if _, err := w.queue.MarkCompleted(ctx, job.ID, output); err != nil {
			log.Error().Err(err).Msg("mark job completed")
		}
		metrics.JobsFinished.WithLabelValues(job.Type, model.StatusCompleted).Inc()
		log.Info().Dur("duration", time.Since(start)).Msg("job completed")
		return
	}

	w.fail(ctx, job, err, log)
}

func (w *Worker) fail(ctx context.Context, job *model.Job, jobErr error, log zerolog.Logger) {
	log.Error().Err(jobErr).Msg("job failed")
	metrics.JobsFinished.WithLabelValues(job.Type, model.StatusFailed).Inc()
	if _, err := w.queue.MarkFailed(ctx, job.ID, jobErr.Error()); err != nil {
		log.Error().Err(err).Msg("mark job failed")
		return
	}
	if !IsRetryable(jobErr) {
		return
	}
	retried, err := w.queue.Retry(ctx, job.ID)
	switch {
	case err != nil:
		log.Error().Err(err).Msg("retry job")
	case retried:
		log.Info().Msg("job queued for retry")
	default:
		log.Warn().Msg("no attempts left")
	}
}

// run calls the handler. A panic is recorded on the job and then re-raised
// so the supervisor restarts the worker.
func (w *Worker) run(ctx context.Context, h Handler, job *model.Job, log zerolog.Logger) (output string, err error) {
	if w.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.opts.JobTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			perr := Permanent(fmt.Errorf("handler panic: %v", r))
			log.Error().Str("stack", string(debug.Stack())).Msg("handler panicked")
			w.fail(context.WithoutCancel(ctx), job, perr, log)
			panic(r)
		}
	}()
	output, err = h.Handle(ctx, job)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		err = fmt.Errorf("job exceeded timeout %s: %w", w.opts.JobTimeout, err)
	}
	return output, err
}

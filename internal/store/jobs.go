package store

import (
	"context"
	"fmt"
	"time"

	"github.com/edvin/backupd/internal/model"
)

const jobColumns = `id, type, payload, queue, status, attempts, max_attempts, worker_tag, progress, output, error, created_at, updated_at`

type JobStore struct {
	db DB
}

func NewJobStore(db DB) *JobStore {
	return &JobStore{db: db}
}

func scanJob(row interface{ Scan(...any) error }) (*model.Job, error) {
	var j model.Job
	err := row.Scan(&j.ID, &j.Type, &j.Payload, &j.Queue, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.WorkerTag, &j.Progress, &j.Output, &j.Error, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *JobStore) Insert(ctx context.Context, j *model.Job) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO jobs (id, type, payload, queue, status, attempts, max_attempts, progress, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 0, $6, 0, $7, $7)`,
		j.ID, j.Type, []byte(j.Payload), j.Queue, j.Status, j.MaxAttempts, j.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *JobStore) Get(ctx context.Context, id string) (*model.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, notFound(err))
	}
	return j, nil
}

// Claim moves a pending job to running and counts the attempt. It reports
// false when another worker won the race, the job is no longer pending, or
// no attempts remain.
func (s *JobStore) Claim(ctx context.Context, id, workerTag string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE jobs SET status = 'running', attempts = attempts + 1, worker_tag = $2, progress = 0, error = NULL, updated_at = now()
		 WHERE id = $1 AND status = 'pending' AND attempts < max_attempts`,
		id, workerTag,
	)
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *JobStore) Complete(ctx context.Context, id, output string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE jobs SET status = 'completed', progress = 100, output = $2, updated_at = now()
		 WHERE id = $1 AND status = 'running'`,
		id, output,
	)
	if err != nil {
		return false, fmt.Errorf("complete job %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *JobStore) Fail(ctx context.Context, id, errText string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE jobs SET status = 'failed', error = $2, updated_at = now()
		 WHERE id = $1 AND status IN ('pending', 'running')`,
		id, errText,
	)
	if err != nil {
		return false, fmt.Errorf("fail job %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *JobStore) Cancel(ctx context.Context, id string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE jobs SET status = 'cancelled', updated_at = now()
		 WHERE id = $1 AND status IN ('pending', 'running')`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("cancel job %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ResetForRetry returns a failed job to pending if attempts remain.
func (s *JobStore) ResetForRetry(ctx context.Context, id string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE jobs SET status = 'pending', worker_tag = NULL, updated_at = now()
		 WHERE id = $1 AND status = 'failed' AND attempts < max_attempts`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("reset job %s for retry: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *JobStore) UpdateProgress(ctx context.Context, id string, pct int) error {
	_, err := s.db.Exec(ctx,
		`UPDATE jobs SET progress = $2, updated_at = now() WHERE id = $1 AND status = 'running'`,
		id, pct,
	)
	if err != nil {
		return fmt.Errorf("update job %s progress: %w", id, err)
	}
	return nil
}

// StalePending lists pending jobs last touched before cutoff.
func (s *JobStore) StalePending(ctx context.Context, cutoff time.Time, limit int) ([]model.Job, error) {
	return s.list(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = 'pending' AND updated_at < $1 ORDER BY created_at LIMIT $2`,
		cutoff, limit)
}

// List returns the most recent jobs, optionally filtered by status.
func (s *JobStore) List(ctx context.Context, status string, limit int) ([]model.Job, error) {
	if status == "" {
		return s.list(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT $1`, limit)
	}
	return s.list(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY created_at DESC LIMIT $2`, status, limit)
}

// Touch bumps updated_at so a re-pushed job is not swept again right away.
func (s *JobStore) Touch(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `UPDATE jobs SET updated_at = now() WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("touch job %s: %w", id, err)
	}
	return nil
}

func (s *JobStore) list(ctx context.Context, query string, args ...any) ([]model.Job, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return jobs, nil
}

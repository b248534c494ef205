package store

import (
	"context"
	"fmt"

	"github.com/edvin/backupd/internal/model"
)

type ReportStore struct {
	db DB
}

func NewReportStore(db DB) *ReportStore {
	return &ReportStore{db: db}
}

func (s *ReportStore) Create(ctx context.Context, r *model.Report) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO reports (id, repository_id, job_id, started_at, error, log, position)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.RepositoryID, r.JobID, r.StartedAt, r.Error, r.Log, r.Position,
	)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	return nil
}

func (s *ReportStore) Finalize(ctx context.Context, r *model.Report) error {
	_, err := s.db.Exec(ctx,
		`UPDATE reports SET ended_at = $2, duration_seconds = $3, nfiles = $4, original_size = $5, compressed_size = $6,
		 deduplicated_size = $7, error = $8, log = $9, position = $10 WHERE id = $1`,
		r.ID, r.EndedAt, r.DurationSeconds, r.NFiles, r.OriginalSize, r.CompressedSize,
		r.DeduplicatedSize, r.Error, r.Log, r.Position,
	)
	if err != nil {
		return fmt.Errorf("finalize report %s: %w", r.ID, err)
	}
	return nil
}

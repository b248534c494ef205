package store

import (
	"context"
	"fmt"
	"time"

	"github.com/edvin/backupd/internal/model"
)

type DefinitionStore struct {
	db DB
}

func NewDefinitionStore(db DB) *DefinitionStore {
	return &DefinitionStore{db: db}
}

// Due lists enabled definitions whose next run is at or before now, highest
// priority first. Definitions that were never scheduled are due.
func (s *DefinitionStore) Due(ctx context.Context, now time.Time) ([]model.BackupDefinition, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, repository_id, source_id, schedule, priority, enabled, last_run_at, next_run_at
		 FROM backup_definitions
		 WHERE enabled AND (next_run_at IS NULL OR next_run_at <= $1)
		 ORDER BY priority DESC, next_run_at NULLS FIRST`, now)
	if err != nil {
		return nil, fmt.Errorf("list due definitions: %w", err)
	}
	defer rows.Close()

	var defs []model.BackupDefinition
	for rows.Next() {
		var d model.BackupDefinition
		if err := rows.Scan(&d.ID, &d.RepositoryID, &d.SourceID, &d.Schedule, &d.Priority, &d.Enabled,
			&d.LastRunAt, &d.NextRunAt); err != nil {
			return nil, fmt.Errorf("scan definition row: %w", err)
		}
		defs = append(defs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate definition rows: %w", err)
	}
	return defs, nil
}

func (s *DefinitionStore) MarkDispatched(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE backup_definitions SET last_run_at = $2, next_run_at = $3 WHERE id = $1`, id, lastRun, nextRun)
	if err != nil {
		return fmt.Errorf("mark definition %s dispatched: %w", id, err)
	}
	return nil
}

func (s *DefinitionStore) Disable(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `UPDATE backup_definitions SET enabled = false WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("disable definition %s: %w", id, err)
	}
	return nil
}

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/edvin/backupd/internal/model"
)

const repositoryColumns = `id, server_id, type, path, passphrase, compression, excludes,
	keep_daily, keep_weekly, keep_monthly, keep_yearly,
	original_size, compressed_size, deduplicated_size, unique_chunks, stats_updated_at, created_at, updated_at`

type RepositoryStore struct {
	db DB
}

func NewRepositoryStore(db DB) *RepositoryStore {
	return &RepositoryStore{db: db}
}

func scanRepository(row interface{ Scan(...any) error }) (*model.Repository, error) {
	var r model.Repository
	err := row.Scan(&r.ID, &r.ServerID, &r.Type, &r.Path, &r.Passphrase, &r.Compression, &r.Excludes,
		&r.KeepDaily, &r.KeepWeekly, &r.KeepMonthly, &r.KeepYearly,
		&r.OriginalSize, &r.CompressedSize, &r.DeduplicatedSize, &r.UniqueChunks, &r.StatsUpdatedAt,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *RepositoryStore) Get(ctx context.Context, id string) (*model.Repository, error) {
	r, err := scanRepository(s.db.QueryRow(ctx, `SELECT `+repositoryColumns+` FROM repositories WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get repository %s: %w", id, notFound(err))
	}
	return r, nil
}

func (s *RepositoryStore) GetByServerType(ctx context.Context, serverID, backupType string) (*model.Repository, error) {
	r, err := scanRepository(s.db.QueryRow(ctx,
		`SELECT `+repositoryColumns+` FROM repositories WHERE server_id = $1 AND type = $2`, serverID, backupType))
	if err != nil {
		return nil, fmt.Errorf("get repository for server %s type %s: %w", serverID, backupType, notFound(err))
	}
	return r, nil
}

func (s *RepositoryStore) List(ctx context.Context) ([]model.Repository, error) {
	rows, err := s.db.Query(ctx, `SELECT `+repositoryColumns+` FROM repositories ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer rows.Close()

	var repos []model.Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("scan repository row: %w", err)
		}
		repos = append(repos, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate repository rows: %w", err)
	}
	return repos, nil
}

func (s *RepositoryStore) UpdateStats(ctx context.Context, id string, stats model.RepositoryStats, at time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE repositories SET original_size = $2, compressed_size = $3, deduplicated_size = $4, unique_chunks = $5,
		 stats_updated_at = $6, updated_at = now() WHERE id = $1`,
		id, stats.OriginalSize, stats.CompressedSize, stats.DeduplicatedSize, stats.UniqueChunks, at,
	)
	if err != nil {
		return fmt.Errorf("update repository %s stats: %w", id, err)
	}
	return nil
}

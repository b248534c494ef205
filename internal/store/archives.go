package store

import (
	"context"
	"fmt"

	"github.com/edvin/backupd/internal/model"
)

const archiveColumns = `id, repository_id, archive_id, name, started_at, ended_at, duration_seconds, nfiles,
	original_size, compressed_size, deduplicated_size, created_at`

type ArchiveStore struct {
	db DB
}

func NewArchiveStore(db DB) *ArchiveStore {
	return &ArchiveStore{db: db}
}

func (s *ArchiveStore) Exists(ctx context.Context, archiveID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM archives WHERE archive_id = $1)`, archiveID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check archive %s: %w", archiveID, err)
	}
	return exists, nil
}

// Insert records an archive. It reports false without error when the
// archive id is already recorded.
func (s *ArchiveStore) Insert(ctx context.Context, a *model.Archive) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`INSERT INTO archives (id, repository_id, archive_id, name, started_at, ended_at, duration_seconds, nfiles,
		 original_size, compressed_size, deduplicated_size)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (archive_id) DO NOTHING`,
		a.ID, a.RepositoryID, a.ArchiveID, a.Name, a.StartedAt, a.EndedAt, a.DurationSeconds, a.NFiles,
		a.OriginalSize, a.CompressedSize, a.DeduplicatedSize,
	)
	if err != nil {
		return false, fmt.Errorf("insert archive %s: %w", a.ArchiveID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *ArchiveStore) ListByRepository(ctx context.Context, repositoryID string) ([]model.Archive, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+archiveColumns+` FROM archives WHERE repository_id = $1 ORDER BY started_at DESC`, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("list archives for repository %s: %w", repositoryID, err)
	}
	defer rows.Close()

	var archives []model.Archive
	for rows.Next() {
		var a model.Archive
		if err := rows.Scan(&a.ID, &a.RepositoryID, &a.ArchiveID, &a.Name, &a.StartedAt, &a.EndedAt,
			&a.DurationSeconds, &a.NFiles, &a.OriginalSize, &a.CompressedSize, &a.DeduplicatedSize, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan archive row: %w", err)
		}
		archives = append(archives, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate archive rows: %w", err)
	}
	return archives, nil
}

func (s *ArchiveStore) GetByArchiveID(ctx context.Context, archiveID string) (*model.Archive, error) {
	var a model.Archive
	err := s.db.QueryRow(ctx, `SELECT `+archiveColumns+` FROM archives WHERE archive_id = $1`, archiveID).
		Scan(&a.ID, &a.RepositoryID, &a.ArchiveID, &a.Name, &a.StartedAt, &a.EndedAt,
			&a.DurationSeconds, &a.NFiles, &a.OriginalSize, &a.CompressedSize, &a.DeduplicatedSize, &a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get archive %s: %w", archiveID, notFound(err))
	}
	return &a, nil
}

// DeleteByArchiveIDs removes the rows of archives the tool no longer has.
func (s *ArchiveStore) DeleteByArchiveIDs(ctx context.Context, repositoryID string, archiveIDs []string) (int64, error) {
	if len(archiveIDs) == 0 {
		return 0, nil
	}
	tag, err := s.db.Exec(ctx,
		`DELETE FROM archives WHERE repository_id = $1 AND archive_id = ANY($2)`, repositoryID, archiveIDs)
	if err != nil {
		return 0, fmt.Errorf("delete archives for repository %s: %w", repositoryID, err)
	}
	return tag.RowsAffected(), nil
}

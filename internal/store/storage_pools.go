package store

import (
	"context"
	"fmt"
	"time"

	"github.com/edvin/backupd/internal/model"
)

type StoragePoolStore struct {
	db DB
}

func NewStoragePoolStore(db DB) *StoragePoolStore {
	return &StoragePoolStore{db: db}
}

func (s *StoragePoolStore) Get(ctx context.Context, id string) (*model.StoragePool, error) {
	var p model.StoragePool
	err := s.db.QueryRow(ctx,
		`SELECT id, name, path, capacity_bytes, used_bytes, updated_at FROM storage_pools WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.Path, &p.CapacityBytes, &p.UsedBytes, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get storage pool %s: %w", id, notFound(err))
	}
	return &p, nil
}

func (s *StoragePoolStore) List(ctx context.Context) ([]model.StoragePool, error) {
	rows, err := s.db.Query(ctx, `SELECT id, name, path, capacity_bytes, used_bytes, updated_at FROM storage_pools ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list storage pools: %w", err)
	}
	defer rows.Close()

	var pools []model.StoragePool
	for rows.Next() {
		var p model.StoragePool
		if err := rows.Scan(&p.ID, &p.Name, &p.Path, &p.CapacityBytes, &p.UsedBytes, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan storage pool row: %w", err)
		}
		pools = append(pools, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate storage pool rows: %w", err)
	}
	return pools, nil
}

func (s *StoragePoolStore) UpdateCapacity(ctx context.Context, id string, capacity, used int64, at time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE storage_pools SET capacity_bytes = $2, used_bytes = $3, updated_at = $4 WHERE id = $1`,
		id, capacity, used, at)
	if err != nil {
		return fmt.Errorf("update storage pool %s capacity: %w", id, err)
	}
	return nil
}

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/edvin/backupd/internal/model"
)

const serverColumns = `id, name, hostname, ssh_port, ssh_user, backup_paths, active,
	load1, disk_used_bytes, disk_total_bytes, mem_used_bytes, mem_total_bytes, metrics_at, created_at, updated_at`

type ServerStore struct {
	db DB
}

func NewServerStore(db DB) *ServerStore {
	return &ServerStore{db: db}
}

func scanServer(row interface{ Scan(...any) error }) (*model.Server, error) {
	var s model.Server
	err := row.Scan(&s.ID, &s.Name, &s.Hostname, &s.SSHPort, &s.SSHUser, &s.BackupPaths, &s.Active,
		&s.Load1, &s.DiskUsedBytes, &s.DiskTotalBytes, &s.MemUsedBytes, &s.MemTotalBytes, &s.MetricsAt,
		&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *ServerStore) Get(ctx context.Context, id string) (*model.Server, error) {
	srv, err := scanServer(s.db.QueryRow(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get server %s: %w", id, notFound(err))
	}
	return srv, nil
}

func (s *ServerStore) ListActive(ctx context.Context) ([]model.Server, error) {
	rows, err := s.db.Query(ctx, `SELECT `+serverColumns+` FROM servers WHERE active ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list active servers: %w", err)
	}
	defer rows.Close()

	var servers []model.Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan server row: %w", err)
		}
		servers = append(servers, *srv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate server rows: %w", err)
	}
	return servers, nil
}

func (s *ServerStore) UpdateMetrics(ctx context.Context, id string, m model.ServerMetrics, at time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE servers SET load1 = $2, disk_used_bytes = $3, disk_total_bytes = $4, mem_used_bytes = $5, mem_total_bytes = $6,
		 metrics_at = $7, updated_at = now() WHERE id = $1`,
		id, m.Load1, m.DiskUsedBytes, m.DiskTotalBytes, m.MemUsedBytes, m.MemTotalBytes, at,
	)
	if err != nil {
		return fmt.Errorf("update server %s metrics: %w", id, err)
	}
	return nil
}

// DatabaseInfo returns the engine parameters of a server for one type.
func (s *ServerStore) DatabaseInfo(ctx context.Context, serverID, backupType string) (*model.DatabaseInfo, error) {
	var d model.DatabaseInfo
	err := s.db.QueryRow(ctx,
		`SELECT server_id, type, host, port, "user", password, volume_group, logical_volume, snapshot_size, data_path, snapshot_repo
		 FROM database_infos WHERE server_id = $1 AND type = $2`, serverID, backupType,
	).Scan(&d.ServerID, &d.Type, &d.Host, &d.Port, &d.User, &d.Password, &d.VolumeGroup, &d.LogicalVol,
		&d.SnapshotSize, &d.DataPath, &d.SnapshotRepo)
	if err != nil {
		return nil, fmt.Errorf("get database info for server %s type %s: %w", serverID, backupType, notFound(err))
	}
	return &d, nil
}

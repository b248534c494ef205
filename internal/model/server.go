package model

import "time"

type Server struct {
	ID          string   `json:"id" db:"id"`
	Name        string   `json:"name" db:"name"`
	Hostname    string   `json:"hostname" db:"hostname"`
	SSHPort     int      `json:"ssh_port" db:"ssh_port"`
	SSHUser     string   `json:"ssh_user" db:"ssh_user"`
	BackupPaths []string `json:"backup_paths" db:"backup_paths"`
	Active      bool     `json:"active" db:"active"`

	Load1          *float64   `json:"load1,omitempty" db:"load1"`
	DiskUsedBytes  *int64     `json:"disk_used_bytes,omitempty" db:"disk_used_bytes"`
	DiskTotalBytes *int64     `json:"disk_total_bytes,omitempty" db:"disk_total_bytes"`
	MemUsedBytes   *int64     `json:"mem_used_bytes,omitempty" db:"mem_used_bytes"`
	MemTotalBytes  *int64     `json:"mem_total_bytes,omitempty" db:"mem_total_bytes"`
	MetricsAt      *time.Time `json:"metrics_at,omitempty" db:"metrics_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ServerMetrics is a point-in-time resource sample of a server.
type ServerMetrics struct {
	Load1          float64
	DiskUsedBytes  int64
	DiskTotalBytes int64
	MemUsedBytes   int64
	MemTotalBytes  int64
}

// DatabaseInfo holds per-server, per-engine connection and snapshot parameters.
type DatabaseInfo struct {
	ServerID     string `json:"server_id" db:"server_id"`
	Type         string `json:"type" db:"type"`
	Host         string `json:"host" db:"host"`
	Port         int    `json:"port" db:"port"`
	User         string `json:"user" db:"user"`
	Password     string `json:"-" db:"password"`
	VolumeGroup  string `json:"volume_group" db:"volume_group"`
	LogicalVol   string `json:"logical_volume" db:"logical_volume"`
	SnapshotSize string `json:"snapshot_size" db:"snapshot_size"`
	DataPath     string `json:"data_path" db:"data_path"`
	// SnapshotRepo is the engine-native snapshot repository (elasticsearch).
	SnapshotRepo string `json:"snapshot_repo,omitempty" db:"snapshot_repo"`
}

type StoragePool struct {
	ID            string     `json:"id" db:"id"`
	Name          string     `json:"name" db:"name"`
	Path          string     `json:"path" db:"path"`
	CapacityBytes int64      `json:"capacity_bytes" db:"capacity_bytes"`
	UsedBytes     int64      `json:"used_bytes" db:"used_bytes"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty" db:"updated_at"`
}

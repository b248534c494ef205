package snapshot

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
)

// pg_backup_start replaced pg_start_backup in PostgreSQL 15.
const pgBackupStartVersion = 150000

// PostgresLocker puts the cluster into non-exclusive backup mode. Backup
// mode is tied to the session, so start and stop share one connection.
type PostgresLocker struct {
	Timeout time.Duration
	Label   string
}

func postgresConfig(t Target, timeout time.Duration) (*pgx.ConnConfig, error) {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(t.DB.User, t.DB.Password),
		Host:   engineAddr(t, 5432),
		Path:   "/postgres",
	}
	q := url.Values{}
	q.Set("connect_timeout", strconv.Itoa(int(timeout.Seconds())))
	q.Set("application_name", "backupd")
	u.RawQuery = q.Encode()
	return pgx.ParseConfig(u.String())
}

// backupModeSQL returns the start and stop statements for a server version.
// Stop does not wait for WAL archiving: the archive is never read back.
func backupModeSQL(versionNum int) (start, stop string) {
	if versionNum >= pgBackupStartVersion {
		return "SELECT pg_backup_start($1, true)", "SELECT pg_backup_stop(false)"
	}
	return "SELECT pg_start_backup($1, true, false)", "SELECT pg_stop_backup(false, false)"
}

func (p PostgresLocker) Lock(ctx context.Context, t Target) (func(context.Context) error, error) {
	timeout := p.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	label := p.Label
	if label == "" {
		label = "backupd"
	}

	cfg, err := postgresConfig(t, timeout)
	if err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres %s: %w", engineAddr(t, 5432), err)
	}

	var versionStr string
	if err := conn.QueryRow(ctx, "SHOW server_version_num").Scan(&versionStr); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("read server version: %w", err)
	}
	version, err := strconv.Atoi(versionStr)
	if err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("parse server version %q: %w", versionStr, err)
	}

	start, stop := backupModeSQL(version)
	if _, err := conn.Exec(ctx, start, label); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("start backup mode: %w", err)
	}

	// The backup_label returned by stop is discarded. The LVM snapshot is
	// atomic, so a restored data directory starts with crash recovery from
	// pg_control and never needs the label's checkpoint.
	return func(ctx context.Context) error {
		_, err := conn.Exec(ctx, stop)
		return errors.Join(err, conn.Close(ctx))
	}, nil
}

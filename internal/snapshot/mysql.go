package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQLLocker holds FLUSH TABLES WITH READ LOCK on a dedicated session.
// The lock lives as long as that session, so the connection is pinned.
type MySQLLocker struct {
	Timeout time.Duration
}

func mysqlDSN(t Target, timeout time.Duration) string {
	cfg := mysql.NewConfig()
	cfg.User = t.DB.User
	cfg.Passwd = t.DB.Password
	cfg.Net = "tcp"
	cfg.Addr = engineAddr(t, 3306)
	cfg.Timeout = timeout
	cfg.ReadTimeout = timeout
	cfg.WriteTimeout = timeout
	return cfg.FormatDSN()
}

func (m MySQLLocker) Lock(ctx context.Context, t Target) (func(context.Context) error, error) {
	timeout := m.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	db, err := sql.Open("mysql", mysqlDSN(t, timeout))
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect mysql %s: %w", engineAddr(t, 3306), err)
	}
	if _, err := conn.ExecContext(ctx, "FLUSH TABLES WITH READ LOCK"); err != nil {
		conn.Close()
		db.Close()
		return nil, fmt.Errorf("flush tables with read lock: %w", err)
	}

	return func(ctx context.Context) error {
		_, err := conn.ExecContext(ctx, "UNLOCK TABLES")
		return errors.Join(err, conn.Close(), db.Close())
	}, nil
}

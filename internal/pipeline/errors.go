package pipeline

import (
	"errors"
	"fmt"
)

// ErrBackupInProgress is returned when another attempt holds the lease for
// the same server and repository type. The job is retried.
var ErrBackupInProgress = errors.New("another backup of this server and type is in progress")

// ConfigurationError means the repository, server or engine parameters
// could not be resolved.
type ConfigurationError struct {
	What string
	ID   string
	Err  error
}

func (e *ConfigurationError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("configuration: %s: %v", e.What, e.Err)
	}
	return fmt.Sprintf("configuration: %s %s: %v", e.What, e.ID, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ConnectivityError means the source server did not accept our SSH key.
type ConnectivityError struct {
	Host string
	Err  error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("server %s unreachable: %v", e.Host, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// SnapshotError means a consistent path set could not be prepared.
type SnapshotError struct {
	Type string
	Err  error
}

func (e *SnapshotError) Error() string {
	return fmt.Sprintf("prepare %s snapshot: %v", e.Type, e.Err)
}

func (e *SnapshotError) Unwrap() error { return e.Err }

// PersistenceError means the archive exists but recording it failed. It
// never fails the job; repository sync imports the missing row later.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("bookkeeping %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

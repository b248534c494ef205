package snapshot

import (
	"context"
	"errors"

	"github.com/edvin/backupd/internal/model"
)

// Filesystem archives the server's configured paths as they are.
type Filesystem struct{}

func (Filesystem) Type() string { return model.BackupTypeFilesystem }

func (Filesystem) Prepare(_ context.Context, t Target) (*Result, error) {
	if len(t.Server.BackupPaths) == 0 {
		return nil, errors.New("server has no backup paths configured")
	}
	paths := make([]string, len(t.Server.BackupPaths))
	copy(paths, t.Server.BackupPaths)
	return &Result{Paths: paths}, nil
}

func (Filesystem) Cleanup(context.Context, Target) error { return nil }

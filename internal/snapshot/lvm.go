package snapshot

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/rs/zerolog"

	"github.com/edvin/backupd/internal/process"
	"github.com/edvin/backupd/internal/remote"
)

// Locker quiesces a database engine. The returned unlock releases it and
// must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, t Target) (unlock func(context.Context) error, err error)
}

// LVM implements the consistent-snapshot protocol shared by the database
// strategies: lock the engine, snapshot its logical volume, unlock, then
// mount the snapshot read-only under mountRoot/<type>.
type LVM struct {
	backupType string
	locker     Locker
	remote     Remote
	mountRoot  string
	logger     zerolog.Logger
}

func NewLVM(backupType string, locker Locker, r Remote, mountRoot string, logger zerolog.Logger) *LVM {
	return &LVM{
		backupType: backupType,
		locker:     locker,
		remote:     r,
		mountRoot:  mountRoot,
		logger:     logger.With().Str("component", "snapshot").Str("type", backupType).Logger(),
	}
}

func (l *LVM) Type() string { return l.backupType }

func (l *LVM) mountPoint() string {
	return path.Join(l.mountRoot, l.backupType)
}

// snapshotName is fixed per logical volume so a leftover from a crashed run
// is found and removed by the next one.
func snapshotName(lv string) string {
	return lv + "-backupd-snap"
}

func (l *LVM) devices(t Target) (origin, snap string) {
	vg, lv := t.DB.VolumeGroup, t.DB.LogicalVol
	return vg + "/" + lv, "/dev/" + vg + "/" + snapshotName(lv)
}

func (l *LVM) validate(t Target) error {
	if t.DB == nil {
		return errors.New("no database info for server")
	}
	if t.DB.VolumeGroup == "" || t.DB.LogicalVol == "" {
		return errors.New("volume group and logical volume are required")
	}
	return nil
}

func (l *LVM) Prepare(ctx context.Context, t Target) (*Result, error) {
	if err := l.validate(t); err != nil {
		return nil, err
	}
	host := remote.ServerHost(t.Server)
	origin, snapDev := l.devices(t)
	mount := l.mountPoint()

	if err := l.release(ctx, host, snapDev, mount); err != nil {
		l.logger.Warn().Err(err).Str("server", t.Server.Name).Msg("clearing leftover snapshot failed")
	}

	size := t.DB.SnapshotSize
	if size == "" {
		size = "5G"
	}

	unlock, err := l.locker.Lock(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", l.backupType, err)
	}
	_, snapErr := l.remote.Run(ctx, host, fmt.Sprintf("lvcreate --snapshot --name %s --size %s %s",
		process.Quote(snapshotName(t.DB.LogicalVol)), process.Quote(size), process.Quote(origin)))
	unlockErr := unlock(context.WithoutCancel(ctx))

	if snapErr != nil {
		return nil, errors.Join(fmt.Errorf("create lvm snapshot of %s: %w", origin, snapErr), unlockErr)
	}
	if unlockErr != nil {
		dropErr := l.release(ctx, host, snapDev, mount)
		return nil, errors.Join(fmt.Errorf("unlock %s: %w", l.backupType, unlockErr), dropErr)
	}

	mountCmd := fmt.Sprintf(`mkdir -p %[1]s && opts=ro && if [ "$(blkid -o value -s TYPE %[2]s)" = xfs ]; then opts=ro,nouuid; fi && mount -o "$opts" %[2]s %[1]s`,
		process.Quote(mount), process.Quote(snapDev))
	if _, err := l.remote.Run(ctx, host, mountCmd); err != nil {
		dropErr := l.release(ctx, host, snapDev, mount)
		return nil, errors.Join(fmt.Errorf("mount snapshot %s: %w", snapDev, err), dropErr)
	}

	l.logger.Info().Str("server", t.Server.Name).Str("mount", mount).Msg("snapshot mounted")
	return &Result{
		Paths:         []string{path.Join(mount, strings.TrimPrefix(t.DB.DataPath, "/"))},
		CleanupNeeded: true,
	}, nil
}

func (l *LVM) Cleanup(ctx context.Context, t Target) error {
	if err := l.validate(t); err != nil {
		return err
	}
	_, snapDev := l.devices(t)
	return l.release(ctx, remote.ServerHost(t.Server), snapDev, l.mountPoint())
}

// release unmounts and removes the snapshot. Both steps tolerate the
// resource already being gone.
func (l *LVM) release(ctx context.Context, host remote.Host, snapDev, mount string) error {
	var errs []error
	umount := fmt.Sprintf("if mountpoint -q %[1]s; then umount %[1]s; fi", process.Quote(mount))
	if _, err := l.remote.Run(ctx, host, umount); err != nil {
		errs = append(errs, fmt.Errorf("unmount %s: %w", mount, err))
	}
	remove := fmt.Sprintf("if lvs %[1]s >/dev/null 2>&1; then lvremove -f %[1]s; fi", process.Quote(snapDev))
	if _, err := l.remote.Run(ctx, host, remove); err != nil {
		errs = append(errs, fmt.Errorf("remove snapshot %s: %w", snapDev, err))
	}
	return errors.Join(errs...)
}

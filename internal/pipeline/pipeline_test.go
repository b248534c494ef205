package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/backupd/internal/borg"
	"github.com/edvin/backupd/internal/broker"
	"github.com/edvin/backupd/internal/model"
	"github.com/edvin/backupd/internal/process"
	"github.com/edvin/backupd/internal/snapshot"
	"github.com/edvin/backupd/internal/store"
	"github.com/edvin/backupd/internal/worker"
)

type harness struct {
	p        *Pipeline
	calls    *calls
	repos    *fakeRepos
	servers  *fakeServers
	archives *fakeArchives
	reports  *fakeReports
	archiver *fakeArchiver
	remote   *fakeRemote
	strategy *fakeStrategy
	progress *fakeProgress
	broker   *broker.Broker
}

func newHarness(t *testing.T, backupType string) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	c := &calls{}
	h := &harness{
		calls: c,
		repos: &fakeRepos{
			repos: map[string]*model.Repository{"repo-1": {
				ID: "repo-1", ServerID: "srv-1", Type: backupType, Path: "/srv/borg/srv-1/" + backupType,
				Passphrase: "s3cret", Compression: "zstd,3", KeepDaily: 3,
			}},
			stats: map[string]model.RepositoryStats{},
		},
		servers: &fakeServers{
			servers: map[string]*model.Server{"srv-1": {
				ID: "srv-1", Name: "web1", Hostname: "web1.example.com", SSHPort: 22, SSHUser: "root",
				BackupPaths: []string{"/etc", "/var/www"},
			}},
			dbs: map[string]*model.DatabaseInfo{
				"srv-1/" + model.BackupTypeMySQL: {ServerID: "srv-1", Type: model.BackupTypeMySQL, DataPath: "mysql"},
			},
		},
		archives: &fakeArchives{rows: map[string]*model.Archive{}},
		reports:  &fakeReports{},
		archiver: &fakeArchiver{
			calls: c,
			info: &borg.ArchiveInfo{
				ID: "f1e2d3c4b5a6", Start: borg.Time{Time: time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)},
				End: borg.Time{Time: time.Date(2026, 3, 1, 3, 5, 0, 0, time.UTC)}, Duration: 300,
				Stats: borg.ArchiveStats{NFiles: 1200, OriginalSize: 5000, CompressedSize: 3000, DeduplicatedSize: 400},
			},
			stats: &model.RepositoryStats{OriginalSize: 9000, CompressedSize: 6000, DeduplicatedSize: 2000, UniqueChunks: 77},
		},
		remote:   &fakeRemote{calls: c},
		strategy: &fakeStrategy{calls: c, backupType: backupType, cleanup: model.IsDatabaseType(backupType)},
		progress: &fakeProgress{},
		broker:   broker.New(rdb, time.Hour, zerolog.Nop()),
	}
	h.p = New(Deps{
		Repositories: h.repos,
		Servers:      h.servers,
		Archives:     h.archives,
		Reports:      h.reports,
		Archiver:     h.archiver,
		Remote:       h.remote,
		Strategies:   snapshot.NewRegistry(h.strategy),
		Leases:       h.broker,
		Progress:     h.progress,
	}, Config{
		BackupHost: "backup.example.com", BackupHostUser: "borg", BackupHostPort: 2222,
		BackupHostKeyPath: "/root/.ssh/backupd_borg", RemoteBinary: "borg", CreateTimeout: time.Hour,
	}, zerolog.Nop())
	return h
}

func payload() model.BackupCreatePayload {
	return model.BackupCreatePayload{Type: model.JobTypeBackupCreate, RepositoryID: "repo-1", SourceID: "srv-1"}
}

func TestRun_Success(t *testing.T) {
	h := newHarness(t, model.BackupTypeMySQL)

	out, err := h.p.Run(context.Background(), "job-1", payload())
	require.NoError(t, err)

	seq := h.calls.list()
	require.Len(t, seq, 7)
	assert.Equal(t, "check root@web1.example.com:22", seq[0])
	assert.Equal(t, "prune /srv/borg/srv-1/mysql daily=3", seq[1])
	assert.Equal(t, "prepare", seq[2])
	assert.Equal(t, "create root@web1.example.com:22", seq[3])
	assert.Equal(t, "cleanup", seq[4])
	assert.Equal(t, "info /srv/borg/srv-1/mysql", seq[5])
	assert.Equal(t, "stats /srv/borg/srv-1/mysql", seq[6])

	assert.Equal(t, "f1e2d3c4b5a6", out.Archive.ArchiveID)
	assert.Equal(t, int64(1200), out.Archive.NFiles)
	assert.Contains(t, h.archives.rows, "f1e2d3c4b5a6")
	assert.Equal(t, int64(77), h.repos.stats["repo-1"].UniqueChunks)

	require.Len(t, h.reports.created, 1)
	require.Len(t, h.reports.finalized, 1)
	rep := h.reports.finalized[0]
	assert.False(t, rep.Error)
	assert.Equal(t, stepCompleted, rep.Position)
	assert.Equal(t, int64(400), rep.DeduplicatedSize)
	require.NotNil(t, rep.JobID)
	assert.Equal(t, "job-1", *rep.JobID)

	assert.Equal(t, 100, h.progress.pcts[len(h.progress.pcts)-1])
	assert.False(t, holdsLease(t, h.broker), "lease released")
}

func TestRun_CreateScript(t *testing.T) {
	h := newHarness(t, model.BackupTypeFilesystem)

	_, err := h.p.Run(context.Background(), "job-1", payload())
	require.NoError(t, err)

	script := h.remote.script
	assert.Contains(t, script, "export BORG_PASSPHRASE='s3cret'")
	assert.Contains(t, script, "export BORG_RSH='ssh -o BatchMode=yes")
	assert.Contains(t, script, "-i /root/.ssh/backupd_borg")
	assert.Contains(t, script, "ssh://borg@backup.example.com:2222/srv/borg/srv-1/backup::backup-")
	assert.Contains(t, script, "'/etc' '/var/www'")
	assert.NotContains(t, h.calls.list(), "cleanup", "filesystem needs no cleanup")
}

func TestRun_CleanupOnceWhenCreateFails(t *testing.T) {
	h := newHarness(t, model.BackupTypeMySQL)
	stderr := "Remote: PermissionError: [Errno 13] Permission denied: '/srv/borg/srv-1/mysql/config'"
	h.remote.res = &process.Result{ExitCode: 2, Stderr: []byte(stderr)}
	h.remote.runErr = &process.ExitError{Command: "ssh", ExitCode: 2, Stderr: stderr}

	_, err := h.p.Run(context.Background(), "job-1", payload())
	require.Error(t, err)

	var te *borg.ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, borg.KindPermission, te.Kind)
	assert.Contains(t, err.Error(), "chown -R borg:borg '/srv/borg/srv-1/mysql'")

	cleanups := 0
	for _, c := range h.calls.list() {
		if c == "cleanup" {
			cleanups++
		}
	}
	assert.Equal(t, 1, cleanups)

	rep := h.reports.finalized[0]
	assert.True(t, rep.Error)
	assert.Equal(t, stepCreate, rep.Position)
	assert.Contains(t, rep.Log, "chown -R borg:borg")
	assert.Empty(t, h.archives.rows)
}

func TestRun_WarningExitWithPermissionDeniedFails(t *testing.T) {
	h := newHarness(t, model.BackupTypeFilesystem)
	stderr := "/etc/shadow: [Errno 13] Permission denied: '/etc/shadow'"
	h.remote.res = &process.Result{ExitCode: 1, Stderr: []byte(stderr)}
	h.remote.runErr = &process.ExitError{Command: "ssh", ExitCode: 1, Stderr: stderr}

	_, err := h.p.Run(context.Background(), "job-1", payload())
	require.Error(t, err)

	var te *borg.ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, borg.KindPermission, te.Kind)
	assert.Contains(t, err.Error(), "chown -R borg:borg '/srv/borg/srv-1/backup'")
	assert.Zero(t, h.archives.inserts)
	assert.True(t, h.reports.finalized[0].Error)
}

func TestRun_CleanupErrorIsWarning(t *testing.T) {
	h := newHarness(t, model.BackupTypeMySQL)
	h.strategy.cleanupErr = errors.New("umount: target is busy")

	out, err := h.p.Run(context.Background(), "job-1", payload())
	require.NoError(t, err)
	require.Len(t, out.Warnings, 1)
	assert.Contains(t, out.Warnings[0], "target is busy")
	assert.Contains(t, out.String(), "warning: cleanup: umount: target is busy")
}

func TestRun_PrepareFailure(t *testing.T) {
	h := newHarness(t, model.BackupTypeMySQL)
	h.strategy.prepareErr = errors.New("FLUSH TABLES WITH READ LOCK: access denied")

	_, err := h.p.Run(context.Background(), "job-1", payload())
	var se *SnapshotError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, model.BackupTypeMySQL, se.Type)
	assert.NotContains(t, h.calls.list(), "cleanup")
	assert.True(t, h.reports.finalized[0].Error)
}

func TestRun_ConnectivityFailure(t *testing.T) {
	h := newHarness(t, model.BackupTypeFilesystem)
	h.remote.checkErr = errors.New("dial tcp: i/o timeout")

	_, err := h.p.Run(context.Background(), "job-1", payload())
	var ce *ConnectivityError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"check root@web1.example.com:22"}, h.calls.list())
	assert.True(t, worker.IsRetryable(err))
	assert.Equal(t, stepConnect, h.reports.finalized[0].Position)
}

func TestRun_PruneRemovesLocalRows(t *testing.T) {
	h := newHarness(t, model.BackupTypeFilesystem)
	for _, id := range []string{"a1a1a1a1", "b2b2b2b2", "c3c3c3c3", "d4d4d4d4", "e5e5e5e5"} {
		h.archives.rows[id] = &model.Archive{ArchiveID: id}
	}
	h.archiver.pruned = []borg.PrunedArchive{{Name: "backup-1", ID: "a1a1a1a1"}, {Name: "backup-2", ID: "b2b2b2b2"}}

	out, err := h.p.Run(context.Background(), "job-1", payload())
	require.NoError(t, err)

	assert.Equal(t, []string{"a1a1a1a1", "b2b2b2b2"}, h.archives.deleted)
	assert.NotContains(t, h.archives.rows, "a1a1a1a1")
	assert.NotContains(t, h.archives.rows, "b2b2b2b2")
	assert.Contains(t, h.archives.rows, "c3c3c3c3")
	assert.Equal(t, []string{"backup-1", "backup-2"}, out.Pruned)
}

func TestRun_PruneFailureDoesNotAbort(t *testing.T) {
	h := newHarness(t, model.BackupTypeFilesystem)
	h.archiver.pruneErr = errors.New("borg prune failed with exit code 2")

	out, err := h.p.Run(context.Background(), "job-1", payload())
	require.NoError(t, err)
	assert.Contains(t, h.archives.rows, "f1e2d3c4b5a6")
	require.NotEmpty(t, out.Warnings)
	assert.Contains(t, h.reports.finalized[0].Log, "prune failed")
}

func TestRun_NoRetentionSkipsPrune(t *testing.T) {
	h := newHarness(t, model.BackupTypeFilesystem)
	h.repos.repos["repo-1"].KeepDaily = 0

	_, err := h.p.Run(context.Background(), "job-1", payload())
	require.NoError(t, err)
	for _, c := range h.calls.list() {
		assert.False(t, strings.HasPrefix(c, "prune"))
	}
}

func TestRun_PersistenceFailureStillSucceeds(t *testing.T) {
	h := newHarness(t, model.BackupTypeFilesystem)
	h.archives.insertErr = errors.New("connection reset by peer")

	out, err := h.p.Run(context.Background(), "job-1", payload())
	require.NoError(t, err)
	require.Len(t, out.Warnings, 1)
	assert.Contains(t, out.Warnings[0], "bookkeeping insert archive")
	assert.Empty(t, h.archives.rows)

	rep := h.reports.finalized[0]
	assert.False(t, rep.Error)
	assert.Contains(t, rep.Log, "WARNING: bookkeeping insert archive")
}

func TestRun_ArchiveAlreadyRecorded(t *testing.T) {
	h := newHarness(t, model.BackupTypeFilesystem)
	h.archives.rows["f1e2d3c4b5a6"] = &model.Archive{ArchiveID: "f1e2d3c4b5a6"}

	_, err := h.p.Run(context.Background(), "job-1", payload())
	require.NoError(t, err)
	assert.Zero(t, h.archives.inserts)
}

func TestRun_LeaseHeld(t *testing.T) {
	h := newHarness(t, model.BackupTypeMySQL)
	_, err := h.broker.AcquireLease(context.Background(), LeaseKey("srv-1", model.BackupTypeMySQL), time.Minute)
	require.NoError(t, err)

	_, err = h.p.Run(context.Background(), "job-1", payload())
	require.ErrorIs(t, err, ErrBackupInProgress)
	assert.True(t, worker.IsRetryable(err))
	assert.Empty(t, h.calls.list())
}

func TestRun_ConfigurationErrors(t *testing.T) {
	h := newHarness(t, model.BackupTypeMySQL)

	_, err := h.p.Run(context.Background(), "job-1", model.BackupCreatePayload{RepositoryID: "missing", SourceID: "srv-1"})
	var ce *ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "repository", ce.What)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, h.reports.created)

	_, err = h.p.Run(context.Background(), "job-2", model.BackupCreatePayload{RepositoryID: "repo-1", SourceID: "srv-9"})
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "source", ce.What)

	delete(h.servers.dbs, "srv-1/"+model.BackupTypeMySQL)
	_, err = h.p.Run(context.Background(), "job-3", payload())
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "database info", ce.What)

	require.Len(t, h.reports.finalized, 2)
	assert.True(t, h.reports.finalized[1].Error)
	assert.Empty(t, h.calls.list())
}

func TestHandle(t *testing.T) {
	h := newHarness(t, model.BackupTypeFilesystem)

	data, err := json.Marshal(payload())
	require.NoError(t, err)
	out, err := h.p.Handle(context.Background(), &model.Job{ID: "job-1", Type: model.JobTypeBackupCreate, Payload: data})
	require.NoError(t, err)
	assert.Contains(t, out, "(f1e2d3c4b5a6), 1200 files, 400 bytes deduplicated")

	_, err = h.p.Handle(context.Background(), &model.Job{ID: "job-2", Payload: []byte(`{"source_id":"srv-1"}`)})
	require.Error(t, err)
	assert.False(t, worker.IsRetryable(err))
}

func holdsLease(t *testing.T, b *broker.Broker) bool {
	t.Helper()
	lease, err := b.AcquireLease(context.Background(), LeaseKey("srv-1", model.BackupTypeMySQL), time.Second)
	if errors.Is(err, broker.ErrLeaseHeld) {
		return true
	}
	require.NoError(t, err)
	require.NoError(t, lease.Release(context.Background()))
	return false
}

package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/edvin/backupd/internal/borg"
	"github.com/edvin/backupd/internal/model"
	"github.com/edvin/backupd/internal/process"
	"github.com/edvin/backupd/internal/remote"
	"github.com/edvin/backupd/internal/store"
	"github.com/edvin/backupd/internal/worker"
)

type memRepos struct {
	repos map[string]*model.Repository
	stats map[string]model.RepositoryStats
}

func (m *memRepos) Get(_ context.Context, id string) (*model.Repository, error) {
	r, ok := m.repos[id]
	if !ok {
		return nil, fmt.Errorf("get repository %s: %w", id, store.ErrNotFound)
	}
	return r, nil
}

func (m *memRepos) UpdateStats(_ context.Context, id string, s model.RepositoryStats, _ time.Time) error {
	m.stats[id] = s
	return nil
}

// memArchives enforces archive_id uniqueness like the real table.
type memArchives struct {
	rows map[string]model.Archive
}

func (m *memArchives) ListByRepository(_ context.Context, repoID string) ([]model.Archive, error) {
	var out []model.Archive
	for _, a := range m.rows {
		if a.RepositoryID == repoID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memArchives) GetByArchiveID(_ context.Context, id string) (*model.Archive, error) {
	a, ok := m.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &a, nil
}

func (m *memArchives) Insert(_ context.Context, a *model.Archive) (bool, error) {
	if _, ok := m.rows[a.ArchiveID]; ok {
		return false, nil
	}
	m.rows[a.ArchiveID] = *a
	return true, nil
}

func (m *memArchives) DeleteByArchiveIDs(_ context.Context, _ string, ids []string) (int64, error) {
	var n int64
	for _, id := range ids {
		if _, ok := m.rows[id]; ok {
			delete(m.rows, id)
			n++
		}
	}
	return n, nil
}

type mockArchiver struct {
	mock.Mock
}

func (m *mockArchiver) Init(ctx context.Context, repo borg.Location, pass string) error {
	return m.Called(repo.Path).Error(0)
}

func (m *mockArchiver) List(ctx context.Context, repo borg.Location, pass string) ([]borg.ListedArchive, error) {
	args := m.Called(repo.Path)
	return args.Get(0).([]borg.ListedArchive), args.Error(1)
}

func (m *mockArchiver) ArchiveInfo(ctx context.Context, repo borg.Location, pass, name string) (*borg.ArchiveInfo, error) {
	args := m.Called(repo.Path, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*borg.ArchiveInfo), args.Error(1)
}

func (m *mockArchiver) RepositoryStats(ctx context.Context, repo borg.Location, pass string) (*model.RepositoryStats, error) {
	args := m.Called(repo.Path)
	return args.Get(0).(*model.RepositoryStats), args.Error(1)
}

func (m *mockArchiver) Delete(ctx context.Context, repo borg.Location, pass, name string) error {
	return m.Called(repo.Path, name).Error(0)
}

const repoPath = "/srv/borg/srv-1/backup"

func newHandlers() (*Handlers, *memRepos, *memArchives, *mockArchiver) {
	repos := &memRepos{
		repos: map[string]*model.Repository{"repo-1": {ID: "repo-1", ServerID: "srv-1", Type: model.BackupTypeFilesystem, Path: repoPath}},
		stats: map[string]model.RepositoryStats{},
	}
	archives := &memArchives{rows: map[string]model.Archive{}}
	archiver := &mockArchiver{}
	h := &Handlers{Repositories: repos, Archives: archives, Archiver: archiver, Logger: zerolog.Nop()}
	return h, repos, archives, archiver
}

func job(jobType string, payload any) *model.Job {
	data, _ := json.Marshal(payload)
	return &model.Job{ID: "job-1", Type: jobType, Payload: data}
}

func TestSyncRepository_ImportsMissingArchiveOnce(t *testing.T) {
	h, repos, archives, archiver := newHandlers()
	ctx := context.Background()

	archives.rows["aaaa1111"] = model.Archive{ID: "row-1", RepositoryID: "repo-1", ArchiveID: "aaaa1111", Name: "backup-1"}
	archiver.On("List", repoPath).Return([]borg.ListedArchive{
		{ID: "aaaa1111", Name: "backup-1"},
		{ID: "bbbb2222", Name: "backup-2"},
	}, nil)
	archiver.On("ArchiveInfo", repoPath, "backup-2").Return(&borg.ArchiveInfo{
		ID: "bbbb2222", Name: "backup-2", Stats: borg.ArchiveStats{NFiles: 12},
	}, nil).Once()
	archiver.On("RepositoryStats", repoPath).Return(&model.RepositoryStats{UniqueChunks: 5}, nil)

	res, err := h.SyncRepository(ctx, "repo-1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)
	assert.Zero(t, res.Removed)
	require.Contains(t, archives.rows, "bbbb2222")
	assert.Equal(t, int64(12), archives.rows["bbbb2222"].NFiles)
	assert.Equal(t, int64(5), repos.stats["repo-1"].UniqueChunks)

	res, err = h.SyncRepository(ctx, "repo-1")
	require.NoError(t, err)
	assert.Zero(t, res.Imported)
	assert.Len(t, archives.rows, 2)
	archiver.AssertExpectations(t)
}

func TestSyncRepository_RemovesVanishedRows(t *testing.T) {
	h, _, archives, archiver := newHandlers()

	archives.rows["aaaa1111"] = model.Archive{RepositoryID: "repo-1", ArchiveID: "aaaa1111"}
	archives.rows["cccc3333"] = model.Archive{RepositoryID: "repo-1", ArchiveID: "cccc3333"}
	archiver.On("List", repoPath).Return([]borg.ListedArchive{{ID: "aaaa1111", Name: "backup-1"}}, nil)
	archiver.On("RepositoryStats", repoPath).Return(&model.RepositoryStats{}, nil)

	out, err := h.RepositorySync(context.Background(), job(model.JobTypeRepositorySync, model.RepositoryPayload{RepositoryID: "repo-1"}))
	require.NoError(t, err)
	assert.Equal(t, "imported 0 archives, removed 1 rows", out)
	assert.NotContains(t, archives.rows, "cccc3333")
}

func TestSyncRepository_KeepsRowRecordedDuringListing(t *testing.T) {
	h, _, archives, archiver := newHandlers()

	archives.rows["aaaa1111"] = model.Archive{RepositoryID: "repo-1", ArchiveID: "aaaa1111"}
	archiver.On("List", repoPath).Run(func(mock.Arguments) {
		archives.rows["dddd4444"] = model.Archive{RepositoryID: "repo-1", ArchiveID: "dddd4444", Name: "backup-4"}
	}).Return([]borg.ListedArchive{{ID: "aaaa1111", Name: "backup-1"}}, nil)
	archiver.On("RepositoryStats", repoPath).Return(&model.RepositoryStats{}, nil)

	res, err := h.SyncRepository(context.Background(), "repo-1")
	require.NoError(t, err)
	assert.Zero(t, res.Removed)
	assert.Contains(t, archives.rows, "dddd4444")
}

func TestSyncRepository_ListFailure(t *testing.T) {
	h, _, _, archiver := newHandlers()
	archiver.On("List", repoPath).Return([]borg.ListedArchive(nil), errors.New("borg list failed"))

	_, err := h.SyncRepository(context.Background(), "repo-1")
	require.Error(t, err)
}

func TestArchiveDelete(t *testing.T) {
	h, _, archives, archiver := newHandlers()
	archives.rows["aaaa1111"] = model.Archive{RepositoryID: "repo-1", ArchiveID: "aaaa1111", Name: "backup-1"}
	archiver.On("Delete", repoPath, "backup-1").Return(nil)

	out, err := h.ArchiveDelete(context.Background(), job(model.JobTypeArchiveDelete, model.ArchiveDeletePayload{RepositoryID: "repo-1", ArchiveID: "aaaa1111"}))
	require.NoError(t, err)
	assert.Equal(t, "archive backup-1 deleted", out)
	assert.Empty(t, archives.rows)
}

func TestArchiveDelete_WrongRepository(t *testing.T) {
	h, _, archives, archiver := newHandlers()
	archives.rows["aaaa1111"] = model.Archive{RepositoryID: "repo-2", ArchiveID: "aaaa1111", Name: "backup-1"}

	_, err := h.ArchiveDelete(context.Background(), job(model.JobTypeArchiveDelete, model.ArchiveDeletePayload{RepositoryID: "repo-1", ArchiveID: "aaaa1111"}))
	require.Error(t, err)
	assert.False(t, worker.IsRetryable(err))
	archiver.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestRepositoryInit(t *testing.T) {
	h, _, _, archiver := newHandlers()
	archiver.On("Init", repoPath).Return(nil).Once()

	out, err := h.RepositoryInit(context.Background(), job(model.JobTypeRepositoryInit, model.RepositoryPayload{RepositoryID: "repo-1"}))
	require.NoError(t, err)
	assert.Equal(t, "repository /srv/borg/srv-1/backup initialized", out)

	archiver.On("Init", repoPath).Return(errors.New("borg init failed with exit code 2: A repository already exists at /srv/borg/srv-1/backup."))
	out, err = h.RepositoryInit(context.Background(), job(model.JobTypeRepositoryInit, model.RepositoryPayload{RepositoryID: "repo-1"}))
	require.NoError(t, err)
	assert.Contains(t, out, "already initialized")
}

func TestDecode_InvalidPayloadIsPermanent(t *testing.T) {
	h, _, _, _ := newHandlers()

	_, err := h.RepositoryInit(context.Background(), &model.Job{Type: model.JobTypeRepositoryInit, Payload: []byte(`{}`)})
	require.Error(t, err)
	assert.False(t, worker.IsRetryable(err))

	_, err = h.RepositorySync(context.Background(), &model.Job{Type: model.JobTypeRepositorySync, Payload: []byte(`not json`)})
	require.Error(t, err)
	assert.False(t, worker.IsRetryable(err))
}

type fakeServers struct {
	server  *model.Server
	metrics *model.ServerMetrics
}

func (f *fakeServers) Get(context.Context, string) (*model.Server, error) { return f.server, nil }

func (f *fakeServers) UpdateMetrics(_ context.Context, _ string, m model.ServerMetrics, _ time.Time) error {
	f.metrics = &m
	return nil
}

type fakeRemote struct {
	command string
	stdout  string
}

func (f *fakeRemote) Run(_ context.Context, _ remote.Host, command string) (*process.Result, error) {
	f.command = command
	return &process.Result{Stdout: []byte(f.stdout)}, nil
}

func TestServerMetrics(t *testing.T) {
	servers := &fakeServers{server: &model.Server{ID: "srv-1", Name: "web1", Hostname: "web1.example.com"}}
	r := &fakeRemote{stdout: "0.42\n 107374182400 53687091200\n8589934592 4294967296\n"}
	h := &Handlers{Servers: servers, Remote: r, Logger: zerolog.Nop()}

	out, err := h.ServerMetrics(context.Background(), job(model.JobTypeServerMetrics, model.ServerPayload{ServerID: "srv-1"}))
	require.NoError(t, err)
	assert.Contains(t, out, "load 0.42")
	require.NotNil(t, servers.metrics)
	assert.Equal(t, model.ServerMetrics{
		Load1: 0.42, DiskTotalBytes: 107374182400, DiskUsedBytes: 53687091200,
		MemTotalBytes: 8589934592, MemUsedBytes: 4294967296,
	}, *servers.metrics)
	assert.Contains(t, r.command, "/proc/loadavg")
}

func TestParseServerMetrics_Malformed(t *testing.T) {
	_, err := parseServerMetrics("0.42\n")
	require.Error(t, err)
	_, err = parseServerMetrics("high\n1 2\n3 4")
	require.Error(t, err)
	_, err = parseServerMetrics("0.1\n1\n3 4")
	require.Error(t, err)
}

type fakePools struct {
	capacity, used int64
}

func (f *fakePools) Get(context.Context, string) (*model.StoragePool, error) {
	return &model.StoragePool{ID: "pool-1", Name: "main", Path: "/srv/borg"}, nil
}

func (f *fakePools) UpdateCapacity(_ context.Context, _ string, capacity, used int64, _ time.Time) error {
	f.capacity, f.used = capacity, used
	return nil
}

type fakeRunner struct {
	cmd process.Command
	out string
}

func (f *fakeRunner) Run(_ context.Context, cmd process.Command) (*process.Result, error) {
	f.cmd = cmd
	return &process.Result{Stdout: []byte(f.out)}, nil
}

func TestStoragePoolCapacity(t *testing.T) {
	pools := &fakePools{}
	runner := &fakeRunner{out: "     1B-blocks          Used\n4000000000000 1500000000000\n"}
	h := &Handlers{Pools: pools, Local: runner, Logger: zerolog.Nop()}

	out, err := h.StoragePoolCapacity(context.Background(), job(model.JobTypeStoragePoolCapacity, model.StoragePoolPayload{StoragePoolID: "pool-1"}))
	require.NoError(t, err)
	assert.Equal(t, "pool main: 1500000000000 of 4000000000000 bytes used", out)
	assert.Equal(t, int64(4000000000000), pools.capacity)
	assert.Equal(t, []string{"-B1", "--output=size,used", "/srv/borg"}, runner.cmd.Args)
}

type fakeReconciler struct {
	olderThan time.Duration
}

func (f *fakeReconciler) Reconcile(_ context.Context, olderThan time.Duration) (int, error) {
	f.olderThan = olderThan
	return 4, nil
}

func TestQueueReconcileAndRegister(t *testing.T) {
	rec := &fakeReconciler{}
	h := &Handlers{Queue: rec, Logger: zerolog.Nop()}

	out, err := h.QueueReconcile(context.Background(), job(model.JobTypeQueueReconcile, struct{}{}))
	require.NoError(t, err)
	assert.Equal(t, "re-pushed 4 stale jobs", out)
	assert.Equal(t, ReconcileAge, rec.olderThan)

	reg := worker.NewRegistry()
	h.Register(reg)
	assert.Equal(t, []string{
		model.JobTypeArchiveDelete,
		model.JobTypeQueueReconcile,
		model.JobTypeRepositoryInit,
		model.JobTypeRepositorySync,
		model.JobTypeServerMetrics,
		model.JobTypeStoragePoolCapacity,
	}, reg.Types())
}

package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/edvin/backupd/internal/borg"
	"github.com/edvin/backupd/internal/model"
	"github.com/edvin/backupd/internal/process"
	"github.com/edvin/backupd/internal/remote"
	"github.com/edvin/backupd/internal/snapshot"
	"github.com/edvin/backupd/internal/store"
)

// calls records the order in which collaborators were used.
type calls struct {
	mu  sync.Mutex
	seq []string
}

func (c *calls) add(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq = append(c.seq, fmt.Sprintf(format, args...))
}

func (c *calls) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.seq...)
}

type fakeRepos struct {
	repos    map[string]*model.Repository
	stats    map[string]model.RepositoryStats
	statsErr error
}

func (f *fakeRepos) Get(_ context.Context, id string) (*model.Repository, error) {
	r, ok := f.repos[id]
	if !ok {
		return nil, fmt.Errorf("get repository %s: %w", id, store.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (f *fakeRepos) UpdateStats(_ context.Context, id string, s model.RepositoryStats, _ time.Time) error {
	if f.statsErr != nil {
		return f.statsErr
	}
	f.stats[id] = s
	return nil
}

type fakeServers struct {
	servers map[string]*model.Server
	dbs     map[string]*model.DatabaseInfo
}

func (f *fakeServers) Get(_ context.Context, id string) (*model.Server, error) {
	s, ok := f.servers[id]
	if !ok {
		return nil, fmt.Errorf("get server %s: %w", id, store.ErrNotFound)
	}
	return s, nil
}

func (f *fakeServers) DatabaseInfo(_ context.Context, serverID, backupType string) (*model.DatabaseInfo, error) {
	d, ok := f.dbs[serverID+"/"+backupType]
	if !ok {
		return nil, store.ErrNotFound
	}
	return d, nil
}

type fakeArchives struct {
	rows      map[string]*model.Archive
	deleted   []string
	insertErr error
	inserts   int
}

func (f *fakeArchives) Exists(_ context.Context, archiveID string) (bool, error) {
	_, ok := f.rows[archiveID]
	return ok, nil
}

func (f *fakeArchives) Insert(_ context.Context, a *model.Archive) (bool, error) {
	f.inserts++
	if f.insertErr != nil {
		return false, f.insertErr
	}
	if _, ok := f.rows[a.ArchiveID]; ok {
		return false, nil
	}
	f.rows[a.ArchiveID] = a
	return true, nil
}

func (f *fakeArchives) DeleteByArchiveIDs(_ context.Context, _ string, ids []string) (int64, error) {
	var n int64
	for _, id := range ids {
		if _, ok := f.rows[id]; ok {
			delete(f.rows, id)
			n++
		}
		f.deleted = append(f.deleted, id)
	}
	return n, nil
}

type fakeReports struct {
	created   []*model.Report
	finalized []model.Report
}

func (f *fakeReports) Create(_ context.Context, r *model.Report) error {
	f.created = append(f.created, r)
	return nil
}

func (f *fakeReports) Finalize(_ context.Context, r *model.Report) error {
	f.finalized = append(f.finalized, *r)
	return nil
}

type fakeArchiver struct {
	calls    *calls
	pruned   []borg.PrunedArchive
	pruneErr error
	info     *borg.ArchiveInfo
	infoErr  error
	stats    *model.RepositoryStats
}

func (f *fakeArchiver) Prune(_ context.Context, repo borg.Location, _ string, r model.Retention) ([]borg.PrunedArchive, string, error) {
	f.calls.add("prune %s daily=%d", repo, r.Daily)
	if f.pruneErr != nil {
		return nil, "", f.pruneErr
	}
	return f.pruned, "Pruning archive: ...", nil
}

func (f *fakeArchiver) ArchiveInfo(_ context.Context, repo borg.Location, _ string, name string) (*borg.ArchiveInfo, error) {
	f.calls.add("info %s", repo)
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	info := *f.info
	info.Name = name
	return &info, nil
}

func (f *fakeArchiver) RepositoryStats(_ context.Context, repo borg.Location, _ string) (*model.RepositoryStats, error) {
	f.calls.add("stats %s", repo)
	return f.stats, nil
}

type fakeRemote struct {
	calls    *calls
	checkErr error
	script   string
	res      *process.Result
	runErr   error
}

func (f *fakeRemote) Check(_ context.Context, host remote.Host) error {
	f.calls.add("check %s", host)
	return f.checkErr
}

func (f *fakeRemote) RunScript(_ context.Context, host remote.Host, script string, _ time.Duration) (*process.Result, error) {
	f.calls.add("create %s", host)
	f.script = script
	if f.res == nil {
		return &process.Result{}, f.runErr
	}
	return f.res, f.runErr
}

type fakeStrategy struct {
	calls      *calls
	backupType string
	prepareErr error
	cleanupErr error
	cleanup    bool
}

func (f *fakeStrategy) Type() string { return f.backupType }

func (f *fakeStrategy) Prepare(_ context.Context, t snapshot.Target) (*snapshot.Result, error) {
	f.calls.add("prepare")
	if f.prepareErr != nil {
		return nil, f.prepareErr
	}
	if t.DB != nil {
		return &snapshot.Result{Paths: []string{"/mnt/backupd/" + f.backupType + "/" + t.DB.DataPath}, CleanupNeeded: f.cleanup}, nil
	}
	return &snapshot.Result{Paths: t.Server.BackupPaths, CleanupNeeded: f.cleanup}, nil
}

func (f *fakeStrategy) Cleanup(context.Context, snapshot.Target) error {
	f.calls.add("cleanup")
	return f.cleanupErr
}

type fakeProgress struct {
	mu   sync.Mutex
	pcts []int
}

func (f *fakeProgress) UpdateProgress(_ context.Context, _ string, pct int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pcts = append(f.pcts, pct)
	return nil
}

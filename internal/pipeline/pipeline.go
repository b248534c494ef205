// Package pipeline executes backup_create jobs: connectivity, retention,
// snapshot, archive creation and bookkeeping for one repository.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/edvin/backupd/internal/borg"
	"github.com/edvin/backupd/internal/broker"
	"github.com/edvin/backupd/internal/metrics"
	"github.com/edvin/backupd/internal/model"
	"github.com/edvin/backupd/internal/platform"
	"github.com/edvin/backupd/internal/process"
	"github.com/edvin/backupd/internal/remote"
	"github.com/edvin/backupd/internal/snapshot"
	"github.com/edvin/backupd/internal/worker"
)

// Report positions, in execution order.
const (
	stepResolve   = "resolve"
	stepConnect   = "connect"
	stepPrune     = "prune"
	stepSnapshot  = "snapshot"
	stepCreate    = "create"
	stepCleanup   = "cleanup"
	stepBookkeep  = "bookkeeping"
	stepCompleted = "completed"
)

type RepositoryStore interface {
	Get(ctx context.Context, id string) (*model.Repository, error)
	UpdateStats(ctx context.Context, id string, stats model.RepositoryStats, at time.Time) error
}

type ServerStore interface {
	Get(ctx context.Context, id string) (*model.Server, error)
	DatabaseInfo(ctx context.Context, serverID, backupType string) (*model.DatabaseInfo, error)
}

type ArchiveStore interface {
	Exists(ctx context.Context, archiveID string) (bool, error)
	Insert(ctx context.Context, a *model.Archive) (bool, error)
	DeleteByArchiveIDs(ctx context.Context, repositoryID string, archiveIDs []string) (int64, error)
}

type ReportStore interface {
	Create(ctx context.Context, r *model.Report) error
	Finalize(ctx context.Context, r *model.Report) error
}

// Archiver is the borg client running against repositories local to the
// backup host.
type Archiver interface {
	Prune(ctx context.Context, repo borg.Location, passphrase string, r model.Retention) ([]borg.PrunedArchive, string, error)
	ArchiveInfo(ctx context.Context, repo borg.Location, passphrase, name string) (*borg.ArchiveInfo, error)
	RepositoryStats(ctx context.Context, repo borg.Location, passphrase string) (*model.RepositoryStats, error)
}

type Remote interface {
	Check(ctx context.Context, host remote.Host) error
	RunScript(ctx context.Context, host remote.Host, script string, timeout time.Duration) (*process.Result, error)
}

type Strategies interface {
	Get(backupType string) (snapshot.Strategy, error)
}

type LeaseAcquirer interface {
	AcquireLease(ctx context.Context, key string, ttl time.Duration) (*broker.Lease, error)
}

type ProgressReporter interface {
	UpdateProgress(ctx context.Context, id string, pct int, msg string) error
}

type Deps struct {
	Repositories RepositoryStore
	Servers      ServerStore
	Archives     ArchiveStore
	Reports      ReportStore
	Archiver     Archiver
	Remote       Remote
	Strategies   Strategies
	Leases       LeaseAcquirer
	Progress     ProgressReporter
}

type Config struct {
	BackupHost     string
	BackupHostUser string
	BackupHostPort int
	// BackupHostKeyPath is the identity source servers use to reach the
	// backup host.
	BackupHostKeyPath string
	RemoteBinary      string
	CreateTimeout     time.Duration
	LeaseTTL          time.Duration
}

type Pipeline struct {
	deps   Deps
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

var validate = validator.New()

func New(deps Deps, cfg Config, logger zerolog.Logger) *Pipeline {
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	return &Pipeline{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With().Str("component", "pipeline").Logger(),
		now:    time.Now,
	}
}

// LeaseKey names the lease serializing backups of one server and type.
func LeaseKey(serverID, backupType string) string {
	return fmt.Sprintf("lease:backup:%s:%s", serverID, backupType)
}

// Outcome summarizes a successful run.
type Outcome struct {
	Archive *model.Archive
	Pruned  []string
	// Warnings are non-fatal problems: prune, cleanup and bookkeeping failures.
	Warnings []string
}

func (o *Outcome) String() string {
	s := fmt.Sprintf("archive %s created", o.Archive.Name)
	if o.Archive.ArchiveID != "" {
		s += fmt.Sprintf(" (%s), %d files, %d bytes deduplicated", o.Archive.ArchiveID, o.Archive.NFiles, o.Archive.DeduplicatedSize)
	}
	if len(o.Pruned) > 0 {
		s += fmt.Sprintf("; pruned %d archives", len(o.Pruned))
	}
	for _, w := range o.Warnings {
		s += "\nwarning: " + w
	}
	return s
}

// Handle runs a backup_create job.
func (p *Pipeline) Handle(ctx context.Context, job *model.Job) (string, error) {
	var payload model.BackupCreatePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return "", worker.Permanent(&ConfigurationError{What: "payload", Err: err})
	}
	if err := validate.Struct(payload); err != nil {
		return "", worker.Permanent(&ConfigurationError{What: "payload", Err: err})
	}
	out, err := p.Run(ctx, job.ID, payload)
	if err != nil {
		return "", err
	}
	return out.String(), nil
}

type run struct {
	jobID    string
	repo     *model.Repository
	server   *model.Server
	target   snapshot.Target
	strategy snapshot.Strategy
	report   *reportWriter
	outcome  *Outcome
	logger   zerolog.Logger
}

// Run executes the pipeline. jobID may be empty for runs outside the queue.
func (p *Pipeline) Run(ctx context.Context, jobID string, payload model.BackupCreatePayload) (outcome *Outcome, err error) {
	log := p.logger.With().Str("job_id", jobID).Str("repository_id", payload.RepositoryID).Logger()

	repo, err := p.deps.Repositories.Get(ctx, payload.RepositoryID)
	if err != nil {
		return nil, p.stepFailed(stepResolve, "", &ConfigurationError{What: "repository", ID: payload.RepositoryID, Err: err})
	}

	r := &run{jobID: jobID, repo: repo, outcome: &Outcome{}, logger: log.With().Str("type", repo.Type).Logger()}
	r.report = startReport(ctx, p.deps.Reports, repo.ID, jobID, p.now(), r.logger)
	defer func() {
		r.report.finalize(context.WithoutCancel(ctx), err, p.now())
	}()

	if err := p.resolve(ctx, r, payload); err != nil {
		return nil, p.stepFailed(stepResolve, repo.Type, err)
	}

	lease, err := p.deps.Leases.AcquireLease(ctx, LeaseKey(r.server.ID, repo.Type), p.cfg.LeaseTTL)
	if errors.Is(err, broker.ErrLeaseHeld) {
		return nil, ErrBackupInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("acquire backup lease: %w", err)
	}
	stop := lease.KeepAlive(ctx, p.cfg.LeaseTTL/3, func(err error) {
		r.logger.Error().Err(err).Msg("backup lease renewal failed")
	})
	defer func() {
		stop()
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn().Err(err).Msg("release backup lease")
		}
	}()

	if err := p.execute(ctx, r); err != nil {
		return nil, err
	}
	r.report.step(stepCompleted)
	p.progress(ctx, r, 100, "backup complete")
	return r.outcome, nil
}

func (p *Pipeline) resolve(ctx context.Context, r *run, payload model.BackupCreatePayload) error {
	server, err := p.deps.Servers.Get(ctx, r.repo.ServerID)
	if err != nil {
		return &ConfigurationError{What: "server", ID: r.repo.ServerID, Err: err}
	}
	if payload.SourceID != "" && payload.SourceID != server.ID {
		return &ConfigurationError{What: "source", ID: payload.SourceID,
			Err: fmt.Errorf("repository %s belongs to server %s", r.repo.ID, server.ID)}
	}
	r.server = server
	r.target = snapshot.Target{Server: server}

	if model.IsDatabaseType(r.repo.Type) {
		info, err := p.deps.Servers.DatabaseInfo(ctx, server.ID, r.repo.Type)
		if err != nil {
			return &ConfigurationError{What: "database info", ID: server.ID, Err: err}
		}
		r.target.DB = info
	}

	strategy, err := p.deps.Strategies.Get(r.repo.Type)
	if err != nil {
		return &ConfigurationError{What: "strategy", ID: r.repo.Type, Err: err}
	}
	r.strategy = strategy
	r.report.logf("resolved repository %s on server %s (%s)", r.repo.Path, server.Name, server.Hostname)
	p.progress(ctx, r, 5, "configuration resolved")
	return nil
}

func (p *Pipeline) localRepo(r *run) borg.Location {
	return borg.Location{Path: r.repo.Path}
}

func (p *Pipeline) remoteRepo(r *run) borg.Location {
	return borg.Location{User: p.cfg.BackupHostUser, Host: p.cfg.BackupHost, Port: p.cfg.BackupHostPort, Path: r.repo.Path}
}

// execute runs the connectivity check through bookkeeping while the lease
// is held.
func (p *Pipeline) execute(ctx context.Context, r *run) (err error) {
	host := remote.ServerHost(r.server)

	r.report.step(stepConnect)
	if err := p.deps.Remote.Check(ctx, host); err != nil {
		return p.stepFailed(stepConnect, r.repo.Type, &ConnectivityError{Host: host.String(), Err: err})
	}
	p.progress(ctx, r, 10, "server reachable")

	r.report.step(stepPrune)
	p.prune(ctx, r)
	p.progress(ctx, r, 20, "retention applied")

	r.report.step(stepSnapshot)
	prepared, err := r.strategy.Prepare(ctx, r.target)
	if err != nil {
		return p.stepFailed(stepSnapshot, r.repo.Type, &SnapshotError{Type: r.repo.Type, Err: err})
	}
	release := func() {}
	if prepared.CleanupNeeded {
		released := false
		release = func() {
			if !released {
				released = true
				p.cleanup(ctx, r)
			}
		}
		defer release()
	}
	r.report.logf("snapshot ready: %v", prepared.Paths)
	p.progress(ctx, r, 30, "snapshot ready")

	r.report.step(stepCreate)
	name := borg.ArchiveName(r.repo.Type, p.now())
	created, err := p.create(ctx, r, host, name, prepared.Paths)
	if err != nil {
		return p.stepFailed(stepCreate, r.repo.Type, err)
	}
	r.outcome.Archive = created
	r.report.archive(created)
	metrics.ArchivesCreated.WithLabelValues(r.repo.Type).Inc()
	p.progress(ctx, r, 90, "archive created")

	r.report.step(stepCleanup)
	release()

	r.report.step(stepBookkeep)
	if err := p.bookkeep(ctx, r, name); err != nil {
		metrics.PipelineStepFailures.WithLabelValues(stepBookkeep, r.repo.Type).Inc()
		r.logger.Error().Err(err).Str("archive", name).Msg("archive created but not recorded")
		r.report.warn("%v", err)
		r.outcome.Warnings = append(r.outcome.Warnings, err.Error())
	}
	return nil
}

// prune applies retention and drops rows of removed archives. Failures are
// recorded and never abort the backup.
func (p *Pipeline) prune(ctx context.Context, r *run) {
	retention := r.repo.Retention()
	if retention == (model.Retention{}) {
		r.report.logf("no retention policy, prune skipped")
		return
	}
	pruned, output, err := p.deps.Archiver.Prune(ctx, p.localRepo(r), r.repo.Passphrase, retention)
	if err != nil {
		metrics.PipelineStepFailures.WithLabelValues(stepPrune, r.repo.Type).Inc()
		r.logger.Warn().Err(err).Msg("prune failed")
		r.report.warn("prune failed: %v", err)
		r.outcome.Warnings = append(r.outcome.Warnings, "prune: "+err.Error())
		return
	}
	if len(pruned) == 0 {
		r.report.logf("prune removed nothing")
		return
	}
	ids := make([]string, len(pruned))
	for i, a := range pruned {
		ids[i] = a.ID
		r.outcome.Pruned = append(r.outcome.Pruned, a.Name)
	}
	metrics.ArchivesPruned.WithLabelValues(r.repo.Type).Add(float64(len(pruned)))
	r.report.logf("pruned %d archives\n%s", len(pruned), output)

	n, err := p.deps.Archives.DeleteByArchiveIDs(ctx, r.repo.ID, ids)
	if err != nil {
		r.logger.Warn().Err(err).Msg("delete pruned archive rows")
		r.report.warn("delete pruned archive rows: %v", err)
		return
	}
	r.logger.Info().Int("pruned", len(pruned)).Int64("rows_deleted", n).Msg("retention applied")
}

func (p *Pipeline) create(ctx context.Context, r *run, host remote.Host, name string, paths []string) (*model.Archive, error) {
	script := borg.RemoteCreate{
		Binary:     p.cfg.RemoteBinary,
		Passphrase: r.repo.Passphrase,
		RSH:        remote.RSHCommand(p.cfg.BackupHostKeyPath),
		Options: borg.CreateOptions{
			Repo:        p.remoteRepo(r),
			Name:        name,
			Compression: r.repo.Compression,
			Excludes:    r.repo.Excludes,
			Paths:       paths,
		},
	}.Script()

	p.progress(ctx, r, 35, "creating archive "+name)
	r.logger.Info().Str("archive", name).Strs("paths", paths).Msg("creating archive")
	res, err := p.deps.Remote.RunScript(ctx, host, script, p.cfg.CreateTimeout)
	if err := borg.Classify("create", borg.Location{Path: r.repo.Path}, p.cfg.BackupHostUser, res, err); err != nil {
		return nil, err
	}
	if res != nil && res.ExitCode != 0 {
		r.report.warn("borg create finished with warnings:\n%s", string(res.Stderr))
	}

	archive := &model.Archive{ID: platform.NewID(), RepositoryID: r.repo.ID, Name: name}
	if res != nil {
		if info, err := borg.ParseArchive(res.Stdout); err == nil {
			archive = info.ToModel(archive.ID, r.repo.ID)
		} else {
			r.logger.Debug().Err(err).Msg("create output not parseable, relying on info")
		}
	}
	r.report.logf("archive %s created", name)
	return archive, nil
}

// cleanup releases snapshot state and only ever warns.
func (p *Pipeline) cleanup(ctx context.Context, r *run) {
	ctx = context.WithoutCancel(ctx)
	if err := r.strategy.Cleanup(ctx, r.target); err != nil {
		metrics.PipelineStepFailures.WithLabelValues(stepCleanup, r.repo.Type).Inc()
		r.logger.Warn().Err(err).Msg("snapshot cleanup failed")
		r.report.warn("snapshot cleanup failed: %v", err)
		r.outcome.Warnings = append(r.outcome.Warnings, "cleanup: "+err.Error())
		return
	}
	r.report.logf("snapshot cleaned up")
}

// bookkeep records the archive and refreshes repository stats.
func (p *Pipeline) bookkeep(ctx context.Context, r *run, name string) error {
	local := p.localRepo(r)
	info, err := p.deps.Archiver.ArchiveInfo(ctx, local, r.repo.Passphrase, name)
	if err != nil {
		return &PersistenceError{Op: "archive info", Err: err}
	}
	archive := info.ToModel(r.outcome.Archive.ID, r.repo.ID)
	r.outcome.Archive = archive
	r.report.archive(archive)

	exists, err := p.deps.Archives.Exists(ctx, archive.ArchiveID)
	if err != nil {
		return &PersistenceError{Op: "check archive", Err: err}
	}
	if exists {
		r.report.logf("archive %s already recorded", archive.ArchiveID)
	} else if _, err := p.deps.Archives.Insert(ctx, archive); err != nil {
		return &PersistenceError{Op: "insert archive", Err: err}
	}

	stats, err := p.deps.Archiver.RepositoryStats(ctx, local, r.repo.Passphrase)
	if err != nil {
		return &PersistenceError{Op: "repository info", Err: err}
	}
	if err := p.deps.Repositories.UpdateStats(ctx, r.repo.ID, *stats, p.now()); err != nil {
		return &PersistenceError{Op: "update repository stats", Err: err}
	}
	return nil
}

func (p *Pipeline) progress(ctx context.Context, r *run, pct int, msg string) {
	if r.jobID == "" || p.deps.Progress == nil {
		return
	}
	if err := p.deps.Progress.UpdateProgress(ctx, r.jobID, pct, msg); err != nil {
		r.logger.Debug().Err(err).Msg("update progress")
	}
}

func (p *Pipeline) stepFailed(step, backupType string, err error) error {
	metrics.PipelineStepFailures.WithLabelValues(step, backupType).Inc()
	return err
}

package housekeeping

import (
	"context"
	"fmt"
	"strings"

	"github.com/edvin/backupd/internal/model"
	"github.com/edvin/backupd/internal/platform"
	"github.com/edvin/backupd/internal/worker"
)

// SyncResult counts what a repository sync changed.
type SyncResult struct {
	Imported int
	Removed  int64
	Failed   []string
}

// SyncRepository makes the archive rows of a repository match what borg
// lists: missing archives are imported, rows of vanished archives removed.
func (h *Handlers) SyncRepository(ctx context.Context, repositoryID string) (*SyncResult, error) {
	repo, err := h.Repositories.Get(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	// Rows before listing: a row recorded while borg lists must not count as vanished.
	rows, err := h.Archives.ListByRepository(ctx, repo.ID)
	if err != nil {
		return nil, err
	}
	listed, err := h.Archiver.List(ctx, localRepo(repo), repo.Passphrase)
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool, len(rows))
	for _, a := range rows {
		known[a.ArchiveID] = true
	}
	present := make(map[string]bool, len(listed))
	res := &SyncResult{}
	for _, la := range listed {
		present[la.ID] = true
		if known[la.ID] {
			continue
		}
		info, err := h.Archiver.ArchiveInfo(ctx, localRepo(repo), repo.Passphrase, la.Name)
		if err != nil {
			h.Logger.Warn().Err(err).Str("archive", la.Name).Msg("archive info during sync")
			res.Failed = append(res.Failed, la.Name)
			continue
		}
		inserted, err := h.Archives.Insert(ctx, info.ToModel(platform.NewID(), repo.ID))
		if err != nil {
			return res, err
		}
		if inserted {
			res.Imported++
		}
	}

	var vanished []string
	for _, a := range rows {
		if !present[a.ArchiveID] {
			vanished = append(vanished, a.ArchiveID)
		}
	}
	if res.Removed, err = h.Archives.DeleteByArchiveIDs(ctx, repo.ID, vanished); err != nil {
		return res, err
	}

	if stats, err := h.Archiver.RepositoryStats(ctx, localRepo(repo), repo.Passphrase); err != nil {
		h.Logger.Warn().Err(err).Str("repository_id", repo.ID).Msg("repository stats during sync")
	} else if err := h.Repositories.UpdateStats(ctx, repo.ID, *stats, h.clock()); err != nil {
		return res, err
	}

	if res.Imported > 0 || res.Removed > 0 {
		h.Logger.Info().Str("repository_id", repo.ID).Int("imported", res.Imported).Int64("removed", res.Removed).Msg("repository synced")
	}
	return res, nil
}

func (h *Handlers) RepositorySync(ctx context.Context, job *model.Job) (string, error) {
	var p model.RepositoryPayload
	if err := decode(job, &p); err != nil {
		return "", err
	}
	res, err := h.SyncRepository(ctx, p.RepositoryID)
	if err != nil {
		return "", err
	}
	out := fmt.Sprintf("imported %d archives, removed %d rows", res.Imported, res.Removed)
	if len(res.Failed) > 0 {
		out += "; could not inspect " + strings.Join(res.Failed, ", ")
	}
	return out, nil
}

func (h *Handlers) ArchiveDelete(ctx context.Context, job *model.Job) (string, error) {
	var p model.ArchiveDeletePayload
	if err := decode(job, &p); err != nil {
		return "", err
	}
	repo, err := h.Repositories.Get(ctx, p.RepositoryID)
	if err != nil {
		return "", err
	}
	archive, err := h.Archives.GetByArchiveID(ctx, p.ArchiveID)
	if err != nil {
		return "", err
	}
	if archive.RepositoryID != repo.ID {
		return "", worker.Permanent(fmt.Errorf("archive %s does not belong to repository %s", p.ArchiveID, repo.ID))
	}
	if err := h.Archiver.Delete(ctx, localRepo(repo), repo.Passphrase, archive.Name); err != nil {
		return "", err
	}
	if _, err := h.Archives.DeleteByArchiveIDs(ctx, repo.ID, []string{archive.ArchiveID}); err != nil {
		return "", err
	}
	return fmt.Sprintf("archive %s deleted", archive.Name), nil
}

func (h *Handlers) RepositoryInit(ctx context.Context, job *model.Job) (string, error) {
	var p model.RepositoryPayload
	if err := decode(job, &p); err != nil {
		return "", err
	}
	repo, err := h.Repositories.Get(ctx, p.RepositoryID)
	if err != nil {
		return "", err
	}
	if err := h.Archiver.Init(ctx, localRepo(repo), repo.Passphrase); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return fmt.Sprintf("repository %s already initialized", repo.Path), nil
		}
		return "", err
	}
	return fmt.Sprintf("repository %s initialized", repo.Path), nil
}

package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/backupd/internal/model"
	"github.com/edvin/backupd/internal/platform"
)

// reportWriter accumulates the log of one attempt and persists it at the
// start and on every exit path.
type reportWriter struct {
	store  ReportStore
	report *model.Report
	log    strings.Builder
	logger zerolog.Logger
	// created is false when the initial insert failed; Finalize is skipped.
	created bool
}

func startReport(ctx context.Context, s ReportStore, repositoryID, jobID string, now time.Time, logger zerolog.Logger) *reportWriter {
	r := &model.Report{
		ID:           platform.NewID(),
		RepositoryID: repositoryID,
		StartedAt:    now,
		Position:     stepResolve,
	}
	if jobID != "" {
		r.JobID = &jobID
	}
	w := &reportWriter{store: s, report: r, logger: logger}
	if err := s.Create(ctx, r); err != nil {
		logger.Warn().Err(err).Msg("create backup report")
		return w
	}
	w.created = true
	return w
}

func (w *reportWriter) step(name string) {
	w.report.Position = name
	w.logf("step %s", name)
}

func (w *reportWriter) logf(format string, args ...any) {
	fmt.Fprintf(&w.log, "%s "+format+"\n", append([]any{time.Now().UTC().Format(time.RFC3339)}, args...)...)
}

func (w *reportWriter) warn(format string, args ...any) {
	w.logf("WARNING: "+format, args...)
}

func (w *reportWriter) archive(a *model.Archive) {
	w.report.NFiles = a.NFiles
	w.report.OriginalSize = a.OriginalSize
	w.report.CompressedSize = a.CompressedSize
	w.report.DeduplicatedSize = a.DeduplicatedSize
}

func (w *reportWriter) finalize(ctx context.Context, runErr error, now time.Time) {
	if runErr != nil {
		w.report.Error = true
		w.logf("FAILED: %v", runErr)
	} else {
		w.logf("completed")
	}
	w.report.EndedAt = &now
	w.report.DurationSeconds = now.Sub(w.report.StartedAt).Seconds()
	w.report.Log = w.log.String()
	if !w.created {
		return
	}
	if err := w.store.Finalize(ctx, w.report); err != nil {
		w.logger.Warn().Err(err).Str("report_id", w.report.ID).Msg("finalize backup report")
	}
}

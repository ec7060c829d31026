package archive_worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/dynoinc/tokenguard/internal/background"
	"github.com/dynoinc/tokenguard/internal/errorlog"
)

type Archive interface {
	errorlog.Sink
	errorlog.Resolver
}

type Worker struct {
	river.WorkerDefaults[background.ArchiveErrorArgs]
	archive Archive
}

func New(archive Archive) *Worker {
	return &Worker{archive: archive}
}

func (w *Worker) Timeout(*river.Job[background.ArchiveErrorArgs]) time.Duration {
	return 30 * time.Second
}

func (w *Worker) Work(ctx context.Context, job *river.Job[background.ArchiveErrorArgs]) error {
	if err := w.archive.Persist(ctx, job.Args.Entry); err != nil {
		return fmt.Errorf("archiving error log entry: %w", err)
	}

	slog.DebugContext(ctx, "archived error log entry", "id", job.Args.Entry.ID, "attempt", job.Attempt)
	return nil
}

type ResolveWorker struct {
	river.WorkerDefaults[background.ResolveErrorArgs]
	archive Archive
}

func NewResolveWorker(archive Archive) *ResolveWorker {
	return &ResolveWorker{archive: archive}
}

// Work marks the archived entry resolved. An entry that is not archived yet
// makes the job fail, so river retries it after the archive job lands.
func (w *ResolveWorker) Work(ctx context.Context, job *river.Job[background.ResolveErrorArgs]) error {
	ok, err := w.archive.MarkResolved(ctx, job.Args.ID, job.Args.ResolvedBy, job.Args.ResolvedAt)
	if err != nil {
		return fmt.Errorf("resolving archived entry: %w", err)
	}
	if !ok {
		if job.Attempt >= job.MaxAttempts {
			slog.WarnContext(ctx, "archived entry missing or already resolved", "id", job.Args.ID)
			return nil
		}
		return fmt.Errorf("archived entry %s not found or already resolved", job.Args.ID)
	}
	return nil
}

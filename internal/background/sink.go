package background

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/dynoinc/tokenguard/internal/errorlog"
)

// Inserter is the subset of *river.Client the sink needs.
type Inserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

const resolveAttempts = 5

// Sink archives error-log entries through river jobs, which retry failed
// writes.
type Sink struct {
	client Inserter
}

var (
	_ errorlog.Sink     = (*Sink)(nil)
	_ errorlog.Resolver = (*Sink)(nil)
)

func NewSink(client Inserter) *Sink {
	return &Sink{client: client}
}

func (s *Sink) Persist(ctx context.Context, e errorlog.Entry) error {
	if _, err := s.client.Insert(ctx, ArchiveErrorArgs{Entry: e}, nil); err != nil {
		return fmt.Errorf("enqueueing archive of %s: %w", e.ID, err)
	}
	return nil
}

// MarkResolved enqueues the resolution. The result is always true because the
// archive is updated later.
func (s *Sink) MarkResolved(ctx context.Context, id, by string, at time.Time) (bool, error) {
	if _, err := s.client.Insert(ctx, ResolveErrorArgs{ID: id, ResolvedBy: by, ResolvedAt: at}, &river.InsertOpts{MaxAttempts: resolveAttempts}); err != nil {
		return false, fmt.Errorf("enqueueing resolution of %s: %w", id, err)
	}
	return true, nil
}

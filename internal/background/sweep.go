package background

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/dynoinc/tokenguard/internal/metrics"
)

// Target is one store the sweep prunes.
type Target struct {
	Name  string
	Prune func(ctx context.Context) (int, error)
}

// Sweep prunes every target and reports how many items each dropped. A
// failing target does not stop the others.
func Sweep(ctx context.Context, m *metrics.Metrics, targets ...Target) (map[string]int, error) {
	pruned := make(map[string]int, len(targets))
	var errs []error
	for _, t := range targets {
		n, err := t.Prune(ctx)
		if err != nil {
			slog.WarnContext(ctx, "sweep failed", "store", t.Name, "error", err)
			errs = append(errs, fmt.Errorf("pruning %s: %w", t.Name, err))
			continue
		}
		pruned[t.Name] = n
		m.Pruned(t.Name, n)
	}

	slog.DebugContext(ctx, "sweep finished", "pruned", pruned)
	if len(errs) > 0 {
		return pruned, errors.Join(errs...)
	}
	return pruned, nil
}

// Sweeper runs Sweep on a cron schedule in process, for deployments without
// a database.
type Sweeper struct {
	schedule cron.Schedule
	metrics  *metrics.Metrics
	targets  []Target

	mu      sync.Mutex
	running bool
}

func NewSweeper(spec string, m *metrics.Metrics, targets ...Target) (*Sweeper, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parsing sweep schedule %q: %w", spec, err)
	}
	return &Sweeper{schedule: schedule, metrics: m, targets: targets}, nil
}

// Run blocks until ctx is done. A sweep still running when the next one is
// due is skipped.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New()
	c.Schedule(s.schedule, cron.FuncJob(func() { s.runOnce(ctx) }))
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (s *Sweeper) runOnce(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		slog.WarnContext(ctx, "previous sweep still running, skipping")
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	_, _ = Sweep(ctx, s.metrics, s.targets...)
}

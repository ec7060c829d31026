package sweep_worker

import (
	"context"
	"fmt"

	"github.com/riverqueue/river"

	"github.com/dynoinc/tokenguard/internal/background"
	"github.com/dynoinc/tokenguard/internal/metrics"
)

type Worker struct {
	river.WorkerDefaults[background.SweepArgs]
	metrics *metrics.Metrics
	targets []background.Target
}

func New(m *metrics.Metrics, targets ...background.Target) *Worker {
	return &Worker{metrics: m, targets: targets}
}

func (w *Worker) Work(ctx context.Context, job *river.Job[background.SweepArgs]) error {
	if _, err := background.Sweep(ctx, w.metrics, w.targets...); err != nil {
		return fmt.Errorf("sweeping stores: %w", err)
	}
	return nil
}

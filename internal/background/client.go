// Package background runs the error-log archive and the periodic store
// sweeps on river, or the sweeps alone in process when there is no database.
package background

import (
	"context"
	"strconv"

	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"
	"github.com/riverqueue/rivercontrib/otelriver"
)

type Config struct {
	SweepSchedule string `split_words:"true" default:"*/15 * * * *"`
	MaxWorkers    int    `split_words:"true" default:"10"`
}

// sentryMiddleware reports job failures and panics to Sentry with the job
// kind, id and attempt attached.
type sentryMiddleware struct {
	river.MiddlewareDefaults
}

func (m *sentryMiddleware) Work(ctx context.Context, job *rivertype.JobRow, doInner func(ctx context.Context) error) error {
	hub := sentry.CurrentHub().Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("job.kind", job.Kind)
		scope.SetTag("job.id", strconv.FormatInt(job.ID, 10))
		scope.SetTag("job.attempt", strconv.Itoa(job.Attempt))
	})
	hub.AddBreadcrumb(&sentry.Breadcrumb{
		Category: "job",
		Message:  job.Kind,
		Level:    sentry.LevelInfo,
	}, nil)
	ctx = sentry.SetHubOnContext(ctx, hub)

	defer func() {
		if r := recover(); r != nil {
			hub.RecoverWithContext(ctx, r)
			panic(r)
		}
	}()

	err := doInner(ctx)
	if err != nil {
		hub.CaptureException(err)
	}
	return err
}

func New(db *pgxpool.Pool, cfg Config, workers *river.Workers, periodicJobs []*river.PeriodicJob) (*river.Client[pgx.Tx], error) {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	return river.NewClient(riverpgxv5.New(db), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {
				MaxWorkers: cfg.MaxWorkers,
			},
		},
		PeriodicJobs: periodicJobs,
		Workers:      workers,
		Middleware: []rivertype.Middleware{
			otelriver.NewMiddleware(nil),
			&sentryMiddleware{},
		},
	})
}

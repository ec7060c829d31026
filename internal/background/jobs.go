package background

import (
	"fmt"

	"github.com/riverqueue/river"
	"github.com/robfig/cron/v3"
)

// PeriodicJobs schedules the store sweep on the configured cron spec.
func PeriodicJobs(cfg Config) ([]*river.PeriodicJob, error) {
	schedule, err := cron.ParseStandard(cfg.SweepSchedule)
	if err != nil {
		return nil, fmt.Errorf("parsing sweep schedule %q: %w", cfg.SweepSchedule, err)
	}

	constructor := func() (river.JobArgs, *river.InsertOpts) {
		return SweepArgs{}, nil
	}

	return []*river.PeriodicJob{
		river.NewPeriodicJob(schedule, constructor, &river.PeriodicJobOpts{RunOnStart: true}),
	}, nil
}

package jobs

import (
	"time"

	"github.com/riverqueue/river"

	"metexplorer.io/met/internal/config"
	"metexplorer.io/met/internal/repository"
)

// RegisterWorkers adds every worker of this package to workers.
func RegisterWorkers(workers *river.Workers, batch BatchRunner, store repository.NotificationStore, batchTimeout, retention time.Duration) {
	river.AddWorker(workers, NewMetadataRefreshWorker(batch, batchTimeout))
	river.AddWorker(workers, NewNotificationCleanupWorker(store, retention))
}

// PeriodicJobs returns the scheduled refresh batch and the daily inbox
// cleanup. The refresh is unique within its interval so that restarts do
// not run it twice.
func PeriodicJobs(cfg config.RefreshConfig) []*river.PeriodicJob {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(interval),
			func() (river.JobArgs, *river.InsertOpts) {
				return MetadataRefreshArgs{}, &river.InsertOpts{
					UniqueOpts: river.UniqueOpts{ByArgs: true, ByPeriod: interval},
				}
			},
			&river.PeriodicJobOpts{RunOnStart: cfg.RunOnStart},
		),
		river.NewPeriodicJob(
			river.PeriodicInterval(24*time.Hour),
			func() (river.JobArgs, *river.InsertOpts) {
				return NotificationCleanupArgs{}, nil
			},
			nil,
		),
	}
}

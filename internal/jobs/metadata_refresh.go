// Package jobs defines River Queue job types for scheduled and on-demand
// metadata refresh batches.
package jobs

import (
	"context"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"metexplorer.io/met/internal/infrastructure"
	apperrors "metexplorer.io/met/internal/pkg/errors"
	"metexplorer.io/met/internal/pkg/logger"
	"metexplorer.io/met/internal/usecase"
)

// BatchRunner runs one refresh batch.
type BatchRunner interface {
	Run(ctx context.Context, opts usecase.BatchOptions) (*usecase.BatchReport, error)
}

// ---------------------------------------------------------------------------
// Job Args
// ---------------------------------------------------------------------------

// MetadataRefreshArgs requests a refresh batch, for every federation or
// for one slug.
type MetadataRefreshArgs struct {
	Federation string `json:"federation,omitempty"`
	Force      bool   `json:"force,omitempty"`
}

// Kind returns the job kind identifier for metadata refresh batches.
func (MetadataRefreshArgs) Kind() string { return "metadata_refresh" }

// InsertOpts runs batches on the single-worker metadata queue. Identical
// requests within a minute collapse into one job.
func (MetadataRefreshArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       infrastructure.QueueMetadata,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByArgs:   true,
			ByPeriod: time.Minute,
		},
	}
}

// ---------------------------------------------------------------------------
// Worker
// ---------------------------------------------------------------------------

// MetadataRefreshWorker runs refresh batches.
type MetadataRefreshWorker struct {
	river.WorkerDefaults[MetadataRefreshArgs]
	batch   BatchRunner
	timeout time.Duration
}

// NewMetadataRefreshWorker creates a worker. A non-positive timeout lets
// batches run without a deadline.
func NewMetadataRefreshWorker(batch BatchRunner, timeout time.Duration) *MetadataRefreshWorker {
	return &MetadataRefreshWorker{batch: batch, timeout: timeout}
}

// Timeout overrides the River client default, which is far shorter than a
// full batch.
func (w *MetadataRefreshWorker) Timeout(*river.Job[MetadataRefreshArgs]) time.Duration {
	if w.timeout <= 0 {
		return -1
	}
	return w.timeout
}

// Work runs one batch. An unknown federation cancels the job instead of
// failing it.
func (w *MetadataRefreshWorker) Work(ctx context.Context, job *river.Job[MetadataRefreshArgs]) error {
	logger.Info("Processing metadata refresh",
		zap.Int64("job_id", job.ID),
		zap.String("federation", job.Args.Federation),
		zap.Bool("force", job.Args.Force),
		zap.Int("attempt", job.Attempt),
	)

	report, err := w.batch.Run(ctx, usecase.BatchOptions{
		FederationSlug: job.Args.Federation,
		Force:          job.Args.Force,
	})
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeFederationNotFound) {
			return river.JobCancel(err)
		}
		return err
	}

	logger.Info("Metadata refresh job completed",
		zap.Int64("job_id", job.ID),
		zap.String("run_id", report.RunID.String()),
		zap.Int("federations", len(report.Federations)),
		zap.Int("failures", report.Failures),
	)
	return nil
}

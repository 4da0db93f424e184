// Package usecase orchestrates the metadata refresh batch.
package usecase

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"metexplorer.io/met/internal/domain"
	"metexplorer.io/met/internal/metrics"
	"metexplorer.io/met/internal/notification"
	"metexplorer.io/met/internal/pkg/logger"
	"metexplorer.io/met/internal/pkg/worker"
	"metexplorer.io/met/internal/repository"
	"metexplorer.io/met/internal/service"
)

// Cleanup kinds, also the "kind" metric label.
const (
	CleanupCategories = "categories"
	CleanupEntities   = "entities"
)

// Defaults for RefreshBatchDeps timeouts.
const (
	DefaultCleanupTimeout = 5 * time.Minute
	DefaultNotifyTimeout  = time.Minute
)

// BatchOptions selects what a batch processes.
type BatchOptions struct {
	// FederationSlug restricts the batch to one federation when non-empty.
	FederationSlug string `json:"federation,omitempty"`
	// Force reprocesses documents even when they did not change.
	Force bool `json:"force"`
}

// FederationReport is the outcome of one federation in a batch.
type FederationReport struct {
	Slug     string                  `json:"slug"`
	Name     string                  `json:"name"`
	Outcome  string                  `json:"outcome"`
	Refresh  *service.RefreshOutcome `json:"-"`
	Backfill *service.BackfillResult `json:"-"`
	Err      error                   `json:"-"`
	Error    string                  `json:"error,omitempty"`
}

// Failed reports whether the federation failed.
func (r FederationReport) Failed() bool {
	return r.Err != nil
}

// BatchReport summarizes one batch run.
type BatchReport struct {
	RunID            uuid.UUID          `json:"run_id"`
	StartedAt        time.Time          `json:"started_at"`
	FinishedAt       time.Time          `json:"finished_at"`
	Federations      []FederationReport `json:"federations"`
	Failures         int                `json:"failures"`
	OrphanCategories int64              `json:"orphan_categories"`
	OrphanEntities   int64              `json:"orphan_entities"`
	NotComputed      []string           `json:"not_computed,omitempty"`
}

// RefreshBatchDeps are the collaborators of a RefreshBatch. Pool, Notifier
// and Metrics are optional.
type RefreshBatchDeps struct {
	Store         repository.Store
	Refresher     *service.Refresher
	Stats         *service.StatsEngine
	Notifier      notification.Notifier
	Pool          *worker.Pool
	Metrics       *metrics.Metrics
	SubjectPrefix string

	// CleanupTimeout bounds orphan cleanup, which runs detached from the
	// batch context. NotifyTimeout bounds one failure notification.
	CleanupTimeout time.Duration
	NotifyTimeout  time.Duration
}

// RefreshBatch refreshes every federation, backfills its statistics and
// cleans up orphans.
//
// A failing federation never stops the batch: its error is logged, counted
// and sent to the notifier, and the next federation is processed.
type RefreshBatch struct {
	deps RefreshBatchDeps
	now  func() time.Time
}

// NewRefreshBatch creates a RefreshBatch.
func NewRefreshBatch(deps RefreshBatchDeps) *RefreshBatch {
	if deps.CleanupTimeout <= 0 {
		deps.CleanupTimeout = DefaultCleanupTimeout
	}
	if deps.NotifyTimeout <= 0 {
		deps.NotifyTimeout = DefaultNotifyTimeout
	}
	return &RefreshBatch{deps: deps, now: time.Now}
}

// Run executes one batch. It fails only when the federations cannot be
// loaded, including an unknown FederationSlug, or the vocabulary cannot be
// preloaded. Orphan cleanup runs in every case.
func (b *RefreshBatch) Run(ctx context.Context, opts BatchOptions) (*BatchReport, error) {
	runID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("run id: %w", err)
	}
	report := &BatchReport{RunID: runID, StartedAt: b.now().UTC()}
	log := logger.With(zap.String("run_id", runID.String()))

	vocab, err := b.refreshAll(ctx, log, report, opts)
	report.OrphanCategories, report.OrphanEntities = b.cleanupOrphans(ctx, log)
	if err != nil {
		log.Error("Refresh batch aborted", zap.Error(err))
		return nil, err
	}

	report.FinishedAt = b.now().UTC()
	b.deps.Metrics.ObserveBatch(report.StartedAt)
	log.Info("Refresh batch finished",
		zap.Int("federations", len(report.Federations)),
		zap.Int("failures", report.Failures),
		zap.Int64("orphan_categories", report.OrphanCategories),
		zap.Int64("orphan_entities", report.OrphanEntities),
		zap.Int("vocabulary_misses", vocab.Misses()),
		zap.Duration("duration", report.FinishedAt.Sub(report.StartedAt)),
	)
	return report, nil
}

// refreshAll loads the federations and processes each one into report.
func (b *RefreshBatch) refreshAll(ctx context.Context, log *zap.Logger, report *BatchReport, opts BatchOptions) (*service.Vocabulary, error) {
	feds, err := b.federations(ctx, opts.FederationSlug)
	if err != nil {
		return nil, err
	}
	log.Info("Refresh batch started",
		zap.Int("federations", len(feds)),
		zap.String("federation", opts.FederationSlug),
		zap.Bool("force", opts.Force),
	)

	vocab := service.NewVocabulary(b.deps.Store)
	if err := vocab.Preload(ctx); err != nil {
		return nil, err
	}

	report.Federations = make([]FederationReport, len(feds))
	process := func(ctx context.Context, i int) {
		report.Federations[i] = b.processFederation(ctx, vocab, feds[i], opts.Force)
	}
	if b.deps.Pool != nil {
		b.deps.Pool.Each(ctx, len(feds), process, func(i int, err error) {
			report.Federations[i] = b.fail(ctx, feds[i], err)
		})
	} else {
		for i := range feds {
			if err := ctx.Err(); err != nil {
				report.Federations[i] = b.fail(ctx, feds[i], err)
				continue
			}
			process(ctx, i)
		}
	}

	for _, r := range report.Federations {
		if r.Failed() {
			report.Failures++
		}
	}
	if b.deps.Stats != nil {
		report.NotComputed = b.deps.Stats.NotComputed()
	}
	return vocab, nil
}

// cleanupOrphans deletes orphan categories, then orphan entities. It runs on
// a context detached from ctx so that an expired batch still cleans up.
func (b *RefreshBatch) cleanupOrphans(ctx context.Context, log *zap.Logger) (categories, entities int64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.deps.CleanupTimeout)
	defer cancel()
	categories = b.cleanup(ctx, log, CleanupCategories, b.deps.Store.DeleteOrphanCategories)
	entities = b.cleanup(ctx, log, CleanupEntities, b.deps.Store.DeleteOrphanEntities)
	return categories, entities
}

func (b *RefreshBatch) federations(ctx context.Context, slug string) ([]*domain.Federation, error) {
	if slug == "" {
		feds, err := b.deps.Store.ListFederations(ctx)
		if err != nil {
			return nil, fmt.Errorf("list federations: %w", err)
		}
		return feds, nil
	}
	fed, err := b.deps.Store.GetFederationBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	return []*domain.Federation{fed}, nil
}

// processFederation refreshes and backfills one federation. Errors and
// panics are turned into a failed report.
func (b *RefreshBatch) processFederation(ctx context.Context, vocab *service.Vocabulary, fed *domain.Federation, force bool) (report FederationReport) {
	start := b.now()
	report = FederationReport{Slug: fed.Slug, Name: fed.Name}

	defer func() {
		if r := recover(); r != nil {
			logger.ForFederation(fed.Slug).Error("Federation refresh panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			report = b.fail(ctx, fed, fmt.Errorf("panic: %v", r))
		}
		b.deps.Metrics.ObserveRefresh(fed.Slug, report.Outcome, start)
	}()

	out, err := b.deps.Refresher.Refresh(ctx, vocab, fed, force)
	if err != nil {
		return b.fail(ctx, fed, err)
	}
	report.Refresh = out
	report.Outcome = outcomeOf(out.Status)
	if rec := out.Reconcile; rec != nil {
		b.deps.Metrics.AddEntities(fed.Slug, int(rec.Removed), rec.Updated, len(rec.Skipped))
	}

	if b.deps.Stats != nil {
		res, err := b.deps.Stats.Backfill(ctx, fed)
		if err != nil {
			return b.fail(ctx, fed, err)
		}
		report.Backfill = res
		b.deps.Metrics.AddStatDays(fed.Slug, res.Days)
	}
	return report
}

// fail logs err and notifies operators. Notification errors are logged only.
func (b *RefreshBatch) fail(ctx context.Context, fed *domain.Federation, err error) FederationReport {
	logger.ForFederation(fed.Slug).Error("Federation refresh failed", zap.Error(err))

	if b.deps.Notifier != nil {
		msg := notification.RefreshFailed(b.deps.SubjectPrefix, fed.Name, fed.Slug, err)
		// The batch context may be the reason for the failure.
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.deps.NotifyTimeout)
		if nerr := b.deps.Notifier.Notify(nctx, msg); nerr != nil {
			logger.ForFederation(fed.Slug).Warn("Failure notification not delivered", zap.Error(nerr))
		}
		cancel()
	}
	return FederationReport{
		Slug:    fed.Slug,
		Name:    fed.Name,
		Outcome: metrics.OutcomeFailed,
		Err:     err,
		Error:   err.Error(),
	}
}

func (b *RefreshBatch) cleanup(ctx context.Context, log *zap.Logger, kind string, fn func(context.Context) (int64, error)) int64 {
	n, err := fn(ctx)
	if err != nil {
		log.Error("Orphan cleanup failed", zap.String("kind", kind), zap.Error(err))
		return 0
	}
	b.deps.Metrics.AddCleanup(kind, n)
	log.Info("Orphans deleted", zap.String("kind", kind), zap.Int64("deleted", n))
	return n
}

func outcomeOf(s service.RefreshStatus) string {
	switch s {
	case service.RefreshUpdated:
		return metrics.OutcomeUpdated
	case service.RefreshUnchanged:
		return metrics.OutcomeUnchanged
	case service.RefreshSameFingerprint:
		return metrics.OutcomeSameFingerprint
	default:
		return metrics.OutcomeSkipped
	}
}

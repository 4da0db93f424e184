package modules

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"metexplorer.io/met/internal/api/handlers"
	"metexplorer.io/met/internal/config"
	"metexplorer.io/met/internal/fetch"
	"metexplorer.io/met/internal/jobs"
	"metexplorer.io/met/internal/notification"
	"metexplorer.io/met/internal/pkg/logger"
	"metexplorer.io/met/internal/pkg/worker"
	"metexplorer.io/met/internal/service"
	"metexplorer.io/met/internal/usecase"
)

const poolReleaseTimeout = 30 * time.Second

// RefreshModule wires the refresh batch: fetcher, refresher, statistics
// engine, notifier and the federation worker pool.
type RefreshModule struct {
	infra    *Infrastructure
	batch    *usecase.RefreshBatch
	notifier *notification.Dispatcher
	pool     *worker.Pool
}

// NewRefreshModule creates the module. A pool is only started when more
// than one federation may be refreshed at a time.
func NewRefreshModule(infra *Infrastructure) (*RefreshModule, error) {
	cfg := infra.Config

	var pool *worker.Pool
	if cfg.Refresh.Concurrency > 1 {
		p, err := worker.NewPool("refresh", cfg.Refresh.Concurrency)
		if err != nil {
			return nil, fmt.Errorf("refresh pool: %w", err)
		}
		pool = p
	}

	notifier := notification.FromConfig(cfg.Notification, infra.Store, nil, infra.Metrics)
	registry := service.NewFeatureRegistry()
	stats := service.NewStatsEngine(infra.Store, registry, service.FeatureSpecs(cfg.Stats.Features), cfg.Stats.EpochTime())

	batch := usecase.NewRefreshBatch(usecase.RefreshBatchDeps{
		Store:         infra.Store,
		Refresher:     service.NewRefresher(infra.Store, fetch.NewHTTPFetcher(FetchConfig(cfg.Refresh), nil)),
		Stats:         stats,
		Notifier:      notifier,
		Pool:          pool,
		Metrics:       infra.Metrics,
		SubjectPrefix: cfg.Notification.SubjectPrefix,
		NotifyTimeout: cfg.Notification.Email.Timeout + cfg.Notification.Slack.Timeout,
	})

	logger.Info("Refresh module initialized",
		zap.Int("concurrency", cfg.Refresh.Concurrency),
		zap.Strings("notification_channels", notifier.Channels()),
		zap.Strings("features_not_computed", stats.NotComputed()),
	)
	return &RefreshModule{infra: infra, batch: batch, notifier: notifier, pool: pool}, nil
}

// FetchConfig maps the refresh settings onto the fetcher.
func FetchConfig(cfg config.RefreshConfig) fetch.Config {
	fc := fetch.DefaultConfig()
	fc.Timeout = cfg.FetchTimeout
	fc.MaxRetries = cfg.MaxRetries
	fc.RetryBackoff = cfg.RetryBackoff
	fc.RateLimit = rate.Limit(cfg.RateLimit)
	fc.RateBurst = cfg.RateBurst
	fc.MaxBytes = cfg.MaxDocumentBytes
	fc.UserAgent = cfg.UserAgent
	return fc
}

// Batch returns the batch runner.
func (m *RefreshModule) Batch() *usecase.RefreshBatch { return m.batch }

func (m *RefreshModule) Name() string { return "refresh" }

func (m *RefreshModule) ContributeServerDeps(*handlers.ServerDeps) {}

func (m *RefreshModule) RegisterWorkers(workers *river.Workers) {
	if workers == nil || m == nil {
		return
	}
	cfg := m.infra.Config
	jobs.RegisterWorkers(workers, m.batch, m.infra.Store, cfg.Refresh.BatchTimeout, cfg.Notification.Inbox.Retention)
}

func (m *RefreshModule) Shutdown(context.Context) error {
	if m.pool != nil {
		m.pool.Release(poolReleaseTimeout)
	}
	return nil
}

package modules

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"metexplorer.io/met/internal/config"
	"metexplorer.io/met/internal/infrastructure"
	"metexplorer.io/met/internal/metrics"
	"metexplorer.io/met/internal/repository"
)

// Infrastructure holds shared cross-cutting dependencies for all modules.
// It is a provider, not a Module.
type Infrastructure struct {
	Config      *config.Config
	DB          *infrastructure.DatabaseClients
	Store       repository.Store
	Metrics     *metrics.Metrics
	RiverClient *river.Client[pgx.Tx]
}

// NewInfrastructure connects to the database, applies migrations when
// configured and creates the store and metrics.
func NewInfrastructure(ctx context.Context, cfg *config.Config) (*Infrastructure, error) {
	db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}

	if cfg.Database.AutoMigrate {
		if err := db.AutoMigrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("auto-migrate: %w", err)
		}
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace)
	}

	return &Infrastructure{
		Config:  cfg,
		DB:      db,
		Store:   repository.NewPGStore(db.Pool),
		Metrics: m,
	}, nil
}

// InitRiver initializes the River client on top of a prepared worker
// registry and periodic job list.
func (i *Infrastructure) InitRiver(workers *river.Workers, periodic []*river.PeriodicJob) error {
	if i == nil || i.DB == nil || i.Config == nil {
		return fmt.Errorf("infrastructure is not initialized")
	}
	if err := i.DB.InitRiverClient(workers, periodic, i.Config.River); err != nil {
		return fmt.Errorf("init river: %w", err)
	}
	i.RiverClient = i.DB.RiverClient
	return nil
}

// Close releases infra resources in reverse dependency order.
func (i *Infrastructure) Close() {
	if i == nil {
		return
	}
	if i.DB != nil {
		i.DB.Close()
	}
}

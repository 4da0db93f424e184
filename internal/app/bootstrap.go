// Package app is the composition root of the metexplorer server.
package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/riverqueue/river"

	"metexplorer.io/met/internal/api/handlers"
	"metexplorer.io/met/internal/app/modules"
	"metexplorer.io/met/internal/config"
	"metexplorer.io/met/internal/infrastructure"
	"metexplorer.io/met/internal/jobs"
	"metexplorer.io/met/internal/metrics"
)

// Application holds composed application dependencies.
type Application struct {
	Config  *config.Config
	Router  *gin.Engine
	DB      *infrastructure.DatabaseClients
	Metrics *metrics.Metrics
	Modules []modules.Module
}

// Bootstrap initializes all dependencies using module-oriented manual DI.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Application, error) {
	infra, err := modules.NewInfrastructure(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init infrastructure: %w", err)
	}

	refreshModule, err := modules.NewRefreshModule(infra)
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("init refresh module: %w", err)
	}
	allModules := []modules.Module{
		refreshModule,
		modules.NewExplorerModule(infra),
	}

	workers := river.NewWorkers()
	for _, mod := range allModules {
		mod.RegisterWorkers(workers)
	}
	if err := infra.InitRiver(workers, jobs.PeriodicJobs(cfg.Refresh)); err != nil {
		_ = refreshModule.Shutdown(ctx)
		infra.Close()
		return nil, fmt.Errorf("init river workers: %w", err)
	}

	server := handlers.NewServer(modules.NewServerDeps(infra, allModules))

	return &Application{
		Config:  cfg,
		Router:  newRouter(cfg, server, infra.Metrics),
		DB:      infra.DB,
		Metrics: infra.Metrics,
		Modules: allModules,
	}, nil
}

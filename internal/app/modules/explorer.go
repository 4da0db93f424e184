package modules

import (
	"context"

	"github.com/riverqueue/river"

	"metexplorer.io/met/internal/api/handlers"
	"metexplorer.io/met/internal/service"
)

// ExplorerModule wires the read-only query API and the operator inbox.
type ExplorerModule struct {
	infra    *Infrastructure
	explorer *service.Explorer
}

// NewExplorerModule creates an explorer module.
func NewExplorerModule(infra *Infrastructure) *ExplorerModule {
	return &ExplorerModule{infra: infra, explorer: service.NewExplorer(infra.Store)}
}

func (m *ExplorerModule) Name() string { return "explorer" }

func (m *ExplorerModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	if deps == nil {
		return
	}
	deps.Explorer = m.explorer
	deps.Inbox = m.infra.Store
}

func (m *ExplorerModule) RegisterWorkers(*river.Workers) {}

func (m *ExplorerModule) Shutdown(context.Context) error { return nil }

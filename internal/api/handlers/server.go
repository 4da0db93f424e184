// Package handlers implements the operational HTTP API.
//
// The API is read-mostly: it lists federations, statistics and entities,
// exposes the operator inbox, and enqueues refresh batches on River.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"metexplorer.io/met/internal/repository"
	"metexplorer.io/met/internal/service"
)

// JobInserter enqueues River jobs. *river.Client[pgx.Tx] satisfies it.
type JobInserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// Pinger reports database reachability. *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the dependencies of every handler.
type Server struct {
	explorer *service.Explorer
	inbox    repository.NotificationStore
	jobs     JobInserter
	db       Pinger
}

// ServerDeps holds all dependencies for creating a Server.
type ServerDeps struct {
	Explorer *service.Explorer
	Inbox    repository.NotificationStore
	Jobs     JobInserter
	DB       Pinger
}

// NewServer creates a new Server with all dependencies.
func NewServer(deps ServerDeps) *Server {
	return &Server{
		explorer: deps.Explorer,
		inbox:    deps.Inbox,
		jobs:     deps.Jobs,
		db:       deps.DB,
	}
}

// RegisterRoutes mounts every API route on rg, which is expected to be
// the /api/v1 group.
func (s *Server) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/health/live", s.GetLiveness)
	rg.GET("/health/ready", s.GetReadiness)

	rg.POST("/refresh", s.TriggerRefresh)

	rg.GET("/federations", s.ListFederations)
	rg.GET("/federations/:slug", s.GetFederation)
	rg.GET("/federations/:slug/stats", s.GetFederationStats)

	rg.GET("/entities/top", s.ListTopEntities)
	rg.GET("/entities/lookup", s.GetEntity)

	rg.GET("/notifications", s.ListNotifications)
	rg.POST("/notifications/:id/read", s.MarkNotificationRead)
}

// listResponse wraps collections so fields can be added later.
type listResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

func respondList[T any](c *gin.Context, items []T) {
	if items == nil {
		items = []T{}
	}
	c.JSON(http.StatusOK, listResponse[T]{Items: items, Total: len(items)})
}

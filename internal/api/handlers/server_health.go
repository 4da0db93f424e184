package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	healthOK       = "ok"
	healthDegraded = "degraded"
)

// healthResponse is the body of both health endpoints.
type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// GetLiveness handles GET /health/live.
func (s *Server) GetLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{Status: healthOK})
}

// GetReadiness handles GET /health/ready.
func (s *Server) GetReadiness(c *gin.Context) {
	checks := make(map[string]string)
	allHealthy := true

	if s.db == nil {
		checks["database"] = "not configured"
		allHealthy = false
	} else if err := s.db.Ping(c.Request.Context()); err != nil {
		checks["database"] = "error"
		allHealthy = false
	} else {
		checks["database"] = healthOK
	}

	if s.jobs == nil {
		checks["queue"] = "not configured"
		allHealthy = false
	} else {
		checks["queue"] = healthOK
	}

	status := healthOK
	httpStatus := http.StatusOK
	if !allHealthy {
		status = healthDegraded
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, healthResponse{
		Status: status,
		Checks: checks,
	})
}

package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	apperrors "metexplorer.io/met/internal/pkg/errors"
)

// ListTopEntities handles GET /entities/top?limit=.
func (s *Server) ListTopEntities(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			_ = c.Error(apperrors.ErrInvalidRequestFieldf("limit"))
			return
		}
		limit = n
	}
	top, err := s.explorer.TopEntities(c.Request.Context(), limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	respondList(c, top)
}

// GetEntity handles GET /entities/lookup?entityid=. Entity identifiers are
// URIs, so they travel as a query parameter rather than a path segment.
func (s *Server) GetEntity(c *gin.Context) {
	id := strings.TrimSpace(c.Query("entityid"))
	if id == "" {
		_ = c.Error(apperrors.ErrInvalidRequestFieldf("entityid"))
		return
	}
	detail, err := s.explorer.Entity(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

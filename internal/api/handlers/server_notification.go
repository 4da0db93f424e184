package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	apperrors "metexplorer.io/met/internal/pkg/errors"
)

const (
	defaultInboxLimit = 50
	maxInboxLimit     = 500
)

// ListNotifications handles GET /notifications?unread_only=&limit=.
func (s *Server) ListNotifications(c *gin.Context) {
	unreadOnly := c.Query("unread_only") == "true"

	limit := defaultInboxLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			_ = c.Error(apperrors.ErrInvalidRequestFieldf("limit"))
			return
		}
		limit = min(n, maxInboxLimit)
	}

	items, err := s.inbox.ListNotifications(c.Request.Context(), unreadOnly, limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	respondList(c, items)
}

// MarkNotificationRead handles POST /notifications/:id/read. Read
// notifications become eligible for retention cleanup.
func (s *Server) MarkNotificationRead(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		_ = c.Error(apperrors.ErrInvalidRequestFieldf("id"))
		return
	}
	if err := s.inbox.MarkNotificationRead(c.Request.Context(), id); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"metexplorer.io/met/internal/jobs"
	apperrors "metexplorer.io/met/internal/pkg/errors"
	"metexplorer.io/met/internal/pkg/logger"
)

// refreshRequest is the body of POST /refresh. An empty federation
// selects every federation.
type refreshRequest struct {
	Federation string `json:"federation"`
	Force      bool   `json:"force"`
}

type refreshResponse struct {
	JobID     int64  `json:"job_id"`
	Duplicate bool   `json:"duplicate"`
	State     string `json:"state"`
}

// TriggerRefresh handles POST /refresh by enqueuing a refresh batch.
// Identical requests within the dedup window return the pending job.
func (s *Server) TriggerRefresh(c *gin.Context) {
	ctx := c.Request.Context()

	var req refreshRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(apperrors.ErrInvalidRequestFieldf("body"))
			return
		}
	}
	req.Federation = strings.TrimSpace(req.Federation)

	if req.Federation != "" {
		if _, err := s.explorer.Federation(ctx, req.Federation); err != nil {
			_ = c.Error(err)
			return
		}
	}
	if s.jobs == nil {
		_ = c.Error(apperrors.Wrap(apperrors.ErrServiceUnavail, "QUEUE_UNAVAILABLE", "job queue is not running", http.StatusServiceUnavailable))
		return
	}

	res, err := s.jobs.Insert(ctx, jobs.MetadataRefreshArgs{
		Federation: req.Federation,
		Force:      req.Force,
	}, nil)
	if err != nil {
		_ = c.Error(err)
		return
	}

	logger.Info("Refresh batch enqueued",
		zap.Int64("job_id", res.Job.ID),
		zap.String("federation", req.Federation),
		zap.Bool("force", req.Force),
		zap.Bool("duplicate", res.UniqueSkippedAsDuplicate),
	)
	c.JSON(http.StatusAccepted, refreshResponse{
		JobID:     res.Job.ID,
		Duplicate: res.UniqueSkippedAsDuplicate,
		State:     string(res.Job.State),
	})
}

package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"metexplorer.io/met/internal/domain"
	apperrors "metexplorer.io/met/internal/pkg/errors"
)

// statsResponse groups one federation's statistics by feature.
type statsResponse struct {
	Federation string                          `json:"federation"`
	Features   map[string][]domain.EntityStat `json:"features"`
}

// ListFederations handles GET /federations.
func (s *Server) ListFederations(c *gin.Context) {
	feds, err := s.explorer.Federations(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	respondList(c, feds)
}

// GetFederation handles GET /federations/:slug.
func (s *Server) GetFederation(c *gin.Context) {
	fed, err := s.explorer.Federation(c.Request.Context(), c.Param("slug"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, fed)
}

// GetFederationStats handles GET /federations/:slug/stats?feature=&from=&to=.
// from and to are inclusive days (YYYY-MM-DD).
func (s *Server) GetFederationStats(c *gin.Context) {
	from, err := dayParam(c, "from")
	if err != nil {
		_ = c.Error(err)
		return
	}
	to, err := dayParam(c, "to")
	if err != nil {
		_ = c.Error(err)
		return
	}
	if from != nil && to != nil && to.Before(*from) {
		_ = c.Error(apperrors.ErrInvalidRequestFieldf("to"))
		return
	}

	slug := c.Param("slug")
	rows, err := s.explorer.FederationStats(c.Request.Context(), slug, c.Query("feature"), from, to)
	if err != nil {
		_ = c.Error(err)
		return
	}

	resp := statsResponse{Federation: slug, Features: map[string][]domain.EntityStat{}}
	for _, r := range rows {
		resp.Features[r.Feature] = append(resp.Features[r.Feature], r)
	}
	c.JSON(http.StatusOK, resp)
}

func dayParam(c *gin.Context, name string) (*time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, raw, time.UTC)
	if err != nil {
		return nil, apperrors.ErrInvalidRequestFieldf(name)
	}
	return &t, nil
}

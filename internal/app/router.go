package app

import (
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"metexplorer.io/met/internal/api/handlers"
	"metexplorer.io/met/internal/api/middleware"
	"metexplorer.io/met/internal/config"
	"metexplorer.io/met/internal/metrics"
	"metexplorer.io/met/internal/pkg/logger"
)

func newRouter(cfg *config.Config, server *handlers.Server, m *metrics.Metrics) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), middleware.AccessLog())
	if corsCfg, ok := buildCORSConfig(cfg.Server); ok {
		router.Use(cors.New(corsCfg))
	}
	router.Use(middleware.ErrorHandler())

	server.RegisterRoutes(router.Group("/api/v1"))

	if m != nil {
		router.GET("/metrics", gin.WrapH(m.Handler()))
	}
	level := gin.WrapH(logger.HTTPHandler())
	router.GET("/log/level", level)
	router.PUT("/log/level", level)
	return router
}

// buildCORSConfig returns the CORS policy for the configured origins. No
// origins disables CORS; "*" allows every origin without credentials.
func buildCORSConfig(cfg config.ServerConfig) (cors.Config, bool) {
	if len(cfg.AllowedOrigins) == 0 {
		return cors.Config{}, false
	}
	c := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders:  []string{"Origin", "Content-Type", middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	if slices.Contains(cfg.AllowedOrigins, "*") {
		c.AllowAllOrigins = true
		return c, true
	}
	c.AllowOrigins = slices.Clone(cfg.AllowedOrigins)
	return c, true
}

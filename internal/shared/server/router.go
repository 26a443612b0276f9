package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"analyzer-backend/internal/shared/config"
	"analyzer-backend/internal/shared/metrics"
	"analyzer-backend/internal/shared/server/middleware"
)

// RouteRegistrar attaches domain routes under the versioned API group.
type RouteRegistrar interface {
	RegisterRoutes(rg *gin.RouterGroup)
}

// RouterDeps holds everything the router needs.
type RouterDeps struct {
	Config *config.Config
	Jobs   RouteRegistrar
}

// NewRouter builds the gin engine with shared middleware and all routes.
func NewRouter(deps RouterDeps) *gin.Engine {
	if deps.Config != nil && deps.Config.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logging())

	allowOrigins := []string{"*"}
	if deps.Config != nil && len(deps.Config.CORSAllowOrigin) > 0 {
		allowOrigins = deps.Config.CORSAllowOrigin
	}
	router.Use(middleware.CORS(allowOrigins))

	router.GET("/metrics", metrics.Handler())

	api := router.Group("/api/v1")
	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	if deps.Jobs != nil {
		deps.Jobs.RegisterRoutes(api)
	}

	return router
}

// Addr returns the listen address for the configured port.
func Addr(cfg *config.Config) string {
	port := "8080"
	if cfg != nil && cfg.Port != "" {
		port = cfg.Port
	}
	return fmt.Sprintf(":%s", port)
}

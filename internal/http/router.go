package http

import (
	"github.com/gin-gonic/gin"

	"github.com/muttpipeline/mutt/internal/apiversion"
	httpH "github.com/muttpipeline/mutt/internal/http/handlers"
	httpMW "github.com/muttpipeline/mutt/internal/http/middleware"
	"github.com/muttpipeline/mutt/internal/metrics"
	"github.com/muttpipeline/mutt/internal/platform/logger"
)

// RouterConfig wires the Ingestor's handlers and middleware into a gin
// Engine. The Ingestor's entire surface is POST /ingest (v1 and v2), plus
// the operational /health and /metrics endpoints.
type RouterConfig struct {
	AuthMiddleware *httpMW.AuthMiddleware
	EventHandler   *httpH.EventHandler
	HealthHandler  *httpH.HealthHandler
	Metrics        *metrics.Registry
	Log            *logger.Logger
}

// NewRouter builds the Ingestor's gin Engine.
func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(apiversion.Middleware())

	if cfg.HealthHandler != nil {
		r.GET("/health", cfg.HealthHandler.HealthCheck)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}

	api := r.Group("/api")
	if cfg.AuthMiddleware != nil {
		api.Use(cfg.AuthMiddleware.RequireAPIKey())
	}

	if cfg.EventHandler != nil {
		v2 := api.Group("/v2")
		v2.POST("/ingest", cfg.EventHandler.Ingest)

		v1 := api.Group("/v1")
		v1.POST("/ingest", apiversion.MarkDeprecated(), cfg.EventHandler.Ingest)
	}

	return r
}

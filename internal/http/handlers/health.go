package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"

	"github.com/muttpipeline/mutt/internal/audit"
)

// HealthHandler reports connectivity to the stores the ingestor depends on,
// rather than a static "ok": a Postgres or Redis outage should surface here
// immediately instead of only showing up as queue backpressure downstream.
type HealthHandler struct {
	auditStore *audit.Store
	rdb        *goredis.Client
}

// NewHealthHandler builds a HealthHandler over the given stores. Either may
// be nil, in which case that dependency is skipped (used by role-specific
// binaries that don't hold both connections).
func NewHealthHandler(auditStore *audit.Store, rdb *goredis.Client) *HealthHandler {
	return &HealthHandler{auditStore: auditStore, rdb: rdb}
}

// HealthCheck handles GET /health, returning 200 with each dependency's
// status or 503 if any is unreachable.
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := gin.H{}
	healthy := true

	if h.auditStore != nil {
		if err := h.auditStore.HealthCheck(ctx); err != nil {
			status["postgres"] = err.Error()
			healthy = false
		} else {
			status["postgres"] = "ok"
		}
	}
	if h.rdb != nil {
		if err := h.rdb.Ping(ctx).Err(); err != nil {
			status["redis"] = err.Error()
			healthy = false
		} else {
			status["redis"] = "ok"
		}
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

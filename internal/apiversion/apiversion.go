// Package apiversion stamps every ingestor response with the API version
// headers operators use to track rollout of the /api/v2/ingest migration.
package apiversion

import "github.com/gin-gonic/gin"

const (
	Current    = "v2"
	Deprecated = "v1"
)

// Middleware sets X-API-Version and X-API-Supported-Versions on every
// response; X-API-Deprecated is added separately by MarkDeprecated.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("X-API-Version", Current)
		c.Writer.Header().Set("X-API-Supported-Versions", Deprecated+", "+Current)
		c.Next()
	}
}

// MarkDeprecated flags the current request as hitting a deprecated route
// alias (e.g. POST /api/v1/ingest), added on routes that keep the old path
// working during the migration window.
func MarkDeprecated() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("X-API-Deprecated", "true")
		c.Next()
	}
}

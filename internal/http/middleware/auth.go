package middleware

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/muttpipeline/mutt/internal/http/response"
	pkgerrors "github.com/muttpipeline/mutt/internal/pkg/errors"
	"github.com/muttpipeline/mutt/internal/platform/logger"
)

// AuthMiddleware enforces the X-API-KEY header against the set of keys
// configured for the ingestor. Unlike the Bearer-token flow this replaces,
// there is no per-request identity to resolve: a key either belongs to the
// configured set or it doesn't.
type AuthMiddleware struct {
	log     *logger.Logger
	apiKeys map[string]struct{}
}

// NewAuthMiddleware builds an AuthMiddleware accepting any key in apiKeys.
func NewAuthMiddleware(log *logger.Logger, apiKeys []string) *AuthMiddleware {
	set := make(map[string]struct{}, len(apiKeys))
	for _, k := range apiKeys {
		set[k] = struct{}{}
	}
	return &AuthMiddleware{log: log.With("component", "AuthMiddleware"), apiKeys: set}
}

// RequireAPIKey rejects any request whose X-API-KEY header doesn't match a
// configured key.
func (am *AuthMiddleware) RequireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-API-KEY")
		if key == "" {
			response.RespondError(c, http.StatusUnauthorized, "unauthorized", fmt.Errorf("missing X-API-KEY: %w", pkgerrors.ErrUnauthorized))
			c.Abort()
			return
		}
		if _, ok := am.apiKeys[key]; !ok {
			am.log.Warn("rejected request with unrecognized API key")
			response.RespondError(c, http.StatusUnauthorized, "unauthorized", fmt.Errorf("invalid API key: %w", pkgerrors.ErrUnauthorized))
			c.Abort()
			return
		}
		c.Next()
	}
}

package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avsupgw/internal/config"
	"github.com/vyrodovalexey/avsupgw/internal/observability"
)

// HeaderMasterKey carries the administrative credential for key
// management endpoints.
const HeaderMasterKey = "X-Master-Key"

// MasterKeyGate guards management endpoints with the configured master
// key. Management is fully disabled when no master key is set.
func MasterKeyGate(cfg *config.Config, extractor *ClientIPExtractor, logger observability.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return func(c *gin.Context) {
		if !cfg.HasMasterKey() {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "Master key not configured",
				"hint":  "Add 'master_key' to addon configuration",
			})
			return
		}

		provided := c.GetHeader(HeaderMasterKey)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(cfg.MasterKey)) != 1 {
			logger.Error("failed master key auth attempt",
				observability.String("client_ip", extractor.Extract(c.Request)),
				observability.String("endpoint", c.Request.URL.Path))
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Invalid master key",
			})
			return
		}

		c.Next()
	}
}

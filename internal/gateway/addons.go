package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avsupgw/internal/observability"
	"github.com/vyrodovalexey/avsupgw/internal/supervisor"
)

// handleListAddons proxies the addon inventory.
func (s *Server) handleListAddons(c *gin.Context) {
	s.proxy(c, http.MethodGet, "/addons", supervisor.InfoTimeout)
}

// handleAddonInfo proxies a single addon's details.
func (s *Server) handleAddonInfo(c *gin.Context) {
	s.proxy(c, http.MethodGet, "/addons/"+c.Param("slug")+"/info", supervisor.InfoTimeout)
}

// addonAction returns a handler proxying a lifecycle action with the
// given timeout. Updates get a much longer window than start/stop.
func (s *Server) addonAction(action string, timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.proxy(c, http.MethodPost, "/addons/"+c.Param("slug")+"/"+action, timeout)
	}
}

// proxy forwards the request upstream and relays the response
// verbatim, status included.
func (s *Server) proxy(c *gin.Context, method, path string, timeout time.Duration) {
	resp, err := s.client.Proxy(c.Request.Context(), method, path, timeout)
	if err != nil {
		s.logger.Error("error proxying to supervisor",
			observability.String("path", path),
			observability.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "Upstream request failed"})
		return
	}

	contentType := resp.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(resp.StatusCode, contentType, resp.Body)
}

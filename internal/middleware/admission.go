package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avsupgw/internal/audit"
	"github.com/vyrodovalexey/avsupgw/internal/auth"
	"github.com/vyrodovalexey/avsupgw/internal/config"
	"github.com/vyrodovalexey/avsupgw/internal/observability"
	"github.com/vyrodovalexey/avsupgw/internal/ratelimit"
)

// Context keys set by the admission pipeline for downstream handlers.
const (
	ContextKeyClientIP = "client_ip"
	ContextKeyIdentity = "identity"
)

// Admission is the layered request gate applied to every proxied
// endpoint. The layer order is fixed: emergency disable, IP whitelist,
// authentication, rate limiting, audit. A request rejected by one
// layer never reaches the next.
type Admission struct {
	cfg           *config.Config
	authenticator *auth.Authenticator
	limiter       *ratelimit.Limiter
	sink          audit.Sink
	extractor     *ClientIPExtractor
	logger        observability.Logger
}

// NewAdmission assembles the pipeline.
func NewAdmission(
	cfg *config.Config,
	authenticator *auth.Authenticator,
	limiter *ratelimit.Limiter,
	sink audit.Sink,
	extractor *ClientIPExtractor,
	logger observability.Logger,
) *Admission {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Admission{
		cfg:           cfg,
		authenticator: authenticator,
		limiter:       limiter,
		sink:          sink,
		extractor:     extractor,
		logger:        logger,
	}
}

// Handler returns the gin middleware running all admission layers.
func (a *Admission) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := a.extractor.Extract(c.Request)
		c.Set(ContextKeyClientIP, clientIP)

		endpoint := c.Request.URL.Path
		method := c.Request.Method

		// Ingress requests are pre-authenticated inside the private
		// network, so the whitelist does not apply to them.
		fromIngress := c.GetHeader(auth.HeaderIngressPath) != ""

		if a.cfg.EmergencyDisable {
			a.logger.Error("emergency disable active, rejecting request",
				observability.String("client_ip", clientIP),
				observability.String("endpoint", endpoint))
			a.record(c, endpoint, method, clientIP, "", audit.CategoryBlocked, "Emergency disable active")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "Service temporarily disabled",
			})
			return
		}

		if !fromIngress && !a.whitelisted(clientIP) {
			a.record(c, endpoint, method, clientIP, "", audit.CategoryBlocked, "IP not whitelisted")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Access denied: IP not whitelisted",
			})
			return
		}

		result := a.authenticator.Authenticate(c.Request.Context(), c.Request)
		if !result.Authenticated {
			a.record(c, endpoint, method, clientIP, "", audit.CategoryAuthFailed, result.Reason)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": result.Reason,
			})
			return
		}

		keyName := result.Identity.Name
		decision := a.limiter.Allow(clientIP + ":" + keyName)
		if !decision.Allowed {
			a.record(c, endpoint, method, clientIP, keyName, audit.CategoryRateLimited, decision.Reason)
			c.Header("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": decision.Reason,
			})
			return
		}

		a.record(c, endpoint, method, clientIP, keyName, audit.CategorySuccess, "")
		c.Set(ContextKeyIdentity, result.Identity)
		c.Next()
	}
}

// whitelisted applies the exact-match IP whitelist. An empty whitelist
// admits everyone.
func (a *Admission) whitelisted(clientIP string) bool {
	if len(a.cfg.IPWhitelist) == 0 {
		return true
	}
	for _, allowed := range a.cfg.IPWhitelist {
		if clientIP == allowed {
			return true
		}
	}
	return false
}

func (a *Admission) record(c *gin.Context, endpoint, method, clientIP, keyName string, category audit.Category, detail string) {
	a.sink.Record(c.Request.Context(), audit.NewEvent(endpoint, method, clientIP, keyName, category, detail))
}

// ClientIP returns the admission-resolved client IP for the request,
// falling back to gin's own resolution when the pipeline did not run.
func ClientIP(c *gin.Context) string {
	if ip, ok := c.Get(ContextKeyClientIP); ok {
		if s, ok := ip.(string); ok {
			return s
		}
	}
	return c.ClientIP()
}

// Identity returns the authenticated identity set by the pipeline.
func Identity(c *gin.Context) (*auth.Identity, bool) {
	v, ok := c.Get(ContextKeyIdentity)
	if !ok {
		return nil, false
	}
	identity, ok := v.(*auth.Identity)
	return identity, ok
}

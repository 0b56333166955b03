package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avsupgw/internal/keystore"
	"github.com/vyrodovalexey/avsupgw/internal/middleware"
	"github.com/vyrodovalexey/avsupgw/internal/observability"
	"github.com/vyrodovalexey/avsupgw/internal/rotation"
	"github.com/vyrodovalexey/avsupgw/internal/supervisor"
)

// handleHealth is the unauthenticated liveness probe.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"addon":       "supervisor-api-gateway",
		"version":     Version,
		"keys_active": s.store.CountByStatus(keystore.StatusActive),
	})
}

// handleMyIP reports the caller's resolved address so operators know
// what to whitelist.
func (s *Server) handleMyIP(c *gin.Context) {
	clientIP := s.extractor.Extract(c.Request)

	response := gin.H{
		"your_ip": clientIP,
		"headers": gin.H{
			"X-Forwarded-For": c.GetHeader(middleware.HeaderXForwardedFor),
			"X-Real-IP":       c.GetHeader(middleware.HeaderXRealIP),
			"Remote-Addr":     c.Request.RemoteAddr,
		},
		"help": "Add this IP to your ip_whitelist configuration in the addon settings",
	}
	if middleware.IsPrivateIP(clientIP) {
		response["warning"] = "Private IP detected! You are accessing from internal network."
		response["suggestion"] = "Access via your external URL to see your real external IP for whitelisting."
	}

	c.JSON(http.StatusOK, response)
}

type generateKeyRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handleGenerateKey(c *gin.Context) {
	var req generateKeyRequest
	// A missing or malformed body is treated as empty; every field has
	// a usable default.
	_ = c.ShouldBindJSON(&req)

	name := req.Name
	if name == "" {
		name = time.Now().Format("Key-20060102-150405")
	}

	secret, err := keystore.GenerateSecret(keystore.DefaultSecretLength)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	record, err := s.store.Add(secret, name, req.Description)
	if err != nil {
		s.logger.Warn("key generated but persistence failed", observability.Error(err))
	}

	s.logger.Info("new API key generated", observability.String("name", name))

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"key":        secret,
		"key_hash":   record.Hash,
		"name":       name,
		"created_at": record.CreatedAt.Format(time.RFC3339),
		"warning":    "Save this key securely. It won't be shown again.",
	})
}

type rotateKeyRequest struct {
	OldKeyHash string `json:"old_key_hash"`
	GraceHours *int   `json:"grace_hours"`

	// AddonSlug overrides the configured addon for auto-rotation.
	AddonSlug string `json:"addon_slug"`
}

func (r *rotateKeyRequest) graceHours(fallback int) int {
	if r.GraceHours == nil {
		return fallback
	}
	return *r.GraceHours
}

func (s *Server) handleRotateKey(c *gin.Context) {
	var req rotateKeyRequest
	// A missing or malformed body is treated as empty and caught by the
	// required-field check below.
	_ = c.ShouldBindJSON(&req)

	if req.OldKeyHash == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "old_key_hash required"})
		return
	}
	grace := req.graceHours(24)

	result, err := s.rotator.Rotate(req.OldKeyHash, grace)
	if err != nil {
		if errors.Is(err, rotation.ErrUnknownKey) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Key not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":                   true,
		"new_key":                   result.Secret,
		"new_key_hash":              result.NewHash,
		"old_key_hash":              result.OldHash,
		"old_key_deprecated_until":  formatGrace(result),
		"message":                   fmt.Sprintf("New key generated. Old key will be revoked in %d hours.", grace),
	})
}

func (s *Server) handleAutoRotate(c *gin.Context) {
	var req rotateKeyRequest
	// A missing or malformed body is treated as empty and caught by the
	// required-field check below.
	_ = c.ShouldBindJSON(&req)

	if req.OldKeyHash == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "old_key_hash required"})
		return
	}
	grace := req.graceHours(0)

	result, err := s.rotator.AutoRotate(c.Request.Context(), req.OldKeyHash, grace, req.AddonSlug)
	if err != nil {
		switch {
		case errors.Is(err, rotation.ErrUnknownKey):
			c.JSON(http.StatusNotFound, gin.H{"error": "Key not found"})
		case isUpstreamError(err):
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "Failed to update addon configuration",
				"details": err.Error(),
				"hint":    "Check that the gateway has manager access to the supervisor",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	oldStatus := "deprecated"
	if grace <= 0 {
		oldStatus = "revoked"
	}

	c.JSON(http.StatusOK, gin.H{
		"success":            true,
		"new_key":            result.Secret,
		"new_key_hash":       result.NewHash,
		"old_key_hash":       result.OldHash,
		"old_key_status":     oldStatus,
		"grace_until":        formatGrace(result),
		"message":            "Key rotated successfully. Addon restarting in 2 seconds.",
		"restart_in_seconds": 2,
		"instructions": gin.H{
			"1": "Save the new key immediately",
			"2": "Wait 5-10 seconds for addon to restart",
			"3": "Test the new key with a /health request",
			"4": "Update your dashboard configuration",
		},
	})
}

type revokeKeyRequest struct {
	KeyHash string `json:"key_hash"`
}

func (s *Server) handleRevokeKey(c *gin.Context) {
	var req revokeKeyRequest
	// A missing or malformed body is treated as empty and caught by the
	// required-field check below.
	_ = c.ShouldBindJSON(&req)

	if req.KeyHash == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key_hash required"})
		return
	}

	if !s.store.Revoke(req.KeyHash) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Key not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Key revoked successfully",
	})
}

func (s *Server) handleListKeys(c *gin.Context) {
	records := s.store.List()
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	keys := make([]gin.H, 0, len(records))
	for _, rec := range records {
		entry := gin.H{
			"hash":        rec.Hash,
			"hash_short":  rec.ShortHash(),
			"name":        rec.Name,
			"description": rec.Description,
			"status":      rec.Status,
			"created_at":  rec.CreatedAt.Format(time.RFC3339),
			"last_used":   formatTimePtr(rec.LastUsed),
			"usage_count": rec.UsageCount,
		}
		if rec.Status == keystore.StatusDeprecated {
			entry["grace_until"] = formatTimePtr(rec.GraceUntil)
		} else {
			entry["grace_until"] = nil
		}
		keys = append(keys, entry)
	}

	c.JSON(http.StatusOK, gin.H{
		"keys":  keys,
		"total": len(keys),
	})
}

func formatGrace(result *rotation.Result) interface{} {
	return formatTimePtr(result.GraceUntil)
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

func isUpstreamError(err error) bool {
	var upErr *supervisor.UpstreamError
	return errors.As(err, &upErr)
}

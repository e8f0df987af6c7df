// Package server provides the HTTP server implementation.
package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/codeassist-gateway/internal/config"
	"github.com/poemonsense/codeassist-gateway/internal/store"
	"github.com/poemonsense/codeassist-gateway/internal/utils"
)

const apiKeyContextKey = "apiKey"

// CORSMiddleware handles CORS headers
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// extractKey pulls the caller's key from the Authorization or X-API-Key
// header.
func extractKey(c *gin.Context) string {
	if authHeader := c.GetHeader("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	if authHeader := c.GetHeader("x-goog-api-key"); authHeader != "" {
		return authHeader
	}
	return c.GetHeader("X-API-Key")
}

// APIKeyAuthMiddleware validates the caller's API key against the store and
// attaches the key record to the request context.
func APIKeyAuthMiddleware(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		providedKey := extractKey(c)
		if providedKey != "" {
			key, err := st.GetAPIKey(providedKey)
			if err != nil {
				utils.Error("[API] Key lookup failed: %v", err)
			} else if key != nil {
				if terr := st.TouchAPIKey(key.ID); terr != nil {
					utils.Debug("[API] Failed to touch key %d: %v", key.ID, terr)
				}
				c.Set(apiKeyContextKey, key)
				c.Next()
				return
			}
		}

		utils.Warn("[API] Unauthorized request from %s, invalid API key", c.ClientIP())
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": gin.H{
				"type":    "authentication_error",
				"message": "Invalid or missing API key",
				"code":    "authentication_error",
			},
		})
	}
}

// AdminAuthMiddleware protects the admin surface with the configured admin
// key. Admin routes are disabled entirely when no key is configured.
func AdminAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.AdminKey == "" || extractKey(c) != cfg.AdminKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"type":    "authentication_error",
					"message": "Invalid or missing admin key",
					"code":    "authentication_error",
				},
			})
			return
		}
		c.Next()
	}
}

// apiKeyFromContext returns the authenticated key id, or 0.
func apiKeyFromContext(c *gin.Context) int64 {
	if v, ok := c.Get(apiKeyContextKey); ok {
		if key, ok := v.(*store.APIKey); ok {
			return key.ID
		}
	}
	return 0
}

// RequestLoggingMiddleware logs all requests
func RequestLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()
		logMsg := "[%s] %s %d (%dms)"

		if status >= 500 {
			utils.Error(logMsg, c.Request.Method, c.Request.URL.Path, status, duration.Milliseconds())
		} else if status >= 400 {
			utils.Warn(logMsg, c.Request.Method, c.Request.URL.Path, status, duration.Milliseconds())
		} else {
			utils.Info(logMsg, c.Request.Method, c.Request.URL.Path, status, duration.Milliseconds())
		}
	}
}

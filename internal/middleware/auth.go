package middleware

import (
	"crypto/subtle"
	"net/http"

	"entitlement-api/internal/config"
	"entitlement-api/internal/response"

	"github.com/gin-gonic/gin"
)

// APIKeyMiddleware guards the internal read/refresh API with the
// static key from config. The Apple webhook stays outside it; Apple
// authenticates through payload signatures, not headers.
func APIKeyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("X-API-Key")
		if apiKey == "" {
			apiKey = c.Query("api_key")
		}

		expected := config.AppConfig.APIKey
		if expected == "" {
			response.ErrorJSON(c, http.StatusServiceUnavailable, "API access is not configured")
			c.Abort()
			return
		}

		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(expected)) != 1 {
			response.ErrorJSON(c, http.StatusUnauthorized, "Invalid API key")
			c.Abort()
			return
		}

		c.Next()
	}
}

package middleware

import (
	"crypto/subtle"
	"net/http"
	"time"

	"entitlement-api/internal/response"

	"github.com/gin-gonic/gin"
)

const CodeUnauthorized = "UNAUTHORIZED"

// APIKeyAuth requires X-API-Key (or the api_key query parameter) to equal
// key. An empty key disables the check.
func APIKeyAuth(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}

		apiKey := c.GetHeader("X-API-Key")
		// Browsers cannot set headers on websocket upgrades
		if apiKey == "" {
			apiKey = c.Query("api_key")
		}

		if apiKey == "" {
			response.AbortWithError(c, http.StatusUnauthorized, CodeUnauthorized, "Missing api key")
			return
		}
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) != 1 {
			response.AbortWithError(c, http.StatusUnauthorized, CodeUnauthorized, "Invalid api key")
			return
		}

		c.Set("request_time", time.Now())
		c.Next()
	}
}

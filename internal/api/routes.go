package api

import (
	"net/http"

	"entitlement-api/internal/middleware"

	"github.com/gin-gonic/gin"
)

// SetupRoutes configures all API routes. User routes require clientAPIKey
// when it is set.
func SetupRoutes(r *gin.Engine, h *Handler, clientAPIKey string) {
	// Webhook routes authenticate by payload signature
	webhooks := r.Group("/webhooks")
	{
		webhooks.POST("/purchase-notifications", h.PurchaseNotification)
	}

	users := r.Group("/users/:userId")
	users.Use(middleware.APIKeyAuth(clientAPIKey))
	{
		users.GET("/entitlements", h.ListEntitlements)
		users.GET("/entitlements/changes", h.ListChanges)
		users.GET("/entitlements/:productId/access", h.ProductAccess)
		users.GET("/stream", h.Stream)
		users.POST("/devices", h.RegisterDevice)
		users.DELETE("/devices/:token", h.DeleteDevice)
	}

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "entitlement-api",
		})
	})

	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics))
	}
}

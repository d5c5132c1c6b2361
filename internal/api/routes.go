package api

import (
	"entitlement-api/internal/middleware"

	"github.com/gin-gonic/gin"
)

// SetupRoutes sets up all routes
func SetupRoutes(r *gin.Engine, webhook *AppleWebhookHandler, customers *CustomerHandler) {
	// App Store notification webhook (no authentication, Apple calls this)
	r.POST("/webhooks/apple", webhook.Handle)

	// Internal API (requires API key)
	api := r.Group("/api")
	api.Use(middleware.APIKeyMiddleware())
	{
		api.GET("/customers/:appUserID", customers.GetCustomer)
		api.POST("/customers/:appUserID", customers.CreateCustomer)
		api.POST("/customers/:appUserID/refresh", customers.RefreshCustomer)
		api.GET("/orders/:orderID", customers.GetOrder)
	}

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"service": "entitlement-service",
		})
	})
}

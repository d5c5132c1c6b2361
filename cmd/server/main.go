package main

import (
	"log"

	"entitlement-api/internal/api"
	"entitlement-api/internal/appstore"
	"entitlement-api/internal/config"
	"entitlement-api/internal/database"
	"entitlement-api/internal/services"
	"entitlement-api/pkg/logging"

	"github.com/gin-gonic/gin"
)

func main() {
	// Initialize configuration
	if err := config.InitConfig(); err != nil {
		log.Fatal("Failed to initialize config:", err)
	}

	// Initialize logging
	logging.InitLogging()

	// Missing signing credentials are fatal at startup
	if err := config.AppConfig.Apple.Validate(); err != nil {
		log.Fatal("Failed to validate Apple configuration: ", err)
	}

	// Initialize database
	if err := database.InitDatabase(); err != nil {
		log.Fatal("Failed to initialize database:", err)
	}

	appleCfg := config.AppConfig.Apple

	issuer, err := appstore.NewTokenIssuer(appleCfg)
	if err != nil {
		log.Fatal("Failed to initialize Apple token issuer: ", err)
	}

	keyCache := appstore.NewKeyCache(appleCfg.JWKSURL)

	// Webhook decode policy: verified decoding by default, fast-path
	// decode only when explicitly configured off.
	var webhookDecoder appstore.PayloadDecoder = appstore.NewVerifiedDecoder(keyCache)
	if !appleCfg.VerifyWebhooks {
		logging.Warnf("Webhook signature verification is disabled")
		webhookDecoder = appstore.FastDecoder{}
	}

	client := appstore.NewClient(appleCfg, issuer)
	mapper := services.NewCustomerInfoMapper(!appleCfg.IsProduction())
	store := services.NewGormCustomerStore(database.GetDB())
	dedup := services.NewNotificationDedup(database.GetRedis())
	alerts := services.NewAlertNotifier()

	reconciler := services.NewReconciler(store, client, mapper, dedup, alerts, webhookDecoder, database.GetDB())

	// Set Gin mode
	gin.SetMode(config.AppConfig.Mode)

	// Create Gin engine
	r := gin.Default()

	// Setup routes
	api.SetupRoutes(r,
		api.NewAppleWebhookHandler(webhookDecoder, reconciler),
		api.NewCustomerHandler(store, client, mapper),
	)

	// Start server
	port := config.AppConfig.Port
	logging.Infof("Starting server on port %s", port)

	if err := r.Run(":" + port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}

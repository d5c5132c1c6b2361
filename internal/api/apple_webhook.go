package api

import (
	"net/http"

	"entitlement-api/internal/appstore"
	"entitlement-api/internal/models"
	"entitlement-api/internal/services"
	"entitlement-api/pkg/logging"

	"github.com/gin-gonic/gin"
)

// AppleWebhookHandler receives App Store Server Notifications.
//
// Phase 1 (decode + acknowledge) completes before the response is
// sent; phase 2 (full reconciliation) is detached and never reported
// back to Apple. Apple retries non-2xx responses, so every condition
// other than a missing signedPayload field answers 200.
type AppleWebhookHandler struct {
	decoder    appstore.PayloadDecoder
	reconciler *services.Reconciler
}

func NewAppleWebhookHandler(decoder appstore.PayloadDecoder, reconciler *services.Reconciler) *AppleWebhookHandler {
	return &AppleWebhookHandler{decoder: decoder, reconciler: reconciler}
}

// Handle handles POST /webhooks/apple
func (h *AppleWebhookHandler) Handle(c *gin.Context) {
	var wrapper models.NotificationWrapper
	if err := c.ShouldBindJSON(&wrapper); err != nil || wrapper.SignedPayload == "" {
		logging.Errorf("Missing signedPayload in Apple webhook request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing signedPayload"})
		return
	}

	var notification models.AppStoreNotification
	if err := h.decoder.Decode(c.Request.Context(), wrapper.SignedPayload, &notification); err != nil {
		logging.Errorf("Failed to decode Apple webhook payload: %v", err)
		c.Status(http.StatusOK)
		return
	}

	h.reconciler.ProcessDetached(&notification)

	c.Status(http.StatusOK)
}

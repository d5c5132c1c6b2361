package services

import (
	"context"
	"fmt"
	"time"

	"entitlement-api/internal/config"
	"entitlement-api/internal/models"
	"entitlement-api/pkg/logging"

	brevo "github.com/getbrevo/brevo-go/lib"
)

// AlertNotifier surfaces reconciliation failures to operators by
// email. The webhook boundary never reports failures to Apple, so this
// is the only channel besides the error log.
type AlertNotifier struct {
	client    *brevo.APIClient
	fromEmail string
	fromName  string
	toEmail   string
}

// NewAlertNotifier builds the notifier from config. Without a Brevo
// API key or alert address it stays disabled and only the log carries
// failures.
func NewAlertNotifier() *AlertNotifier {
	cfg := config.AppConfig
	if cfg.BrevoAPIKey == "" || cfg.AlertEmail == "" {
		logging.Infof("Alert email disabled: BREVO_API_KEY or ALERT_EMAIL not set")
		return &AlertNotifier{}
	}

	brevoCfg := brevo.NewConfiguration()
	brevoCfg.AddDefaultHeader("api-key", cfg.BrevoAPIKey)

	return &AlertNotifier{
		client:    brevo.NewAPIClient(brevoCfg),
		fromEmail: cfg.BrevoFromEmail,
		fromName:  cfg.BrevoFromName,
		toEmail:   cfg.AlertEmail,
	}
}

// NotifyReconciliationFailure emails the failure details for one
// notification. Errors here are logged and dropped; alerting must not
// fail the reconciliation path it reports on.
func (a *AlertNotifier) NotifyReconciliationFailure(notification *models.AppStoreNotification, cause error) {
	if a.client == nil {
		return
	}

	subject := fmt.Sprintf("[entitlement-api] Reconciliation failed: %s", notification.NotificationType)
	text := fmt.Sprintf(
		"Apple notification could not be reconciled.\n\n"+
			"Type: %s\nUUID: %s\nProduct: %s\nTransaction: %s\nOriginal transaction: %s\nApp account token: %s\n\nError: %v\nTime: %s\n",
		notification.NotificationType,
		notification.NotificationUUID,
		notification.Data.ProductID,
		notification.Data.TransactionID,
		notification.Data.OriginalTransactionID,
		notification.Data.AppAccountToken,
		cause,
		time.Now().UTC().Format(time.RFC3339),
	)

	email := brevo.SendSmtpEmail{
		Sender: &brevo.SendSmtpEmailSender{
			Name:  a.fromName,
			Email: a.fromEmail,
		},
		To: []brevo.SendSmtpEmailTo{
			{Email: a.toEmail},
		},
		Subject:     subject,
		TextContent: text,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, _, err := a.client.TransactionalEmailsApi.SendTransacEmail(ctx, email); err != nil {
		logging.Errorf("Failed to send reconciliation alert email: %v", err)
		return
	}
	logging.Infof("Reconciliation alert sent - type: %s, uuid: %s",
		notification.NotificationType, notification.NotificationUUID)
}

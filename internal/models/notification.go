package models

import "encoding/json"

// Notification types from App Store Server Notifications V2
const (
	NotificationSubscribed             = "SUBSCRIBED"
	NotificationDidRenew               = "DID_RENEW"
	NotificationDidChangeRenewalStatus = "DID_CHANGE_RENEWAL_STATUS"
	NotificationExpired                = "EXPIRED"
	NotificationDidFailToRenew         = "DID_FAIL_TO_RENEW"
	NotificationRefund                 = "REFUND"
)

// NotificationWrapper represents the outer wrapper of an App Store
// Server Notification V2. Apple sends the actual notification as a JWS
// in the signedPayload field.
type NotificationWrapper struct {
	SignedPayload string `json:"signedPayload"`
}

// AppStoreNotification is the decoded content of the signedPayload JWS.
// Apple uses camelCase for field names.
type AppStoreNotification struct {
	NotificationType string           `json:"notificationType"` // e.g. "SUBSCRIBED", "DID_RENEW"
	Subtype          string           `json:"subtype,omitempty"`
	NotificationUUID string           `json:"notificationUUID"` // idempotency/tracing key
	DataVersion      string           `json:"dataVersion"`
	SignedDate       int64            `json:"signedDate"`
	Data             NotificationData `json:"data"`
}

// NotificationData carries the transaction identifiers a notification
// refers to. AppAccountToken is the canonical application user id, set
// by the client at purchase time.
type NotificationData struct {
	AppAppleID            int64      `json:"appAppleId,omitempty"`
	BundleID              string     `json:"bundleId,omitempty"`
	Environment           string     `json:"environment,omitempty"` // "Sandbox" or "Production"
	ProductID             string     `json:"productId,omitempty"`
	TransactionID         string     `json:"transactionId,omitempty"`
	OriginalTransactionID string     `json:"originalTransactionId,omitempty"`
	AppAccountToken       string     `json:"appAccountToken,omitempty"`
	AutoRenewStatus       FlexString `json:"autoRenewStatus,omitempty"`
	Status                string     `json:"status,omitempty"`
	// SignedTransactionInfo is an inner JWS with the full transaction
	// record; decoded to fill in any identifier missing above.
	SignedTransactionInfo string `json:"signedTransactionInfo,omitempty"`
}

// FlexString unmarshals a JSON string, bool or number into its string
// form. Apple is not consistent about the type of autoRenewStatus
// ("ON", true and 1 all appear in the wild).
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = FlexString(s)
		return nil
	}
	var v bool
	if err := json.Unmarshal(b, &v); err == nil {
		if v {
			*f = "true"
		} else {
			*f = "false"
		}
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

// RenewOn reports whether the flexible auto-renew value means "on"
func (f FlexString) RenewOn() bool {
	switch string(f) {
	case "ON", "true", "1":
		return true
	}
	return false
}

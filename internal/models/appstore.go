package models

import "encoding/json"

// SubscriptionRecord is one subscription entry from the App Store
// Server API subscription status endpoint. Timestamps are carried
// verbatim as Apple returns them.
type SubscriptionRecord struct {
	ProductID             string     `json:"productId"`
	Status                string     `json:"status"` // "ACTIVE", "EXPIRED", ...
	AutoRenewStatus       FlexString `json:"autoRenewStatus,omitempty"`
	OfferType             string     `json:"offerType,omitempty"`
	PurchaseDate          string     `json:"purchaseDate,omitempty"`
	OriginalPurchaseDate  string     `json:"originalPurchaseDate,omitempty"`
	ExpiresDate           string     `json:"expiresDate,omitempty"`
	AppAccountToken       string     `json:"appAccountToken,omitempty"`
	OriginalTransactionID string     `json:"originalTransactionId,omitempty"`
}

// TransactionRecord is one entry from the transaction history endpoint
type TransactionRecord struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId,omitempty"`
	ProductID             string `json:"productId"`
	Type                  string `json:"type,omitempty"` // "Auto-Renewable Subscription", "Non-Consumable", ...
	PurchaseDate          string `json:"purchaseDate,omitempty"`
	OriginalPurchaseDate  string `json:"originalPurchaseDate,omitempty"`
	Environment           string `json:"environment,omitempty"`
	AppAccountToken       string `json:"appAccountToken,omitempty"`
}

// SubscriptionStatusResponse is the decoded body of
// GET /v1/subscriptions/{originalTransactionId}
type SubscriptionStatusResponse struct {
	Environment string               `json:"environment,omitempty"`
	BundleID    string               `json:"bundleId,omitempty"`
	Data        []SubscriptionRecord `json:"data"`
}

// TransactionHistoryResponse is the decoded body of
// GET /v2/history/{originalTransactionId}. Entries in
// signedTransactions are either JWS strings or, for already unwrapped
// payloads, plain transaction objects.
type TransactionHistoryResponse struct {
	Revision           string            `json:"revision,omitempty"`
	BundleID           string            `json:"bundleId,omitempty"`
	HasMore            bool              `json:"hasMore,omitempty"`
	SignedTransactions []json.RawMessage `json:"signedTransactions"`
}

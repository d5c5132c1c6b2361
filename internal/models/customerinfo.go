package models

// VerificationResult is the verification status of the last reconciliation
type VerificationResult string

const (
	VerificationNotRequested VerificationResult = "NOT_REQUESTED"
	VerificationVerified     VerificationResult = "VERIFIED"
	VerificationFailed       VerificationResult = "FAILED"
)

// EntitlementInfo describes a single product-linked access right
type EntitlementInfo struct {
	IsActive              bool    `json:"isActive"`
	WillRenew             bool    `json:"willRenew"`
	PeriodType            string  `json:"periodType"` // e.g. "NORMAL", "INTRO", "TRIAL"
	LatestPurchaseDate    string  `json:"latestPurchaseDate,omitempty"`
	OriginalPurchaseDate  string  `json:"originalPurchaseDate,omitempty"`
	ExpirationDate        string  `json:"expirationDate,omitempty"`
	ProductIdentifier     string  `json:"productIdentifier"`
	IsSandbox             bool    `json:"isSandbox"`
	UnsubscribeDetectedAt *string `json:"unsubscribeDetectedAt"`
}

// EntitlementInfos groups all known entitlements for a customer.
// Active must always be the subset of All whose IsActive flag is true.
type EntitlementInfos struct {
	All          map[string]EntitlementInfo `json:"all"`
	Active       map[string]EntitlementInfo `json:"active"`
	Verification VerificationResult         `json:"verification"`
}

// StoreTransaction is a one-time purchase record, immutable once recorded
type StoreTransaction struct {
	TransactionIdentifier string `json:"transactionIdentifier"`
	ProductIdentifier     string `json:"productIdentifier"`
	PurchaseDate          string `json:"purchaseDate"`
}

// CustomerInfo is the canonical per-user aggregate of entitlement and
// purchase state. It is mutated only by notification reconciliation or
// a full refresh from the App Store Server API.
type CustomerInfo struct {
	Entitlements                   EntitlementInfos   `json:"entitlements"`
	ActiveSubscriptions            []string           `json:"activeSubscriptions"`
	AllPurchasedProductIdentifiers []string           `json:"allPurchasedProductIdentifiers"`
	LatestExpirationDate           *string            `json:"latestExpirationDate"`
	FirstSeen                      string             `json:"firstSeen"`
	OriginalAppUserID              string             `json:"originalAppUserId"`
	RequestDate                    string             `json:"requestDate"`
	AllExpirationDates             map[string]*string `json:"allExpirationDates"`
	AllPurchaseDates               map[string]*string `json:"allPurchaseDates"`
	OriginalApplicationVersion     *string            `json:"originalApplicationVersion"`
	OriginalPurchaseDate           *string            `json:"originalPurchaseDate"`
	ManagementURL                  *string            `json:"managementURL"`
	NonSubscriptionTransactions    []StoreTransaction `json:"nonSubscriptionTransactions"`
}

// EmptyCustomerInfo returns the aggregate a customer starts with on
// first login, before any purchase has been observed.
func EmptyCustomerInfo(appUserID, now string) *CustomerInfo {
	return &CustomerInfo{
		Entitlements: EntitlementInfos{
			All:          map[string]EntitlementInfo{},
			Active:       map[string]EntitlementInfo{},
			Verification: VerificationNotRequested,
		},
		ActiveSubscriptions:            []string{},
		AllPurchasedProductIdentifiers: []string{},
		FirstSeen:                      now,
		OriginalAppUserID:              appUserID,
		RequestDate:                    now,
		AllExpirationDates:             map[string]*string{},
		AllPurchaseDates:               map[string]*string{},
		NonSubscriptionTransactions:    []StoreTransaction{},
	}
}

package services

import (
	"time"

	"entitlement-api/internal/models"
)

// CustomerInfoMapper transforms Apple subscription and transaction
// records into the canonical CustomerInfo aggregate. Pure, no I/O;
// total on empty input.
type CustomerInfoMapper struct {
	sandbox bool
	now     func() time.Time
}

func NewCustomerInfoMapper(sandbox bool) *CustomerInfoMapper {
	return &CustomerInfoMapper{sandbox: sandbox, now: time.Now}
}

// Map assumes its inputs were already authenticated upstream and
// therefore marks the result VERIFIED. Callers that only fast-path
// decoded their inputs must account for that.
func (m *CustomerInfoMapper) Map(subscriptions []models.SubscriptionRecord, transactions []models.TransactionRecord) *models.CustomerInfo {
	now := m.now().UTC().Format(time.RFC3339)

	all := make(map[string]models.EntitlementInfo, len(subscriptions))
	allExpirationDates := make(map[string]*string, len(subscriptions))
	for _, sub := range subscriptions {
		periodType := sub.OfferType
		if periodType == "" {
			periodType = "NORMAL"
		}

		ent := models.EntitlementInfo{
			IsActive:             sub.Status == "ACTIVE" || sub.Status == "active",
			WillRenew:            sub.AutoRenewStatus.RenewOn(),
			PeriodType:           periodType,
			LatestPurchaseDate:   sub.PurchaseDate,
			OriginalPurchaseDate: sub.OriginalPurchaseDate,
			ExpirationDate:       sub.ExpiresDate,
			ProductIdentifier:    sub.ProductID,
			IsSandbox:            m.sandbox,
		}
		if sub.Status == "EXPIRED" {
			detected := now
			ent.UnsubscribeDetectedAt = &detected
		}
		all[sub.ProductID] = ent

		if sub.ExpiresDate != "" {
			expires := sub.ExpiresDate
			allExpirationDates[sub.ProductID] = &expires
		} else {
			allExpirationDates[sub.ProductID] = nil
		}
	}

	active := make(map[string]models.EntitlementInfo)
	activeSubscriptions := make([]string, 0, len(subscriptions))
	seen := make(map[string]bool, len(subscriptions))
	for _, sub := range subscriptions {
		ent, ok := all[sub.ProductID]
		if !ok || !ent.IsActive || seen[sub.ProductID] {
			continue
		}
		seen[sub.ProductID] = true
		active[sub.ProductID] = ent
		activeSubscriptions = append(activeSubscriptions, sub.ProductID)
	}

	allPurchased := make([]string, 0, len(transactions))
	allPurchaseDates := make(map[string]*string, len(transactions))
	nonSubscription := make([]models.StoreTransaction, 0)
	for _, tx := range transactions {
		allPurchased = append(allPurchased, tx.ProductID)

		if tx.PurchaseDate != "" {
			purchase := tx.PurchaseDate
			allPurchaseDates[tx.ProductID] = &purchase
		} else {
			allPurchaseDates[tx.ProductID] = nil
		}

		if tx.Type != "Auto-Renewable Subscription" && tx.Type != "subscription" {
			nonSubscription = append(nonSubscription, models.StoreTransaction{
				TransactionIdentifier: tx.TransactionID,
				ProductIdentifier:     tx.ProductID,
				PurchaseDate:          tx.PurchaseDate,
			})
		}
	}

	info := &models.CustomerInfo{
		Entitlements: models.EntitlementInfos{
			All:          all,
			Active:       active,
			Verification: models.VerificationVerified,
		},
		ActiveSubscriptions:            activeSubscriptions,
		AllPurchasedProductIdentifiers: allPurchased,
		LatestExpirationDate:           latestExpiration(subscriptions),
		FirstSeen:                      now,
		RequestDate:                    now,
		AllExpirationDates:             allExpirationDates,
		AllPurchaseDates:               allPurchaseDates,
		NonSubscriptionTransactions:    nonSubscription,
	}

	if len(transactions) > 0 && transactions[0].OriginalPurchaseDate != "" {
		original := transactions[0].OriginalPurchaseDate
		info.FirstSeen = original
		info.OriginalPurchaseDate = &original
	}
	if len(subscriptions) > 0 {
		info.OriginalAppUserID = subscriptions[0].AppAccountToken
	}

	return info
}

// latestExpiration picks the expiration date of the record with the
// maximum expiration timestamp; absent dates sort last, ties are
// broken arbitrarily.
func latestExpiration(subscriptions []models.SubscriptionRecord) *string {
	var best string
	var bestTime time.Time
	for _, sub := range subscriptions {
		if sub.ExpiresDate == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, sub.ExpiresDate)
		if err != nil {
			continue
		}
		if best == "" || t.After(bestTime) {
			best = sub.ExpiresDate
			bestTime = t
		}
	}
	if best == "" {
		return nil
	}
	return &best
}

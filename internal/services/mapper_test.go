package services

import (
	"testing"
	"time"

	"entitlement-api/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMapper() *CustomerInfoMapper {
	m := NewCustomerInfoMapper(true)
	m.now = func() time.Time {
		return time.Date(2025, 2, 10, 9, 30, 0, 0, time.UTC)
	}
	return m
}

func TestMap_EmptyInput(t *testing.T) {
	info := testMapper().Map(nil, nil)

	assert.Empty(t, info.Entitlements.All)
	assert.Empty(t, info.Entitlements.Active)
	assert.Empty(t, info.ActiveSubscriptions)
	assert.Empty(t, info.AllPurchasedProductIdentifiers)
	assert.Nil(t, info.LatestExpirationDate)
	assert.Equal(t, models.VerificationVerified, info.Entitlements.Verification)
	assert.Equal(t, "2025-02-10T09:30:00Z", info.RequestDate)
	assert.Equal(t, "2025-02-10T09:30:00Z", info.FirstSeen)
}

func TestMap_ActiveSubscription(t *testing.T) {
	subs := []models.SubscriptionRecord{
		{
			ProductID:       "p1",
			Status:          "ACTIVE",
			AutoRenewStatus: "ON",
			PurchaseDate:    "2025-02-05T12:00:00Z",
			ExpiresDate:     "2025-03-05T12:00:00Z",
			AppAccountToken: "user-1",
		},
	}
	txs := []models.TransactionRecord{
		{
			TransactionID:        "t1",
			ProductID:            "p1",
			Type:                 "Auto-Renewable Subscription",
			PurchaseDate:         "2025-02-05T12:00:00Z",
			OriginalPurchaseDate: "2025-01-05T12:00:00Z",
		},
	}

	info := testMapper().Map(subs, txs)

	require.Contains(t, info.Entitlements.All, "p1")
	ent := info.Entitlements.All["p1"]
	assert.True(t, ent.IsActive)
	assert.True(t, ent.WillRenew)
	assert.Equal(t, "NORMAL", ent.PeriodType)
	assert.True(t, ent.IsSandbox)
	assert.Nil(t, ent.UnsubscribeDetectedAt)

	assert.Equal(t, []string{"p1"}, info.ActiveSubscriptions)
	assert.Contains(t, info.Entitlements.Active, "p1")

	require.NotNil(t, info.LatestExpirationDate)
	assert.Equal(t, "2025-03-05T12:00:00Z", *info.LatestExpirationDate)

	assert.Equal(t, "user-1", info.OriginalAppUserID)
	assert.Equal(t, "2025-01-05T12:00:00Z", info.FirstSeen)
	require.NotNil(t, info.OriginalPurchaseDate)
	assert.Equal(t, "2025-01-05T12:00:00Z", *info.OriginalPurchaseDate)

	assert.Equal(t, []string{"p1"}, info.AllPurchasedProductIdentifiers)
	assert.Empty(t, info.NonSubscriptionTransactions, "subscription purchases are not one-time transactions")
}

func TestMap_ExpiredSubscription(t *testing.T) {
	subs := []models.SubscriptionRecord{
		{ProductID: "p1", Status: "EXPIRED", AutoRenewStatus: "OFF", ExpiresDate: "2025-01-05T12:00:00Z"},
	}

	info := testMapper().Map(subs, nil)

	ent := info.Entitlements.All["p1"]
	assert.False(t, ent.IsActive)
	assert.False(t, ent.WillRenew)
	require.NotNil(t, ent.UnsubscribeDetectedAt)
	assert.Equal(t, "2025-02-10T09:30:00Z", *ent.UnsubscribeDetectedAt)

	assert.Empty(t, info.ActiveSubscriptions)
	assert.Empty(t, info.Entitlements.Active)
}

func TestMap_ActiveIsSubsetOfAll(t *testing.T) {
	subs := []models.SubscriptionRecord{
		{ProductID: "p1", Status: "ACTIVE", AutoRenewStatus: "ON", ExpiresDate: "2025-03-05T12:00:00Z"},
		{ProductID: "p2", Status: "EXPIRED"},
		{ProductID: "p3", Status: "ACTIVE", AutoRenewStatus: "OFF", ExpiresDate: "2025-04-01T00:00:00Z"},
	}

	info := testMapper().Map(subs, nil)

	assert.Len(t, info.Entitlements.All, 3)
	for productID, ent := range info.Entitlements.All {
		if ent.IsActive {
			assert.Contains(t, info.Entitlements.Active, productID)
			assert.Contains(t, info.ActiveSubscriptions, productID)
		} else {
			assert.NotContains(t, info.Entitlements.Active, productID)
			assert.NotContains(t, info.ActiveSubscriptions, productID)
		}
	}
	assert.Len(t, info.Entitlements.Active, 2)

	require.NotNil(t, info.LatestExpirationDate)
	assert.Equal(t, "2025-04-01T00:00:00Z", *info.LatestExpirationDate)
}

func TestMap_DuplicateProductsInHistory(t *testing.T) {
	txs := []models.TransactionRecord{
		{TransactionID: "t1", ProductID: "p1", Type: "Auto-Renewable Subscription"},
		{TransactionID: "t2", ProductID: "p1", Type: "Auto-Renewable Subscription"},
		{TransactionID: "t3", ProductID: "coins", Type: "Consumable", PurchaseDate: "2025-02-01T00:00:00Z"},
	}

	info := testMapper().Map(nil, txs)

	// History keeps every purchase, including repeats of the same product
	assert.Equal(t, []string{"p1", "p1", "coins"}, info.AllPurchasedProductIdentifiers)

	require.Len(t, info.NonSubscriptionTransactions, 1)
	assert.Equal(t, "t3", info.NonSubscriptionTransactions[0].TransactionIdentifier)
	assert.Equal(t, "coins", info.NonSubscriptionTransactions[0].ProductIdentifier)
}

func TestMap_DateIndexes(t *testing.T) {
	subs := []models.SubscriptionRecord{
		{ProductID: "p1", Status: "ACTIVE", ExpiresDate: "2025-03-05T12:00:00Z"},
		{ProductID: "p2", Status: "EXPIRED"},
	}
	txs := []models.TransactionRecord{
		{TransactionID: "t1", ProductID: "p1", PurchaseDate: "2025-02-05T12:00:00Z"},
		{TransactionID: "t2", ProductID: "p2"},
	}

	info := testMapper().Map(subs, txs)

	require.Contains(t, info.AllExpirationDates, "p1")
	require.NotNil(t, info.AllExpirationDates["p1"])
	assert.Equal(t, "2025-03-05T12:00:00Z", *info.AllExpirationDates["p1"])
	require.Contains(t, info.AllExpirationDates, "p2")
	assert.Nil(t, info.AllExpirationDates["p2"])

	require.Contains(t, info.AllPurchaseDates, "p1")
	require.NotNil(t, info.AllPurchaseDates["p1"])
	assert.Equal(t, "2025-02-05T12:00:00Z", *info.AllPurchaseDates["p1"])
	require.Contains(t, info.AllPurchaseDates, "p2")
	assert.Nil(t, info.AllPurchaseDates["p2"])
}

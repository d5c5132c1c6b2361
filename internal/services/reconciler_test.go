package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"entitlement-api/internal/appstore"
	"entitlement-api/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu           sync.Mutex
	infos        map[string]*models.CustomerInfo
	versions     map[string]int64
	upserts      int
	conflictOnce bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		infos:    make(map[string]*models.CustomerInfo),
		versions: make(map[string]int64),
	}
}

func (s *fakeStore) seed(appUserID string) {
	s.infos[appUserID] = models.EmptyCustomerInfo(appUserID, "2025-01-01T00:00:00Z")
	s.versions[appUserID] = 0
}

func (s *fakeStore) GetByAppUserID(ctx context.Context, appUserID string) (*models.CustomerInfo, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.infos[appUserID]
	if !ok {
		return nil, 0, ErrCustomerNotFound
	}
	return info, s.versions[appUserID], nil
}

func (s *fakeStore) Create(ctx context.Context, appUserID string) (*models.CustomerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info, ok := s.infos[appUserID]; ok {
		return info, nil
	}
	info := models.EmptyCustomerInfo(appUserID, "2025-01-01T00:00:00Z")
	s.infos[appUserID] = info
	return info, nil
}

func (s *fakeStore) Upsert(ctx context.Context, appUserID string, info *models.CustomerInfo, expectedVersion int64) (*models.CustomerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	if s.conflictOnce {
		s.conflictOnce = false
		return nil, ErrVersionConflict
	}
	if version, ok := s.versions[appUserID]; ok && version != expectedVersion {
		return nil, ErrVersionConflict
	}
	s.infos[appUserID] = info
	s.versions[appUserID] = expectedVersion + 1
	return info, nil
}

type fakeClient struct {
	subscriptions []models.SubscriptionRecord
	transactions  []models.TransactionRecord
	calls         int
}

func (c *fakeClient) GetSubscriptionStatuses(ctx context.Context, originalTransactionID string) ([]models.SubscriptionRecord, error) {
	c.calls++
	return c.subscriptions, nil
}

func (c *fakeClient) GetTransactionHistory(ctx context.Context, originalTransactionID string) ([]models.TransactionRecord, error) {
	c.calls++
	return c.transactions, nil
}

func newTestReconciler(store *fakeStore, client *fakeClient) *Reconciler {
	r := NewReconciler(store, client, testMapper(), NewNotificationDedup(nil),
		&AlertNotifier{}, appstore.FastDecoder{}, nil)
	r.now = func() time.Time {
		return time.Date(2025, 2, 10, 9, 30, 0, 0, time.UTC)
	}
	return r
}

func notification(notificationType, uuid string) *models.AppStoreNotification {
	return &models.AppStoreNotification{
		NotificationType: notificationType,
		NotificationUUID: uuid,
		Data: models.NotificationData{
			ProductID:       "p1",
			TransactionID:   "t1",
			AppAccountToken: "user-1",
		},
	}
}

func activeSub(productID string) models.SubscriptionRecord {
	return models.SubscriptionRecord{
		ProductID:       productID,
		Status:          "ACTIVE",
		AutoRenewStatus: "ON",
		ExpiresDate:     "2025-03-05T12:00:00Z",
	}
}

func TestProcess_Subscribed(t *testing.T) {
	store := newFakeStore()
	store.seed("user-1")
	client := &fakeClient{subscriptions: []models.SubscriptionRecord{activeSub("p1")}}
	r := newTestReconciler(store, client)

	err := r.Process(context.Background(), notification(models.NotificationSubscribed, "n-1"))
	require.NoError(t, err)

	info := store.infos["user-1"]
	require.Contains(t, info.Entitlements.All, "p1")
	assert.True(t, info.Entitlements.All["p1"].IsActive)
	assert.Contains(t, info.Entitlements.Active, "p1")
	assert.Equal(t, []string{"p1"}, info.ActiveSubscriptions)
	assert.Equal(t, int64(1), store.versions["user-1"])
}

func TestProcess_Expired(t *testing.T) {
	store := newFakeStore()
	store.seed("user-1")
	// The refresh can still report ACTIVE when the status endpoint lags
	// behind the notification; the delta must win.
	client := &fakeClient{subscriptions: []models.SubscriptionRecord{activeSub("p1")}}
	r := newTestReconciler(store, client)

	err := r.Process(context.Background(), notification(models.NotificationExpired, "n-2"))
	require.NoError(t, err)

	ent := store.infos["user-1"].Entitlements.All["p1"]
	assert.False(t, ent.IsActive)
	assert.False(t, ent.WillRenew)
	require.NotNil(t, ent.UnsubscribeDetectedAt)
	assert.Equal(t, "2025-02-10T09:30:00Z", *ent.UnsubscribeDetectedAt)

	assert.NotContains(t, store.infos["user-1"].Entitlements.Active, "p1")
	assert.Empty(t, store.infos["user-1"].ActiveSubscriptions)
}

func TestProcess_Refund(t *testing.T) {
	store := newFakeStore()
	store.seed("user-1")
	client := &fakeClient{subscriptions: []models.SubscriptionRecord{activeSub("p1")}}
	r := newTestReconciler(store, client)

	err := r.Process(context.Background(), notification(models.NotificationRefund, "n-3"))
	require.NoError(t, err)

	ent := store.infos["user-1"].Entitlements.All["p1"]
	assert.False(t, ent.IsActive)
	assert.False(t, ent.WillRenew)
	assert.Nil(t, ent.UnsubscribeDetectedAt, "a refund is not an unsubscribe")
	assert.NotContains(t, store.infos["user-1"].Entitlements.Active, "p1")
}

func TestProcess_DidChangeRenewalStatus(t *testing.T) {
	store := newFakeStore()
	store.seed("user-1")
	client := &fakeClient{subscriptions: []models.SubscriptionRecord{activeSub("p1")}}
	r := newTestReconciler(store, client)

	n := notification(models.NotificationDidChangeRenewalStatus, "n-4")
	n.Data.AutoRenewStatus = "OFF"

	err := r.Process(context.Background(), n)
	require.NoError(t, err)

	ent := store.infos["user-1"].Entitlements.All["p1"]
	assert.True(t, ent.IsActive, "turning off renewal does not end the current period")
	assert.False(t, ent.WillRenew)
	assert.Contains(t, store.infos["user-1"].Entitlements.Active, "p1")
}

func TestProcess_DidFailToRenew(t *testing.T) {
	store := newFakeStore()
	store.seed("user-1")
	client := &fakeClient{subscriptions: []models.SubscriptionRecord{activeSub("p1")}}
	r := newTestReconciler(store, client)

	err := r.Process(context.Background(), notification(models.NotificationDidFailToRenew, "n-5"))
	require.NoError(t, err)

	ent := store.infos["user-1"].Entitlements.All["p1"]
	assert.False(t, ent.IsActive)
	assert.True(t, ent.WillRenew, "billing retry keeps the renewal intent")
	assert.NotContains(t, store.infos["user-1"].Entitlements.Active, "p1")
}

func TestProcess_ReactivationAfterRefund(t *testing.T) {
	store := newFakeStore()
	store.seed("user-1")
	client := &fakeClient{subscriptions: []models.SubscriptionRecord{activeSub("p1")}}
	r := newTestReconciler(store, client)

	require.NoError(t, r.Process(context.Background(), notification(models.NotificationRefund, "n-6")))
	assert.False(t, store.infos["user-1"].Entitlements.All["p1"].IsActive)

	require.NoError(t, r.Process(context.Background(), notification(models.NotificationSubscribed, "n-7")))

	ent := store.infos["user-1"].Entitlements.All["p1"]
	assert.True(t, ent.IsActive)
	assert.Contains(t, store.infos["user-1"].Entitlements.Active, "p1")
}

func TestProcess_UnknownTypeLeavesStateUntouched(t *testing.T) {
	store := newFakeStore()
	store.seed("user-1")
	client := &fakeClient{subscriptions: []models.SubscriptionRecord{activeSub("p1")}}
	r := newTestReconciler(store, client)

	err := r.Process(context.Background(), notification("CONSUMPTION_REQUEST", "n-8"))
	require.NoError(t, err)

	assert.Zero(t, client.calls, "unhandled types must not trigger a refresh")
	assert.Zero(t, store.upserts)
	assert.Empty(t, store.infos["user-1"].Entitlements.All)
}

func TestProcess_MissingIdentifiers(t *testing.T) {
	store := newFakeStore()
	client := &fakeClient{}
	r := newTestReconciler(store, client)

	n := notification(models.NotificationSubscribed, "n-9")
	n.Data.AppAccountToken = ""

	err := r.Process(context.Background(), n)
	require.ErrorIs(t, err, ErrMissingIdentifier)
	assert.Zero(t, store.upserts)
}

func TestProcess_CustomerNotFound(t *testing.T) {
	store := newFakeStore()
	client := &fakeClient{subscriptions: []models.SubscriptionRecord{activeSub("p1")}}
	r := newTestReconciler(store, client)

	err := r.Process(context.Background(), notification(models.NotificationSubscribed, "n-10"))
	require.ErrorIs(t, err, ErrCustomerNotFound)
}

func TestProcess_DuplicateUUID(t *testing.T) {
	store := newFakeStore()
	store.seed("user-1")
	client := &fakeClient{subscriptions: []models.SubscriptionRecord{activeSub("p1")}}
	r := newTestReconciler(store, client)

	require.NoError(t, r.Process(context.Background(), notification(models.NotificationSubscribed, "n-11")))
	require.NoError(t, r.Process(context.Background(), notification(models.NotificationSubscribed, "n-11")))

	assert.Equal(t, 1, store.upserts, "redelivery of the same UUID must not reapply")
}

func TestProcess_VersionConflictRetriesOnce(t *testing.T) {
	store := newFakeStore()
	store.seed("user-1")
	store.conflictOnce = true
	client := &fakeClient{subscriptions: []models.SubscriptionRecord{activeSub("p1")}}
	r := newTestReconciler(store, client)

	err := r.Process(context.Background(), notification(models.NotificationSubscribed, "n-12"))
	require.NoError(t, err)

	assert.Equal(t, 2, store.upserts)
	assert.Contains(t, store.infos["user-1"].Entitlements.Active, "p1")
}

func TestProcess_FillsIdentifiersFromSignedTransaction(t *testing.T) {
	store := newFakeStore()
	store.seed("user-2")
	client := &fakeClient{subscriptions: []models.SubscriptionRecord{activeSub("p1")}}
	r := newTestReconciler(store, client)

	signed, err := appstore.EncodePayload(models.TransactionRecord{
		TransactionID:   "t9",
		ProductID:       "p1",
		AppAccountToken: "user-2",
	})
	require.NoError(t, err)

	n := &models.AppStoreNotification{
		NotificationType: models.NotificationDidRenew,
		NotificationUUID: "n-13",
		Data:             models.NotificationData{SignedTransactionInfo: signed},
	}

	require.NoError(t, r.Process(context.Background(), n))
	assert.Contains(t, store.infos["user-2"].Entitlements.Active, "p1")
}

func TestProcess_RefreshPreservesHistory(t *testing.T) {
	store := newFakeStore()
	store.seed("user-1")
	client := &fakeClient{
		subscriptions: []models.SubscriptionRecord{activeSub("p1")},
		transactions: []models.TransactionRecord{
			{TransactionID: "t1", ProductID: "p1", Type: "Auto-Renewable Subscription"},
			{TransactionID: "t2", ProductID: "coins", Type: "Consumable", PurchaseDate: "2025-02-01T00:00:00Z"},
		},
	}
	r := newTestReconciler(store, client)

	require.NoError(t, r.Process(context.Background(), notification(models.NotificationSubscribed, "n-14")))

	// A later fetch that no longer mentions the one-time purchase must
	// not erase it.
	client.transactions = nil
	require.NoError(t, r.Process(context.Background(), notification(models.NotificationDidRenew, "n-15")))

	info := store.infos["user-1"]
	require.Len(t, info.NonSubscriptionTransactions, 1)
	assert.Equal(t, "t2", info.NonSubscriptionTransactions[0].TransactionIdentifier)
	assert.Contains(t, info.AllPurchasedProductIdentifiers, "coins")
}

func TestProcessDetached(t *testing.T) {
	store := newFakeStore()
	store.seed("user-1")
	client := &fakeClient{subscriptions: []models.SubscriptionRecord{activeSub("p1")}}
	r := newTestReconciler(store, client)

	r.ProcessDetached(notification(models.NotificationSubscribed, "n-16"))
	r.Wait()

	assert.Contains(t, store.infos["user-1"].Entitlements.Active, "p1")
}

func TestProcess_AssignsUUIDWhenMissing(t *testing.T) {
	store := newFakeStore()
	store.seed("user-1")
	client := &fakeClient{subscriptions: []models.SubscriptionRecord{activeSub("p1")}}
	r := newTestReconciler(store, client)

	n := notification(models.NotificationSubscribed, "")
	require.NoError(t, r.Process(context.Background(), n))

	assert.NotEmpty(t, n.NotificationUUID)
	assert.Equal(t, 1, store.upserts)

	// A second UUID-less delivery cannot be deduplicated and applies again
	require.NoError(t, r.Process(context.Background(), notification(models.NotificationSubscribed, "")))
	assert.Equal(t, 2, store.upserts)
}

func TestDedup_LocalFallback(t *testing.T) {
	d := NewNotificationDedup(nil)

	assert.False(t, d.IsDuplicate(context.Background(), "uuid-1"))
	assert.True(t, d.IsDuplicate(context.Background(), "uuid-1"))
	assert.False(t, d.IsDuplicate(context.Background(), "uuid-2"))
	assert.False(t, d.IsDuplicate(context.Background(), ""), "empty UUID cannot be deduplicated")
	assert.False(t, d.IsDuplicate(context.Background(), ""))
}

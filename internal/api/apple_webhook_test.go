package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"entitlement-api/internal/appstore"
	"entitlement-api/internal/models"
	"entitlement-api/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStore struct {
	mu       sync.Mutex
	infos    map[string]*models.CustomerInfo
	versions map[string]int64
}

func newStubStore() *stubStore {
	return &stubStore{
		infos:    make(map[string]*models.CustomerInfo),
		versions: make(map[string]int64),
	}
}

func (s *stubStore) seed(appUserID string) {
	s.infos[appUserID] = models.EmptyCustomerInfo(appUserID, "2025-01-01T00:00:00Z")
}

func (s *stubStore) GetByAppUserID(ctx context.Context, appUserID string) (*models.CustomerInfo, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.infos[appUserID]
	if !ok {
		return nil, 0, services.ErrCustomerNotFound
	}
	return info, s.versions[appUserID], nil
}

func (s *stubStore) Create(ctx context.Context, appUserID string) (*models.CustomerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := models.EmptyCustomerInfo(appUserID, "2025-01-01T00:00:00Z")
	s.infos[appUserID] = info
	return info, nil
}

func (s *stubStore) Upsert(ctx context.Context, appUserID string, info *models.CustomerInfo, expectedVersion int64) (*models.CustomerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.infos[appUserID] = info
	s.versions[appUserID] = expectedVersion + 1
	return info, nil
}

type stubAppleClient struct {
	subscriptions []models.SubscriptionRecord
}

func (c *stubAppleClient) GetSubscriptionStatuses(ctx context.Context, originalTransactionID string) ([]models.SubscriptionRecord, error) {
	return c.subscriptions, nil
}

func (c *stubAppleClient) GetTransactionHistory(ctx context.Context, originalTransactionID string) ([]models.TransactionRecord, error) {
	return nil, nil
}

func webhookTestSetup(store *stubStore, client *stubAppleClient) (*gin.Engine, *services.Reconciler) {
	gin.SetMode(gin.TestMode)

	reconciler := services.NewReconciler(store, client, services.NewCustomerInfoMapper(true),
		services.NewNotificationDedup(nil), &services.AlertNotifier{}, appstore.FastDecoder{}, nil)
	handler := NewAppleWebhookHandler(appstore.FastDecoder{}, reconciler)

	r := gin.New()
	r.POST("/webhooks/apple", handler.Handle)
	return r, reconciler
}

func postJSON(r *gin.Engine, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestWebhook_MissingSignedPayload(t *testing.T) {
	r, _ := webhookTestSetup(newStubStore(), &stubAppleClient{})

	w := postJSON(r, "/webhooks/apple", `{}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error": "Missing signedPayload"}`, w.Body.String())
}

func TestWebhook_UndecodablePayloadAcknowledged(t *testing.T) {
	r, _ := webhookTestSetup(newStubStore(), &stubAppleClient{})

	w := postJSON(r, "/webhooks/apple", `{"signedPayload": "not-a-jws"}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestWebhook_ValidNotificationApplied(t *testing.T) {
	store := newStubStore()
	store.seed("user-1")
	client := &stubAppleClient{
		subscriptions: []models.SubscriptionRecord{
			{ProductID: "p1", Status: "ACTIVE", AutoRenewStatus: "ON", ExpiresDate: "2025-03-05T12:00:00Z"},
		},
	}
	r, reconciler := webhookTestSetup(store, client)

	payload, err := appstore.EncodePayload(models.AppStoreNotification{
		NotificationType: models.NotificationSubscribed,
		NotificationUUID: "wh-1",
		Data: models.NotificationData{
			ProductID:       "p1",
			TransactionID:   "t1",
			AppAccountToken: "user-1",
		},
	})
	require.NoError(t, err)

	w := postJSON(r, "/webhooks/apple", `{"signedPayload": "`+payload+`"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())

	reconciler.Wait()

	info := store.infos["user-1"]
	require.Contains(t, info.Entitlements.All, "p1")
	assert.Contains(t, info.Entitlements.Active, "p1")
}

func TestWebhook_UnknownCustomerStillAcknowledged(t *testing.T) {
	store := newStubStore()
	client := &stubAppleClient{}
	r, reconciler := webhookTestSetup(store, client)

	payload, err := appstore.EncodePayload(models.AppStoreNotification{
		NotificationType: models.NotificationDidRenew,
		NotificationUUID: "wh-2",
		Data: models.NotificationData{
			ProductID:       "p1",
			TransactionID:   "t1",
			AppAccountToken: "unknown-user",
		},
	})
	require.NoError(t, err)

	w := postJSON(r, "/webhooks/apple", `{"signedPayload": "`+payload+`"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	reconciler.Wait()
	assert.Empty(t, store.infos)
}

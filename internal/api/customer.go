package api

import (
	"errors"
	"net/http"

	"entitlement-api/internal/appstore"
	"entitlement-api/internal/response"
	"entitlement-api/internal/services"
	"entitlement-api/pkg/logging"

	"github.com/gin-gonic/gin"
)

// CustomerHandler exposes the stored CustomerInfo aggregate and a
// manual full-refresh against the App Store Server API.
type CustomerHandler struct {
	store  services.CustomerStore
	client *appstore.Client
	mapper *services.CustomerInfoMapper
}

func NewCustomerHandler(store services.CustomerStore, client *appstore.Client, mapper *services.CustomerInfoMapper) *CustomerHandler {
	return &CustomerHandler{store: store, client: client, mapper: mapper}
}

// GetCustomer handles GET /api/customers/:appUserID
func (h *CustomerHandler) GetCustomer(c *gin.Context) {
	appUserID := c.Param("appUserID")

	info, _, err := h.store.GetByAppUserID(c.Request.Context(), appUserID)
	if err != nil {
		if errors.Is(err, services.ErrCustomerNotFound) {
			response.ErrorJSON(c, http.StatusNotFound, "Customer not found")
			return
		}
		logging.Errorf("Failed to load customer %s: %v", appUserID, err)
		response.ErrorJSON(c, http.StatusInternalServerError, "Failed to load customer")
		return
	}

	response.SuccessJSON(c, info)
}

// CreateCustomer handles POST /api/customers/:appUserID. Customers are
// created on first login with an empty entitlement set; creating an
// existing customer returns the stored aggregate unchanged.
func (h *CustomerHandler) CreateCustomer(c *gin.Context) {
	appUserID := c.Param("appUserID")

	if info, _, err := h.store.GetByAppUserID(c.Request.Context(), appUserID); err == nil {
		response.SuccessJSON(c, info)
		return
	}

	info, err := h.store.Create(c.Request.Context(), appUserID)
	if err != nil {
		logging.Errorf("Failed to create customer %s: %v", appUserID, err)
		response.ErrorJSON(c, http.StatusInternalServerError, "Failed to create customer")
		return
	}

	response.SuccessJSON(c, info)
}

// RefreshRequest names the subscription whose state should be
// re-fetched from Apple.
type RefreshRequest struct {
	OriginalTransactionID string `json:"originalTransactionId" binding:"required"`
}

// RefreshCustomer handles POST /api/customers/:appUserID/refresh. It
// re-fetches authoritative subscription and history data and replaces
// the stored aggregate. Upstream failures propagate as 502 so callers
// can apply their own retry policy.
func (h *CustomerHandler) RefreshCustomer(c *gin.Context) {
	appUserID := c.Param("appUserID")

	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "originalTransactionId is required")
		return
	}

	ctx := c.Request.Context()

	_, version, err := h.store.GetByAppUserID(ctx, appUserID)
	if err != nil {
		if errors.Is(err, services.ErrCustomerNotFound) {
			response.ErrorJSON(c, http.StatusNotFound, "Customer not found")
			return
		}
		logging.Errorf("Failed to load customer %s: %v", appUserID, err)
		response.ErrorJSON(c, http.StatusInternalServerError, "Failed to load customer")
		return
	}

	subscriptions, err := h.client.GetSubscriptionStatuses(ctx, req.OriginalTransactionID)
	if err != nil {
		h.upstreamError(c, "subscription statuses", err)
		return
	}
	transactions, err := h.client.GetTransactionHistory(ctx, req.OriginalTransactionID)
	if err != nil {
		h.upstreamError(c, "transaction history", err)
		return
	}

	info := h.mapper.Map(subscriptions, transactions)
	info.OriginalAppUserID = appUserID

	updated, err := h.store.Upsert(ctx, appUserID, info, version)
	if err != nil {
		logging.Errorf("Failed to store refreshed customer %s: %v", appUserID, err)
		response.ErrorJSON(c, http.StatusConflict, "Customer changed during refresh, retry")
		return
	}

	response.SuccessJSON(c, updated)
}

// GetOrder handles GET /api/orders/:orderID
func (h *CustomerHandler) GetOrder(c *gin.Context) {
	orderID := c.Param("orderID")

	order, err := h.client.GetOrderLookup(c.Request.Context(), orderID)
	if err != nil {
		h.upstreamError(c, "order lookup", err)
		return
	}

	response.SuccessJSON(c, order)
}

func (h *CustomerHandler) upstreamError(c *gin.Context, operation string, err error) {
	var upstream *appstore.UpstreamError
	if errors.As(err, &upstream) {
		logging.Errorf("Apple %s failed: %v", operation, err)
		response.ErrorJSON(c, http.StatusBadGateway, "Apple API request failed")
		return
	}
	logging.Errorf("Failed during %s: %v", operation, err)
	response.ErrorJSON(c, http.StatusInternalServerError, "Internal error")
}

package appstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"entitlement-api/internal/config"
	"entitlement-api/internal/models"
	"entitlement-api/pkg/logging"
)

const (
	productionBaseURL = "https://api.storekit.itunes.apple.com"
	sandboxBaseURL    = "https://api.storekit-sandbox.itunes.apple.com"
)

// Client issues authenticated read calls against the App Store Server
// API. Failures are wrapped in UpstreamError and never retried here.
type Client struct {
	baseURL    string
	issuer     *TokenIssuer
	decoder    PayloadDecoder
	httpClient *http.Client
}

// NewClient builds a client for the environment named in cfg. Response
// payloads are unwrapped with the fast-path decoder; the transport
// channel to Apple is considered authentic.
func NewClient(cfg config.AppleConfig, issuer *TokenIssuer) *Client {
	baseURL := sandboxBaseURL
	if cfg.IsProduction() {
		baseURL = productionBaseURL
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL:    baseURL,
		issuer:     issuer,
		decoder:    FastDecoder{},
		httpClient: &http.Client{Timeout: timeout},
	}
}

// GetSubscriptionStatuses fetches current subscription records for an
// original transaction id.
func (c *Client) GetSubscriptionStatuses(ctx context.Context, originalTransactionID string) ([]models.SubscriptionRecord, error) {
	var resp models.SubscriptionStatusResponse
	url := fmt.Sprintf("%s/v1/subscriptions/%s", c.baseURL, originalTransactionID)
	if err := c.get(ctx, "subscription statuses", url, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// GetTransactionHistory fetches the transaction history for an
// original transaction id, unwrapping each signed transaction entry.
func (c *Client) GetTransactionHistory(ctx context.Context, originalTransactionID string) ([]models.TransactionRecord, error) {
	var resp models.TransactionHistoryResponse
	url := fmt.Sprintf("%s/v2/history/%s", c.baseURL, originalTransactionID)
	if err := c.get(ctx, "transaction history", url, &resp); err != nil {
		return nil, err
	}

	records := make([]models.TransactionRecord, 0, len(resp.SignedTransactions))
	for _, raw := range resp.SignedTransactions {
		record, err := c.decodeTransaction(ctx, raw)
		if err != nil {
			logging.Warnf("Skipping undecodable history entry: %v", err)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// GetOrderLookup fetches the transactions behind a customer order id
func (c *Client) GetOrderLookup(ctx context.Context, orderID string) (map[string]interface{}, error) {
	var resp map[string]interface{}
	url := fmt.Sprintf("%s/v1/lookup/%s", c.baseURL, orderID)
	if err := c.get(ctx, "order lookup", url, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// get issues one authenticated GET and decodes the body into out,
// unwrapping a signedPayload envelope when Apple returns one.
func (c *Client) get(ctx context.Context, operation, url string, out interface{}) error {
	token, err := c.issuer.IssueToken()
	if err != nil {
		return fmt.Errorf("failed to issue api token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &UpstreamError{Operation: operation, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &UpstreamError{Operation: operation, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &UpstreamError{Operation: operation, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &UpstreamError{Operation: operation, StatusCode: resp.StatusCode, Body: string(body)}
	}

	// Apple wraps most responses in a signed payload
	var envelope struct {
		SignedPayload string `json:"signedPayload"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.SignedPayload != "" {
		return c.decoder.Decode(ctx, envelope.SignedPayload, out)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &UpstreamError{Operation: operation, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("failed to decode response body: %w", err)}
	}
	return nil
}

// decodeTransaction turns one signedTransactions entry into a record.
// Entries are JWS strings on the wire; plain objects are accepted for
// payloads that were unwrapped upstream.
func (c *Client) decodeTransaction(ctx context.Context, raw json.RawMessage) (models.TransactionRecord, error) {
	var record models.TransactionRecord

	var jws string
	if err := json.Unmarshal(raw, &jws); err == nil {
		if err := c.decoder.Decode(ctx, jws, &record); err != nil {
			return record, err
		}
		return record, nil
	}

	if err := json.Unmarshal(raw, &record); err != nil {
		return record, fmt.Errorf("history entry is neither a JWS string nor a transaction object: %w", err)
	}
	return record, nil
}

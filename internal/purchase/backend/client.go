package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"paywallBack/internal/models"
)

// Client is a minimal client for the subscription verification API. It is
// the only component allowed to decide whether a purchase grants an
// entitlement.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	platform   models.Platform
}

// NewClient constructs a verification API client for one store platform.
func NewClient(httpClient *http.Client, baseURL, apiKey string, platform models.Platform) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		apiKey:     apiKey,
		platform:   platform,
	}
}

// VerifyPurchase submits one transaction for verification. The payload shape
// follows the platform: App Store verification needs the signed receipt and
// transaction id, Play verification needs the purchase token and order id.
func (c *Client) VerifyPurchase(ctx context.Context, ev models.PurchaseEvent) (models.VerificationResult, error) {
	var path string
	var payload map[string]interface{}
	switch c.platform {
	case models.PlatformAppStore:
		path = "/subscriptions/verify/app-store"
		payload = map[string]interface{}{
			"receipt_data":   base64.StdEncoding.EncodeToString(ev.Receipt),
			"product_id":     ev.ProductID,
			"transaction_id": ev.TransactionID,
		}
	case models.PlatformPlayStore:
		path = "/subscriptions/verify/play-store"
		payload = map[string]interface{}{
			"purchase_token": string(ev.Receipt),
			"product_id":     ev.ProductID,
			"order_id":       ev.OrderID,
		}
	default:
		return models.VerificationResult{}, fmt.Errorf("verify: unsupported platform %q", c.platform)
	}
	return c.post(ctx, path, payload)
}

// RestorePurchase re-verifies a previously purchased transaction. The App
// Store endpoint takes the whole receipt so the backend can walk every
// transaction inside it; Play has no receipt aggregate, restore verifies the
// token the same way a fresh purchase does.
func (c *Client) RestorePurchase(ctx context.Context, ev models.PurchaseEvent) (models.VerificationResult, error) {
	if c.platform == models.PlatformAppStore {
		return c.post(ctx, "/subscriptions/restore/app-store", map[string]interface{}{
			"receipt_data":   base64.StdEncoding.EncodeToString(ev.Receipt),
			"transaction_id": ev.TransactionID,
		})
	}
	return c.VerifyPurchase(ctx, ev)
}

func (c *Client) post(ctx context.Context, path string, payload map[string]interface{}) (models.VerificationResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return models.VerificationResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return models.VerificationResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.VerificationResult{}, err
	}
	defer resp.Body.Close()

	// 4xx means the backend looked at the transaction and said no. That is a
	// verdict, not a transport failure.
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return models.VerificationResult{Valid: false}, nil
	}
	if resp.StatusCode >= 300 {
		return models.VerificationResult{}, fmt.Errorf("verification api: unexpected status %s", resp.Status)
	}

	var apiResp struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return models.VerificationResult{}, err
	}
	return models.VerificationResult{Valid: apiResp.Success}, nil
}

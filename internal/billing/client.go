package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrInsufficientBalance is returned by Debit when the organization's
// wallet cannot cover the requested amount.
var ErrInsufficientBalance = errors.New("insufficient balance")

// Client is the external organization-billing API. Debit and Credit must
// be idempotent under the caller-supplied key and safe to retry.
type Client interface {
	ResolveBillingAccount(ctx context.Context, orgID string) (string, error)
	GetMarkupRate(ctx context.Context, accountID string) (float64, error)
	GetBalance(ctx context.Context, accountID string) (int64, error)
	Debit(ctx context.Context, accountID string, cents int64, idempotencyKey string, metadata map[string]string) (alreadyProcessed bool, err error)
	Credit(ctx context.Context, accountID string, cents int64, idempotencyKey string, metadata map[string]string) (alreadyProcessed bool, err error)
	Notify(ctx context.Context, orgID, kind string, payload map[string]interface{}) error
}

// HTTPClient is the default Client implementation over the billing
// service's REST API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *HTTPClient) ResolveBillingAccount(ctx context.Context, orgID string) (string, error) {
	var out struct {
		AccountID string `json:"account_id"`
	}
	if err := c.call(ctx, http.MethodGet, "/organizations/"+orgID+"/account", nil, &out); err != nil {
		return "", err
	}
	return out.AccountID, nil
}

func (c *HTTPClient) GetMarkupRate(ctx context.Context, accountID string) (float64, error) {
	var out struct {
		MarkupRate float64 `json:"markup_rate"`
	}
	if err := c.call(ctx, http.MethodGet, "/accounts/"+accountID+"/markup", nil, &out); err != nil {
		return 0, err
	}
	return out.MarkupRate, nil
}

func (c *HTTPClient) GetBalance(ctx context.Context, accountID string) (int64, error) {
	var out struct {
		BalanceCents int64 `json:"balance_cents"`
	}
	if err := c.call(ctx, http.MethodGet, "/accounts/"+accountID+"/balance", nil, &out); err != nil {
		return 0, err
	}
	return out.BalanceCents, nil
}

func (c *HTTPClient) Debit(ctx context.Context, accountID string, cents int64, idempotencyKey string, metadata map[string]string) (bool, error) {
	return c.transfer(ctx, "/accounts/"+accountID+"/debit", cents, idempotencyKey, metadata)
}

func (c *HTTPClient) Credit(ctx context.Context, accountID string, cents int64, idempotencyKey string, metadata map[string]string) (bool, error) {
	return c.transfer(ctx, "/accounts/"+accountID+"/credit", cents, idempotencyKey, metadata)
}

func (c *HTTPClient) Notify(ctx context.Context, orgID, kind string, payload map[string]interface{}) error {
	body := map[string]interface{}{
		"kind":    kind,
		"payload": payload,
	}
	return c.call(ctx, http.MethodPost, "/organizations/"+orgID+"/notifications", body, nil)
}

func (c *HTTPClient) transfer(ctx context.Context, path string, cents int64, idempotencyKey string, metadata map[string]string) (bool, error) {
	body := map[string]interface{}{
		"amount_cents":    cents,
		"idempotency_key": idempotencyKey,
		"metadata":        metadata,
	}
	var out struct {
		AlreadyProcessed bool `json:"already_processed"`
	}
	if err := c.call(ctx, http.MethodPost, path, body, &out); err != nil {
		return false, err
	}
	return out.AlreadyProcessed, nil
}

func (c *HTTPClient) call(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewBuffer(data)
	} else {
		reader = &bytes.Buffer{}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("billing request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusPaymentRequired {
		return ErrInsufficientBalance
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("billing API returned status %d for %s %s", resp.StatusCode, method, path)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

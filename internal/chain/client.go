package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// RESTClient talks to the chain's RPC gateway over plain JSON
// request/response calls.
type RESTClient struct {
	baseURL string
	client  *http.Client
}

// NewRESTClient creates a chain client against the given RPC gateway URL.
func NewRESTClient(baseURL string) *RESTClient {
	return &RESTClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// SetTimeout sets the timeout for chain requests.
func (c *RESTClient) SetTimeout(timeout time.Duration) {
	c.client.Timeout = timeout
}

func (c *RESTClient) BlockHeight(ctx context.Context) (uint64, error) {
	var out struct {
		Height uint64 `json:"height"`
	}
	if err := c.call(ctx, http.MethodGet, "/blocks/latest", nil, &out); err != nil {
		return 0, err
	}
	return out.Height, nil
}

func (c *RESTClient) SubmitOrder(ctx context.Context, id OrderID, manifest string, depositTokens string) error {
	body := map[string]interface{}{
		"order_id": id,
		"manifest": manifest,
		"deposit":  depositTokens,
	}
	return c.call(ctx, http.MethodPost, "/deployments", body, nil)
}

func (c *RESTClient) ListBids(ctx context.Context, id OrderID) ([]Bid, error) {
	var out struct {
		Bids []Bid `json:"bids"`
	}
	path := fmt.Sprintf("/deployments/%s/%d/bids", id.Owner, id.DSeq)
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Bids, nil
}

func (c *RESTClient) CreateLease(ctx context.Context, id LeaseID) error {
	return c.call(ctx, http.MethodPost, "/leases", map[string]interface{}{"lease_id": id}, nil)
}

func (c *RESTClient) GetDeployment(ctx context.Context, id OrderID) (*DeploymentInfo, error) {
	var out DeploymentInfo
	path := fmt.Sprintf("/deployments/%s/%d", id.Owner, id.DSeq)
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RESTClient) CloseDeployment(ctx context.Context, id OrderID) error {
	path := fmt.Sprintf("/deployments/%s/%d/close", id.Owner, id.DSeq)
	return c.call(ctx, http.MethodPost, path, nil, nil)
}

func (c *RESTClient) call(ctx context.Context, method, path string, body, out interface{}) error {
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

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("chain request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("chain returned status %d for %s %s", resp.StatusCode, method, path)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

package chain

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// RESTGateway talks to a provider's own API. Providers authenticate
// callers with a client certificate tied to the caller's chain identity.
type RESTGateway struct {
	client *http.Client
	// resolveHost maps a provider address to its API base URL. Left nil,
	// the provider address itself is used as the host.
	resolveHost func(provider string) string
}

// NewRESTGateway creates a provider gateway using the given client
// certificate for mTLS.
func NewRESTGateway(cert tls.Certificate) *RESTGateway {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			// Provider certificates are self-issued against their chain
			// address, not a public CA.
			InsecureSkipVerify: true,
		},
	}
	return &RESTGateway{
		client: &http.Client{Transport: transport, Timeout: 30 * time.Second},
	}
}

// SetHostResolver overrides how provider addresses map to API hosts.
func (g *RESTGateway) SetHostResolver(fn func(provider string) string) {
	g.resolveHost = fn
}

func (g *RESTGateway) SubmitManifest(ctx context.Context, id LeaseID, manifest string) error {
	path := fmt.Sprintf("/deployment/%d/manifest", id.DSeq)
	body, err := json.Marshal(map[string]string{"manifest": manifest})
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, g.hostFor(id.Provider)+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("manifest submission failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("provider rejected manifest with status %d", resp.StatusCode)
	}
	return nil
}

func (g *RESTGateway) LeaseStatus(ctx context.Context, id LeaseID) (map[string][]string, error) {
	path := fmt.Sprintf("/lease/%d/%d/%d/status", id.DSeq, id.GSeq, id.OSeq)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.hostFor(id.Provider)+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lease status request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("provider returned status %d", resp.StatusCode)
	}

	var out struct {
		Services map[string]struct {
			URIs []string `json:"uris"`
		} `json:"services"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode lease status: %w", err)
	}

	uris := make(map[string][]string, len(out.Services))
	for name, svc := range out.Services {
		if len(svc.URIs) > 0 {
			uris[name] = svc.URIs
		}
	}
	return uris, nil
}

func (g *RESTGateway) hostFor(provider string) string {
	if g.resolveHost != nil {
		return g.resolveHost(provider)
	}
	return "https://" + provider
}

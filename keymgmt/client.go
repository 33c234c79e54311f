// Package keymgmt is the client for the external key-management service
// holding custodial wallets. Private keys never leave that service; the
// proxy asks it to list a user's accounts and to sign payment payloads.
package keymgmt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/paymcp/paygate/x402"
)

// Account is one custodial wallet held for a user.
type Account struct {
	ID      string       `json:"id"`
	Address string       `json:"address"`
	Network x402.Network `json:"network"`
	Family  x402.Family  `json:"family"`
	// Smart marks contract (smart) accounts, preferred over plain keys.
	Smart bool `json:"smart"`
}

// Client talks to the key-management service.
type Client interface {
	ListAccounts(ctx context.Context, userID string) ([]Account, error)
	SignPayment(ctx context.Context, accountID string, requirements *x402.PaymentRequirements) (*x402.PaymentPayload, error)
}

// HTTPClient is the production key-management client.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPClient creates a key-management client.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// ListAccounts returns the user's custodial accounts.
func (c *HTTPClient) ListAccounts(ctx context.Context, userID string) ([]Account, error) {
	endpoint := fmt.Sprintf("%s/users/%s/accounts", c.baseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create accounts request: %w", err)
	}
	c.auth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list accounts failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read accounts response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list accounts failed (%d): %s", resp.StatusCode, string(body))
	}

	var accounts []Account
	if err := json.Unmarshal(body, &accounts); err != nil {
		return nil, fmt.Errorf("decode accounts response: %w", err)
	}
	return accounts, nil
}

// SignPayment asks the service to produce a signed payment payload for the
// given requirement using the given account.
func (c *HTTPClient) SignPayment(ctx context.Context, accountID string, requirements *x402.PaymentRequirements) (*x402.PaymentPayload, error) {
	requestBody, err := json.Marshal(map[string]any{
		"x402Version":         x402.Version,
		"paymentRequirements": requirements,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal sign request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/sign-payment", c.baseURL, url.PathEscape(accountID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("create sign request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sign payment failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read sign response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sign payment failed (%d): %s", resp.StatusCode, string(body))
	}

	var payload x402.PaymentPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode sign response: %w", err)
	}
	return &payload, nil
}

func (c *HTTPClient) auth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

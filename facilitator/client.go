// Package facilitator is the HTTP client for the external settlement
// facilitator. The proxy never touches chains directly; verify and settle
// are delegated here.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/paymcp/paygate/x402"
)

// Client verifies and settles payments against a facilitator service.
type Client interface {
	Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.VerifyResponse, error)
	Settle(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.SettleResponse, error)
	Supported(ctx context.Context) (x402.SupportedResponse, error)
}

// AuthProvider supplies authentication headers for facilitator requests.
type AuthProvider interface {
	AuthHeaders(ctx context.Context) (map[string]string, error)
}

// Config configures the HTTP facilitator client.
type Config struct {
	// URL is the facilitator base URL.
	URL string

	// HTTPClient overrides the default client (30s timeout).
	HTTPClient *http.Client

	// AuthProvider is optional.
	AuthProvider AuthProvider

	Timeout time.Duration

	Logger *zap.Logger
}

// DefaultURL is the public facilitator.
const DefaultURL = "https://x402.org/facilitator"

const supportedMaxRetries = 3

// HTTPClient is the production facilitator client.
type HTTPClient struct {
	url          string
	httpClient   *http.Client
	authProvider AuthProvider
	logger       *zap.Logger
}

// NewHTTPClient creates a facilitator client.
func NewHTTPClient(cfg *Config) *HTTPClient {
	if cfg == nil {
		cfg = &Config{}
	}
	url := cfg.URL
	if url == "" {
		url = DefaultURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		url:          url,
		httpClient:   httpClient,
		authProvider: cfg.AuthProvider,
		logger:       logger,
	}
}

// Verify checks a payment against its requirement without settling it.
func (c *HTTPClient) Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	body, status, err := c.post(ctx, "/verify", payload, requirements)
	if err != nil {
		return nil, err
	}

	var verifyResponse x402.VerifyResponse
	if err := json.Unmarshal(body, &verifyResponse); err != nil {
		return nil, fmt.Errorf("facilitator verify failed (%d): %s", status, string(body))
	}
	if status != http.StatusOK {
		if verifyResponse.InvalidReason != "" {
			return &verifyResponse, nil
		}
		return nil, fmt.Errorf("facilitator verify failed (%d): %s", status, string(body))
	}
	return &verifyResponse, nil
}

// Settle executes a verified payment on chain via the facilitator.
func (c *HTTPClient) Settle(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.SettleResponse, error) {
	body, status, err := c.post(ctx, "/settle", payload, requirements)
	if err != nil {
		return nil, err
	}

	var settleResponse x402.SettleResponse
	if err := json.Unmarshal(body, &settleResponse); err != nil {
		return nil, fmt.Errorf("facilitator settle failed (%d): %s", status, string(body))
	}
	if status != http.StatusOK && settleResponse.ErrorReason == "" {
		return nil, fmt.Errorf("facilitator settle failed (%d): %s", status, string(body))
	}
	return &settleResponse, nil
}

// Supported lists the payment kinds the facilitator can settle. Rate-limit
// responses are retried with exponential backoff.
func (c *HTTPClient) Supported(ctx context.Context) (x402.SupportedResponse, error) {
	var supported x402.SupportedResponse

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/supported", nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create supported request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		if err := c.applyAuth(ctx, req); err != nil {
			return backoff.Permanent(err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("supported request failed: %w", err))
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("read supported response: %w", err))
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			if err := json.Unmarshal(body, &supported); err != nil {
				return backoff.Permanent(fmt.Errorf("decode supported response: %w", err))
			}
			return nil
		case resp.StatusCode == http.StatusTooManyRequests:
			c.logger.Warn("facilitator rate limited supported lookup, retrying")
			return fmt.Errorf("facilitator supported failed (%d): %s", resp.StatusCode, string(body))
		default:
			return backoff.Permanent(fmt.Errorf("facilitator supported failed (%d): %s", resp.StatusCode, string(body)))
		}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), supportedMaxRetries), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return x402.SupportedResponse{}, err
	}
	return supported, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) ([]byte, int, error) {
	requestBody := map[string]any{
		"x402Version":         x402.Version,
		"paymentPayload":      payload,
		"paymentRequirements": requirements,
	}
	encoded, err := json.Marshal(requestBody)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, 0, fmt.Errorf("create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.applyAuth(ctx, req); err != nil {
		return nil, 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s request failed: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read %s response: %w", path, err)
	}
	return body, resp.StatusCode, nil
}

func (c *HTTPClient) applyAuth(ctx context.Context, req *http.Request) error {
	if c.authProvider == nil {
		return nil
	}
	headers, err := c.authProvider.AuthHeaders(ctx)
	if err != nil {
		return fmt.Errorf("get auth headers: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return nil
}

// Package session resolves inbound proxy sessions to users. The proxy
// itself never authenticates; it asks a session provider who is calling.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// User is the resolved owner of a session.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// Provider resolves a session identifier to a user. A nil user with a nil
// error means the session is anonymous.
type Provider interface {
	Resolve(ctx context.Context, sessionID string) (*User, error)
}

// HTTPProvider resolves sessions against an external session service.
type HTTPProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPProvider creates a provider for the given session service.
func NewHTTPProvider(baseURL, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Resolve looks up the session. 404 means anonymous, not an error.
func (p *HTTPProvider) Resolve(ctx context.Context, sessionID string) (*User, error) {
	if sessionID == "" {
		return nil, nil
	}
	endpoint := fmt.Sprintf("%s/sessions/%s", p.baseURL, url.PathEscape(sessionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create session request: %w", err)
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("session lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read session response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("session lookup failed (%d): %s", resp.StatusCode, string(body))
	}

	var user User
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("decode session response: %w", err)
	}
	return &user, nil
}

// StaticProvider maps session ids to users from memory. Test and dev use.
type StaticProvider struct {
	Users map[string]*User
}

func (p *StaticProvider) Resolve(ctx context.Context, sessionID string) (*User, error) {
	return p.Users[sessionID], nil
}

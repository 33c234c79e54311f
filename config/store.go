package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Store serves the server config for an inbound request. Lookups are fresh
// per request so config edits take effect without a proxy restart.
type Store interface {
	ServerConfig(ctx context.Context, serverID string) (*ServerConfig, error)
}

// ErrServerNotFound is returned when no config exists for the server id.
type ErrServerNotFound struct {
	ServerID string
}

func (e *ErrServerNotFound) Error() string {
	return fmt.Sprintf("no server config for %q", e.ServerID)
}

// StaticStore serves configs from the daemon config file.
type StaticStore struct {
	Servers map[string]*ServerConfig
}

// NewStaticStore builds a store over the daemon config's server table.
func NewStaticStore(cfg *Config) *StaticStore {
	return &StaticStore{Servers: cfg.Servers}
}

func (s *StaticStore) ServerConfig(ctx context.Context, serverID string) (*ServerConfig, error) {
	server, ok := s.Servers[serverID]
	if !ok {
		return nil, &ErrServerNotFound{ServerID: serverID}
	}
	return server, nil
}

// HTTPStore fetches server configs from the config service on every
// request. No caching.
type HTTPStore struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPStore creates a config-service backed store.
func NewHTTPStore(baseURL, apiKey string) *HTTPStore {
	return &HTTPStore{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPStore) ServerConfig(ctx context.Context, serverID string) (*ServerConfig, error) {
	endpoint := fmt.Sprintf("%s/servers/%s", s.baseURL, url.PathEscape(serverID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create server config request: %w", err)
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server config lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, &ErrServerNotFound{ServerID: serverID}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read server config response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server config lookup failed (%d): %s", resp.StatusCode, string(body))
	}

	var server ServerConfig
	if err := json.Unmarshal(body, &server); err != nil {
		return nil, fmt.Errorf("decode server config: %w", err)
	}
	if server.ID == "" {
		server.ID = serverID
	}
	if err := validateServer(&server); err != nil {
		return nil, fmt.Errorf("server %q: %w", serverID, err)
	}
	return &server, nil
}

// Package config loads the daemon configuration and serves per-upstream
// server configs. The daemon config is a TOML file with ${ENV} expansion
// for secrets. Server configs come from a store: a static table in the
// same file for dev, or an HTTP config service in production.
package config

import (
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"

	"github.com/paymcp/paygate/x402"
)

// Config is the daemon configuration.
type Config struct {
	Listen      string            `toml:"listen"`
	Facilitator FacilitatorConfig `toml:"facilitator"`
	Session     ServiceConfig     `toml:"session"`
	KeyMgmt     ServiceConfig     `toml:"keymgmt"`
	ConfigStore ServiceConfig     `toml:"config_store"`
	LogLevel    string            `toml:"log_level"`

	// Servers is the static server-config table, used when no config
	// store service is set.
	Servers map[string]*ServerConfig `toml:"servers"`
}

// FacilitatorConfig points at the settlement facilitator.
type FacilitatorConfig struct {
	URL    string `toml:"url"`
	APIKey string `toml:"api_key"`
}

// ServiceConfig points at an external collaborator service.
type ServiceConfig struct {
	URL    string `toml:"url"`
	APIKey string `toml:"api_key"`
}

// ToolPrice is the configured price of one tool. Either Money is set
// ("$0.001") or Amount+Asset (raw atomic units).
type ToolPrice struct {
	Money  string `toml:"money" json:"money,omitempty"`
	Amount string `toml:"amount" json:"amount,omitempty"`
	Asset  string `toml:"asset" json:"asset,omitempty"`
}

// Price converts to the protocol price type.
func (p ToolPrice) Price() x402.Price {
	return x402.Price{Money: p.Money, Amount: p.Amount, Asset: p.Asset}
}

// ServerConfig describes one upstream MCP server fronted by the proxy.
type ServerConfig struct {
	ID          string `toml:"id" json:"id"`
	UpstreamURL string `toml:"upstream_url" json:"upstreamUrl"`
	Description string `toml:"description" json:"description,omitempty"`

	// Recipients maps each accepted network to the receiving wallet
	// address on that network.
	Recipients map[x402.Network]string `toml:"recipients" json:"recipients"`

	// Tools maps tool name to price. Tools absent from the map are free.
	Tools map[string]ToolPrice `toml:"tools" json:"tools"`

	// UpstreamHeaders are injected on every upstream request, after
	// inbound hop headers are dropped. Typically the upstream API key.
	UpstreamHeaders map[string]string `toml:"upstream_headers" json:"upstreamHeaders,omitempty"`

	// MaxTimeoutSeconds overrides the default payment validity window.
	MaxTimeoutSeconds int `toml:"max_timeout_seconds" json:"maxTimeoutSeconds,omitempty"`
}

// PriceFor returns the price for a tool, if it is priced.
func (s *ServerConfig) PriceFor(tool string) (x402.Price, bool) {
	tp, ok := s.Tools[tool]
	if !ok {
		return x402.Price{}, false
	}
	return tp.Price(), true
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} references with environment values.
// Unset variables expand to the empty string.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load reads and validates a daemon config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes daemon config from TOML bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(expandEnv(data), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8402"
	}
	for id, server := range cfg.Servers {
		if server.ID == "" {
			server.ID = id
		}
		if err := validateServer(server); err != nil {
			return nil, fmt.Errorf("server %q: %w", id, err)
		}
	}
	return &cfg, nil
}

func validateServer(s *ServerConfig) error {
	if s.UpstreamURL == "" {
		return fmt.Errorf("upstream_url is required")
	}
	for network, addr := range s.Recipients {
		if _, err := x402.NormalizeAddress(network, addr); err != nil {
			return err
		}
	}
	for tool, price := range s.Tools {
		if price.Money == "" && price.Amount == "" {
			return fmt.Errorf("tool %q: price requires money or amount", tool)
		}
	}
	return nil
}

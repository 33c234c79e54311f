// Package headers provides the upstream header hook: it strips caller
// credentials so they never leak upstream, then injects the server's own
// auth headers from config.
package headers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/paymcp/paygate/proxy"
)

// redactedHeaders are inbound credentials dropped before forwarding.
var redactedHeaders = []string{
	"Authorization",
	"Cookie",
	"X-Api-Key",
}

// Hook rewrites upstream headers.
type Hook struct {
	logger *zap.Logger
}

// New creates the header hook.
func New(logger *zap.Logger) *Hook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hook{logger: logger}
}

func (h *Hook) Name() string { return "headers" }

// OnPrepareUpstreamHeaders drops caller credentials and applies the
// server's configured upstream headers.
func (h *Hook) OnPrepareUpstreamHeaders(ctx context.Context, rc *proxy.RequestContext, headers http.Header) error {
	for _, name := range redactedHeaders {
		headers.Del(name)
	}
	if rc.Server == nil {
		return nil
	}
	for name, value := range rc.Server.UpstreamHeaders {
		headers.Set(name, value)
	}
	return nil
}

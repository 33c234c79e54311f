// Package proxy is the payment-gating reverse proxy engine for MCP
// traffic: it parses JSON-RPC tool calls out of inbound HTTP requests,
// runs them through a hook chain, forwards to the upstream server, and
// runs responses back through the chain before replying.
package proxy

import (
	"context"
	"net/http"
	"net/url"

	"github.com/paymcp/paygate/config"
	"github.com/paymcp/paygate/session"
)

// Hook is the base of all proxy hooks. A hook opts into pipeline stages by
// also implementing RequestHook, ResultHook or HeaderHook; the engine
// type-asserts per stage. Hooks run in registration order at every stage.
type Hook interface {
	Name() string
}

// RequestHook observes or rewrites an outgoing tool call before it is
// forwarded. It can short-circuit the upstream entirely.
type RequestHook interface {
	Hook
	OnRequest(ctx context.Context, rc *RequestContext, call *ToolCall) (RequestOutcome, error)
}

// ResultHook observes or rewrites a tool result before it is returned to
// the caller, and can request one retry of the call.
type ResultHook interface {
	Hook
	OnResult(ctx context.Context, rc *RequestContext, call *ToolCall, result *ToolResult) (ResultOutcome, error)
}

// HeaderHook mutates the prepared upstream headers in place.
type HeaderHook interface {
	Hook
	OnPrepareUpstreamHeaders(ctx context.Context, rc *RequestContext, headers http.Header) error
}

// RequestContext carries per-request state through the hook chain. One
// value per inbound HTTP request, never shared across requests.
type RequestContext struct {
	RequestID string
	SessionID string
	ServerID  string

	// User is nil for anonymous sessions.
	User *session.User

	// Server is the upstream's config, resolved fresh for this request.
	Server *config.ServerConfig

	OriginalURL *url.URL
	UpstreamURL *url.URL

	// InboundHeaders is a snapshot of the caller's headers.
	InboundHeaders http.Header

	values map[string]any
}

// Set stores hook scratch state, typically to pass data from the request
// stage to the result stage.
func (rc *RequestContext) Set(key string, value any) {
	if rc.values == nil {
		rc.values = make(map[string]any)
	}
	rc.values[key] = value
}

// Get retrieves hook scratch state.
func (rc *RequestContext) Get(key string) (any, bool) {
	value, ok := rc.values[key]
	return value, ok
}

// Delete removes hook scratch state.
func (rc *RequestContext) Delete(key string) {
	delete(rc.values, key)
}

type requestAction int

const (
	requestContinue requestAction = iota
	requestRespond
	requestAbort
)

// RequestOutcome is the tagged result of a request-stage hook.
type RequestOutcome struct {
	action requestAction
	call   *ToolCall
	result *ToolResult
	err    *RPCError
}

// ContinueRequest passes the (possibly rewritten) call to the next hook.
func ContinueRequest(call *ToolCall) RequestOutcome {
	return RequestOutcome{action: requestContinue, call: call}
}

// RespondWith short-circuits the upstream and answers with result. The
// result still flows through the result-stage chain.
func RespondWith(result *ToolResult) RequestOutcome {
	return RequestOutcome{action: requestRespond, result: result}
}

// AbortRequest fails the call with a JSON-RPC error.
func AbortRequest(code int, message string) RequestOutcome {
	return RequestOutcome{action: requestAbort, err: &RPCError{Code: code, Message: message}}
}

type resultAction int

const (
	resultContinue resultAction = iota
	resultRetry
	resultAbort
)

// ResultOutcome is the tagged result of a result-stage hook.
type ResultOutcome struct {
	action resultAction
	result *ToolResult
	retry  *ToolCall
	err    *RPCError
}

// ContinueResult passes the (possibly rewritten) result onward.
func ContinueResult(result *ToolResult) ResultOutcome {
	return ResultOutcome{action: resultContinue, result: result}
}

// RetryWith asks the engine to re-send the call (at most once per hook per
// call) and re-run the result chain on the fresh result.
func RetryWith(call *ToolCall) ResultOutcome {
	return ResultOutcome{action: resultRetry, retry: call}
}

// AbortResult replaces the result with a JSON-RPC error.
func AbortResult(code int, message string) ResultOutcome {
	return ResultOutcome{action: resultAbort, err: &RPCError{Code: code, Message: message}}
}

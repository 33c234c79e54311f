package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paymcp/paygate/config"
	"github.com/paymcp/paygate/session"
)

// SessionHeader carries the MCP session id on streamable HTTP transports.
const SessionHeader = "Mcp-Session-Id"

const maxBodyBytes = 10 << 20

// Engine runs inbound MCP traffic through the hook chain and relays it to
// the upstream server.
type Engine struct {
	hooks      []Hook
	store      config.Store
	sessions   session.Provider
	httpClient *http.Client
	logger     *zap.Logger
}

// Options configures an Engine.
type Options struct {
	// Hooks run in slice order at every stage.
	Hooks []Hook

	// Store resolves server configs, fresh per request.
	Store config.Store

	// Sessions resolves callers. Optional; nil means all anonymous.
	Sessions session.Provider

	HTTPClient *http.Client
	Logger     *zap.Logger
}

// New creates an engine.
func New(opts Options) *Engine {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		hooks:      opts.Hooks,
		store:      opts.Store,
		sessions:   opts.Sessions,
		httpClient: httpClient,
		logger:     logger,
	}
}

// element tracks one JSON-RPC envelope through the pipeline.
type element struct {
	req  *Request
	call *ToolCall

	// synthesized holds a result produced by a Respond short-circuit
	// before any upstream contact.
	synthesized *ToolResult

	// contactedUpstream flips once this element has been forwarded.
	contactedUpstream bool

	// upstream parks the decoded upstream response until the result
	// stage consumes it.
	upstream *Response

	resp    *Response
	hookErr bool

	retriesByHook map[string]int
	totalRetries  int
}

func (el *element) done() bool { return el.resp != nil }

// Handle processes one inbound POST for the given server id.
func (e *Engine) Handle(w http.ResponseWriter, r *http.Request, serverID string) {
	ctx := r.Context()
	logger := e.logger.With(zap.String("serverId", serverID))

	rc, ok := e.buildContext(ctx, w, r, serverID, logger)
	if !ok {
		return
	}
	logger = logger.With(zap.String("requestId", rc.RequestID))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeEnvelope(w, http.StatusBadRequest, errorResponse(nil, CodeParseError, "failed to read request body"))
		return
	}

	requests, isBatch, err := parseBody(body)
	if err != nil {
		writeEnvelope(w, http.StatusBadRequest, errorResponse(nil, CodeParseError, err.Error()))
		return
	}

	hasToolCall := false
	for _, req := range requests {
		if req.Method == MethodToolsCall {
			hasToolCall = true
			break
		}
	}
	if !hasToolCall {
		// Nothing for the hook chain; relay verbatim, streaming intact.
		e.relayRaw(ctx, w, rc, r.Method, body, logger)
		return
	}

	elements := make([]*element, len(requests))
	for i, req := range requests {
		elements[i] = &element{req: req, retriesByHook: make(map[string]int)}
	}

	// Request stage per tool-call element.
	for _, el := range elements {
		if el.req.Method != MethodToolsCall {
			continue
		}
		call, err := DecodeToolCall(el.req)
		if err != nil {
			el.resp = errorResponse(el.req.ID, CodeInvalidRequest, err.Error())
			continue
		}
		el.call = call
		e.runRequestChain(ctx, rc, el, logger)
	}

	// Forward everything not short-circuited in one upstream exchange.
	if err := e.forwardPending(ctx, w, rc, elements, isBatch, logger); err != nil {
		if err == errStreamed {
			return
		}
		for _, el := range elements {
			if !el.done() && el.synthesized == nil {
				el.resp = errorResponse(el.req.ID, CodeInternalError, "upstream request failed")
			}
		}
		logger.Error("upstream exchange failed", zap.Error(err))
	}

	// Result stage per tool-call element.
	for _, el := range elements {
		if el.call == nil || el.done() {
			continue
		}
		e.runResultPipeline(ctx, rc, el, logger)
	}

	e.writeResult(w, elements, isBatch)
}

// HandlePassthrough relays non-POST MCP transport traffic (session GET and
// DELETE) verbatim.
func (e *Engine) HandlePassthrough(w http.ResponseWriter, r *http.Request, serverID string) {
	ctx := r.Context()
	logger := e.logger.With(zap.String("serverId", serverID))

	rc, ok := e.buildContext(ctx, w, r, serverID, logger)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	e.relayRaw(ctx, w, rc, r.Method, body, logger)
}

func (e *Engine) buildContext(ctx context.Context, w http.ResponseWriter, r *http.Request, serverID string, logger *zap.Logger) (*RequestContext, bool) {
	server, err := e.store.ServerConfig(ctx, serverID)
	if err != nil {
		var notFound *config.ErrServerNotFound
		if errors.As(err, &notFound) {
			writeEnvelope(w, http.StatusNotFound, errorResponse(nil, CodeInvalidRequest, notFound.Error()))
		} else {
			logger.Error("server config lookup failed", zap.Error(err))
			writeEnvelope(w, http.StatusBadGateway, errorResponse(nil, CodeInternalError, "server config unavailable"))
		}
		return nil, false
	}

	upstream, err := url.Parse(server.UpstreamURL)
	if err != nil {
		logger.Error("invalid upstream url", zap.String("upstream", server.UpstreamURL), zap.Error(err))
		writeEnvelope(w, http.StatusBadGateway, errorResponse(nil, CodeInternalError, "invalid upstream"))
		return nil, false
	}

	rc := &RequestContext{
		RequestID:      uuid.NewString(),
		SessionID:      r.Header.Get(SessionHeader),
		ServerID:       serverID,
		Server:         server,
		OriginalURL:    r.URL,
		UpstreamURL:    upstream,
		InboundHeaders: r.Header.Clone(),
	}

	if e.sessions != nil && rc.SessionID != "" {
		user, err := e.sessions.Resolve(ctx, rc.SessionID)
		if err != nil {
			logger.Warn("session resolution failed, continuing anonymous", zap.Error(err))
		} else {
			rc.User = user
		}
	}
	return rc, true
}

// runRequestChain runs the request stage for one element. A Respond
// short-circuit stores the synthesized result and skips remaining request
// hooks; the result chain still runs on it.
func (e *Engine) runRequestChain(ctx context.Context, rc *RequestContext, el *element, logger *zap.Logger) {
	el.synthesized = nil
	for _, h := range e.hooks {
		hook, ok := h.(RequestHook)
		if !ok {
			continue
		}
		outcome, err := hook.OnRequest(ctx, rc, el.call)
		if err != nil {
			logger.Error("request hook failed", zap.String("hook", h.Name()), zap.Error(err))
			el.resp = errorResponse(el.req.ID, CodeInternalError, "internal proxy error")
			el.hookErr = true
			return
		}
		switch outcome.action {
		case requestContinue:
			if outcome.call != nil {
				el.call = outcome.call
			}
		case requestRespond:
			el.synthesized = outcome.result
			return
		case requestAbort:
			el.resp = &Response{JSONRPC: "2.0", ID: el.req.ID, Error: outcome.err}
			return
		}
	}
}

var errStreamed = fmt.Errorf("response streamed")

// forwardPending sends every element that still needs upstream contact in
// a single exchange and parks the decoded responses on the elements.
func (e *Engine) forwardPending(ctx context.Context, w http.ResponseWriter, rc *RequestContext, elements []*element, isBatch bool, logger *zap.Logger) error {
	var outbound []*Request
	pending := make(map[string]*element)
	for _, el := range elements {
		if el.done() || el.synthesized != nil {
			continue
		}
		req := el.req
		if el.call != nil {
			params, err := EncodeToolCall(el.call)
			if err != nil {
				el.resp = errorResponse(el.req.ID, CodeInternalError, err.Error())
				continue
			}
			req = &Request{JSONRPC: el.req.JSONRPC, ID: el.req.ID, Method: el.req.Method, Params: params}
			el.contactedUpstream = true
		}
		outbound = append(outbound, req)
		if !req.IsNotification() {
			pending[string(req.ID)] = el
		}
	}
	if len(outbound) == 0 {
		return nil
	}

	var body []byte
	var err error
	if isBatch {
		body, err = json.Marshal(outbound)
	} else {
		body, err = json.Marshal(outbound[0])
	}
	if err != nil {
		return fmt.Errorf("encode upstream body: %w", err)
	}

	resp, err := e.send(ctx, rc, body, logger)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if isSSE(resp) {
		if isBatch {
			return fmt.Errorf("unexpected event stream for batch request")
		}
		logger.Warn("upstream answered with an event stream, result hooks skipped")
		relayStream(w, resp)
		return errStreamed
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read upstream response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("upstream returned %d: %s", resp.StatusCode, truncate(respBody))
	}

	responses, _, err := parseResponses(respBody)
	if err != nil {
		return fmt.Errorf("decode upstream response: %w", err)
	}
	for _, response := range responses {
		el, ok := pending[string(response.ID)]
		if !ok {
			logger.Warn("upstream response with unknown id", zap.String("id", string(response.ID)))
			continue
		}
		delete(pending, string(response.ID))
		if el.call == nil {
			el.resp = response
			continue
		}
		el.upstream = response
	}
	for id, el := range pending {
		logger.Warn("upstream omitted a response", zap.String("id", id))
		el.resp = errorResponse(el.req.ID, CodeInternalError, "upstream omitted response")
	}
	return nil
}

// runResultPipeline runs the result chain for one element, honoring Retry
// outcomes with their per-hook and total bounds.
func (e *Engine) runResultPipeline(ctx context.Context, rc *RequestContext, el *element, logger *zap.Logger) {
	result, errResp := el.takeResult()
	if errResp != nil {
		el.resp = errResp
		return
	}
	if result == nil {
		if el.req.IsNotification() {
			return
		}
		el.resp = errorResponse(el.req.ID, CodeInternalError, "missing upstream result")
		return
	}

restart:
	for _, h := range e.hooks {
		hook, ok := h.(ResultHook)
		if !ok {
			continue
		}
		outcome, err := hook.OnResult(ctx, rc, el.call, result)
		if err != nil {
			logger.Warn("result hook failed, continuing", zap.String("hook", h.Name()), zap.Error(err))
			continue
		}
		switch outcome.action {
		case resultContinue:
			if outcome.result != nil {
				result = outcome.result
			}
		case resultAbort:
			el.resp = &Response{JSONRPC: "2.0", ID: el.req.ID, Error: outcome.err}
			return
		case resultRetry:
			if el.retriesByHook[h.Name()] >= 1 || el.totalRetries >= len(e.hooks) {
				logger.Warn("retry budget exhausted", zap.String("hook", h.Name()))
				continue
			}
			el.retriesByHook[h.Name()]++
			el.totalRetries++
			if outcome.retry != nil {
				el.call = outcome.retry
			}

			fresh, err := e.replay(ctx, rc, el, logger)
			if err != nil {
				logger.Error("retry failed", zap.String("hook", h.Name()), zap.Error(err))
				el.resp = errorResponse(el.req.ID, CodeInternalError, "retry failed")
				return
			}
			if fresh == nil {
				// Replay aborted or re-responded; el.resp or
				// el.synthesized carries the answer.
				if el.done() {
					return
				}
				fresh = el.synthesized
				el.synthesized = nil
			}
			result = fresh
			goto restart
		}
	}

	encoded, err := EncodeToolResult(result)
	if err != nil {
		el.resp = errorResponse(el.req.ID, CodeInternalError, err.Error())
		return
	}
	el.resp = &Response{JSONRPC: "2.0", ID: el.req.ID, Result: encoded}
}

// replay re-executes one element after a Retry outcome. Calls that already
// reached upstream re-enter at header preparation and are re-sent alone.
// Calls answered by a Respond short-circuit re-enter at the request stage
// so gating hooks see the retried call.
func (e *Engine) replay(ctx context.Context, rc *RequestContext, el *element, logger *zap.Logger) (*ToolResult, error) {
	if !el.contactedUpstream {
		el.resp = nil
		e.runRequestChain(ctx, rc, el, logger)
		if el.done() {
			return nil, nil
		}
		if el.synthesized != nil {
			return nil, nil
		}
	}
	return e.forwardSingle(ctx, rc, el, logger)
}

// forwardSingle re-sends one element's call and decodes the tool result.
func (e *Engine) forwardSingle(ctx context.Context, rc *RequestContext, el *element, logger *zap.Logger) (*ToolResult, error) {
	params, err := EncodeToolCall(el.call)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(&Request{JSONRPC: el.req.JSONRPC, ID: el.req.ID, Method: el.req.Method, Params: params})
	if err != nil {
		return nil, err
	}
	el.contactedUpstream = true

	resp, err := e.send(ctx, rc, body, logger)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if isSSE(resp) {
		return nil, fmt.Errorf("unexpected event stream on retry")
	}
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("upstream returned %d: %s", resp.StatusCode, truncate(respBody))
	}

	responses, _, err := parseResponses(respBody)
	if err != nil || len(responses) == 0 {
		return nil, fmt.Errorf("decode upstream response: %w", err)
	}
	response := responses[0]
	if response.Error != nil {
		el.resp = &Response{JSONRPC: "2.0", ID: el.req.ID, Error: response.Error}
		return nil, nil
	}
	return DecodeToolResult(response.Result)
}

// takeResult converts the parked upstream response (or a synthesized
// short-circuit result) into the result-stage input.
func (el *element) takeResult() (*ToolResult, *Response) {
	if el.synthesized != nil {
		result := el.synthesized
		el.synthesized = nil
		return result, nil
	}
	if el.upstream == nil {
		return nil, nil
	}
	response := el.upstream
	el.upstream = nil
	if response.Error != nil {
		return nil, &Response{JSONRPC: "2.0", ID: el.req.ID, Error: response.Error}
	}
	result, err := DecodeToolResult(response.Result)
	if err != nil {
		return nil, errorResponse(el.req.ID, CodeInternalError, err.Error())
	}
	return result, nil
}

// send performs header preparation (step 4) and one upstream POST. Header
// preparation runs fresh on every send, retries included.
func (e *Engine) send(ctx context.Context, rc *RequestContext, body []byte, logger *zap.Logger) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rc.UpstreamURL.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create upstream request: %w", err)
	}
	req.Header = e.prepareHeaders(ctx, rc, logger)
	return e.httpClient.Do(req)
}

// hop-by-hop and proxy-local headers never forwarded upstream.
var droppedHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
	"Host", "Content-Length",
}

func (e *Engine) prepareHeaders(ctx context.Context, rc *RequestContext, logger *zap.Logger) http.Header {
	headers := rc.InboundHeaders.Clone()
	for _, name := range droppedHeaders {
		headers.Del(name)
	}
	headers.Set("Content-Type", "application/json")

	for _, h := range e.hooks {
		hook, ok := h.(HeaderHook)
		if !ok {
			continue
		}
		if err := hook.OnPrepareUpstreamHeaders(ctx, rc, headers); err != nil {
			logger.Warn("header hook failed, continuing", zap.String("hook", h.Name()), zap.Error(err))
		}
	}
	return headers
}

// relayRaw forwards a body verbatim and streams the response back,
// flushing as data arrives so SSE stays live.
func (e *Engine) relayRaw(ctx context.Context, w http.ResponseWriter, rc *RequestContext, method string, body []byte, logger *zap.Logger) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rc.UpstreamURL.String(), reader)
	if err != nil {
		http.Error(w, "invalid upstream request", http.StatusBadGateway)
		return
	}
	req.Header = e.prepareHeaders(ctx, rc, logger)
	if len(body) == 0 {
		req.Header.Del("Content-Type")
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		logger.Error("upstream relay failed", zap.Error(err))
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	relayStream(w, resp)
}

func relayStream(w http.ResponseWriter, resp *http.Response) {
	header := w.Header()
	for name, values := range resp.Header {
		for _, dropped := range droppedHeaders {
			if http.CanonicalHeaderKey(dropped) == name {
				values = nil
			}
		}
		for _, value := range values {
			header.Add(name, value)
		}
	}
	w.WriteHeader(resp.StatusCode)

	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func (e *Engine) writeResult(w http.ResponseWriter, elements []*element, isBatch bool) {
	if !isBatch {
		el := elements[0]
		status := http.StatusOK
		if el.hookErr {
			status = http.StatusInternalServerError
		}
		if el.resp == nil {
			// Notification; nothing to return.
			w.WriteHeader(http.StatusAccepted)
			return
		}
		writeEnvelope(w, status, el.resp)
		return
	}

	var out []*Response
	for _, el := range elements {
		if el.resp != nil {
			out = append(out, el.resp)
		}
	}
	if len(out) == 0 {
		// Batch held nothing but notifications; no response body.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(out)
}

func writeEnvelope(w http.ResponseWriter, status int, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func parseResponses(body []byte) ([]*Response, bool, error) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, false, nil
	}
	if trimmed[0] == '[' {
		var batch []*Response
		if err := json.Unmarshal(body, &batch); err != nil {
			return nil, true, err
		}
		return batch, true, nil
	}
	var single Response
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, false, err
	}
	return []*Response{&single}, false, nil
}

func isSSE(resp *http.Response) bool {
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
}

func truncate(body []byte) string {
	const limit = 512
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}

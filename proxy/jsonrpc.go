package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MethodToolsCall is the only JSON-RPC method the hook pipeline inspects.
const MethodToolsCall = "tools/call"

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeInternalError  = -32603
)

// Request is a single JSON-RPC request envelope. ID and JSONRPC pass
// through the proxy untouched.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || bytes.Equal(r.ID, []byte("null"))
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Response is a single JSON-RPC response envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// ToolCall is the decoded params of a tools/call request. Extra preserves
// params fields the proxy does not model so they round-trip to upstream.
type ToolCall struct {
	// CallID correlates the call across hook stages. It mirrors the
	// envelope id; changing it has no wire effect.
	CallID    string
	Name      string
	Arguments map[string]any
	Meta      map[string]any
	Extra     map[string]json.RawMessage
}

// ToolResult is the decoded result of a tools/call response. Extra
// preserves unmodeled result fields (and carries proxy-added decoration
// like settlement receipts).
type ToolResult struct {
	Content           []map[string]any
	StructuredContent any
	IsError           bool
	Meta              map[string]any
	Extra             map[string]json.RawMessage
}

// DecodeToolCall parses tools/call params.
func DecodeToolCall(req *Request) (*ToolCall, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(req.Params, &raw); err != nil {
		return nil, fmt.Errorf("decode tools/call params: %w", err)
	}

	call := &ToolCall{
		CallID: string(req.ID),
		Extra:  make(map[string]json.RawMessage),
	}
	for key, value := range raw {
		switch key {
		case "name":
			if err := json.Unmarshal(value, &call.Name); err != nil {
				return nil, fmt.Errorf("decode tool name: %w", err)
			}
		case "arguments":
			if err := json.Unmarshal(value, &call.Arguments); err != nil {
				return nil, fmt.Errorf("decode tool arguments: %w", err)
			}
		case "_meta":
			if err := json.Unmarshal(value, &call.Meta); err != nil {
				return nil, fmt.Errorf("decode tool _meta: %w", err)
			}
		default:
			call.Extra[key] = value
		}
	}
	if call.Name == "" {
		return nil, fmt.Errorf("tools/call params missing tool name")
	}
	return call, nil
}

// EncodeToolCall serializes a tool call back into params JSON.
func EncodeToolCall(call *ToolCall) (json.RawMessage, error) {
	params := make(map[string]any, len(call.Extra)+3)
	for key, value := range call.Extra {
		params[key] = value
	}
	params["name"] = call.Name
	if call.Arguments != nil {
		params["arguments"] = call.Arguments
	}
	if len(call.Meta) > 0 {
		params["_meta"] = call.Meta
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode tools/call params: %w", err)
	}
	return encoded, nil
}

// DecodeToolResult parses a tools/call result object.
func DecodeToolResult(result json.RawMessage) (*ToolResult, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("decode tool result: %w", err)
	}

	tr := &ToolResult{Extra: make(map[string]json.RawMessage)}
	for key, value := range raw {
		switch key {
		case "content":
			if err := json.Unmarshal(value, &tr.Content); err != nil {
				return nil, fmt.Errorf("decode result content: %w", err)
			}
		case "structuredContent":
			var sc any
			if err := json.Unmarshal(value, &sc); err != nil {
				return nil, fmt.Errorf("decode structuredContent: %w", err)
			}
			tr.StructuredContent = sc
		case "isError":
			if err := json.Unmarshal(value, &tr.IsError); err != nil {
				return nil, fmt.Errorf("decode isError: %w", err)
			}
		case "_meta":
			if err := json.Unmarshal(value, &tr.Meta); err != nil {
				return nil, fmt.Errorf("decode result _meta: %w", err)
			}
		default:
			tr.Extra[key] = value
		}
	}
	return tr, nil
}

// EncodeToolResult serializes a tool result back into result JSON.
func EncodeToolResult(tr *ToolResult) (json.RawMessage, error) {
	out := make(map[string]any, len(tr.Extra)+4)
	for key, value := range tr.Extra {
		out[key] = value
	}
	if tr.Content != nil {
		out["content"] = tr.Content
	} else {
		out["content"] = []any{}
	}
	if tr.StructuredContent != nil {
		out["structuredContent"] = tr.StructuredContent
	}
	if tr.IsError {
		out["isError"] = true
	}
	if len(tr.Meta) > 0 {
		out["_meta"] = tr.Meta
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return encoded, nil
}

// TextContent builds a text content block.
func TextContent(text string) map[string]any {
	return map[string]any{"type": "text", "text": text}
}

// parseBody splits a request body into envelopes, reporting whether it was
// a JSON array (batch).
func parseBody(body []byte) ([]*Request, bool, error) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, false, fmt.Errorf("empty body")
	}
	if trimmed[0] == '[' {
		var batch []*Request
		if err := json.Unmarshal(body, &batch); err != nil {
			return nil, true, fmt.Errorf("parse batch: %w", err)
		}
		return batch, true, nil
	}
	var single Request
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, false, fmt.Errorf("parse request: %w", err)
	}
	return []*Request{&single}, false, nil
}

// errorResponse builds an error envelope for an element.
func errorResponse(id json.RawMessage, code int, message string) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
	}
}

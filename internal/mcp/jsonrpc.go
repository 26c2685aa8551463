package mcp

import (
	"encoding/json"
	"errors"
)

const jsonrpcVersion = "2.0"

// Error codes carried in rpcError.Code.
const (
	codeMethodNotFound = -32601 // unknown method or tool name
	codeInvalidParams  = -32602 // rejected before any bridge call
	codeBridgeFailure  = -32000 // the command bridge could not be reached
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func rpcErr(id json.RawMessage, e *rpcError) rpcResponse {
	return rpcResponse{JSONRPC: jsonrpcVersion, ID: id, Error: e}
}

func rpcOK(id json.RawMessage, result any) rpcResponse {
	return rpcResponse{JSONRPC: jsonrpcVersion, ID: id, Result: result}
}

func invalidParams(msg string, data any) *rpcError {
	return &rpcError{Code: codeInvalidParams, Message: msg, Data: data}
}

func parseRPCRequest(body []byte) (rpcRequest, error) {
	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return rpcRequest{}, err
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonrpcVersion {
		return rpcRequest{}, errors.New("unsupported jsonrpc version")
	}
	if req.Method == "" {
		return rpcRequest{}, errors.New("missing method")
	}
	return req, nil
}

// toolCall is the params object of call_tool / tools/call.
type toolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// parseToolCall resolves the named tool and validates its arguments.
func parseToolCall(params json.RawMessage) (*tool, toolCall, *rpcError) {
	var call toolCall
	if len(params) == 0 {
		return nil, call, invalidParams("missing params", nil)
	}
	if err := json.Unmarshal(params, &call); err != nil {
		return nil, call, invalidParams("bad params", err.Error())
	}
	if call.Name == "" {
		return nil, call, invalidParams("missing tool name", nil)
	}
	t, ok := tools[call.Name]
	if !ok {
		return nil, call, &rpcError{Code: codeMethodNotFound, Message: "tool not found", Data: map[string]any{"name": call.Name}}
	}
	return t, call, nil
}

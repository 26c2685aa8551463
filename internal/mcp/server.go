package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"citybridge.ai/internal/protocol"
)

// Commander sends one request to the command bridge. *client.Client
// implements it.
type Commander interface {
	Do(ctx context.Context, req protocol.Request) (protocol.Response, error)
}

type Config struct {
	Bridge     Commander
	HMACSecret string
	Logger     *log.Logger
}

type Server struct {
	bridge     Commander
	hmacSecret []byte
	nonces     *nonceGuard
	log        *log.Logger
	now        func() time.Time
}

// ToolResult is the call_tool result: the bridge response flattened into
// status, code, message and the remaining payload fields.
type ToolResult struct {
	Status  string                     `json:"status"`
	Code    string                     `json:"code,omitempty"`
	Message string                     `json:"message,omitempty"`
	Fields  map[string]json.RawMessage `json:"fields,omitempty"`
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Bridge == nil {
		return nil, fmt.Errorf("nil bridge")
	}
	s := &Server{
		bridge: cfg.Bridge,
		log:    cfg.Logger,
		now:    time.Now,
	}
	if strings.TrimSpace(cfg.HMACSecret) != "" {
		s.hmacSecret = []byte(cfg.HMACSecret)
		s.nonces = newNonceGuard(nonceWindow)
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/mcp", s.handleMCP)
	return mux
}

func (s *Server) handleMCP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		_, _ = rw.Write([]byte("bad body"))
		return
	}
	_ = r.Body.Close()

	// Without a secret only loopback callers are served.
	sessionKey := strings.TrimSpace(r.Header.Get(headerAgentID))
	if len(s.hmacSecret) > 0 {
		vr := verifyHMAC(r, body, s.hmacSecret, s.now())
		if vr.HTTPStatus != 0 {
			rw.WriteHeader(vr.HTTPStatus)
			_, _ = rw.Write([]byte(vr.Message))
			return
		}
		if err := s.nonces.claim(vr.SessionKey, vr.Nonce, s.now()); err != nil {
			status := http.StatusConflict
			if errors.Is(err, errNonceFlood) {
				status = http.StatusServiceUnavailable
			}
			rw.WriteHeader(status)
			_, _ = rw.Write([]byte(err.Error()))
			return
		}
		sessionKey = vr.SessionKey
	} else if err := requireLoopback(r); err != nil {
		rw.WriteHeader(http.StatusForbidden)
		_, _ = rw.Write([]byte(err.Error()))
		return
	}
	if sessionKey == "" {
		sessionKey = "default"
	}

	req, err := parseRPCRequest(body)
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		_, _ = rw.Write([]byte("bad jsonrpc request"))
		return
	}

	resp := s.dispatch(r.Context(), sessionKey, req)
	rw.Header().Set("content-type", "application/json")
	enc := json.NewEncoder(rw)
	_ = enc.Encode(resp)
}

func (s *Server) dispatch(ctx context.Context, sessionKey string, req rpcRequest) rpcResponse {
	switch req.Method {
	case "initialize":
		return rpcOK(req.ID, map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities": map[string]any{
				"tools": map[string]any{"listChanged": false},
			},
			"serverInfo": map[string]any{"name": "citybridge", "version": protocol.Version},
		})

	case "list_tools", "tools/list":
		return rpcOK(req.ID, map[string]any{"tools": toolsList()})

	case "call_tool", "tools/call":
		t, call, rerr := parseToolCall(req.Params)
		if rerr != nil {
			return rpcErr(req.ID, rerr)
		}
		breq, err := t.request(call.Arguments)
		if err != nil {
			return rpcErr(req.ID, invalidParams(err.Error(), nil))
		}
		out, err := s.callTool(ctx, sessionKey, breq)
		if err != nil {
			return rpcErr(req.ID, &rpcError{Code: codeBridgeFailure, Message: err.Error()})
		}
		return rpcOK(req.ID, out)

	default:
		return rpcErr(req.ID, &rpcError{Code: codeMethodNotFound, Message: "method not found"})
	}
}

// callTool forwards breq. Simulation failures (E_CONFLICT, E_NO_RESOURCE...)
// are successful tool calls with status "error"; only an unreachable bridge
// is a JSON-RPC error.
func (s *Server) callTool(ctx context.Context, sessionKey string, breq protocol.Request) (ToolResult, error) {
	if sessionKey != "default" && breq.LLMReasoning != "" {
		breq.LLMReasoning = sessionKey + ": " + breq.LLMReasoning
	}
	resp, err := s.bridge.Do(ctx, breq)
	if err != nil {
		if s.log != nil {
			s.log.Printf("session=%s action=%s bridge error: %v", sessionKey, breq.Action, err)
		}
		return ToolResult{}, err
	}
	return ToolResult{
		Status:  string(resp.Status),
		Code:    resp.Code,
		Message: resp.Message,
		Fields:  resp.Fields,
	}, nil
}

// Package router implements the Request Router (C6): resolving a session to
// a worker, lazily creating user workers, forwarding JSON-RPC calls, and
// normalizing errors into the JSON-RPC envelope.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"tenantgate/internal/session"
	"tenantgate/internal/worker"
	"tenantgate/pkg/logging"
)

const subsystem = "RequestRouter"

const forwardTimeout = 30 * time.Second

// internalErrorCode is the JSON-RPC error code used for every gateway-side
// failure surfaced on the request path.
const internalErrorCode = -32603

// RPCRequest and RPCResponse model the minimal JSON-RPC 2.0 envelope the
// router needs to inspect; unrecognized fields round-trip via RawMessage.
type RPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func errorResponse(id json.RawMessage, code int, message string, data any) RPCResponse {
	return RPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &RPCError{Code: code, Message: message, Data: data},
	}
}

// fallbackTools is returned by BootstrapTools when the default worker can't
// be reached, so a client can still proceed. It is
// expressed as typed MCP tool descriptors rather than ad-hoc maps so the
// fallback round-trips through the same schema a live worker would return.
var fallbackTools = []mcp.Tool{
	{
		Name:        "tools/list",
		Description: "List available tools (fallback; worker unreachable)",
		InputSchema: mcp.ToolInputSchema{Type: "object"},
	},
}

// fallbackCapabilities is returned by BootstrapCapabilities on the same
// condition.
var fallbackCapabilities = map[string]any{
	"tools":     map[string]any{},
	"prompts":   map[string]any{},
	"resources": map[string]any{},
}

// Router ties the Session Registry and Worker Supervisor together to
// implement route/bootstrap_tools/bootstrap_capabilities.
type Router struct {
	sessions   *session.Registry
	supervisor *worker.Supervisor
	httpClient *http.Client
}

// New constructs a Router.
func New(sessions *session.Registry, supervisor *worker.Supervisor) *Router {
	return &Router{
		sessions:   sessions,
		supervisor: supervisor,
		httpClient: &http.Client{Timeout: forwardTimeout},
	}
}

// Route resolves sessionID to a worker and forwards req end to end.
func (r *Router) Route(ctx context.Context, sessionID string, req []byte) []byte {
	var parsed RPCRequest
	_ = json.Unmarshal(req, &parsed)

	target, err := r.resolveWorker(sessionID)
	if err != nil {
		return mustMarshal(errorResponse(parsed.ID, internalErrorCode, err.Error(), nil))
	}

	if target.Status != worker.StateRunning {
		resp := errorResponse(parsed.ID, internalErrorCode, "worker not running", map[string]string{"status": string(target.Status)})
		return mustMarshal(resp)
	}

	body, err := r.forward(ctx, target, req)
	if err != nil {
		var te *TransportError
		if ok := asTransportError(err, &te); ok {
			logging.Warn(subsystem, "transport error for worker %s: %v", target.InstanceID, te.Err)
			r.supervisor.MarkError(target.InstanceID)
		}
		return mustMarshal(errorResponse(parsed.ID, internalErrorCode, err.Error(), nil))
	}

	if _, err := parseWorkerResponse(body); err != nil {
		var perr *ProtocolError
		if errors.As(err, &perr) {
			logging.Warn(subsystem, "protocol error from worker %s: %v", target.InstanceID, perr)
		}
		return mustMarshal(errorResponse(parsed.ID, internalErrorCode, err.Error(), nil))
	}

	return body
}

// parseWorkerResponse validates that body is a well-formed JSON-RPC envelope,
// returning a *ProtocolError (checkable via errors.As) when it isn't.
func parseWorkerResponse(body []byte) (RPCResponse, error) {
	var rpcResp RPCResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return RPCResponse{}, &ProtocolError{Reason: err.Error()}
	}
	if rpcResp.JSONRPC == "" {
		return RPCResponse{}, &ProtocolError{Reason: "missing or empty jsonrpc field"}
	}
	return rpcResp, nil
}

func asTransportError(err error, target **TransportError) bool {
	te, ok := err.(*TransportError)
	if ok {
		*target = te
	}
	return ok
}

// resolveWorker resolves the session's binding, lazily creates the user's
// worker, and falls back to the default worker on bind-miss or creation
// failure.
func (r *Router) resolveWorker(sessionID string) (worker.Snapshot, error) {
	userID, bound := r.sessions.UserOf(sessionID)
	if bound {
		snap, err := r.supervisor.GetOrCreate(userID)
		if err == nil {
			return snap, nil
		}
		logging.Warn(subsystem, "falling back to default worker for user %s: %v", userID, err)
	}

	snap, ok := r.supervisor.DefaultWorker()
	if !ok {
		return worker.Snapshot{}, &NoWorkerError{}
	}
	return snap, nil
}

func (r *Router) forward(ctx context.Context, target worker.Snapshot, req []byte) ([]byte, error) {
	url := fmt.Sprintf("http://127.0.0.1:%d/messages", target.Port)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req))
	if err != nil {
		return nil, &TransportError{InstanceID: target.InstanceID, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{InstanceID: target.InstanceID, Err: err}
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, &TransportError{InstanceID: target.InstanceID, Err: err}
	}
	return buf.Bytes(), nil
}

// BootstrapTools issues tools/list against the default worker, falling back
// to a hard-coded list on any failure.
func (r *Router) BootstrapTools(ctx context.Context) []mcp.Tool {
	target, ok := r.supervisor.DefaultWorker()
	if !ok || target.Status != worker.StateRunning {
		return fallbackTools
	}

	req := mustMarshal(RPCRequest{JSONRPC: "2.0", ID: json.RawMessage("1"), Method: "tools/list"})
	body, err := r.forward(ctx, target, req)
	if err != nil {
		return fallbackTools
	}

	var resp struct {
		Result struct {
			Tools []mcp.Tool `json:"tools"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Result.Tools == nil {
		return fallbackTools
	}
	return resp.Result.Tools
}

// BootstrapCapabilities issues initialize against the default worker,
// falling back to a fixed capabilities object on any failure.
func (r *Router) BootstrapCapabilities(ctx context.Context) map[string]any {
	target, ok := r.supervisor.DefaultWorker()
	if !ok || target.Status != worker.StateRunning {
		return fallbackCapabilities
	}

	req := mustMarshal(RPCRequest{JSONRPC: "2.0", ID: json.RawMessage("1"), Method: "initialize"})
	body, err := r.forward(ctx, target, req)
	if err != nil {
		return fallbackCapabilities
	}

	var resp struct {
		Result map[string]any `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Result == nil {
		return fallbackCapabilities
	}
	return resp.Result
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"jsonrpc":"2.0","error":{"code":-32603,"message":"internal marshal error"}}`)
	}
	return b
}

package km

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/marcus-qen/kmd/internal/kmerr"
)

// rpcRequest is the exact wire shape of the POST /mcp JSON-RPC contract.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603
)

// rpcHandler serves the minimal hand-rolled JSON-RPC contract for non-MCP
// callers (the bridge in particular treats /mcp as plain JSON-RPC, not SSE),
// sharing tool implementations with the MCP transport via toolkit.
type rpcHandler struct {
	tools  *toolkit
	logger *zap.Logger
}

func (h *rpcHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, nil, codeParseError, "parse error")
		return
	}

	result, err := h.dispatch(r.Context(), req.Method, req.Params)
	if err != nil {
		writeRPCError(w, req.ID, kmerr.CodeOf(err), err.Error())
		return
	}
	writeRPCResult(w, req.ID, result)
}

func (h *rpcHandler) dispatch(ctx context.Context, method string, raw json.RawMessage) (any, error) {
	switch method {
	case "tools/list":
		return h.tools.listTools(), nil
	case "save":
		var p saveParams
		if err := unmarshalParams(raw, &p); err != nil {
			return nil, err
		}
		return h.tools.save(ctx, p)
	case "query":
		var p queryParams
		if err := unmarshalParams(raw, &p); err != nil {
			return nil, err
		}
		return h.tools.query(ctx, p)
	case "get_file_path":
		var p getFilePathParams
		if err := unmarshalParams(raw, &p); err != nil {
			return nil, err
		}
		return h.tools.getFilePath(ctx, p)
	case "register_file_path":
		var p registerFilePathParams
		if err := unmarshalParams(raw, &p); err != nil {
			return nil, err
		}
		return h.tools.registerFilePath(ctx, p)
	case "register_api":
		var p registerAPIParams
		if err := unmarshalParams(raw, &p); err != nil {
			return nil, err
		}
		return h.tools.registerAPI(ctx, p)
	case "get_api":
		var p getAPIParams
		if err := unmarshalParams(raw, &p); err != nil {
			return nil, err
		}
		return h.tools.getAPI(ctx, p)
	case "create_task":
		var p createTaskParams
		if err := unmarshalParams(raw, &p); err != nil {
			return nil, err
		}
		return h.tools.createTask(ctx, p)
	case "submit_trigger":
		var p submitTriggerParams
		if err := unmarshalParams(raw, &p); err != nil {
			return nil, err
		}
		return h.tools.submitTrigger(ctx, p)
	default:
		return nil, kmerr.WithCode(kmerr.KindProtocol, codeMethodNotFound, "method not found: "+method)
	}
}

func unmarshalParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return kmerr.WithCode(kmerr.KindProtocol, codeInvalidParams, "invalid params: "+err.Error())
	}
	return nil
}

func writeRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}})
}

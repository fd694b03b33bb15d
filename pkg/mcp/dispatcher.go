package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Handler dispatches JSON-RPC messages for one session. It owns all
// per-session state; replacing the handler resets the conversation.
type Handler struct {
	invoker     ToolInvoker
	serverInfo  ServerInfo
	callTimeout time.Duration
	logger      *slog.Logger

	initialized bool
	clientInfo  map[string]interface{}
}

// NewHandler creates a fresh handler. callTimeout bounds each tools/call
// invocation (30 seconds if zero).
func NewHandler(invoker ToolInvoker, serverInfo ServerInfo, callTimeout time.Duration, logger *slog.Logger) *Handler {
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		invoker:     invoker,
		serverInfo:  serverInfo,
		callTimeout: callTimeout,
		logger:      logger,
	}
}

// Handle processes one message and returns the response, or nil for
// notifications. Dispatch faults surface as -32603, never as panics.
func (h *Handler) Handle(ctx context.Context, req *Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("dispatch panic", "method", req.Method, "panic", r)
			if req.IsNotification() {
				resp = nil
				return
			}
			resp = newError(req.ID, CodeInternalError, "internal error")
		}
	}()

	if req.IsNotification() {
		h.handleNotification(req)
		return nil
	}

	switch req.Method {
	case "initialize":
		return h.handleInitialize(req)
	case "tools/list":
		return newResult(req.ID, map[string]interface{}{"tools": h.invoker.Tools()})
	case "tools/call":
		return h.handleToolsCall(ctx, req)
	case "ping":
		return newResult(req.ID, map[string]interface{}{})
	default:
		return newError(req.ID, CodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

func (h *Handler) handleInitialize(req *Request) *Response {
	var params struct {
		ClientInfo map[string]interface{} `json:"clientInfo"`
	}
	_ = json.Unmarshal(req.Params, &params)

	h.initialized = true
	h.clientInfo = params.ClientInfo
	h.logger.Info("session initialized", "client_info", params.ClientInfo)

	return newResult(req.ID, InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]interface{}{"tools": map[string]interface{}{}},
		ServerInfo:      h.serverInfo,
	})
}

func (h *Handler) handleToolsCall(ctx context.Context, req *Request) *Response {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return newError(req.ID, CodeInvalidParams, "missing tool name")
	}

	callCtx, cancel := context.WithTimeout(ctx, h.callTimeout)
	defer cancel()

	// Tool outcomes, including failures and timeouts, are delivered as
	// in-band content so the request cycle always completes.
	result, err := h.invoker.Invoke(callCtx, params.Name, params.Arguments)
	if err != nil {
		h.logger.Warn("tool call failed", "tool", params.Name, "error", err)
		return newResult(req.ID, TextResult(err.Error(), true))
	}

	text, err := compactJSON(result)
	if err != nil {
		h.logger.Error("tool result not serializable", "tool", params.Name, "error", err)
		return newResult(req.ID, TextResult("failed to serialize tool result", true))
	}
	return newResult(req.ID, TextResult(text, false))
}

func (h *Handler) handleNotification(req *Request) {
	// One-way per JSON-RPC 2.0: log and produce no response body.
	h.logger.Debug("notification received", "method", req.Method)
}

func compactJSON(v interface{}) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

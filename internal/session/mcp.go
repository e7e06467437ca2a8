package session

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/gaspardpetit/mcpprobe/internal/jsonrpc"
	"github.com/mark3labs/mcp-go/mcp"
)

// Tool is one entry of a tools/list result. The input schema is kept raw so
// it can be validated independently.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Content is one block of a tools/call result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolResult is the decoded result of tools/call.
type ToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Text joins the text blocks of the result.
func (r ToolResult) Text() string {
	var out string
	for _, c := range r.Content {
		if c.Type == "text" {
			out += c.Text
		}
	}
	return out
}

// DefaultClientInfo identifies the harness in the handshake.
var DefaultClientInfo = mcp.Implementation{Name: "mcpprobe", Version: "1.0.0"}

// InitializeParams builds handshake params for the protocol version, or the
// latest one when empty.
func InitializeParams(version string) mcp.InitializeParams {
	if version == "" {
		version = mcp.LATEST_PROTOCOL_VERSION
	}
	return mcp.InitializeParams{
		ProtocolVersion: version,
		ClientInfo:      DefaultClientInfo,
		Capabilities:    mcp.ClientCapabilities{},
	}
}

// Initialize performs the handshake: the initialize call with the given id
// (0 allocates one) followed by notifications/initialized. The raw response
// is returned so callers can inspect it even when it does not decode.
func (s *Session) Initialize(ctx context.Context, id int64, params mcp.InitializeParams) (*jsonrpc.Response, *mcp.InitializeResult, error) {
	switch st := s.State(); st {
	case StateClosed:
		return nil, nil, ErrClosed
	case StateHandshaking, StateReady:
		return nil, nil, fmt.Errorf("%w: initialize while %s", ErrState, st)
	}
	if !s.state.CompareAndSwap(int32(StateUninitialized), int32(StateHandshaking)) {
		return nil, nil, fmt.Errorf("%w: concurrent initialize", ErrState)
	}
	fail := func(err error) error {
		s.state.CompareAndSwap(int32(StateHandshaking), int32(StateUninitialized))
		return err
	}
	resp, err := s.CallID(ctx, id, string(mcp.MethodInitialize), params)
	if err != nil {
		return nil, nil, fail(err)
	}
	var res mcp.InitializeResult
	if err := resp.DecodeResult(&res); err != nil {
		return resp, nil, fail(fmt.Errorf("initialize: %w", err))
	}
	if !slices.Contains(mcp.ValidProtocolVersions, res.ProtocolVersion) {
		logWarnVersion(res.ProtocolVersion)
	}
	if err := s.Notify("notifications/initialized", nil); err != nil {
		return resp, &res, fail(err)
	}
	s.state.CompareAndSwap(int32(StateHandshaking), int32(StateReady))
	return resp, &res, nil
}

// ListTools calls tools/list.
func (s *Session) ListTools(ctx context.Context, id int64) (*jsonrpc.Response, []Tool, error) {
	resp, err := s.CallID(ctx, id, string(mcp.MethodToolsList), struct{}{})
	if err != nil {
		return nil, nil, err
	}
	var res struct {
		Tools []Tool `json:"tools"`
	}
	if err := resp.DecodeResult(&res); err != nil {
		return resp, nil, err
	}
	return resp, res.Tools, nil
}

// CallTool calls tools/call. A JSON-RPC error outcome is returned as the
// response with a nil result and no Go error.
func (s *Session) CallTool(ctx context.Context, id int64, name string, args any) (*jsonrpc.Response, *ToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{"name": name, "arguments": args}
	resp, err := s.CallID(ctx, id, string(mcp.MethodToolsCall), params)
	if err != nil {
		return nil, nil, err
	}
	if resp.IsError() {
		return resp, nil, nil
	}
	var res ToolResult
	if err := resp.DecodeResult(&res); err != nil {
		return resp, nil, fmt.Errorf("tools/call %s: %w", name, err)
	}
	return resp, &res, nil
}

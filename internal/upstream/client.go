// Package upstream provides the transport adapters the gateway uses to
// reach its configured MCP servers. All three transports (stdio, SSE,
// streamable HTTP) implement the same Client interface so the fleet can
// treat them uniformly.
package upstream

import (
	"context"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"junction/internal/gwerr"
)

// protocolVersion is the MCP protocol revision the gateway speaks upstream.
const protocolVersion = "2024-11-05"

// clientName identifies the gateway in the initialize handshake.
const clientName = "junction"

// Client is the contract every upstream transport satisfies. Connect
// performs the protocol handshake; all other operations fail until it
// has succeeded.
type Client interface {
	// Connect establishes the connection and performs the handshake.
	Connect(ctx context.Context) error
	// Close cleanly shuts down the connection.
	Close() error
	// Capabilities returns the server's advertised capabilities.
	// Only valid after Connect.
	Capabilities() mcp.ServerCapabilities
	// ListTools returns all tools exposed by the server.
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	// CallTool executes one tool and returns its result.
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	// ListResources returns all resources exposed by the server.
	ListResources(ctx context.Context) ([]mcp.Resource, error)
	// ReadResource retrieves a single resource by URI.
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)
	// ListPrompts returns all prompts exposed by the server.
	ListPrompts(ctx context.Context) ([]mcp.Prompt, error)
	// GetPrompt retrieves a single prompt.
	GetPrompt(ctx context.Context, name string, args map[string]any) (*mcp.GetPromptResult, error)
	// Ping checks whether the server is responsive.
	Ping(ctx context.Context) error
	// OnNotification registers a handler for server-initiated notifications
	// (list-changed and friends). Must be called before Connect.
	OnNotification(handler func(mcp.JSONRPCNotification))
}

var (
	_ Client = (*StdioClient)(nil)
	_ Client = (*SSEClient)(nil)
	_ Client = (*StreamableHTTPClient)(nil)
)

// baseClient carries the shared protocol operations that are identical
// across transports. The embedding transport owns connection setup and
// stores the initialized SDK client here.
type baseClient struct {
	server string

	mu        sync.RWMutex
	client    client.MCPClient
	caps      mcp.ServerCapabilities
	connected bool

	notifyHandler func(mcp.JSONRPCNotification)
}

func (b *baseClient) checkConnected() error {
	if !b.connected || b.client == nil {
		return gwerr.NotReady(b.server)
	}
	return nil
}

// initRequest builds the handshake request shared by all transports.
func initRequest() mcp.InitializeRequest {
	return mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: protocolVersion,
			ClientInfo: mcp.Implementation{
				Name:    clientName,
				Version: "1.0.0",
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	}
}

// adopt stores a freshly initialized SDK client and wires the
// notification handler. Caller must hold the write lock.
func (b *baseClient) adopt(c *client.Client, caps mcp.ServerCapabilities) {
	if b.notifyHandler != nil {
		c.OnNotification(b.notifyHandler)
	}
	b.client = c
	b.caps = caps
	b.connected = true
}

func (b *baseClient) OnNotification(handler func(mcp.JSONRPCNotification)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifyHandler = handler
}

func (b *baseClient) Capabilities() mcp.ServerCapabilities {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.caps
}

func (b *baseClient) closeClient() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected || b.client == nil {
		return nil
	}

	err := b.client.Close()
	b.connected = false
	b.client = nil

	return err
}

func (b *baseClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	result, err := b.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, wrapCallError(ctx, b.server, "tools/list", err)
	}

	return result.Tools, nil
}

func (b *baseClient) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	result, err := b.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, wrapCallError(ctx, b.server, name, err)
	}

	return result, nil
}

func (b *baseClient) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	result, err := b.client.ListResources(ctx, mcp.ListResourcesRequest{})
	if err != nil {
		return nil, wrapCallError(ctx, b.server, "resources/list", err)
	}

	return result.Resources, nil
}

func (b *baseClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	result, err := b.client.ReadResource(ctx, mcp.ReadResourceRequest{
		Params: struct {
			URI       string         `json:"uri"`
			Arguments map[string]any `json:"arguments,omitempty"`
		}{
			URI: uri,
		},
	})
	if err != nil {
		return nil, wrapCallError(ctx, b.server, uri, err)
	}

	return result, nil
}

func (b *baseClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	result, err := b.client.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil {
		return nil, wrapCallError(ctx, b.server, "prompts/list", err)
	}

	return result.Prompts, nil
}

func (b *baseClient) GetPrompt(ctx context.Context, name string, args map[string]any) (*mcp.GetPromptResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	// The prompt API takes string arguments only.
	stringArgs := make(map[string]string, len(args))
	for k, v := range args {
		if s, ok := v.(string); ok {
			stringArgs[k] = s
		} else {
			stringArgs[k] = fmt.Sprintf("%v", v)
		}
	}

	result, err := b.client.GetPrompt(ctx, mcp.GetPromptRequest{
		Params: struct {
			Name      string            `json:"name"`
			Arguments map[string]string `json:"arguments,omitempty"`
		}{
			Name:      name,
			Arguments: stringArgs,
		},
	})
	if err != nil {
		return nil, wrapCallError(ctx, b.server, name, err)
	}

	return result, nil
}

func (b *baseClient) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return err
	}

	return b.client.Ping(ctx)
}

// wrapCallError classifies an SDK error for one request. Context
// expiry maps to the timeout kind so callers can report it
// structurally; everything else is an upstream failure.
func wrapCallError(ctx context.Context, server, item string, err error) error {
	if ctx.Err() != nil {
		return &gwerr.Error{Kind: gwerr.KindTimeout, Server: server, Item: item, Msg: "request deadline exceeded", Err: err}
	}
	return &gwerr.Error{Kind: gwerr.KindUpstream, Server: server, Item: item, Msg: "upstream request failed", Err: err}
}

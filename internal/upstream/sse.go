package upstream

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"

	"junction/internal/config"
	"junction/internal/gwerr"
	"junction/pkg/logging"
)

// SSEClient reaches an upstream MCP server over a long-lived SSE event
// stream plus a paired message POST endpoint.
type SSEClient struct {
	baseClient
	url     string
	headers map[string]string
}

// NewSSEClient builds an SSE client from a server spec.
func NewSSEClient(spec config.ServerSpec) *SSEClient {
	headers := spec.Headers
	if headers == nil {
		headers = make(map[string]string)
	}
	return &SSEClient{
		baseClient: baseClient{server: spec.Name},
		url:        spec.URL,
		headers:    headers,
	}
}

// Connect opens the event stream and performs the MCP handshake.
func (c *SSEClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	logging.Debug("SSEClient", "Connecting to %s for server %s", c.url, c.server)

	var opts []transport.ClientOption
	if len(c.headers) > 0 {
		opts = append(opts, transport.WithHeaders(c.headers))
	}

	mcpClient, err := client.NewSSEMCPClient(c.url, opts...)
	if err != nil {
		return fmt.Errorf("creating SSE client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		if authErr := checkAuthRequired(err, c.server, c.url); authErr != nil {
			logging.Debug("SSEClient", "Authorization required for %s", c.url)
			return authErr
		}
		return &gwerr.Error{Kind: gwerr.KindTransport, Server: c.server, Msg: "starting SSE transport", Err: err}
	}

	initResult, err := mcpClient.Initialize(ctx, initRequest())
	if err != nil {
		mcpClient.Close()

		if authErr := checkAuthRequired(err, c.server, c.url); authErr != nil {
			logging.Debug("SSEClient", "Authorization required for %s", c.url)
			return authErr
		}
		return fmt.Errorf("initializing MCP protocol: %w", err)
	}

	c.adopt(mcpClient, initResult.Capabilities)
	logging.Debug("SSEClient", "Server %s connected (%s %s)",
		c.server, initResult.ServerInfo.Name, initResult.ServerInfo.Version)

	return nil
}

// Close shuts down the event stream.
func (c *SSEClient) Close() error {
	return c.closeClient()
}

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

// StreamableHTTPClient reaches an upstream MCP server over streamable
// HTTP: POSTs against a single URL with an optional server-to-client
// event stream on the same endpoint.
type StreamableHTTPClient struct {
	baseClient
	url     string
	headers map[string]string
	oauth   *config.OAuthSpec

	// tokenStore survives reconnects so a completed authorization is
	// not lost when the client is restarted.
	tokenStore transport.TokenStore
}

// NewStreamableHTTPClient builds a streamable HTTP client from a server
// spec. When the spec carries an oauth block the SDK's OAuth handler is
// attached, which turns 401 responses into typed authorization errors.
func NewStreamableHTTPClient(spec config.ServerSpec) *StreamableHTTPClient {
	headers := spec.Headers
	if headers == nil {
		headers = make(map[string]string)
	}
	c := &StreamableHTTPClient{
		baseClient: baseClient{server: spec.Name},
		url:        spec.URL,
		headers:    headers,
		oauth:      spec.OAuth,
	}
	if spec.OAuth != nil {
		c.tokenStore = transport.NewMemoryTokenStore()
	}
	return c
}

// Connect performs the MCP handshake over streamable HTTP.
func (c *StreamableHTTPClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	logging.Debug("StreamableHTTPClient", "Connecting to %s for server %s", c.url, c.server)

	var opts []transport.StreamableHTTPCOption
	if len(c.headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(c.headers))
	}
	if c.oauth != nil {
		opts = append(opts, transport.WithHTTPOAuth(transport.OAuthConfig{
			ClientID:     c.oauth.ClientID,
			ClientSecret: c.oauth.ClientSecret,
			Scopes:       c.oauth.Scopes,
			TokenStore:   c.tokenStore,
			PKCEEnabled:  true,
		}))
	}

	mcpClient, err := client.NewStreamableHttpClient(c.url, opts...)
	if err != nil {
		return fmt.Errorf("creating streamable HTTP client: %w", err)
	}

	initResult, err := mcpClient.Initialize(ctx, initRequest())
	if err != nil {
		mcpClient.Close()

		if authErr := checkAuthRequired(err, c.server, c.url); authErr != nil {
			logging.Debug("StreamableHTTPClient", "Authorization required for %s", c.url)
			return authErr
		}
		return &gwerr.Error{Kind: gwerr.KindTransport, Server: c.server, Msg: "initializing MCP protocol", Err: err}
	}

	c.adopt(mcpClient, initResult.Capabilities)
	logging.Debug("StreamableHTTPClient", "Server %s connected (%s %s)",
		c.server, initResult.ServerInfo.Name, initResult.ServerInfo.Version)

	return nil
}

// Close shuts down the connection. The token store is kept so a later
// Connect can reuse an already-exchanged token.
func (c *StreamableHTTPClient) Close() error {
	return c.closeClient()
}

// TokenStore exposes the OAuth token store for the completion flow.
// Nil when the spec has no oauth block.
func (c *StreamableHTTPClient) TokenStore() transport.TokenStore {
	return c.tokenStore
}

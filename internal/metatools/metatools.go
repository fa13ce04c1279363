// Package metatools implements the lazy capability layer: instead of
// advertising the full upstream tool union, a session sees three
// meta-tools (tool_list, tool_schema, tool_invoke) that enumerate,
// describe and invoke upstream tools on demand, backed by the
// capability cache.
package metatools

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"junction/internal/capcache"
	"junction/internal/fleet"
	"junction/internal/gateway"
	"junction/internal/gwerr"
	"junction/pkg/logging"
)

// internalPrefix marks gateway-internal tools.
const internalPrefix = "1mcp_"

// Provider serves the meta-tools for lazy sessions. It implements
// gateway.CapabilityProvider.
type Provider struct {
	router *gateway.Router
	cache  *capcache.Cache

	// internalTools additionally exposes the 1mcp_-prefixed tools.
	internalTools bool
}

var _ gateway.CapabilityProvider = (*Provider)(nil)

// NewProvider wires the lazy layer over the router. Cache may be nil,
// in which case every lookup goes upstream.
func NewProvider(router *gateway.Router, cache *capcache.Cache, internalTools bool) *Provider {
	return &Provider{router: router, cache: cache, internalTools: internalTools}
}

// SessionTools returns the meta-tool set registered for a lazy session.
func (p *Provider) SessionTools(sess *gateway.Session) []server.ServerTool {
	tools := []server.ServerTool{
		{Tool: toolListDef(), Handler: p.handleToolList(sess)},
		{Tool: toolSchemaDef(), Handler: p.handleToolSchema(sess)},
		{Tool: toolInvokeDef(), Handler: p.handleToolInvoke(sess)},
	}
	if p.internalTools {
		tools = append(tools, server.ServerTool{
			Tool: statusDef(), Handler: p.handleStatus(sess),
		})
	}
	return tools
}

func toolListDef() mcp.Tool {
	return mcp.NewTool("tool_list",
		mcp.WithDescription("List the servers visible to this session and the tools each one exposes."),
	)
}

func toolSchemaDef() mcp.Tool {
	return mcp.NewTool("tool_schema",
		mcp.WithDescription("Return the input schema of one upstream tool."),
		mcp.WithString("server", mcp.Required(), mcp.Description("Server name as returned by tool_list.")),
		mcp.WithString("toolName", mcp.Required(), mcp.Description("Tool name on that server.")),
	)
}

func toolInvokeDef() mcp.Tool {
	return mcp.NewTool("tool_invoke",
		mcp.WithDescription("Invoke one upstream tool and return its result."),
		mcp.WithString("server", mcp.Required(), mcp.Description("Server name as returned by tool_list.")),
		mcp.WithString("toolName", mcp.Required(), mcp.Description("Tool name on that server.")),
		mcp.WithObject("args", mcp.Description("Arguments forwarded to the tool.")),
	)
}

func statusDef() mcp.Tool {
	return mcp.NewTool(internalPrefix+"status",
		mcp.WithDescription("Report upstream server states and capability cache statistics."),
	)
}

// listEntry is one tool row in the tool_list response.
type listEntry struct {
	Server      string `json:"server"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type listResponse struct {
	Servers []string    `json:"servers"`
	Tools   []listEntry `json:"tools"`
}

type schemaResponse struct {
	Schema    any  `json:"schema"`
	FromCache bool `json:"fromCache"`
}

type invokeResponse struct {
	Server string `json:"server"`
	Tool   string `json:"tool"`
	Result any    `json:"result"`
}

type errorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Server  string `json:"server,omitempty"`
	Tool    string `json:"tool,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

// respond renders the payload as a single JSON text content, mirrored
// in structuredContent. Meta-tools never raise transport errors.
func respond(payload any) (*mcp.CallToolResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		// Payloads are built from plain structs; this cannot happen in
		// practice, but still answer with an error object.
		body = []byte(`{"error":{"type":"upstream","message":"encoding response failed"}}`)
	}
	return &mcp.CallToolResult{
		Content:           []mcp.Content{mcp.NewTextContent(string(body))},
		StructuredContent: payload,
	}, nil
}

// respondError maps a gateway error to the structured error object.
func respondError(err error, serverName, tool string) (*mcp.CallToolResult, error) {
	kind := gwerr.KindOf(err)
	if kind == "" {
		kind = gwerr.KindUpstream
	}
	return respond(errorResponse{Error: errorBody{
		Type:    string(kind),
		Message: err.Error(),
		Server:  serverName,
		Tool:    tool,
	}})
}

// cleanServerName strips the instance hash from template-derived server
// keys; plain servers pass through unchanged.
func cleanServerName(name string) string {
	if i := strings.Index(name, ":"); i > 0 {
		return name[:i]
	}
	return name
}

func (p *Provider) handleToolList(sess *gateway.Session) server.ToolHandlerFunc {
	return func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sess.Touch()

		servers := p.router.AdmittedServers(sess)
		clean := make([]string, len(servers))
		for i, s := range servers {
			clean[i] = cleanServerName(s)
		}

		if p.cache != nil {
			fp := capcache.Fingerprint(servers)
			if cached, ok := p.cache.Get("", capcache.KindToolList, fp); ok {
				if resp, ok := cached.(listResponse); ok {
					return respond(resp)
				}
			}
		}

		resp := listResponse{Servers: clean, Tools: []listEntry{}}
		for _, name := range servers {
			client, err := p.router.Fleet().Get(name)
			if err != nil {
				continue
			}
			for _, tool := range client.DeclaredTools() {
				resp.Tools = append(resp.Tools, listEntry{
					Server:      cleanServerName(name),
					Name:        tool.Name,
					Description: tool.Description,
				})
			}
		}

		if p.cache != nil {
			p.cache.Put("", capcache.KindToolList, capcache.Fingerprint(servers), resp)
		}
		return respond(resp)
	}
}

func (p *Provider) handleToolSchema(sess *gateway.Session) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sess.Touch()

		serverName, toolName, errResp := requireTarget(req)
		if errResp != nil {
			return errResp, nil
		}

		// Admittance is settled before the cache is consulted, so a
		// schema cached for one session is never readable by a session
		// whose filter excludes the server.
		client, err := p.router.ResolveClient(sess, serverName)
		if err != nil {
			return respondError(err, serverName, toolName)
		}

		// Cache under the resolved name: two instances of the same
		// template may declare different tools.
		key := client.Name()
		if p.cache != nil {
			if cached, ok := p.cache.Get(key, capcache.KindToolSchema, toolName); ok {
				return respond(schemaResponse{Schema: cached, FromCache: true})
			}
		}

		schema, err := declaredSchema(client, serverName, toolName)
		if err != nil {
			return respondError(err, serverName, toolName)
		}

		if p.cache != nil {
			p.cache.Put(key, capcache.KindToolSchema, toolName, schema)
		}
		return respond(schemaResponse{Schema: schema, FromCache: false})
	}
}

// declaredSchema finds the declared input schema for one tool.
func declaredSchema(client *fleet.Client, serverName, toolName string) (any, error) {
	for _, tool := range client.DeclaredTools() {
		if tool.Name == toolName {
			return tool.InputSchema, nil
		}
	}
	return nil, gwerr.NotFound(serverName, toolName)
}

func (p *Provider) handleToolInvoke(sess *gateway.Session) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sess.Touch()

		serverName, toolName, errResp := requireTarget(req)
		if errResp != nil {
			return errResp, nil
		}

		args := map[string]any{}
		if raw, ok := argumentsOf(req)["args"].(map[string]any); ok {
			args = raw
		}

		result, err := p.router.CallOnServer(ctx, sess, serverName, toolName, args)
		if err != nil {
			logging.Debug("MetaTools", "tool_invoke %s/%s failed: %v", serverName, toolName, err)
			return respondError(err, serverName, toolName)
		}

		return respond(invokeResponse{
			Server: cleanServerName(serverName),
			Tool:   toolName,
			Result: result,
		})
	}
}

// statusReport is the 1mcp_status payload.
type statusReport struct {
	Servers []serverStatus  `json:"servers"`
	Cache   *capcache.Stats `json:"cache,omitempty"`
}

type serverStatus struct {
	Name  string   `json:"name"`
	State string   `json:"state"`
	Tags  []string `json:"tags,omitempty"`
	Error string   `json:"error,omitempty"`
	// Healthy reports a live ping round-trip; only set for Ready servers.
	Healthy *bool `json:"healthy,omitempty"`
}

// statusPingTimeout bounds the per-server liveness ping in 1mcp_status.
const statusPingTimeout = 2 * time.Second

func (p *Provider) handleStatus(sess *gateway.Session) server.ToolHandlerFunc {
	return func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sess.Touch()

		report := statusReport{Servers: []serverStatus{}}
		for _, client := range p.router.Fleet().All() {
			if !sess.Admits(client.Tags()) {
				continue
			}
			status := serverStatus{
				Name:  cleanServerName(client.Name()),
				State: string(client.State()),
				Tags:  client.Tags(),
			}
			if err := client.LastError(); err != nil && client.State() == fleet.StateError {
				status.Error = err.Error()
			}
			if client.State() == fleet.StateReady {
				pingCtx, cancel := context.WithTimeout(ctx, statusPingTimeout)
				err := p.router.Fleet().Ping(pingCtx, client.Name())
				cancel()
				healthy := err == nil
				status.Healthy = &healthy
				if err != nil {
					status.Error = err.Error()
				}
			}
			report.Servers = append(report.Servers, status)
		}
		if p.cache != nil {
			stats := p.cache.Stats()
			report.Cache = &stats
		}
		return respond(report)
	}
}

// argumentsOf normalizes the request arguments to a map.
func argumentsOf(req mcp.CallToolRequest) map[string]any {
	if args, ok := req.Params.Arguments.(map[string]any); ok {
		return args
	}
	return map[string]any{}
}

// requireTarget extracts the mandatory server/toolName pair, answering
// with a validation error object when either is missing.
func requireTarget(req mcp.CallToolRequest) (serverName, toolName string, errResp *mcp.CallToolResult) {
	args := argumentsOf(req)
	serverName, _ = args["server"].(string)
	toolName, _ = args["toolName"].(string)
	if serverName == "" || toolName == "" {
		resp, _ := respond(errorResponse{Error: errorBody{
			Type:    string(gwerr.KindValidation),
			Message: "server and toolName are required",
		}})
		return "", "", resp
	}
	return serverName, toolName, nil
}

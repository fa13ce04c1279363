package gateway

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"junction/pkg/logging"
)

// unionProvider is the direct (non-lazy) tool provider: every exposed
// upstream tool is registered on the session.
type unionProvider struct {
	server *Server
}

func (p *unionProvider) SessionTools(sess *Session) []server.ServerTool {
	idx := sess.index(p.server.router.fleet)
	tools := make([]server.ServerTool, 0, len(idx.toolList))
	for _, tool := range idx.toolList {
		tools = append(tools, server.ServerTool{
			Tool:    tool,
			Handler: p.server.makeToolHandler(sess, tool.Name),
		})
	}
	return tools
}

// makeToolHandler forwards a session-scoped tool call through the
// router under the exposed name.
func (s *Server) makeToolHandler(sess *Session, exposed string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s.touchSession(sess)

		args := make(map[string]interface{})
		if req.Params.Arguments != nil {
			if argsMap, ok := req.Params.Arguments.(map[string]interface{}); ok {
				args = argsMap
			}
		}

		result, err := s.router.CallTool(ctx, sess, exposed, args)
		if err != nil {
			return nil, fmt.Errorf("tool execution failed: %w", err)
		}
		return result, nil
	}
}

// makeResourceHandler forwards a session-scoped resource read.
func (s *Server) makeResourceHandler(sess *Session, exposedURI string) server.ResourceHandlerFunc {
	return func(ctx context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		s.touchSession(sess)

		result, err := s.router.ReadResource(ctx, sess, exposedURI)
		if err != nil {
			return nil, fmt.Errorf("resource read failed: %w", err)
		}
		return result.Contents, nil
	}
}

// makePromptHandler forwards a prompt request. Prompts are registered
// globally (the SDK has no per-session prompt registration), so the
// session filter is enforced here at call time.
func (s *Server) makePromptHandler(exposed string) server.PromptHandlerFunc {
	return func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		clientSession := server.ClientSessionFromContext(ctx)
		if clientSession == nil {
			return nil, fmt.Errorf("no session in context")
		}
		sess, ok := s.registry.Get(clientSession.SessionID())
		if !ok {
			return nil, fmt.Errorf("unknown session %s", clientSession.SessionID())
		}
		s.touchSession(sess)

		args := make(map[string]interface{}, len(req.Params.Arguments))
		for k, v := range req.Params.Arguments {
			args[k] = v
		}

		result, err := s.router.GetPrompt(ctx, sess, exposed, args)
		if err != nil {
			return nil, fmt.Errorf("prompt retrieval failed: %w", err)
		}
		return result, nil
	}
}

// syncSession replaces the session's registered tools and resources
// with the current exposed set.
func (s *Server) syncSession(sess *Session) {
	s.mu.RLock()
	srv := s.mcpServer
	s.mu.RUnlock()
	if srv == nil {
		return
	}

	id := sess.ID()
	tools := s.provider.SessionTools(sess)

	idx := sess.index(s.router.fleet)
	resources := make([]server.ServerResource, 0, len(idx.resourceList))
	for _, res := range idx.resourceList {
		resources = append(resources, server.ServerResource{
			Resource: res,
			Handler:  s.makeResourceHandler(sess, res.URI),
		})
	}

	s.capsMu.Lock()
	defer s.capsMu.Unlock()

	toolNames := make([]string, len(tools))
	for i, t := range tools {
		toolNames[i] = t.Tool.Name
	}
	resourceURIs := make([]string, len(resources))
	for i, r := range resources {
		resourceURIs[i] = r.Resource.URI
	}

	if stale := missingNames(s.sessionTools[id], toolNames); len(stale) > 0 {
		if err := srv.DeleteSessionTools(id, stale...); err != nil {
			logging.Warn("Gateway", "Removing stale tools for session %s: %v", id, err)
		}
	}
	if len(tools) > 0 {
		if err := srv.AddSessionTools(id, tools...); err != nil {
			logging.Warn("Gateway", "Registering tools for session %s: %v", id, err)
		}
	}
	s.sessionTools[id] = toolNames

	if stale := missingNames(s.sessionResources[id], resourceURIs); len(stale) > 0 {
		if err := srv.DeleteSessionResources(id, stale...); err != nil {
			logging.Warn("Gateway", "Removing stale resources for session %s: %v", id, err)
		}
	}
	if len(resources) > 0 {
		if err := srv.AddSessionResources(id, resources...); err != nil {
			logging.Warn("Gateway", "Registering resources for session %s: %v", id, err)
		}
	}
	s.sessionResources[id] = resourceURIs
}

// syncGlobalPrompts reconciles the globally registered prompts with the
// fleet-wide union. Collision prefixing uses the full Ready set, so the
// exposed prompt names agree with what each session may request.
func (s *Server) syncGlobalPrompts() {
	s.mu.RLock()
	srv := s.mcpServer
	s.mu.RUnlock()
	if srv == nil {
		return
	}

	idx := buildNameIndex(s.router.fleet.Ready())

	prompts := make([]server.ServerPrompt, 0, len(idx.promptList))
	names := make([]string, 0, len(idx.promptList))
	for _, prompt := range idx.promptList {
		prompts = append(prompts, server.ServerPrompt{
			Prompt:  prompt,
			Handler: s.makePromptHandler(prompt.Name),
		})
		names = append(names, prompt.Name)
	}

	s.capsMu.Lock()
	defer s.capsMu.Unlock()

	if stale := missingNames(s.promptNames, names); len(stale) > 0 {
		srv.DeletePrompts(stale...)
	}
	if len(prompts) > 0 {
		srv.AddPrompts(prompts...)
	}
	s.promptNames = names
}

// missingNames returns the entries of prev that are absent from next.
func missingNames(prev, next []string) []string {
	keep := make(map[string]bool, len(next))
	for _, n := range next {
		keep[n] = true
	}
	var out []string
	for _, n := range prev {
		if !keep[n] {
			out = append(out, n)
		}
	}
	return out
}

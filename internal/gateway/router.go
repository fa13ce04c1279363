package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"junction/internal/capcache"
	"junction/internal/fleet"
	"junction/internal/gwerr"
)

// defaultPageSize is the page length when a session opts into
// pagination.
const defaultPageSize = 50

// Router resolves a session's exposed namespace onto the fleet and
// forwards item-scoped requests.
type Router struct {
	fleet    *fleet.Fleet
	sessions *Registry
	cache    *capcache.Cache
	pageSize int
}

// NewRouter wires the router. Cache may be nil.
func NewRouter(f *fleet.Fleet, sessions *Registry, cache *capcache.Cache) *Router {
	return &Router{
		fleet:    f,
		sessions: sessions,
		cache:    cache,
		pageSize: defaultPageSize,
	}
}

// Fleet exposes the underlying fleet for status surfaces.
func (rt *Router) Fleet() *fleet.Fleet { return rt.fleet }

// Sessions exposes the session registry.
func (rt *Router) Sessions() *Registry { return rt.sessions }

// Cache exposes the capability cache, nil when disabled.
func (rt *Router) Cache() *capcache.Cache { return rt.cache }

// AdmittedServers returns the clean names of the Ready servers the
// session's filter admits, in registration order.
func (rt *Router) AdmittedServers(s *Session) []string {
	var out []string
	for _, client := range s.admitted(rt.fleet) {
		out = append(out, client.Name())
	}
	return out
}

// ListTools returns the session's exposed tool union, honoring the
// session's pagination setting.
func (rt *Router) ListTools(s *Session, cursor string) ([]mcp.Tool, string, error) {
	idx := s.index(rt.fleet)
	return paginate(idx.toolList, s.Pagination(), rt.pageSize, cursor)
}

// ListResources returns the session's exposed resource union.
func (rt *Router) ListResources(s *Session, cursor string) ([]mcp.Resource, string, error) {
	idx := s.index(rt.fleet)
	return paginate(idx.resourceList, s.Pagination(), rt.pageSize, cursor)
}

// ListPrompts returns the session's exposed prompt union.
func (rt *Router) ListPrompts(s *Session, cursor string) ([]mcp.Prompt, string, error) {
	idx := s.index(rt.fleet)
	return paginate(idx.promptList, s.Pagination(), rt.pageSize, cursor)
}

// CallTool resolves an exposed tool name and forwards the call.
func (rt *Router) CallTool(ctx context.Context, s *Session, exposed string, args map[string]any) (*mcp.CallToolResult, error) {
	server, original, err := s.index(rt.fleet).resolve(itemTool, exposed)
	if err != nil {
		return nil, err
	}

	client, err := rt.ResolveClient(s, server)
	if err != nil {
		return nil, err
	}
	return client.CallTool(ctx, original, args)
}

// ReadResource resolves an exposed resource URI and forwards the read.
func (rt *Router) ReadResource(ctx context.Context, s *Session, exposed string) (*mcp.ReadResourceResult, error) {
	server, original, err := s.index(rt.fleet).resolve(itemResource, exposed)
	if err != nil {
		return nil, err
	}

	client, err := rt.ResolveClient(s, server)
	if err != nil {
		return nil, err
	}
	return client.ReadResource(ctx, original)
}

// GetPrompt resolves an exposed prompt name and forwards the request.
func (rt *Router) GetPrompt(ctx context.Context, s *Session, exposed string, args map[string]any) (*mcp.GetPromptResult, error) {
	server, original, err := s.index(rt.fleet).resolve(itemPrompt, exposed)
	if err != nil {
		return nil, err
	}

	client, err := rt.ResolveClient(s, server)
	if err != nil {
		return nil, err
	}
	return client.GetPrompt(ctx, original, args)
}

// CallOnServer forwards a tool call addressed by explicit server name
// (meta-tool path). The filter check precedes existence reporting for
// the tool so a session cannot probe servers outside its filter.
func (rt *Router) CallOnServer(ctx context.Context, s *Session, server, tool string, args map[string]any) (*mcp.CallToolResult, error) {
	client, err := rt.ResolveClient(s, server)
	if err != nil {
		return nil, err
	}
	return client.CallTool(ctx, tool, args)
}

// ResolveClient fetches the client for a server name the session
// addressed and validates the session may use it. Template instances
// (':' in the name) belong to the sessions bound to them and bypass the
// tag filter; the clean base name a bound session sees in listings
// resolves back to its instance. Missing server yields NotFound,
// filtered-out yields NotPermitted.
func (rt *Router) ResolveClient(s *Session, server string) (*fleet.Client, error) {
	if strings.ContainsRune(server, ':') {
		// Unbound sessions never see instance names, so an unbound
		// lookup reports absence rather than denial.
		if !s.boundTo(server) {
			return nil, gwerr.NotFound(server, "")
		}
		return rt.fleet.Get(server)
	}

	client, err := rt.fleet.Get(server)
	if err != nil {
		if name, bound := s.instanceFor(server); bound {
			return rt.fleet.Get(name)
		}
		return nil, err
	}
	if !s.Admits(client.Tags()) {
		return nil, gwerr.NotPermitted(server)
	}
	return client, nil
}

// pageCursor is the decoded form of the opaque pagination cursor. It
// carries only an offset so it survives reconciles that do not change
// the listed servers.
type pageCursor struct {
	Offset int `json:"offset"`
}

func encodeCursor(offset int) string {
	data, _ := json.Marshal(pageCursor{Offset: offset})
	return base64.StdEncoding.EncodeToString(data)
}

func decodeCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	data, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return 0, gwerr.Wrap(gwerr.KindValidation, err, "malformed cursor")
	}
	var pc pageCursor
	if err := json.Unmarshal(data, &pc); err != nil || pc.Offset < 0 {
		return 0, gwerr.New(gwerr.KindValidation, "malformed cursor")
	}
	return pc.Offset, nil
}

// paginate slices items per the session's pagination setting. Without
// pagination everything is returned in one shot.
func paginate[T any](items []T, enabled bool, pageSize int, cursor string) ([]T, string, error) {
	if !enabled {
		return items, "", nil
	}

	offset, err := decodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	if offset >= len(items) {
		return nil, "", nil
	}

	end := offset + pageSize
	next := ""
	if end < len(items) {
		next = encodeCursor(end)
	} else {
		end = len(items)
	}
	return items[offset:end], next, nil
}

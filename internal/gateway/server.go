package gateway

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"junction/internal/config"
	"junction/internal/events"
	"junction/internal/tagquery"
	"junction/pkg/logging"
)

const (
	serverName = "junction"

	shutdownTimeout   = 5 * time.Second
	defaultSessionTTL = 30 * time.Minute
	sessionSweepEvery = time.Minute
)

// Config tunes the inbound MCP server.
type Config struct {
	Version   string
	Host      string
	Port      int
	Transport config.Transport

	// Pagination enables cursor pagination on list responses.
	Pagination bool
	// SessionTTL is the idle window after which a streaming session is
	// dropped. Zero selects the default.
	SessionTTL time.Duration

	// DefaultParams seeds sessions on transports that carry no query
	// parameters (stdio).
	DefaultParams SessionParams
}

// CapabilityProvider yields the tool set registered for a session. The
// direct provider exposes the filtered upstream union; the lazy
// provider swaps in the meta-tools.
type CapabilityProvider interface {
	SessionTools(s *Session) []server.ServerTool
}

// PresetResolver resolves a preset name to its tag query.
type PresetResolver interface {
	Resolve(name string) (*tagquery.Query, error)
}

// SessionBinder attaches session-scoped upstream instances (template
// servers rendered with the session context) on connect and detaches
// them on disconnect.
type SessionBinder interface {
	Bind(ctx context.Context, sess *Session) error
	Unbind(sessionID string)
}

// Server is the inbound MCP endpoint: it owns the session registry and
// keeps each session's registered capabilities in sync with the fleet.
type Server struct {
	cfg      Config
	router   *Router
	registry *Registry
	provider CapabilityProvider
	presets  PresetResolver
	binder   SessionBinder
	store    SessionStore
	bus      *events.Bus

	mcpServer            *server.MCPServer
	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	stdioServer          *server.StdioServer

	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.RWMutex

	// registered capability names, for delete-then-add resyncs
	capsMu           sync.Mutex
	sessionTools     map[string][]string
	sessionResources map[string][]string
	promptNames      []string
}

// Option configures optional server collaborators.
type Option func(*Server)

// WithCapabilityProvider swaps the tool provider (lazy mode).
func WithCapabilityProvider(p CapabilityProvider) Option {
	return func(s *Server) { s.provider = p }
}

// WithPresetResolver wires preset name resolution for sessions.
func WithPresetResolver(r PresetResolver) Option {
	return func(s *Server) { s.presets = r }
}

// WithSessionBinder wires the template instance pool into the session
// lifecycle.
func WithSessionBinder(b SessionBinder) Option {
	return func(s *Server) { s.binder = b }
}

// NewServer wires the inbound server over the router. The bus feeds
// capability resyncs; it may be nil in tests.
func NewServer(cfg Config, rt *Router, bus *events.Bus, opts ...Option) *Server {
	s := &Server{
		cfg:              cfg,
		router:           rt,
		registry:         rt.Sessions(),
		bus:              bus,
		sessionTools:     make(map[string][]string),
		sessionResources: make(map[string][]string),
	}
	if s.cfg.SessionTTL <= 0 {
		s.cfg.SessionTTL = defaultSessionTTL
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.provider == nil {
		s.provider = &unionProvider{server: s}
	}
	return s
}

// Registry returns the session registry.
func (s *Server) Registry() *Registry { return s.registry }

// Start brings up the MCP server on the configured transport.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.mcpServer != nil {
		s.mu.Unlock()
		return fmt.Errorf("gateway server already started")
	}
	s.ctx, s.cancelFunc = context.WithCancel(ctx)

	hooks := &server.Hooks{}
	hooks.AddOnRegisterSession(s.onRegisterSession)
	hooks.AddOnUnregisterSession(s.onUnregisterSession)

	opts := []server.ServerOption{
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, true),
		server.WithPromptCapabilities(true),
		server.WithHooks(hooks),
	}
	if s.cfg.Pagination {
		opts = append(opts, server.WithPaginationLimit(defaultPageSize))
	}

	s.mcpServer = server.NewMCPServer(serverName, s.cfg.Version, opts...)
	s.mu.Unlock()

	s.syncGlobalPrompts()

	if s.bus != nil {
		sub := s.bus.Subscribe()
		s.wg.Add(1)
		go s.watchFleet(sub)
	}
	s.wg.Add(1)
	go s.sweepSessions()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	switch s.cfg.Transport {
	case config.TransportSSE:
		logging.Info("Gateway", "Starting MCP server with SSE transport on %s", addr)
		baseURL := fmt.Sprintf("http://%s", addr)
		s.sseServer = server.NewSSEServer(
			s.mcpServer,
			server.WithBaseURL(baseURL),
			server.WithSSEEndpoint("/sse"),
			server.WithMessageEndpoint("/message"),
			server.WithKeepAlive(true),
			server.WithKeepAliveInterval(30*time.Second),
			server.WithSSEContextFunc(s.stashRequestParams),
		)
		sseServer := s.sseServer
		go func() {
			if err := sseServer.Start(addr); err != nil && err != http.ErrServerClosed {
				logging.Error("Gateway", err, "SSE server error")
			}
		}()

	case config.TransportStdio:
		logging.Info("Gateway", "Starting MCP server with stdio transport")
		s.stdioServer = server.NewStdioServer(s.mcpServer)
		stdioServer := s.stdioServer
		serveCtx := s.ctx
		go func() {
			if err := stdioServer.Listen(serveCtx, os.Stdin, os.Stdout); err != nil {
				logging.Error("Gateway", err, "Stdio server error")
			}
		}()

	case config.TransportStreamableHTTP:
		fallthrough
	default:
		logging.Info("Gateway", "Starting MCP server with streamable-http transport on %s", addr)
		s.streamableHTTPServer = server.NewStreamableHTTPServer(
			s.mcpServer,
			server.WithEndpointPath("/mcp"),
			server.WithSessionIdManager(&sessionIDManager{server: s}),
			server.WithHTTPContextFunc(s.stashHTTPParams),
		)
		streamableServer := s.streamableHTTPServer
		go func() {
			if err := streamableServer.Start(addr); err != nil && err != http.ErrServerClosed {
				logging.Error("Gateway", err, "Streamable HTTP server error")
			}
		}()
	}

	return nil
}

// Stop shuts down the transport servers and background routines.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.mcpServer == nil {
		s.mu.Unlock()
		return fmt.Errorf("gateway server not started")
	}
	logging.Info("Gateway", "Stopping MCP server")

	cancelFunc := s.cancelFunc
	sseServer := s.sseServer
	streamableServer := s.streamableHTTPServer
	s.mu.Unlock()

	if cancelFunc != nil {
		cancelFunc()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if sseServer != nil {
		if err := sseServer.Shutdown(shutdownCtx); err != nil {
			logging.Error("Gateway", err, "Error shutting down SSE server")
		}
	}
	if streamableServer != nil {
		if err := streamableServer.Shutdown(shutdownCtx); err != nil {
			logging.Error("Gateway", err, "Error shutting down streamable HTTP server")
		}
	}
	// Stdio server stops on context cancellation.

	s.wg.Wait()

	s.mu.Lock()
	s.mcpServer = nil
	s.sseServer = nil
	s.streamableHTTPServer = nil
	s.stdioServer = nil
	s.mu.Unlock()

	return nil
}

// ctxKey namespaces the request parameter stash.
type ctxKey int

const sessionParamsKey ctxKey = iota

// stashHTTPParams copies the session-shaping query parameters into the
// request context so the registration hook can see them.
func (s *Server) stashHTTPParams(ctx context.Context, r *http.Request) context.Context {
	return context.WithValue(ctx, sessionParamsKey, s.paramsFromRequest(r, "streamable-http"))
}

func (s *Server) stashRequestParams(ctx context.Context, r *http.Request) context.Context {
	return context.WithValue(ctx, sessionParamsKey, s.paramsFromRequest(r, "sse"))
}

// paramsFromRequest derives session parameters from the HTTP request:
// ?tags=a,b,c selects a simple-OR filter, ?preset=name a preset.
func (s *Server) paramsFromRequest(r *http.Request, transport string) SessionParams {
	params := SessionParams{
		EnablePagination: s.cfg.Pagination,
		Context:          map[string]string{"transport.client": transport},
	}
	q := r.URL.Query()
	if raw := q.Get("tags"); raw != "" {
		for _, tag := range strings.Split(raw, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				params.Tags = append(params.Tags, tag)
			}
		}
	}
	params.PresetName = q.Get("preset")
	return params
}

// onRegisterSession runs after the SDK registered the session, so
// per-session capability registration is safe here.
func (s *Server) onRegisterSession(ctx context.Context, clientSession server.ClientSession) {
	params, ok := ctx.Value(sessionParamsKey).(SessionParams)
	if !ok {
		params = s.cfg.DefaultParams
		params.EnablePagination = params.EnablePagination || s.cfg.Pagination
		if params.Context == nil {
			params.Context = map[string]string{"transport.client": "stdio"}
		}
	}

	sess := NewSession(clientSession.SessionID(), params)
	if params.PresetName != "" {
		s.resolvePreset(sess, params.PresetName)
	}
	s.registry.Put(sess)

	if s.binder != nil {
		s.mu.RLock()
		bindCtx := s.ctx
		s.mu.RUnlock()
		if err := s.binder.Bind(bindCtx, sess); err != nil {
			logging.Warn("Gateway", "Binding template instances for session %s: %v", sess.ID(), err)
		}
	}

	logging.Info("Gateway", "Session %s connected (filter=%s)", sess.ID(), sess.FilterMode())
	s.syncSession(sess)
	s.persistSession(sess)
}

func (s *Server) onUnregisterSession(_ context.Context, clientSession server.ClientSession) {
	id := clientSession.SessionID()
	s.registry.Delete(id)
	if s.binder != nil {
		s.binder.Unbind(id)
	}
	s.dropStoredSession(id)

	s.capsMu.Lock()
	delete(s.sessionTools, id)
	delete(s.sessionResources, id)
	s.capsMu.Unlock()

	logging.Info("Gateway", "Session %s disconnected", id)
}

// resolvePreset installs the preset's query on the session. An unknown
// preset leaves the query nil, which admits nothing in preset mode.
func (s *Server) resolvePreset(sess *Session, name string) {
	if s.presets == nil {
		logging.Warn("Gateway", "Session %s requested preset %q but no preset store is configured", sess.ID(), name)
		return
	}
	q, err := s.presets.Resolve(name)
	if err != nil {
		logging.Warn("Gateway", "Resolving preset %q for session %s: %v", name, sess.ID(), err)
		return
	}
	sess.SetQuery(q)
}

// RecomputeSessions re-resolves the filter of every session bound to
// the named preset and resyncs their capabilities.
func (s *Server) RecomputeSessions(preset string) {
	for _, sess := range s.registry.BoundToPreset(preset) {
		s.resolvePreset(sess, preset)
		s.syncSession(sess)
	}
}

// watchFleet resyncs capabilities whenever the fleet composition or a
// server's state changes.
func (s *Server) watchFleet(sub <-chan events.Event) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			switch ev.Type {
			case events.ServerStateChanged, events.ServerAdded,
				events.ServerRemoved, events.ServerModified,
				events.ConfigReloaded:
				s.resyncAll()
			case events.PresetChanged:
				s.RecomputeSessions(ev.Server)
			}
		}
	}
}

// resyncAll refreshes the global prompts and every session's
// registered tools and resources against the current fleet.
func (s *Server) resyncAll() {
	s.syncGlobalPrompts()
	for _, sess := range s.registry.All() {
		sess.invalidateIndex()
		s.syncSession(sess)
	}
}

// sweepSessions drops idle streaming sessions periodically.
func (s *Server) sweepSessions() {
	defer s.wg.Done()
	ticker := time.NewTicker(sessionSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.registry.expireIdleSessions(s.cfg.SessionTTL)
		}
	}
}

// sessionIDManager plugs the gateway's session ID grammar into the
// streamable HTTP transport. Session objects themselves are created by
// the registration hook.
type sessionIDManager struct {
	server *Server
}

func (m *sessionIDManager) Generate() string {
	return newStreamSessionID()
}

func (m *sessionIDManager) Validate(sessionID string) (isTerminated bool, err error) {
	if !IsStreamSessionID(sessionID) {
		return false, fmt.Errorf("malformed session ID")
	}
	if _, ok := m.server.registry.Get(sessionID); !ok {
		// The registry is empty after a restart; the session store is
		// the second chance for resuming streams.
		if _, restored := m.server.restoreSession(sessionID); !restored {
			return false, fmt.Errorf("session not found")
		}
	}
	return false, nil
}

func (m *sessionIDManager) Terminate(sessionID string) (isNotAllowed bool, err error) {
	m.server.registry.Delete(sessionID)
	if m.server.binder != nil {
		m.server.binder.Unbind(sessionID)
	}
	m.server.dropStoredSession(sessionID)
	m.server.capsMu.Lock()
	delete(m.server.sessionTools, sessionID)
	delete(m.server.sessionResources, sessionID)
	m.server.capsMu.Unlock()
	return false, nil
}

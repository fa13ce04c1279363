package gateway

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"junction/internal/fleet"
	"junction/internal/tagquery"
	"junction/pkg/logging"
)

// FilterMode describes how a session's server filter was derived.
type FilterMode string

const (
	// FilterNone admits every enabled server.
	FilterNone FilterMode = "none"
	// FilterSimpleOr admits servers carrying any of the session tags.
	FilterSimpleOr FilterMode = "simple-or"
	// FilterPreset resolves the filter through a named preset.
	FilterPreset FilterMode = "preset"
	// FilterAdvanced uses an explicit boolean tag query.
	FilterAdvanced FilterMode = "advanced"
)

// streamSessionPrefix marks server-issued streaming session IDs.
const streamSessionPrefix = "stream-"

// newStreamSessionID issues an ID for an HTTP streaming session.
func newStreamSessionID() string {
	return streamSessionPrefix + uuid.NewString()
}

// Session is one connected inbound MCP client and its resolved view of
// the fleet.
type Session struct {
	mu sync.RWMutex

	id         string
	tags       []string
	filterMode FilterMode
	presetName string
	query      *tagquery.Query

	enablePagination bool
	// context carries the caller-supplied key/value bundle; sessionId
	// is always present and equal to the session's own ID.
	context map[string]string

	// names is the session's stable exposed-name snapshot; rebuilt
	// when the admitted server set changes.
	names *nameIndex

	// instances are the session-scoped upstream instances (template
	// servers rendered with this session's context). Instance-named
	// servers are only visible to sessions bound to them.
	instances map[string]struct{}

	connectedAt    time.Time
	lastAccessedAt time.Time
	requestCount   uint64
}

// SessionParams carries what the transport knows at connect time.
type SessionParams struct {
	Tags             []string
	PresetName       string
	TagQuery         *tagquery.Query
	EnablePagination bool
	Context          map[string]string
}

func NewSession(id string, params SessionParams) *Session {
	ctx := make(map[string]string, len(params.Context)+1)
	for k, v := range params.Context {
		ctx[k] = v
	}
	ctx["sessionId"] = id

	s := &Session{
		id:               id,
		tags:             params.Tags,
		presetName:       params.PresetName,
		query:            params.TagQuery,
		enablePagination: params.EnablePagination,
		context:          ctx,
		connectedAt:      time.Now(),
		lastAccessedAt:   time.Now(),
	}
	s.filterMode = deriveFilterMode(params)
	return s
}

// deriveFilterMode applies the filter resolution order: preset first,
// then explicit query, then plain tags, else unfiltered.
func deriveFilterMode(params SessionParams) FilterMode {
	switch {
	case params.PresetName != "":
		return FilterPreset
	case params.TagQuery != nil:
		return FilterAdvanced
	case len(params.Tags) > 0:
		return FilterSimpleOr
	default:
		return FilterNone
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// FilterMode returns how the session filter was derived.
func (s *Session) FilterMode() FilterMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filterMode
}

// Tags returns the session's simple filter tags.
func (s *Session) Tags() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tags
}

// Query returns the resolved tag query, nil when none applies.
func (s *Session) Query() *tagquery.Query {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.query
}

// CreatedAt returns when the session connected.
func (s *Session) CreatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connectedAt
}

// PresetName returns the bound preset, empty when none.
func (s *Session) PresetName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.presetName
}

// Context returns a copy of the session's context bundle.
func (s *Session) Context() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.context))
	for k, v := range s.context {
		out[k] = v
	}
	return out
}

// Pagination reports whether list responses are paginated.
func (s *Session) Pagination() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enablePagination
}

// Touch records request activity and returns the running request count.
func (s *Session) Touch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAccessedAt = time.Now()
	s.requestCount++
	return s.requestCount
}

// LastAccessedAt returns the time of the most recent request.
func (s *Session) LastAccessedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAccessedAt
}

// SetQuery installs a recomputed filter (preset change, reload).
func (s *Session) SetQuery(q *tagquery.Query) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.query = q
	s.names = nil
}

// Admits reports whether the session's filter matches the tags.
func (s *Session) Admits(tags []string) bool {
	s.mu.RLock()
	mode := s.filterMode
	query := s.query
	own := s.tags
	s.mu.RUnlock()

	switch mode {
	case FilterNone:
		return true
	case FilterSimpleOr:
		return tagquery.SimpleOr(own).Matches(tags)
	default:
		// preset and advanced both evaluate the resolved tree; an
		// unresolved preset admits nothing rather than everything.
		if query == nil && mode == FilterPreset {
			return false
		}
		return query.Matches(tags)
	}
}

// BindInstance attaches a session-scoped upstream instance.
func (s *Session) BindInstance(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.instances == nil {
		s.instances = make(map[string]struct{})
	}
	s.instances[name] = struct{}{}
	s.names = nil
}

// UnbindInstance detaches a session-scoped upstream instance.
func (s *Session) UnbindInstance(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, name)
	s.names = nil
}

// BoundInstances returns the session's attached instance names.
func (s *Session) BoundInstances() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.instances))
	for name := range s.instances {
		out = append(out, name)
	}
	return out
}

func (s *Session) boundTo(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.instances[name]
	return ok
}

// instanceFor returns the bound instance for a template base name.
// Listings advertise base names; a session binds at most one instance
// per template.
func (s *Session) instanceFor(base string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := base + ":"
	for name := range s.instances {
		if strings.HasPrefix(name, prefix) {
			return name, true
		}
	}
	return "", false
}

// admitted filters the Ready fleet down to this session's view.
// Instance-named servers (name carries a ':') belong to the sessions
// whose context rendered them and are invisible to everyone else.
func (s *Session) admitted(f *fleet.Fleet) []*fleet.Client {
	var out []*fleet.Client
	for _, client := range f.Ready() {
		name := client.Name()
		if strings.ContainsRune(name, ':') {
			if s.boundTo(name) {
				out = append(out, client)
			}
			continue
		}
		if s.Admits(client.Tags()) {
			out = append(out, client)
		}
	}
	return out
}

// index returns the session's name snapshot, rebuilding it when the
// admitted set changed since the last request.
func (s *Session) index(f *fleet.Fleet) *nameIndex {
	clients := s.admitted(f)

	s.mu.Lock()
	defer s.mu.Unlock()

	// Cheap staleness check: rebuild when the admitted server set no
	// longer matches the snapshot.
	if s.names != nil && snapshotMatches(s.names, clients) {
		return s.names
	}
	s.names = buildNameIndex(clients)
	return s.names
}

// invalidateIndex forces a rebuild on the next request.
func (s *Session) invalidateIndex() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = nil
}

func snapshotMatches(idx *nameIndex, clients []*fleet.Client) bool {
	if idx == nil {
		return false
	}
	want := make(map[string]int, len(clients))
	for _, c := range clients {
		want[c.Name()] = len(c.DeclaredTools())
	}
	got := make(map[string]int)
	for _, origin := range idx.tools {
		got[origin.server]++
	}
	if len(want) == 0 && len(got) == 0 {
		return true
	}
	if len(got) > len(want) {
		return false
	}
	for server, n := range want {
		if n != got[server] {
			return false
		}
	}
	return true
}

// Registry tracks live sessions. The transport layer is the writer;
// request handlers only read.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Put installs a session.
func (r *Registry) Put(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.id] = s
}

// Get returns the session for id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Delete removes a session, reporting whether it existed.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	return ok
}

// All returns a snapshot of the live sessions.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// InvalidateAll forces every session to rebuild its name snapshot,
// used after a reload changed the fleet.
func (r *Registry) InvalidateAll() {
	for _, s := range r.All() {
		s.invalidateIndex()
	}
}

// BoundToPreset returns the sessions whose filter resolves through the
// named preset.
func (r *Registry) BoundToPreset(name string) []*Session {
	var out []*Session
	for _, s := range r.All() {
		if s.FilterMode() == FilterPreset && s.PresetName() == name {
			out = append(out, s)
		}
	}
	return out
}

// IsStreamSessionID reports whether the ID carries the streaming
// prefix grammar.
func IsStreamSessionID(id string) bool {
	if !strings.HasPrefix(id, streamSessionPrefix) {
		return false
	}
	_, err := uuid.Parse(strings.TrimPrefix(id, streamSessionPrefix))
	return err == nil
}

// expireIdleSessions removes streaming sessions idle past ttl.
func (r *Registry) expireIdleSessions(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	removed := 0
	for _, s := range r.All() {
		if IsStreamSessionID(s.ID()) && s.LastAccessedAt().Before(cutoff) {
			if r.Delete(s.ID()) {
				removed++
			}
		}
	}
	if removed > 0 {
		logging.Debug("Gateway", "Expired %d idle streaming sessions", removed)
	}
	return removed
}

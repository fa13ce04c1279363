// Package fleet manages the set of outbound MCP clients: one per
// enabled server spec. The reconciler diffs desired state against the
// running set, starting, stopping and restarting clients as needed.
package fleet

import (
	"context"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"junction/internal/capcache"
	"junction/internal/config"
	"junction/internal/events"
	"junction/internal/gwerr"
	"junction/internal/upstream"
	"junction/pkg/logging"
)

// Fleet owns all outbound clients. The reconciler is the sole writer
// of the client map; request paths only read.
type Fleet struct {
	mu      sync.RWMutex
	clients map[string]*Client
	order   []string // registration order, drives list ordering

	factory TransportFactory
	bus     *events.Bus
	cache   *capcache.Cache

	// reconcileMu serializes reconciles.
	reconcileMu sync.Mutex
	// starts tracks in-flight start goroutines per name so a newer
	// reconcile can cancel a prior restart of the same server.
	startsMu sync.Mutex
	starts   map[string]*startHandle

	// authFlows remembers the state/verifier pair generated per
	// AwaitingAuth transition until the completion call consumes it.
	authFlowsMu sync.Mutex
	authFlows   map[string]*authFlow

	startLimit int
	probeEvery time.Duration
}

// Option configures a Fleet.
type Option func(*Fleet)

// WithTransportFactory overrides how transport adapters are built.
func WithTransportFactory(f TransportFactory) Option {
	return func(fl *Fleet) { fl.factory = f }
}

// WithStartLimit overrides the bounded parallelism for starts.
func WithStartLimit(n int) Option {
	return func(fl *Fleet) {
		if n > 0 {
			fl.startLimit = n
		}
	}
}

// WithProbeInterval overrides how often restartOnExit clients check
// their transport for liveness.
func WithProbeInterval(d time.Duration) Option {
	return func(fl *Fleet) {
		if d > 0 {
			fl.probeEvery = d
		}
	}
}

// New creates a fleet publishing to bus and invalidating cache on
// lifecycle transitions. Both may be nil in tests.
func New(bus *events.Bus, cache *capcache.Cache, opts ...Option) *Fleet {
	limit := runtime.NumCPU()
	if limit < 4 {
		limit = 4
	}
	f := &Fleet{
		clients:    make(map[string]*Client),
		starts:     make(map[string]*startHandle),
		authFlows:  make(map[string]*authFlow),
		factory:    upstream.New,
		bus:        bus,
		cache:      cache,
		startLimit: limit,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Reconcile drives the running set toward desired. New servers are
// started in parallel (bounded), removed ones stopped, modified ones
// restarted unless only tags changed. Reconciles are serialized; a
// newer reconcile cancels a prior in-flight start of the same name.
func (f *Fleet) Reconcile(ctx context.Context, desired map[string]config.ServerSpec) error {
	f.reconcileMu.Lock()
	defer f.reconcileMu.Unlock()

	current := f.currentSpecs()
	changes := config.Diff(current, desired)
	if len(changes) == 0 {
		logging.Debug("Fleet", "Reconcile: no changes")
		return nil
	}

	logging.Info("Fleet", "Reconcile: %d changes against %d running clients", len(changes), len(current))

	var toStart []config.ServerSpec
	for _, change := range changes {
		switch change.Op {
		case config.OpRemoved:
			f.remove(change.Name)

		case config.OpAdded:
			toStart = append(toStart, desired[change.Name])

		case config.OpModified:
			if change.MetadataOnly() {
				f.UpdateMetadata(change.Name, desired[change.Name])
				continue
			}
			f.remove(change.Name)
			toStart = append(toStart, desired[change.Name])
		}
	}

	return f.startAll(ctx, toStart)
}

// startAll registers and starts the given specs with bounded
// parallelism. Start failures are captured on the client's state, not
// returned: one bad server must not fail the reconcile.
func (f *Fleet) startAll(ctx context.Context, specs []config.ServerSpec) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.startLimit)

	for _, spec := range specs {
		client, ok := f.register(spec, false)
		if !ok {
			continue
		}

		startCtx, cancel := context.WithCancel(gctx)
		handle := f.trackStart(spec.Name, cancel)

		g.Go(func() error {
			defer f.untrackStart(client.Name(), handle)
			if err := client.start(startCtx); err != nil && startCtx.Err() == nil {
				logging.Warn("Fleet", "Server %s failed to start: %v", client.Name(), err)
			}
			return nil
		})
	}

	return g.Wait()
}

// register creates and installs a client for the spec. Starting an
// already-running name is a no-op with a warning.
func (f *Fleet) register(spec config.ServerSpec, ephemeral bool) (*Client, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.clients[spec.Name]; exists {
		logging.Warn("Fleet", "Server %s is already running, ignoring duplicate start", spec.Name)
		return nil, false
	}

	client := newClient(spec, f.factory)
	client.ephemeral = ephemeral
	if f.probeEvery > 0 {
		client.probeEvery = f.probeEvery
	}
	client.onStateChange = f.handleStateChange
	client.onNotify = f.handleNotification
	f.clients[spec.Name] = client
	f.order = append(f.order, spec.Name)
	return client, true
}

// Launch registers and starts a single client outside the declarative
// reconcile loop. Launched clients (template instances) are invisible
// to Reconcile diffs; their owner disposes of them with Remove.
func (f *Fleet) Launch(ctx context.Context, spec config.ServerSpec) (*Client, error) {
	client, ok := f.register(spec, true)
	if !ok {
		return nil, &gwerr.Error{Kind: gwerr.KindValidation, Server: spec.Name, Msg: "server is already running"}
	}

	startCtx, cancel := context.WithCancel(ctx)
	handle := f.trackStart(spec.Name, cancel)
	defer f.untrackStart(spec.Name, handle)

	if err := client.start(startCtx); err != nil {
		return client, err
	}
	return client, nil
}

// Remove stops and forgets one client, launched or declared.
func (f *Fleet) Remove(name string) {
	f.remove(name)
}

// remove cancels any in-flight start, stops the client and drops its
// cache entries.
func (f *Fleet) remove(name string) {
	f.cancelStart(name)

	f.mu.Lock()
	client, ok := f.clients[name]
	if ok {
		delete(f.clients, name)
		for i, n := range f.order {
			if n == name {
				f.order = append(f.order[:i], f.order[i+1:]...)
				break
			}
		}
	}
	f.mu.Unlock()

	if !ok {
		return
	}

	client.stop()
	if f.cache != nil {
		f.cache.InvalidateServer(name)
		f.cache.InvalidateFingerprints()
	}
}

// startHandle identifies one tracked start so a stale goroutine's
// cleanup cannot clobber the handle of a newer start for the same name.
type startHandle struct {
	cancel context.CancelFunc
}

func (f *Fleet) trackStart(name string, cancel context.CancelFunc) *startHandle {
	h := &startHandle{cancel: cancel}
	f.startsMu.Lock()
	defer f.startsMu.Unlock()
	if prev, ok := f.starts[name]; ok {
		prev.cancel()
	}
	f.starts[name] = h
	return h
}

func (f *Fleet) untrackStart(name string, h *startHandle) {
	h.cancel()
	f.startsMu.Lock()
	defer f.startsMu.Unlock()
	// Only clear if still ours; a newer start may have replaced it.
	if f.starts[name] == h {
		delete(f.starts, name)
	}
}

func (f *Fleet) cancelStart(name string) {
	f.startsMu.Lock()
	defer f.startsMu.Unlock()
	if h, ok := f.starts[name]; ok {
		h.cancel()
		delete(f.starts, name)
	}
}

// Get returns the client for name.
func (f *Fleet) Get(name string) (*Client, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	client, ok := f.clients[name]
	if !ok {
		return nil, gwerr.NotFound(name, "")
	}
	return client, nil
}

// All returns a snapshot of all clients in registration order.
func (f *Fleet) All() []*Client {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]*Client, 0, len(f.clients))
	for _, name := range f.order {
		if client, ok := f.clients[name]; ok {
			out = append(out, client)
		}
	}
	return out
}

// Ready returns the Ready clients in registration order.
func (f *Fleet) Ready() []*Client {
	var out []*Client
	for _, client := range f.All() {
		if client.State() == StateReady {
			out = append(out, client)
		}
	}
	return out
}

// Ping checks the liveness of one client's transport.
func (f *Fleet) Ping(ctx context.Context, name string) error {
	client, err := f.Get(name)
	if err != nil {
		return err
	}
	return client.Ping(ctx)
}

// Restart tears down and re-establishes one client's connection.
func (f *Fleet) Restart(ctx context.Context, name string) error {
	f.mu.RLock()
	client, ok := f.clients[name]
	f.mu.RUnlock()

	if !ok {
		return gwerr.NotFound(name, "")
	}

	f.cancelStart(name)
	client.disconnect()
	if f.cache != nil {
		f.cache.InvalidateServer(name)
	}

	startCtx, cancel := context.WithCancel(ctx)
	handle := f.trackStart(name, cancel)
	defer f.untrackStart(name, handle)

	return client.start(startCtx)
}

// UpdateMetadata live-applies a tags-only change without restart.
func (f *Fleet) UpdateMetadata(name string, spec config.ServerSpec) {
	f.mu.RLock()
	client, ok := f.clients[name]
	f.mu.RUnlock()

	if !ok {
		return
	}
	client.updateSpec(spec)
	if f.cache != nil {
		// Tag changes alter which sessions admit the server, so
		// shared list results keyed by selection are stale.
		f.cache.InvalidateFingerprints()
	}
	logging.Debug("Fleet", "Applied metadata update for %s without restart", name)
}

// Shutdown stops every client.
func (f *Fleet) Shutdown() {
	f.reconcileMu.Lock()
	defer f.reconcileMu.Unlock()

	f.mu.Lock()
	names := make([]string, len(f.order))
	copy(names, f.order)
	f.mu.Unlock()

	for _, name := range names {
		f.remove(name)
	}
}

// currentSpecs snapshots the specs of declaratively managed clients
// for diffing. Launched clients are owned elsewhere and excluded.
func (f *Fleet) currentSpecs() map[string]config.ServerSpec {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make(map[string]config.ServerSpec, len(f.clients))
	for name, client := range f.clients {
		if client.ephemeral {
			continue
		}
		out[name] = client.Spec()
	}
	return out
}

// handleStateChange publishes state transitions and keeps the cache
// honest when a client leaves Ready.
func (f *Fleet) handleStateChange(name string, from, to State, err error) {
	if from == StateReady && to != StateReady && f.cache != nil {
		f.cache.InvalidateServer(name)
		f.cache.InvalidateFingerprints()
	}

	if f.bus == nil {
		return
	}

	msg := ""
	if err != nil {
		msg = err.Error()
	}
	f.bus.Publish(events.Event{
		Type:    events.ServerStateChanged,
		Server:  name,
		State:   string(to),
		Message: msg,
	})

	if to == StateAwaitingAuth {
		f.bus.Publish(events.Event{
			Type:             events.AuthRequired,
			Server:           name,
			AuthorizationURL: f.prepareAuthFlow(name),
		})
	}
}

// handleNotification reacts to server-initiated list-changed
// notifications by dropping the affected cache entries.
func (f *Fleet) handleNotification(server string, n mcp.JSONRPCNotification) {
	if f.cache == nil {
		return
	}

	method := n.Method
	switch {
	case strings.HasSuffix(method, "tools/list_changed"),
		strings.HasSuffix(method, "resources/list_changed"),
		strings.HasSuffix(method, "prompts/list_changed"):
		logging.Debug("Fleet", "Server %s sent %s, dropping its list entries", server, method)
		f.cache.InvalidateLists(server)
		f.cache.InvalidateFingerprints()
	}
}

// Names returns the sorted names of all clients, for status output.
func (f *Fleet) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]string, 0, len(f.clients))
	for name := range f.clients {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

package fleet

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"junction/internal/config"
	"junction/internal/gwerr"
	"junction/internal/upstream"
	"junction/pkg/logging"
)

const (
	// defaultProbeInterval is how often a Ready client with
	// restartOnExit checks that its transport is still alive.
	defaultProbeInterval = 15 * time.Second
	// probeTimeout bounds one liveness check.
	probeTimeout = 5 * time.Second
)

// Client is one managed outbound connection: a server spec, its
// transport adapter and the state machine around them. Exactly one
// Client exists per enabled spec while the fleet runs.
type Client struct {
	mu sync.RWMutex

	spec      config.ServerSpec
	state     State
	transport upstream.Client
	factory   TransportFactory
	// ephemeral marks clients launched outside the declarative config
	// (template instances); reconciles never touch them.
	ephemeral bool

	// probeEvery drives the restartOnExit watchdog; watchCancel stops
	// it when the client is removed.
	probeEvery  time.Duration
	watchCancel context.CancelFunc

	caps      mcp.ServerCapabilities
	tools     []mcp.Tool
	resources []mcp.Resource
	prompts   []mcp.Prompt

	lastErr  error
	restarts int
	// authChallenge holds the most recent OAuth challenge while the
	// client sits in AwaitingAuth.
	authChallenge *upstream.AuthRequiredError

	onStateChange func(name string, from, to State, err error)
	onNotify      func(server string, n mcp.JSONRPCNotification)
}

// TransportFactory builds the transport adapter for a spec. Swappable
// in tests.
type TransportFactory func(spec config.ServerSpec) (upstream.Client, error)

func newClient(spec config.ServerSpec, factory TransportFactory) *Client {
	return &Client{
		spec:       spec,
		state:      StatePending,
		factory:    factory,
		probeEvery: defaultProbeInterval,
	}
}

// Name returns the configured server name.
func (c *Client) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.spec.Name
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Spec returns a copy of the server spec the client runs under.
func (c *Client) Spec() config.ServerSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.spec
}

// Tags returns the spec's tags. Mirrored here so the router can filter
// without consulting the config layer.
func (c *Client) Tags() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.spec.Tags
}

// LastError returns the error captured on the last failed transition.
func (c *Client) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// AuthChallenge returns the pending OAuth challenge, nil outside
// AwaitingAuth.
func (c *Client) AuthChallenge() *upstream.AuthRequiredError {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authChallenge
}

// Capabilities returns the advertisement captured on Ready.
func (c *Client) Capabilities() mcp.ServerCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.caps
}

// DeclaredTools returns the tool list captured on Ready.
func (c *Client) DeclaredTools() []mcp.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

// DeclaredResources returns the resource list captured on Ready.
func (c *Client) DeclaredResources() []mcp.Resource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resources
}

// DeclaredPrompts returns the prompt list captured on Ready.
func (c *Client) DeclaredPrompts() []mcp.Prompt {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.prompts
}

// updateSpec applies a metadata-only change in place.
func (c *Client) updateSpec(spec config.ServerSpec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spec.Tags = spec.Tags
}

func (c *Client) setState(to State, err error) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.lastErr = err
	if to != StateAwaitingAuth {
		c.authChallenge = nil
	}
	cb := c.onStateChange
	name := c.spec.Name
	c.mu.Unlock()

	if from != to && cb != nil {
		cb(name, from, to, err)
	}
}

// start drives the state machine until Ready, AwaitingAuth, a
// permanently failed Error, or context cancellation. Connect attempts
// honor connectionTimeout; failures are retried up to maxRestarts with
// restartDelay in between.
func (c *Client) start(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := c.connectOnce(ctx)
		if err == nil {
			c.ensureWatchdog()
			return nil
		}

		var authErr *upstream.AuthRequiredError
		if errors.As(err, &authErr) {
			c.mu.Lock()
			c.authChallenge = authErr
			c.mu.Unlock()
			c.setState(StateAwaitingAuth, err)
			logging.Info("Fleet", "Server %s requires authorization at %s", c.Name(), authErr.URL)
			return nil
		}

		c.setState(StateError, err)

		c.mu.Lock()
		c.restarts++
		attempts := c.restarts
		maxRestarts := c.spec.MaxRestarts
		delay := c.spec.RestartDelay.Std()
		c.mu.Unlock()

		if attempts > maxRestarts {
			logging.Warn("Fleet", "Server %s failed after %d attempts, giving up until next reload: %v",
				c.Name(), attempts, err)
			return err
		}

		logging.Debug("Fleet", "Server %s connect failed (attempt %d/%d), retrying in %s: %v",
			c.Name(), attempts, maxRestarts+1, delay, err)

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// connectOnce performs one Connecting→Ready attempt. The transport
// adapter is created on first use and reused across attempts so state
// it carries (an OAuth token store in particular) survives reconnects.
func (c *Client) connectOnce(ctx context.Context) error {
	c.setState(StateConnecting, nil)

	c.mu.Lock()
	if c.transport == nil {
		transport, err := c.factory(c.spec)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		c.transport = transport
	}
	transport := c.transport
	server := c.spec.Name
	notify := c.onNotify
	connTimeout := c.spec.ConnectionTimeout.Std()
	c.mu.Unlock()

	if notify != nil {
		transport.OnNotification(func(n mcp.JSONRPCNotification) {
			notify(server, n)
		})
	}

	connectCtx := ctx
	if connTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, connTimeout)
		defer cancel()
	}

	if err := transport.Connect(connectCtx); err != nil {
		return err
	}

	// Capture the advertisement. Servers that lack a capability answer
	// the corresponding list with an error; that is not fatal, the
	// declared list just stays empty.
	caps := transport.Capabilities()
	tools, err := transport.ListTools(ctx)
	if err != nil {
		logging.Debug("Fleet", "Server %s: listing tools failed: %v", server, err)
		tools = nil
	}
	resources, err := transport.ListResources(ctx)
	if err != nil {
		logging.Debug("Fleet", "Server %s: listing resources failed: %v", server, err)
		resources = nil
	}
	prompts, err := transport.ListPrompts(ctx)
	if err != nil {
		logging.Debug("Fleet", "Server %s: listing prompts failed: %v", server, err)
		prompts = nil
	}

	c.mu.Lock()
	c.transport = transport
	c.caps = caps
	c.tools = tools
	c.resources = resources
	c.prompts = prompts
	c.restarts = 0
	c.mu.Unlock()

	c.setState(StateReady, nil)
	logging.Info("Fleet", "Server %s ready: %d tools, %d resources, %d prompts",
		server, len(tools), len(resources), len(prompts))

	return nil
}

// ensureWatchdog starts the exit monitor for restartOnExit specs. One
// watchdog runs per client lifetime; it survives reconnects because
// the loop itself drives them.
func (c *Client) ensureWatchdog() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.spec.RestartOnExit || c.watchCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.watchCancel = cancel
	go c.watch(ctx)
}

// watch probes the transport while the client is Ready and feeds a
// dead connection (a stdio child that exited, in particular) back into
// the restart path, honoring maxRestarts and restartDelay.
func (c *Client) watch(ctx context.Context) {
	ticker := time.NewTicker(c.probeEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		switch c.State() {
		case StateReady:
		case StateStopped:
			return
		default:
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := c.Ping(probeCtx)
		cancel()
		if err == nil || ctx.Err() != nil {
			continue
		}

		logging.Warn("Fleet", "Server %s stopped responding, restarting: %v", c.Name(), err)

		// Close the dead connection so the reconnect spawns afresh; the
		// adapter itself is kept for its token store.
		c.mu.Lock()
		transport := c.transport
		c.mu.Unlock()
		if transport != nil {
			if closeErr := transport.Close(); closeErr != nil {
				logging.Debug("Fleet", "Closing dead transport for %s: %v", c.Name(), closeErr)
			}
		}
		c.setState(StateError, err)
		if !c.State().retriable() {
			// A concurrent stop won the race.
			return
		}

		if delay := c.Spec().RestartDelay.Std(); delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
		if err := c.start(ctx); err != nil {
			// Budget exhausted or cancelled; parked until the next reload.
			return
		}
	}
}

// stop tears the connection down and marks the client Stopped.
func (c *Client) stop() {
	c.mu.Lock()
	transport := c.transport
	c.transport = nil
	cancelWatch := c.watchCancel
	c.watchCancel = nil
	c.mu.Unlock()

	if cancelWatch != nil {
		cancelWatch()
	}
	if transport != nil {
		if err := transport.Close(); err != nil {
			logging.Debug("Fleet", "Closing transport for %s: %v", c.Name(), err)
		}
	}
	c.setState(StateStopped, nil)
}

// disconnect closes the connection without entering the terminal
// state, used for restart. The transport adapter itself is kept so a
// reconnect reuses its token store.
func (c *Client) disconnect() {
	c.mu.Lock()
	transport := c.transport
	c.restarts = 0
	c.mu.Unlock()

	if transport != nil {
		if err := transport.Close(); err != nil {
			logging.Debug("Fleet", "Closing transport for %s: %v", c.Name(), err)
		}
	}
	c.setState(StatePending, nil)
}

// ready returns the transport if the client is Ready.
func (c *Client) ready() (upstream.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.state != StateReady || c.transport == nil {
		return nil, gwerr.NotReady(c.spec.Name)
	}
	return c.transport, nil
}

// requestCtx bounds an outbound call by the lesser of the caller's
// deadline and the spec's requestTimeout.
func (c *Client) requestCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	c.mu.RLock()
	timeout := c.spec.RequestTimeout.Std()
	c.mu.RUnlock()

	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// ListTools fetches the server's current tools. Fails fast with
// NotReady outside Ready.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	t, err := c.ready()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.requestCtx(ctx)
	defer cancel()
	return t.ListTools(ctx)
}

// CallTool invokes one tool on the server.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	t, err := c.ready()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.requestCtx(ctx)
	defer cancel()
	return t.CallTool(ctx, name, args)
}

// ListResources fetches the server's current resources.
func (c *Client) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	t, err := c.ready()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.requestCtx(ctx)
	defer cancel()
	return t.ListResources(ctx)
}

// ReadResource reads one resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	t, err := c.ready()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.requestCtx(ctx)
	defer cancel()
	return t.ReadResource(ctx, uri)
}

// ListPrompts fetches the server's current prompts.
func (c *Client) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	t, err := c.ready()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.requestCtx(ctx)
	defer cancel()
	return t.ListPrompts(ctx)
}

// GetPrompt retrieves one prompt.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]any) (*mcp.GetPromptResult, error) {
	t, err := c.ready()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.requestCtx(ctx)
	defer cancel()
	return t.GetPrompt(ctx, name, args)
}

// Ping checks the upstream connection.
func (c *Client) Ping(ctx context.Context) error {
	t, err := c.ready()
	if err != nil {
		return err
	}
	ctx, cancel := c.requestCtx(ctx)
	defer cancel()
	return t.Ping(ctx)
}

package fleet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"junction/internal/capcache"
	"junction/internal/config"
	"junction/internal/events"
	"junction/internal/gwerr"
	"junction/internal/upstream"
)

// fakeTransport is a scriptable upstream.Client.
type fakeTransport struct {
	mu          sync.Mutex
	connectErrs []error // consumed per Connect call; empty means success
	pingErrs    []error // consumed per Ping call; empty means success
	connects    int
	closes      int
	connected   bool
	tools       []mcp.Tool
	notify      func(mcp.JSONRPCNotification)
	callResult  *mcp.CallToolResult
	callErr     error
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		if err != nil {
			return err
		}
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.connected = false
	return nil
}

func (f *fakeTransport) Capabilities() mcp.ServerCapabilities { return mcp.ServerCapabilities{} }

func (f *fakeTransport) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tools, nil
}

func (f *fakeTransport) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callErr != nil {
		return nil, f.callErr
	}
	if f.callResult != nil {
		return f.callResult, nil
	}
	return &mcp.CallToolResult{}, nil
}

func (f *fakeTransport) ListResources(ctx context.Context) ([]mcp.Resource, error) { return nil, nil }
func (f *fakeTransport) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return &mcp.ReadResourceResult{}, nil
}
func (f *fakeTransport) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) { return nil, nil }
func (f *fakeTransport) GetPrompt(ctx context.Context, name string, args map[string]any) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{}, nil
}
func (f *fakeTransport) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pingErrs) > 0 {
		err := f.pingErrs[0]
		f.pingErrs = f.pingErrs[1:]
		return err
	}
	return nil
}
func (f *fakeTransport) OnNotification(handler func(mcp.JSONRPCNotification)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notify = handler
}

var _ upstream.Client = (*fakeTransport)(nil)

// fakeFactory hands out one fakeTransport per server name and records
// them for inspection.
type fakeFactory struct {
	mu         sync.Mutex
	transports map[string]*fakeTransport
	prepare    func(name string, t *fakeTransport)
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{transports: make(map[string]*fakeTransport)}
}

func (ff *fakeFactory) factory(spec config.ServerSpec) (upstream.Client, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	t, ok := ff.transports[spec.Name]
	if !ok {
		t = &fakeTransport{}
		if ff.prepare != nil {
			ff.prepare(spec.Name, t)
		}
		ff.transports[spec.Name] = t
	}
	return t, nil
}

func (ff *fakeFactory) get(name string) *fakeTransport {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.transports[name]
}

func specs(names ...string) map[string]config.ServerSpec {
	out := make(map[string]config.ServerSpec, len(names))
	for _, n := range names {
		out[n] = config.ServerSpec{Name: n, Command: "bin-" + n}
	}
	return out
}

func TestReconcile_StartsOneClientPerEnabledSpec(t *testing.T) {
	ff := newFakeFactory()
	f := New(nil, nil, WithTransportFactory(ff.factory))
	defer f.Shutdown()

	require.NoError(t, f.Reconcile(context.Background(), specs("a", "b")))

	assert.Len(t, f.All(), 2)
	for _, name := range []string{"a", "b"} {
		c, err := f.Get(name)
		require.NoError(t, err)
		assert.Equal(t, StateReady, c.State())
	}
}

func TestReconcile_RemovesAndAdds(t *testing.T) {
	ff := newFakeFactory()
	f := New(nil, nil, WithTransportFactory(ff.factory))
	defer f.Shutdown()

	require.NoError(t, f.Reconcile(context.Background(), specs("a", "b")))
	require.NoError(t, f.Reconcile(context.Background(), specs("a", "c")))

	_, err := f.Get("b")
	assert.True(t, gwerr.Is(err, gwerr.KindNotFound))

	c, err := f.Get("c")
	require.NoError(t, err)
	assert.Equal(t, StateReady, c.State())

	// b's transport was closed exactly once.
	assert.Equal(t, 1, ff.get("b").closes)
}

func TestReconcile_IdenticalDesiredIsNoop(t *testing.T) {
	ff := newFakeFactory()
	f := New(nil, nil, WithTransportFactory(ff.factory))
	defer f.Shutdown()

	desired := specs("a")
	require.NoError(t, f.Reconcile(context.Background(), desired))
	before := ff.get("a").connects

	require.NoError(t, f.Reconcile(context.Background(), desired))
	assert.Equal(t, before, ff.get("a").connects)
}

func TestReconcile_MetadataOnlyChangeAppliesLive(t *testing.T) {
	ff := newFakeFactory()
	f := New(nil, nil, WithTransportFactory(ff.factory))
	defer f.Shutdown()

	desired := specs("a")
	require.NoError(t, f.Reconcile(context.Background(), desired))
	before := ff.get("a").connects

	spec := desired["a"]
	spec.Tags = []string{"dev"}
	desired["a"] = spec
	require.NoError(t, f.Reconcile(context.Background(), desired))

	c, err := f.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []string{"dev"}, c.Tags())
	assert.Equal(t, StateReady, c.State())
	assert.Equal(t, before, ff.get("a").connects, "tags-only change must not restart")
}

func TestReconcile_ModifiedSpecRestarts(t *testing.T) {
	ff := newFakeFactory()
	f := New(nil, nil, WithTransportFactory(ff.factory))
	defer f.Shutdown()

	desired := specs("a")
	require.NoError(t, f.Reconcile(context.Background(), desired))

	spec := desired["a"]
	spec.Args = []string{"--new"}
	desired["a"] = spec
	require.NoError(t, f.Reconcile(context.Background(), desired))

	c, err := f.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []string{"--new"}, c.Spec().Args)
	assert.Equal(t, StateReady, c.State())
}

func TestClient_RestartPolicyGivesUpAfterMaxRestarts(t *testing.T) {
	ff := newFakeFactory()
	ff.prepare = func(name string, tr *fakeTransport) {
		tr.connectErrs = []error{
			errors.New("boom 1"), errors.New("boom 2"), errors.New("boom 3"),
		}
	}
	f := New(nil, nil, WithTransportFactory(ff.factory))
	defer f.Shutdown()

	desired := map[string]config.ServerSpec{
		"flaky": {Name: "flaky", Command: "bin", MaxRestarts: 1},
	}
	require.NoError(t, f.Reconcile(context.Background(), desired))

	c, err := f.Get("flaky")
	require.NoError(t, err)
	assert.Equal(t, StateError, c.State())
	assert.Error(t, c.LastError())
	// Initial attempt plus one retry.
	assert.Equal(t, 2, ff.get("flaky").connects)
}

func TestClient_RecoversWithinRestartBudget(t *testing.T) {
	ff := newFakeFactory()
	ff.prepare = func(name string, tr *fakeTransport) {
		tr.connectErrs = []error{errors.New("transient")}
	}
	f := New(nil, nil, WithTransportFactory(ff.factory))
	defer f.Shutdown()

	desired := map[string]config.ServerSpec{
		"srv": {Name: "srv", Command: "bin", MaxRestarts: 2},
	}
	require.NoError(t, f.Reconcile(context.Background(), desired))

	c, err := f.Get("srv")
	require.NoError(t, err)
	assert.Equal(t, StateReady, c.State())
}

func TestClient_AuthChallengeParksInAwaitingAuth(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe()

	ff := newFakeFactory()
	ff.prepare = func(name string, tr *fakeTransport) {
		tr.connectErrs = []error{&upstream.AuthRequiredError{
			Server: name, URL: "https://idp.test/mcp",
		}}
	}
	f := New(bus, nil, WithTransportFactory(ff.factory))
	defer f.Shutdown()

	desired := map[string]config.ServerSpec{
		"gated": {Name: "gated", URL: "https://idp.test/mcp", MaxRestarts: 5},
	}
	require.NoError(t, f.Reconcile(context.Background(), desired))

	c, err := f.Get("gated")
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingAuth, c.State())
	require.NotNil(t, c.AuthChallenge())

	// Exactly one connect attempt: AwaitingAuth is not retried.
	assert.Equal(t, 1, ff.get("gated").connects)

	var sawAuthEvent bool
	deadline := time.After(time.Second)
	for !sawAuthEvent {
		select {
		case ev := <-sub:
			if ev.Type == events.AuthRequired && ev.Server == "gated" {
				sawAuthEvent = true
			}
		case <-deadline:
			t.Fatal("no AUTH_REQUIRED event observed")
		}
	}
}

func TestCompleteOAuthAndReconnect_NotAwaiting(t *testing.T) {
	ff := newFakeFactory()
	f := New(nil, nil, WithTransportFactory(ff.factory))
	defer f.Shutdown()

	require.NoError(t, f.Reconcile(context.Background(), specs("a")))

	err := f.CompleteOAuthAndReconnect(context.Background(), "a", "code")
	assert.True(t, gwerr.Is(err, gwerr.KindValidation))

	err = f.CompleteOAuthAndReconnect(context.Background(), "missing", "code")
	assert.True(t, gwerr.Is(err, gwerr.KindNotFound))
}

func TestRestart_ReusesTransport(t *testing.T) {
	ff := newFakeFactory()
	f := New(nil, nil, WithTransportFactory(ff.factory))
	defer f.Shutdown()

	require.NoError(t, f.Reconcile(context.Background(), specs("a")))
	require.NoError(t, f.Restart(context.Background(), "a"))

	c, err := f.Get("a")
	require.NoError(t, err)
	assert.Equal(t, StateReady, c.State())

	tr := ff.get("a")
	assert.Equal(t, 2, tr.connects)
	assert.Equal(t, 1, tr.closes)
}

func TestFleet_NotReadyFailsFast(t *testing.T) {
	ff := newFakeFactory()
	ff.prepare = func(name string, tr *fakeTransport) {
		tr.connectErrs = []error{errors.New("down")}
	}
	f := New(nil, nil, WithTransportFactory(ff.factory))
	defer f.Shutdown()

	require.NoError(t, f.Reconcile(context.Background(), specs("down")))

	c, err := f.Get("down")
	require.NoError(t, err)
	require.Equal(t, StateError, c.State())

	_, err = c.CallTool(context.Background(), "t", nil)
	assert.True(t, gwerr.Is(err, gwerr.KindNotReady))
	_, err = c.ListTools(context.Background())
	assert.True(t, gwerr.Is(err, gwerr.KindNotReady))
}

func TestFleet_CacheInvalidationOnRemove(t *testing.T) {
	cache := capcache.New(10, time.Minute)
	ff := newFakeFactory()
	f := New(nil, cache, WithTransportFactory(ff.factory))
	defer f.Shutdown()

	require.NoError(t, f.Reconcile(context.Background(), specs("a", "b")))
	cache.Put("a", capcache.KindToolSchema, "tool", "schema")
	cache.Put("b", capcache.KindToolSchema, "tool", "schema")

	require.NoError(t, f.Reconcile(context.Background(), specs("b")))

	_, ok := cache.Get("a", capcache.KindToolSchema, "tool")
	assert.False(t, ok, "entries for a removed server must never be returned")
	_, ok = cache.Get("b", capcache.KindToolSchema, "tool")
	assert.True(t, ok)
}

func TestFleet_ListChangedNotificationDropsLists(t *testing.T) {
	cache := capcache.New(10, time.Minute)
	ff := newFakeFactory()
	f := New(nil, cache, WithTransportFactory(ff.factory))
	defer f.Shutdown()

	require.NoError(t, f.Reconcile(context.Background(), specs("a")))
	cache.Put("a", capcache.KindToolList, "", "tools")
	cache.Put("a", capcache.KindToolSchema, "read", "schema")

	tr := ff.get("a")
	tr.mu.Lock()
	notify := tr.notify
	tr.mu.Unlock()
	require.NotNil(t, notify)

	notify(mcp.JSONRPCNotification{
		Notification: mcp.Notification{Method: "notifications/tools/list_changed"},
	})

	_, ok := cache.Get("a", capcache.KindToolList, "")
	assert.False(t, ok)
	_, ok = cache.Get("a", capcache.KindToolSchema, "read")
	assert.True(t, ok, "schemas survive an unnamed list-changed")
}

func TestAll_PreservesRegistrationOrder(t *testing.T) {
	ff := newFakeFactory()
	f := New(nil, nil, WithTransportFactory(ff.factory), WithStartLimit(1))
	defer f.Shutdown()

	require.NoError(t, f.Reconcile(context.Background(), specs("c", "a", "b")))

	var names []string
	for _, c := range f.All() {
		names = append(names, c.Name())
	}
	// Diff walks names sorted, so registration order is sorted here.
	assert.Equal(t, []string{"a", "b", "c"}, names)
}

func TestUpdateMetadata_UnknownServerIsNoop(t *testing.T) {
	f := New(nil, nil, WithTransportFactory(newFakeFactory().factory))
	f.UpdateMetadata("ghost", config.ServerSpec{Name: "ghost", Tags: []string{"x"}})
}

func TestLaunch_EphemeralClientInvisibleToReconcile(t *testing.T) {
	ff := newFakeFactory()
	f := New(nil, nil, WithTransportFactory(ff.factory))
	defer f.Shutdown()

	require.NoError(t, f.Reconcile(context.Background(), specs("a")))

	client, err := f.Launch(context.Background(), config.ServerSpec{Name: "tool:deadbeef", Command: "tool-bin"})
	require.NoError(t, err)
	assert.Equal(t, StateReady, client.State())

	// A reconcile to the same declarative set must not stop the
	// launched instance.
	require.NoError(t, f.Reconcile(context.Background(), specs("a")))
	got, err := f.Get("tool:deadbeef")
	require.NoError(t, err)
	assert.Equal(t, StateReady, got.State())

	// And a reconcile dropping "a" removes only "a".
	require.NoError(t, f.Reconcile(context.Background(), specs()))
	_, err = f.Get("a")
	assert.True(t, gwerr.Is(err, gwerr.KindNotFound))
	_, err = f.Get("tool:deadbeef")
	assert.NoError(t, err)

	f.Remove("tool:deadbeef")
	_, err = f.Get("tool:deadbeef")
	assert.True(t, gwerr.Is(err, gwerr.KindNotFound))
	assert.Equal(t, 1, ff.get("tool:deadbeef").closes)
}

func TestLaunch_DuplicateNameRejected(t *testing.T) {
	ff := newFakeFactory()
	f := New(nil, nil, WithTransportFactory(ff.factory))
	defer f.Shutdown()

	spec := config.ServerSpec{Name: "tool:cafe0001", Command: "tool-bin"}
	_, err := f.Launch(context.Background(), spec)
	require.NoError(t, err)

	_, err = f.Launch(context.Background(), spec)
	assert.True(t, gwerr.Is(err, gwerr.KindValidation))
}

func TestPing(t *testing.T) {
	ff := newFakeFactory()
	f := New(nil, nil, WithTransportFactory(ff.factory))
	defer f.Shutdown()

	require.NoError(t, f.Reconcile(context.Background(), specs("a")))
	assert.NoError(t, f.Ping(context.Background(), "a"))

	err := f.Ping(context.Background(), "ghost")
	assert.True(t, gwerr.Is(err, gwerr.KindNotFound))
}

func TestTrackStart_StaleHandleLeavesNewerIntact(t *testing.T) {
	f := New(nil, nil)

	ctx1, cancel1 := context.WithCancel(context.Background())
	h1 := f.trackStart("a", cancel1)

	// A newer start for the same name replaces the handle and cancels
	// the older start.
	ctx2, cancel2 := context.WithCancel(context.Background())
	f.trackStart("a", cancel2)
	assert.Error(t, ctx1.Err())
	assert.NoError(t, ctx2.Err())

	// The older start's deferred cleanup must not erase the newer
	// handle; a later remove still has to reach its cancel func.
	f.untrackStart("a", h1)
	f.cancelStart("a")
	assert.Error(t, ctx2.Err())
}

func TestClient_RestartOnExitRespawnsDeadConnection(t *testing.T) {
	ff := newFakeFactory()
	f := New(nil, nil, WithTransportFactory(ff.factory), WithProbeInterval(10*time.Millisecond))
	defer f.Shutdown()

	desired := map[string]config.ServerSpec{
		"srv": {Name: "srv", Command: "bin", RestartOnExit: true, MaxRestarts: 2},
	}
	require.NoError(t, f.Reconcile(context.Background(), desired))

	c, err := f.Get("srv")
	require.NoError(t, err)
	require.Equal(t, StateReady, c.State())

	// The child dies: pings fail until the connection is rebuilt.
	tr := ff.get("srv")
	tr.mu.Lock()
	tr.pingErrs = []error{errors.New("broken pipe")}
	tr.mu.Unlock()

	assert.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return tr.connects >= 2
	}, 2*time.Second, 5*time.Millisecond, "dead connection was never rebuilt")

	assert.Eventually(t, func() bool {
		return c.State() == StateReady
	}, 2*time.Second, 5*time.Millisecond)

	tr.mu.Lock()
	closes := tr.closes
	tr.mu.Unlock()
	assert.Equal(t, 1, closes, "only the dead connection is closed")
}

func TestClient_NoWatchdogWithoutRestartOnExit(t *testing.T) {
	ff := newFakeFactory()
	f := New(nil, nil, WithTransportFactory(ff.factory), WithProbeInterval(5*time.Millisecond))
	defer f.Shutdown()

	require.NoError(t, f.Reconcile(context.Background(), specs("a")))

	tr := ff.get("a")
	tr.mu.Lock()
	tr.pingErrs = []error{errors.New("broken pipe")}
	tr.mu.Unlock()

	time.Sleep(50 * time.Millisecond)
	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Equal(t, 1, tr.connects, "a plain spec is never probed or respawned")
}

package preset

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"junction/internal/events"
	"junction/internal/gwerr"
)

func newTestStore(t *testing.T, body string, opts ...Option) (*Store, *events.Bus, string) {
	t.Helper()

	bus := events.NewBus()
	path := filepath.Join(t.TempDir(), "presets.yaml")
	if body != "" {
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}

	s := New(path, bus, opts...)
	require.NoError(t, s.Load())
	return s, bus, path
}

func TestLoad_MissingFile(t *testing.T) {
	s, _, _ := newTestStore(t, "")
	assert.Empty(t, s.Names())

	_, err := s.Resolve("dev")
	assert.True(t, gwerr.Is(err, gwerr.KindNotFound))
}

func TestResolve_Strategies(t *testing.T) {
	s, _, _ := newTestStore(t, `
presets:
  any:
    strategy: or
    tags: [dev, tools]
  all:
    strategy: and
    tags: [dev, tools]
  strict:
    strategy: advanced
    tagQuery:
      $and:
        - tag: dev
        - $not:
            tag: prod
`)

	assert.Equal(t, []string{"all", "any", "strict"}, s.Names())

	q, err := s.Resolve("any")
	require.NoError(t, err)
	assert.True(t, q.Matches([]string{"dev"}))
	assert.True(t, q.Matches([]string{"tools"}))
	assert.False(t, q.Matches([]string{"prod"}))

	q, err = s.Resolve("all")
	require.NoError(t, err)
	assert.True(t, q.Matches([]string{"dev", "tools"}))
	assert.False(t, q.Matches([]string{"dev"}))

	q, err = s.Resolve("strict")
	require.NoError(t, err)
	assert.True(t, q.Matches([]string{"dev"}))
	assert.False(t, q.Matches([]string{"dev", "prod"}))
}

func TestLoad_DefaultStrategy(t *testing.T) {
	s, _, _ := newTestStore(t, `
presets:
  tagsonly:
    tags: [dev]
  queryonly:
    tagQuery:
      tag: dev
`)

	a, ok := s.Get("tagsonly")
	require.True(t, ok)
	assert.Equal(t, StrategyOr, a.Strategy)

	b, ok := s.Get("queryonly")
	require.True(t, ok)
	assert.Equal(t, StrategyAdvanced, b.Strategy)
}

func TestLoad_SkipsBrokenEntries(t *testing.T) {
	s, _, _ := newTestStore(t, `
presets:
  good:
    tags: [dev]
  nostrategy: {}
  badquery:
    strategy: advanced
    tagQuery:
      tag: dev
      $not:
        tag: prod
  badstrategy:
    strategy: fancy
    tags: [dev]
`)

	// Only the valid entry survives; the rest are skipped, not fatal.
	assert.Equal(t, []string{"good"}, s.Names())
}

func TestPutDelete(t *testing.T) {
	s, bus, path := newTestStore(t, "")
	sub := bus.Subscribe()

	require.NoError(t, s.Put("dev", StrategyOr, []string{"dev"}, nil))

	q, err := s.Resolve("dev")
	require.NoError(t, err)
	assert.True(t, q.Matches([]string{"dev"}))

	ev := <-sub
	assert.Equal(t, events.PresetChanged, ev.Type)
	assert.Equal(t, "dev", ev.Server)

	// The file round-trips: a fresh store sees the persisted preset.
	fresh := New(path, nil)
	require.NoError(t, fresh.Load())
	assert.Equal(t, []string{"dev"}, fresh.Names())

	require.NoError(t, s.Delete("dev"))
	_, err = s.Resolve("dev")
	assert.True(t, gwerr.Is(err, gwerr.KindNotFound))

	ev = <-sub
	assert.Equal(t, events.PresetChanged, ev.Type)

	err = s.Delete("dev")
	assert.True(t, gwerr.Is(err, gwerr.KindNotFound))
}

func TestPut_RejectsInvalid(t *testing.T) {
	s, _, _ := newTestStore(t, "")

	assert.Error(t, s.Put("bad", StrategyOr, nil, nil))
	assert.Error(t, s.Put("bad", "fancy", []string{"dev"}, nil))
	assert.Empty(t, s.Names())
}

func TestReload_SignalsChangedPresetsOnly(t *testing.T) {
	s, bus, path := newTestStore(t, `
presets:
  stable:
    tags: [a]
  mutating:
    tags: [b]
  doomed:
    tags: [c]
`)
	sub := bus.Subscribe()

	require.NoError(t, os.WriteFile(path, []byte(`
presets:
  stable:
    tags: [a]
  mutating:
    tags: [b, extra]
  fresh:
    tags: [d]
`), 0o644))
	require.NoError(t, s.Reload())

	var changed []string
	for i := 0; i < 3; i++ {
		ev := <-sub
		require.Equal(t, events.PresetChanged, ev.Type)
		changed = append(changed, ev.Server)
	}
	assert.ElementsMatch(t, []string{"mutating", "fresh", "doomed"}, changed)

	select {
	case ev := <-sub:
		t.Fatalf("unexpected extra event for %s", ev.Server)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReload_ParseFailureKeepsPrevious(t *testing.T) {
	s, bus, path := newTestStore(t, `
presets:
  dev:
    tags: [dev]
`)
	sub := bus.Subscribe()

	require.NoError(t, os.WriteFile(path, []byte("presets: ["), 0o644))
	require.NoError(t, s.Reload())

	assert.Equal(t, []string{"dev"}, s.Names())
	ev := <-sub
	assert.Equal(t, events.ValidationError, ev.Type)
}

func TestWatch_PicksUpExternalEdits(t *testing.T) {
	s, bus, path := newTestStore(t, "", WithDebounce(40*time.Millisecond))
	sub := bus.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	require.NoError(t, os.WriteFile(path, []byte(`
presets:
  late:
    tags: [x]
`), 0o644))

	assert.Eventually(t, func() bool {
		_, err := s.Resolve("late")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)

	ev := <-sub
	assert.Equal(t, events.PresetChanged, ev.Type)
	assert.Equal(t, "late", ev.Server)
}

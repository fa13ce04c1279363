package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"junction/internal/config"
	"junction/internal/tagquery"
)

func TestDeriveFilterMode(t *testing.T) {
	tests := []struct {
		name   string
		params SessionParams
		want   FilterMode
	}{
		{"no filter", SessionParams{}, FilterNone},
		{"tags only", SessionParams{Tags: []string{"a"}}, FilterSimpleOr},
		{"query", SessionParams{TagQuery: &tagquery.Query{Tag: "a"}}, FilterAdvanced},
		{
			"preset wins over tags and query",
			SessionParams{PresetName: "p", Tags: []string{"a"}, TagQuery: &tagquery.Query{Tag: "a"}},
			FilterPreset,
		},
		{"query wins over tags", SessionParams{Tags: []string{"a"}, TagQuery: &tagquery.Query{Tag: "b"}}, FilterAdvanced},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSession("s", tt.params)
			assert.Equal(t, tt.want, s.FilterMode())
		})
	}
}

func TestSession_ContextCarriesSessionID(t *testing.T) {
	s := NewSession("stream-abc", SessionParams{
		Context: map[string]string{"project": "demo"},
	})

	ctx := s.Context()
	assert.Equal(t, "stream-abc", ctx["sessionId"])
	assert.Equal(t, "demo", ctx["project"])

	// A caller-supplied sessionId never overrides the real one.
	s = NewSession("real", SessionParams{
		Context: map[string]string{"sessionId": "spoofed"},
	})
	assert.Equal(t, "real", s.Context()["sessionId"])
}

func TestSession_Admits(t *testing.T) {
	none := NewSession("s", SessionParams{})
	assert.True(t, none.Admits(nil))
	assert.True(t, none.Admits([]string{"anything"}))

	simple := NewSession("s", SessionParams{Tags: []string{"a", "b"}})
	assert.True(t, simple.Admits([]string{"b"}))
	assert.False(t, simple.Admits([]string{"c"}))

	advanced := NewSession("s", SessionParams{
		TagQuery: &tagquery.Query{And: []*tagquery.Query{
			{Tag: "dev"},
			{Not: &tagquery.Query{Tag: "prod"}},
		}},
	})
	assert.True(t, advanced.Admits([]string{"dev"}))
	assert.False(t, advanced.Admits([]string{"dev", "prod"}))
}

func TestSession_UnresolvedPresetAdmitsNothing(t *testing.T) {
	s := NewSession("s", SessionParams{PresetName: "missing"})
	assert.False(t, s.Admits([]string{"a"}))
	assert.False(t, s.Admits(nil))

	// Once the preset resolves, the query applies.
	s.SetQuery(&tagquery.Query{Tag: "a"})
	assert.True(t, s.Admits([]string{"a"}))
	assert.False(t, s.Admits([]string{"b"}))
}

func TestSession_IndexRebuildsOnFleetChange(t *testing.T) {
	f, _ := newTestFleet(t, map[string]testServer{
		"alpha": {tools: []string{"one"}},
	})
	defer f.Shutdown()

	s := NewSession("s", SessionParams{})
	idx := s.index(f)
	require.Len(t, idx.toolList, 1)

	// Same fleet, same snapshot object.
	assert.Same(t, idx, s.index(f))

	s.invalidateIndex()
	assert.NotSame(t, idx, s.index(f))
}

func TestSession_InstanceVisibility(t *testing.T) {
	f, _ := newTestFleet(t, map[string]testServer{
		"alpha": {tools: []string{"one"}},
	})
	defer f.Shutdown()

	// An instance-named server joins the fleet outside the reconcile loop.
	_, err := f.Launch(context.Background(), config.ServerSpec{Name: "tmpl:a1b2c3d4", Command: "fake"})
	require.NoError(t, err)

	names := func(s *Session) []string {
		var out []string
		for _, c := range s.admitted(f) {
			out = append(out, c.Name())
		}
		return out
	}

	// Unbound sessions never see the instance, whatever their filter.
	s := NewSession("stream-x", SessionParams{})
	assert.ElementsMatch(t, []string{"alpha"}, names(s))

	s.BindInstance("tmpl:a1b2c3d4")
	assert.ElementsMatch(t, []string{"alpha", "tmpl:a1b2c3d4"}, names(s))

	other := NewSession("stream-y", SessionParams{})
	assert.ElementsMatch(t, []string{"alpha"}, names(other))

	s.UnbindInstance("tmpl:a1b2c3d4")
	assert.ElementsMatch(t, []string{"alpha"}, names(s))
}

func TestSession_Touch(t *testing.T) {
	s := NewSession("s", SessionParams{})
	before := s.LastAccessedAt()

	assert.Equal(t, uint64(1), s.Touch())
	assert.Equal(t, uint64(2), s.Touch())
	assert.False(t, s.LastAccessedAt().Before(before))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	a := NewSession("stream-a", SessionParams{PresetName: "dev"})
	b := NewSession("stream-b", SessionParams{})
	r.Put(a)
	r.Put(b)

	got, ok := r.Get("stream-a")
	require.True(t, ok)
	assert.Same(t, a, got)
	assert.Equal(t, 2, r.Len())

	bound := r.BoundToPreset("dev")
	require.Len(t, bound, 1)
	assert.Same(t, a, bound[0])
	assert.Empty(t, r.BoundToPreset("other"))

	assert.True(t, r.Delete("stream-b"))
	assert.False(t, r.Delete("stream-b"))
	assert.Equal(t, 1, r.Len())
}

func TestIsStreamSessionID(t *testing.T) {
	assert.True(t, IsStreamSessionID(newStreamSessionID()))
	assert.True(t, IsStreamSessionID("stream-123e4567-e89b-12d3-a456-426614174000"))

	assert.False(t, IsStreamSessionID("123e4567-e89b-12d3-a456-426614174000"))
	assert.False(t, IsStreamSessionID("stream-not-a-uuid"))
	assert.False(t, IsStreamSessionID("stream-"))
	assert.False(t, IsStreamSessionID(""))
}

func TestExpireIdleSessions(t *testing.T) {
	r := NewRegistry()

	idle := NewSession(newStreamSessionID(), SessionParams{})
	idle.mu.Lock()
	idle.lastAccessedAt = time.Now().Add(-time.Hour)
	idle.mu.Unlock()

	fresh := NewSession(newStreamSessionID(), SessionParams{})

	// Non-streaming sessions are never expired, however idle.
	stdio := NewSession("stdio-session", SessionParams{})
	stdio.mu.Lock()
	stdio.lastAccessedAt = time.Now().Add(-time.Hour)
	stdio.mu.Unlock()

	r.Put(idle)
	r.Put(fresh)
	r.Put(stdio)

	removed := r.expireIdleSessions(30 * time.Minute)
	assert.Equal(t, 1, removed)

	_, ok := r.Get(idle.ID())
	assert.False(t, ok)
	_, ok = r.Get(fresh.ID())
	assert.True(t, ok)
	_, ok = r.Get(stdio.ID())
	assert.True(t, ok)
}

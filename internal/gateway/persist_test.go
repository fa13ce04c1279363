package gateway

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"junction/internal/sessionstore"
	"junction/internal/tagquery"
)

func newPersistentServer(t *testing.T) (*Server, *sessionstore.Store) {
	t.Helper()

	store, err := sessionstore.New(filepath.Join(t.TempDir(), "sessions"))
	require.NoError(t, err)

	f, _ := newTestFleet(t, map[string]testServer{
		"alpha": {tags: []string{"a"}, tools: []string{"read"}},
		"beta":  {tags: []string{"b"}, tools: []string{"store"}},
	})
	t.Cleanup(f.Shutdown)

	rt := NewRouter(f, NewRegistry(), nil)
	srv := NewServer(Config{SessionTTL: time.Hour}, rt, nil, WithSessionStore(store))
	return srv, store
}

func TestPersistSession_RoundTrip(t *testing.T) {
	srv, store := newPersistentServer(t)

	id := newStreamSessionID()
	sess := NewSession(id, SessionParams{
		TagQuery: &tagquery.Query{And: []*tagquery.Query{
			{Tag: "a"},
			{Not: &tagquery.Query{Tag: "b"}},
		}},
		EnablePagination: true,
		Context:          map[string]string{"project": "demo"},
	})
	srv.registry.Put(sess)
	srv.persistSession(sess)

	rec, ok := store.Get(id)
	require.True(t, ok)
	assert.Equal(t, string(FilterAdvanced), rec.TagFilterMode)
	assert.NotEmpty(t, rec.TagQuery)
	assert.True(t, rec.EnablePagination)
	assert.Equal(t, "demo", rec.Context["project"])
	assert.Equal(t, id, rec.Context["sessionId"])
	assert.False(t, rec.Expires.IsZero())

	// Simulate a restart: the registry is empty, the store is not.
	srv.registry.Delete(id)
	restored, ok := srv.restoreSession(id)
	require.True(t, ok)

	assert.Equal(t, FilterAdvanced, restored.FilterMode())
	assert.True(t, restored.Admits([]string{"a"}))
	assert.False(t, restored.Admits([]string{"a", "b"}))
	assert.True(t, restored.Pagination())

	_, inRegistry := srv.registry.Get(id)
	assert.True(t, inRegistry)
}

func TestSessionIDManager_RestoresFromStore(t *testing.T) {
	srv, store := newPersistentServer(t)
	m := &sessionIDManager{server: srv}

	id := newStreamSessionID()
	require.NoError(t, store.Put(sessionstore.Record{
		SessionID: id,
		Tags:      []string{"a"},
		Expires:   time.Now().Add(time.Hour),
	}))

	terminated, err := m.Validate(id)
	require.NoError(t, err)
	assert.False(t, terminated)

	restored, ok := srv.registry.Get(id)
	require.True(t, ok)
	assert.Equal(t, FilterSimpleOr, restored.FilterMode())

	// Unknown everywhere stays invalid.
	_, err = m.Validate(newStreamSessionID())
	assert.Error(t, err)

	// Terminate drops both registry and store.
	notAllowed, err := m.Terminate(id)
	require.NoError(t, err)
	assert.False(t, notAllowed)
	_, ok = srv.registry.Get(id)
	assert.False(t, ok)
	_, ok = store.Get(id)
	assert.False(t, ok)
}

func TestParamsFromRecord_ToleratesBadQuery(t *testing.T) {
	params := paramsFromRecord(sessionstore.Record{
		SessionID: "stream-x",
		Tags:      []string{"a"},
		TagQuery:  `{"$and":`,
	})

	assert.Nil(t, params.TagQuery)
	assert.Equal(t, []string{"a"}, params.Tags)
}

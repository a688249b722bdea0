package storage

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeCluster implements the small part of the OpenSearch REST API the
// store uses.
type fakeCluster struct {
	mu      sync.Mutex
	indices map[string]map[string]json.RawMessage
	aliases map[string]map[string]bool
	// aliasCalls counts _aliases requests.
	aliasCalls int
	requests   []string
}

func newFakeCluster(t *testing.T) (*fakeCluster, *OpenSearchStore) {
	t.Helper()
	fc := &fakeCluster{
		indices: map[string]map[string]json.RawMessage{},
		aliases: map[string]map[string]bool{},
	}
	srv := httptest.NewServer(fc)
	t.Cleanup(srv.Close)

	s, err := NewOpenSearchStore([]string{srv.URL}, "", "", false, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return fc, s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (fc *fakeCluster) resolve(name string) []string {
	if _, ok := fc.indices[name]; ok {
		return []string{name}
	}
	var out []string
	for index := range fc.aliases[name] {
		out = append(out, index)
	}
	return out
}

func (fc *fakeCluster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	fc.requests = append(fc.requests, r.Method+" "+r.URL.Path)
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	notFound := func() { writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found", "status": 404}) }

	switch {
	case len(parts) == 1 && parts[0] == "_aliases":
		fc.aliasCalls++
		var body struct {
			Actions []map[string]map[string]string `json:"actions"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		for _, a := range body.Actions {
			for _, op := range a {
				if _, ok := fc.indices[op["index"]]; !ok {
					notFound()
					return
				}
			}
		}
		for _, a := range body.Actions {
			if op, ok := a["remove"]; ok {
				delete(fc.aliases[op["alias"]], op["index"])
				if len(fc.aliases[op["alias"]]) == 0 {
					delete(fc.aliases, op["alias"])
				}
			}
			if op, ok := a["add"]; ok {
				if fc.aliases[op["alias"]] == nil {
					fc.aliases[op["alias"]] = map[string]bool{}
				}
				fc.aliases[op["alias"]][op["index"]] = true
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})

	case len(parts) == 3 && parts[0] == "_all" && parts[1] == "_alias":
		indexes, ok := fc.aliases[parts[2]]
		if !ok {
			notFound()
			return
		}
		out := map[string]any{}
		for index := range indexes {
			out[index] = map[string]any{"aliases": map[string]any{parts[2]: map[string]any{}}}
		}
		writeJSON(w, http.StatusOK, out)

	case len(parts) == 1 && parts[0] == "_refresh",
		len(parts) == 2 && parts[1] == "_refresh":
		writeJSON(w, http.StatusOK, map[string]any{"_shards": map[string]any{"failed": 0}})

	case len(parts) == 2 && parts[1] == "_search":
		var hits []map[string]any
		for _, index := range fc.resolve(parts[0]) {
			for id, src := range fc.indices[index] {
				hits = append(hits, map[string]any{"_index": index, "_id": id, "_source": src})
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"hits": map[string]any{"hits": hits}})

	case len(parts) == 3 && parts[1] == "_doc" && r.Method == http.MethodGet:
		for _, index := range fc.resolve(parts[0]) {
			if src, ok := fc.indices[index][parts[2]]; ok {
				writeJSON(w, http.StatusOK, map[string]any{"found": true, "_id": parts[2], "_source": src})
				return
			}
		}
		writeJSON(w, http.StatusNotFound, map[string]any{"found": false})

	case len(parts) == 3 && parts[1] == "_doc":
		targets := fc.resolve(parts[0])
		if len(targets) == 0 {
			fc.indices[parts[0]] = map[string]json.RawMessage{}
			targets = []string{parts[0]}
		}
		body, _ := io.ReadAll(r.Body)
		fc.indices[targets[0]][parts[2]] = body
		writeJSON(w, http.StatusCreated, map[string]any{"_id": parts[2], "result": "created"})

	case len(parts) == 1:
		name := parts[0]
		_, exists := fc.indices[name]
		switch r.Method {
		case http.MethodHead:
			if !exists {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)
		case http.MethodPut:
			if exists {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "resource_already_exists_exception"})
				return
			}
			fc.indices[name] = map[string]json.RawMessage{}
			writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true, "index": name})
		case http.MethodDelete:
			if !exists {
				notFound()
				return
			}
			delete(fc.indices, name)
			for alias, indexes := range fc.aliases {
				delete(indexes, name)
				if len(indexes) == 0 {
					delete(fc.aliases, alias)
				}
			}
			writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
		default:
			notFound()
		}

	default:
		notFound()
	}
}

func TestOpenSearchDocuments(t *testing.T) {
	ctx := context.Background()
	_, s := newFakeCluster(t)

	require.NoError(t, s.CreateIndex(ctx, "idx-a"))
	assert.Error(t, s.CreateIndex(ctx, "idx-a"))

	ok, err := s.IndexExists(ctx, "idx-a")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.IndexExists(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	id, err := s.Save(ctx, "idx-a", "doc1", map[string]any{"name": "SERVER:FI/GOV/1/SS1"})
	require.NoError(t, err)
	assert.Equal(t, "doc1", id)

	src, err := s.Load(ctx, "idx-a", "doc1")
	require.NoError(t, err)
	assert.Equal(t, "SERVER:FI/GOV/1/SS1", src["name"])

	_, err = s.Load(ctx, "idx-a", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Flush(ctx, "idx-a"))
	hits, err := s.FindAll(ctx, "idx-a")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "doc1", hits[0].ID)
}

func TestOpenSearchSwapAliasIsOneRequest(t *testing.T) {
	ctx := context.Background()
	fc, s := newFakeCluster(t)

	require.NoError(t, s.CreateIndex(ctx, "old-1"))
	require.NoError(t, s.CreateIndex(ctx, "old-2"))
	require.NoError(t, s.CreateIndex(ctx, "new"))
	require.NoError(t, s.AddIndexToAlias(ctx, "old-1", "live"))
	require.NoError(t, s.AddIndexToAlias(ctx, "old-2", "live"))

	ok, err := s.AliasExists(ctx, "live")
	require.NoError(t, err)
	assert.True(t, ok)

	calls := fc.aliasCalls
	previous, err := s.SwapAlias(ctx, "live", "new")
	require.NoError(t, err)
	assert.Equal(t, []string{"old-1", "old-2"}, previous)
	assert.Equal(t, calls+1, fc.aliasCalls)

	indexes, err := s.AliasIndexes(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, indexes)

	_, err = s.SwapAlias(ctx, "live", "missing")
	assert.Error(t, err)
	indexes, err = s.AliasIndexes(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, indexes)
}

func TestOpenSearchRemove(t *testing.T) {
	ctx := context.Background()
	_, s := newFakeCluster(t)

	require.NoError(t, s.CreateIndex(ctx, "idx"))
	require.NoError(t, s.AddIndexToAlias(ctx, "idx", "live"))
	require.NoError(t, s.RemoveAllIndexesFromAlias(ctx, "live"))

	indexes, err := s.AliasIndexes(ctx, "live")
	require.NoError(t, err)
	assert.Empty(t, indexes)

	require.NoError(t, s.RemoveIndex(ctx, "idx"))
	assert.ErrorIs(t, s.RemoveIndex(ctx, "idx"), ErrNotFound)
}

func TestOpenSearchPublish(t *testing.T) {
	ctx := context.Background()
	_, s := newFakeCluster(t)
	p := NewPublisher(s, zap.NewNop())

	first, err := p.Publish(ctx, makeDocs(2, "first"), "xroad-monitor", "xroad-monitor")
	require.NoError(t, err)

	second, err := p.Publish(ctx, makeDocs(3, "second"), "xroad-monitor", "xroad-monitor")
	require.NoError(t, err)
	assert.Equal(t, []string{first.Index}, second.Previous)
	assert.NoError(t, second.CleanupErr)

	hits, err := s.FindAll(ctx, "xroad-monitor")
	require.NoError(t, err)
	assert.Len(t, hits, 3)
}

func TestOpenSearchAliasLookupUsesAliasAPI(t *testing.T) {
	ctx := context.Background()
	fc, s := newFakeCluster(t)

	require.NoError(t, s.CreateIndex(ctx, "live"))

	ok, err := s.AliasExists(ctx, "live")
	require.NoError(t, err)
	assert.False(t, ok, "an index of the same name is not an alias")

	indexes, err := s.AliasIndexes(ctx, "live")
	require.NoError(t, err)
	assert.Empty(t, indexes)

	assert.Contains(t, fc.requests, "HEAD /_all/_alias/live")
	assert.Contains(t, fc.requests, "GET /_all/_alias/live")
}

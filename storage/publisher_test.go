package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// faultyStore wraps a store and fails selected operations.
type faultyStore struct {
	DocumentStore
	failSave   func(id string) bool
	failSwap   bool
	failFlush  bool
	failRemove bool
}

var errInjected = errors.New("injected failure")

func (f *faultyStore) Save(ctx context.Context, collection, id string, doc any) (string, error) {
	if f.failSave != nil && f.failSave(id) {
		return "", errInjected
	}
	return f.DocumentStore.Save(ctx, collection, id, doc)
}

func (f *faultyStore) SwapAlias(ctx context.Context, alias, index string) ([]string, error) {
	if f.failSwap {
		return nil, errInjected
	}
	return f.DocumentStore.SwapAlias(ctx, alias, index)
}

func (f *faultyStore) Flush(ctx context.Context, indexes ...string) error {
	if f.failFlush {
		return errInjected
	}
	return f.DocumentStore.Flush(ctx, indexes...)
}

func (f *faultyStore) RemoveIndex(ctx context.Context, name string) error {
	if f.failRemove {
		return errInjected
	}
	return f.DocumentStore.RemoveIndex(ctx, name)
}

func makeDocs(n int, tag string) []Document {
	docs := make([]Document, 0, n)
	for i := range n {
		id := DocumentID(tag, fmt.Sprint(i))
		docs = append(docs, Document{
			ID:     id,
			Label:  fmt.Sprintf("SS%d", i),
			Source: map[string]any{"name": fmt.Sprintf("SERVER:FI/GOV/%d/SS%d", i, i), "tag": tag},
		})
	}
	return docs
}

func TestPublishReplacesSnapshot(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	p := NewPublisher(s, zap.NewNop())

	first, err := p.Publish(ctx, makeDocs(3, "first"), "xroad-monitor", "live")
	require.NoError(t, err)
	assert.Equal(t, 3, first.Written)
	assert.Empty(t, first.Previous)
	assert.NoError(t, first.Err())

	second, err := p.Publish(ctx, makeDocs(2, "second"), "xroad-monitor", "live")
	require.NoError(t, err)
	assert.Equal(t, []string{first.Index}, second.Previous)

	hits, err := s.FindAll(ctx, "live")
	require.NoError(t, err)
	require.Len(t, hits, 2)
	for _, h := range hits {
		assert.Equal(t, "second", h.Source["tag"])
	}

	ok, err := s.IndexExists(ctx, first.Index)
	require.NoError(t, err)
	assert.False(t, ok, "previous index is removed")
}

func TestPublishReportsFailedDocuments(t *testing.T) {
	ctx := context.Background()
	docs := makeDocs(4, "partial")
	bad := docs[1].ID
	s := &faultyStore{DocumentStore: newTestSQLite(t), failSave: func(id string) bool { return id == bad }}
	p := NewPublisher(s, zap.NewNop())

	res, err := p.Publish(ctx, docs, "xroad-monitor", "live")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Written)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, bad, res.Failed[0].DocumentID)
	assert.Equal(t, "SS1", res.Failed[0].Label)
	assert.ErrorIs(t, res.Err(), errInjected)

	hits, err := s.FindAll(ctx, "live")
	require.NoError(t, err)
	assert.Len(t, hits, 3)
}

func TestPublishKeepsPreviousSnapshotWhenSwapFails(t *testing.T) {
	ctx := context.Background()
	s := &faultyStore{DocumentStore: newTestSQLite(t)}
	p := NewPublisher(s, zap.NewNop())

	first, err := p.Publish(ctx, makeDocs(3, "first"), "xroad-monitor", "live")
	require.NoError(t, err)

	s.failSwap = true
	_, err = p.Publish(ctx, makeDocs(5, "second"), "xroad-monitor", "live")
	var aliasErr *StoreAliasError
	require.ErrorAs(t, err, &aliasErr)
	assert.Equal(t, "live", aliasErr.Alias)
	assert.ErrorIs(t, err, errInjected)

	hits, err := s.FindAll(ctx, "live")
	require.NoError(t, err)
	require.Len(t, hits, 3)
	for _, h := range hits {
		assert.Equal(t, "first", h.Source["tag"])
	}

	ok, err := s.IndexExists(ctx, aliasErr.Index)
	require.NoError(t, err)
	assert.False(t, ok, "abandoned index is dropped")

	indexes, err := s.AliasIndexes(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, []string{first.Index}, indexes)
}

func TestPublishAbortsWhenNothingWritten(t *testing.T) {
	ctx := context.Background()
	s := &faultyStore{DocumentStore: newTestSQLite(t)}
	p := NewPublisher(s, zap.NewNop())

	_, err := p.Publish(ctx, makeDocs(2, "first"), "xroad-monitor", "live")
	require.NoError(t, err)

	s.failSave = func(string) bool { return true }
	res, err := p.Publish(ctx, makeDocs(2, "second"), "xroad-monitor", "live")
	require.Error(t, err)
	assert.Len(t, res.Failed, 2)

	hits, err := s.FindAll(ctx, "live")
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestPublishAbortsWhenFlushFails(t *testing.T) {
	ctx := context.Background()
	s := &faultyStore{DocumentStore: newTestSQLite(t), failFlush: true}
	p := NewPublisher(s, zap.NewNop())

	_, err := p.Publish(ctx, makeDocs(2, "first"), "xroad-monitor", "live")
	require.ErrorIs(t, err, errInjected)

	ok, err := s.AliasExists(ctx, "live")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPublishEmptySnapshot(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	p := NewPublisher(s, zap.NewNop())

	res, err := p.Publish(ctx, nil, "xroad-monitor", "live")
	require.NoError(t, err)
	assert.Zero(t, res.Written)

	hits, err := s.FindAll(ctx, "live")
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestPublishCleanupFailureIsReported(t *testing.T) {
	ctx := context.Background()
	s := &faultyStore{DocumentStore: newTestSQLite(t)}
	p := NewPublisher(s, zap.NewNop())

	first, err := p.Publish(ctx, makeDocs(1, "first"), "xroad-monitor", "live")
	require.NoError(t, err)

	s.failRemove = true
	res, err := p.Publish(ctx, makeDocs(1, "second"), "xroad-monitor", "live")
	require.NoError(t, err)
	assert.ErrorIs(t, res.CleanupErr, errInjected)
	assert.Equal(t, []string{first.Index}, res.Previous)

	hits, err := s.FindAll(ctx, "live")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "second", hits[0].Source["tag"])
}

func TestPublishCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := newTestSQLite(t)
	p := NewPublisher(s, zap.NewNop())

	_, err := p.Publish(ctx, makeDocs(2, "x"), "xroad-monitor", "live")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReadersSeeWholeSnapshots(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	p := NewPublisher(s, zap.NewNop())

	_, err := p.Publish(ctx, makeDocs(3, "old"), "xroad-monitor", "live")
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		done    atomic.Bool
		reads   atomic.Int64
		badSize atomic.Int64
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !done.Load() {
				hits, err := s.FindAll(ctx, "live")
				if err != nil {
					continue
				}
				reads.Add(1)
				if n := len(hits); n != 3 && n != 7 {
					badSize.Add(1)
				}
			}
		}()
	}

	_, err = p.Publish(ctx, makeDocs(7, "new"), "xroad-monitor", "live")
	done.Store(true)
	wg.Wait()
	require.NoError(t, err)

	assert.Zero(t, badSize.Load())
	hits, err := s.FindAll(ctx, "live")
	require.NoError(t, err)
	assert.Len(t, hits, 7)
}

package merger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kylebebak/search-engine/internal/indexer/index"
	"github.com/kylebebak/search-engine/internal/store"
	"github.com/kylebebak/search-engine/internal/store/memory"
	apperrors "github.com/kylebebak/search-engine/pkg/errors"
	"github.com/kylebebak/search-engine/pkg/metrics"
)

func batch(docs map[store.DocID]index.DocIndex) ([]index.TermEntry, map[store.DocID][]string) {
	m := index.NewMemoryIndex()
	for id, doc := range docs {
		m.AddDocument(id, doc)
	}
	return m.Snapshot(), m.DocTerms()
}

func postings(t *testing.T, s store.Store, token string) index.PostingMap {
	t.Helper()
	blob, found, err := s.GetPostings(context.Background(), token)
	require.NoError(t, err)
	if !found {
		return nil
	}
	p, err := index.JSONCodec{}.Decode(blob.Data)
	require.NoError(t, err)
	return p
}

func TestMergeWritesPostings(t *testing.T) {
	s := memory.New()
	met := metrics.New(prometheus.NewRegistry())
	m := New(s, index.JSONCodec{}, Options{Metrics: met})

	snap, terms := batch(map[store.DocID]index.DocIndex{
		0: {"quick": {0}, "fox": {1}},
		1: {"fox": {0, 2}},
	})
	res, err := m.Merge(context.Background(), snap, terms)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Tokens)
	assert.Zero(t, res.StaleRemoved)

	assert.Equal(t, index.PostingMap{0: {0}}, postings(t, s, "quick"))
	assert.Equal(t, index.PostingMap{0: {1}, 1: {0, 2}}, postings(t, s, "fox"))
	assert.Equal(t, 1, s.Flushes())
	assert.Equal(t, float64(2), testutil.ToFloat64(met.TokensMergedTotal))

	got, err := s.DocTokens(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"fox", "quick"}, got)
}

func TestMergeKeepsOtherDocuments(t *testing.T) {
	s := memory.New()
	m := New(s, index.JSONCodec{}, Options{})
	ctx := context.Background()

	snap, terms := batch(map[store.DocID]index.DocIndex{0: {"fox": {3}}})
	_, err := m.Merge(ctx, snap, terms)
	require.NoError(t, err)
	snap, terms = batch(map[store.DocID]index.DocIndex{1: {"fox": {0}}})
	_, err = m.Merge(ctx, snap, terms)
	require.NoError(t, err)

	assert.Equal(t, index.PostingMap{0: {3}, 1: {0}}, postings(t, s, "fox"))
}

func TestReindexDropsStaleTokens(t *testing.T) {
	s := memory.New()
	m := New(s, index.ZstdCodec{}, Options{})
	ctx := context.Background()

	snap, terms := batch(map[store.DocID]index.DocIndex{
		0: {"quick": {0}, "fox": {1}},
		1: {"fox": {0}},
	})
	_, err := m.Merge(ctx, snap, terms)
	require.NoError(t, err)

	snap, terms = batch(map[store.DocID]index.DocIndex{0: {"fox": {5}, "dog": {6}}})
	res, err := m.Merge(ctx, snap, terms)
	require.NoError(t, err)
	assert.Equal(t, 1, res.StaleRemoved)

	decode := func(token string) index.PostingMap {
		blob, _, err := s.GetPostings(ctx, token)
		require.NoError(t, err)
		p, err := index.ZstdCodec{}.Decode(blob.Data)
		require.NoError(t, err)
		return p
	}
	assert.Empty(t, decode("quick"))
	assert.Equal(t, index.PostingMap{0: {5}, 1: {0}}, decode("fox"))
	assert.Equal(t, index.PostingMap{0: {6}}, decode("dog"))
}

func TestMergeIsIdempotent(t *testing.T) {
	s := memory.New()
	m := New(s, index.JSONCodec{}, Options{})
	ctx := context.Background()
	snap, terms := batch(map[store.DocID]index.DocIndex{0: {"fox": {0, 4}}})

	_, err := m.Merge(ctx, snap, terms)
	require.NoError(t, err)
	_, err = m.Merge(ctx, snap, terms)
	require.NoError(t, err)
	assert.Equal(t, index.PostingMap{0: {0, 4}}, postings(t, s, "fox"))
}

func TestConcurrentMergesDoNotLoseUpdates(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	const writers = 16

	var wg sync.WaitGroup
	errs := make([]error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			m := New(s, index.JSONCodec{}, Options{MaxAttempts: 1000})
			snap, terms := batch(map[store.DocID]index.DocIndex{
				store.DocID(w): {"shared": {w}, fmt.Sprintf("own%d", w): {0}},
			})
			_, errs[w] = m.Merge(ctx, snap, terms)
		}(w)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, postings(t, s, "shared"), writers)
}

// contendedStore loses every swap.
type contendedStore struct{ *memory.Store }

func (contendedStore) CompareAndSwapPostings(context.Context, string, int64, []byte) (bool, error) {
	return false, nil
}

func TestMergeGivesUpWithConflict(t *testing.T) {
	met := metrics.New(prometheus.NewRegistry())
	m := New(contendedStore{memory.New()}, index.JSONCodec{}, Options{MaxAttempts: 3, Concurrency: 1, Metrics: met})
	snap, terms := batch(map[store.DocID]index.DocIndex{0: {"fox": {0}}})

	_, err := m.Merge(context.Background(), snap, terms)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
	assert.Equal(t, float64(3), testutil.ToFloat64(met.MergeConflictsTotal))
}

// failingStore fails posting writes.
type failingStore struct{ *memory.Store }

func (failingStore) CompareAndSwapPostings(context.Context, string, int64, []byte) (bool, error) {
	return false, errors.New("connection refused")
}

func TestMergeFailureSkipsTokenSetsAndFlush(t *testing.T) {
	mem := memory.New()
	m := New(failingStore{mem}, index.JSONCodec{}, Options{})
	snap, terms := batch(map[store.DocID]index.DocIndex{0: {"fox": {0}}})

	_, err := m.Merge(context.Background(), snap, terms)
	require.Error(t, err)
	got, err := mem.DocTokens(context.Background(), 0)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Zero(t, mem.Flushes())
}

func TestEmptyMergeStillFlushes(t *testing.T) {
	s := memory.New()
	res, err := New(s, index.JSONCodec{}, Options{}).Merge(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Zero(t, res.Tokens)
	assert.Equal(t, 1, s.Flushes())
}

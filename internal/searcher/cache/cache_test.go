package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kylebebak/search-engine/internal/ingestion"
	"github.com/kylebebak/search-engine/internal/searcher/executor"
	"github.com/kylebebak/search-engine/internal/searcher/parser"
	"github.com/kylebebak/search-engine/internal/searcher/ranker"
	"github.com/kylebebak/search-engine/pkg/config"
	"github.com/kylebebak/search-engine/pkg/metrics"
	pkgredis "github.com/kylebebak/search-engine/pkg/redis"
)

func newTestCache(t *testing.T) (*QueryCache, *miniredis.Miniredis, *metrics.Metrics) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := config.RedisConfig{Addr: mr.Addr(), PoolSize: 4, CacheTTL: time.Minute}
	client, err := pkgredis.NewClient(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	m := metrics.New(prometheus.NewRegistry())
	return New(client, cfg, m), mr, m
}

func result(name string) *executor.SearchResult {
	return &executor.SearchResult{
		Query:   name,
		Mode:    "all",
		Tokens:  []string{"cat"},
		Results: []ranker.ScoredDoc{{DocID: 0, Name: name, Score: 1.5}},
	}
}

func TestKeyIgnoresSurfaceForm(t *testing.T) {
	a := parser.Parse("The Cats!", parser.ModeAll, nil)
	b := parser.Parse("cat", parser.ModeAll, nil)
	assert.Equal(t, Key(a, 10), Key(b, 10))

	assert.NotEqual(t, Key(b, 10), Key(b, 20))
	assert.NotEqual(t, Key(b, 10), Key(parser.Parse("cat", parser.ModeAny, nil), 10))
	assert.NotEqual(t,
		Key(parser.Parse("cat sat", parser.ModeOrdered, nil), 10),
		Key(parser.Parse("sat cat", parser.ModeOrdered, nil), 10))
}

func TestGetOrCompute(t *testing.T) {
	c, mr, m := newTestCache(t)
	ctx := context.Background()
	plan := parser.Parse("cat", parser.ModeAll, nil)

	calls := 0
	compute := func() (*executor.SearchResult, error) {
		calls++
		return result("doc1"), nil
	}

	got, hit, err := c.GetOrCompute(ctx, plan, 10, compute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "doc1", got.Results[0].Name)
	assert.True(t, mr.Exists(Key(plan, 10)))

	got, hit, err = c.GetOrCompute(ctx, plan, 10, compute)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "doc1", got.Results[0].Name)
	assert.Equal(t, 1, calls)

	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheHitsTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheMissesTotal))
}

func TestGetOrComputeError(t *testing.T) {
	c, mr, _ := newTestCache(t)
	plan := parser.Parse("cat", parser.ModeAll, nil)
	boom := errors.New("boom")

	_, _, err := c.GetOrCompute(context.Background(), plan, 10, func() (*executor.SearchResult, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists(Key(plan, 10)))
}

func TestNoTokenQueriesBypassCache(t *testing.T) {
	c, mr, _ := newTestCache(t)
	plan := parser.Parse("the on", parser.ModeAll, nil)

	for range 2 {
		_, hit, err := c.GetOrCompute(context.Background(), plan, 10, func() (*executor.SearchResult, error) {
			return &executor.SearchResult{NoTokens: true}, nil
		})
		require.NoError(t, err)
		assert.False(t, hit)
	}
	assert.Empty(t, mr.Keys())
	hits, misses := c.Stats()
	assert.Zero(t, hits+misses)
}

func TestConcurrentMissesShareComputation(t *testing.T) {
	c, _, _ := newTestCache(t)
	plan := parser.Parse("cat", parser.ModeAny, nil)
	var calls atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := c.GetOrCompute(context.Background(), plan, 5, func() (*executor.SearchResult, error) {
				calls.Add(1)
				<-release
				return result("doc1"), nil
			})
			assert.NoError(t, err)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestInvalidateOnIndexComplete(t *testing.T) {
	c, mr, _ := newTestCache(t)
	ctx := context.Background()
	plan := parser.Parse("cat", parser.ModeAll, nil)
	c.Set(ctx, plan, 10, result("doc1"))
	require.NoError(t, mr.Set("se:doc_id", "3"))

	value, err := json.Marshal(ingestion.IndexCompleteEvent{BatchID: "b1", Documents: 2, Committed: true})
	require.NoError(t, err)
	require.NoError(t, c.HandleIndexComplete(ctx, nil, value))

	assert.False(t, mr.Exists(Key(plan, 10)))
	assert.True(t, mr.Exists("se:doc_id"))

	assert.Error(t, c.HandleIndexComplete(ctx, nil, []byte("{")))
}

func TestInvalidateDuringComputeDropsResult(t *testing.T) {
	c, mr, _ := newTestCache(t)
	ctx := context.Background()
	plan := parser.Parse("cat", parser.ModeAll, nil)

	got, hit, err := c.GetOrCompute(ctx, plan, 10, func() (*executor.SearchResult, error) {
		require.NoError(t, c.Invalidate(ctx))
		return result("stale"), nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "stale", got.Query)
	assert.False(t, mr.Exists(Key(plan, 10)))

	_, hit, err = c.GetOrCompute(ctx, plan, 10, func() (*executor.SearchResult, error) {
		return result("fresh"), nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.True(t, mr.Exists(Key(plan, 10)))
}

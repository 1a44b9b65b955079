package executor

import (
	"context"
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kylebebak/search-engine/internal/indexer"
	"github.com/kylebebak/search-engine/internal/searcher/parser"
	"github.com/kylebebak/search-engine/internal/store/memory"
	"github.com/kylebebak/search-engine/pkg/config"
	"github.com/kylebebak/search-engine/pkg/metrics"
)

type doc struct{ key, content string }

func indexed(t *testing.T, docs ...doc) *memory.Store {
	t.Helper()
	s := memory.New()
	e := indexer.NewEngine(s, config.Default().Indexer)
	b := e.NewBatch()
	for _, d := range docs {
		_, err := b.Add(context.Background(), d.key, d.content)
		require.NoError(t, err)
	}
	res, err := b.Commit(context.Background())
	require.NoError(t, err)
	require.True(t, res.Committed)
	return s
}

func names(r *SearchResult) []string {
	out := make([]string, len(r.Results))
	for i, d := range r.Results {
		out[i] = d.Name
	}
	return out
}

func catsAndDogs(t *testing.T) *Executor {
	s := indexed(t,
		doc{"doc1", "the cat sat on the mat"},
		doc{"doc2", "the dog sat on the log"},
	)
	return New(s)
}

func TestSearchTwoDocuments(t *testing.T) {
	ex := catsAndDogs(t)
	ctx := context.Background()

	all, err := ex.Search(ctx, "cat sat", parser.ModeAll, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc1"}, names(all))
	assert.Equal(t, []string{"cat", "sat"}, all.Tokens)
	assert.Equal(t, "all", all.Mode)
	// cat appears in one of two documents; sat contributes nothing.
	assert.InDelta(t, math.Log(2)/math.Sqrt(3), all.Results[0].Score, 1e-12)

	ordered, err := ex.Search(ctx, "cat sat", parser.ModeOrdered, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc1"}, names(ordered))

	reversed, err := ex.Search(ctx, "sat cat", parser.ModeOrdered, 0)
	require.NoError(t, err)
	assert.Empty(t, reversed.Results)
	assert.Zero(t, reversed.TotalHits)

	anyMatch, err := ex.Search(ctx, "cat sat", parser.ModeAny, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc1", "doc2"}, names(anyMatch))
	assert.Equal(t, 2, anyMatch.TotalHits)
}

func TestSearchTieBreaksByDocID(t *testing.T) {
	ex := catsAndDogs(t)
	for _, mode := range []parser.Mode{parser.ModeAny, parser.ModeAll, parser.ModeOrdered} {
		res, err := ex.Search(context.Background(), "sat", mode, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"doc1", "doc2"}, names(res), mode.String())
		assert.Equal(t, res.Results[0].Score, res.Results[1].Score)
	}
}

func TestSearchStopwordsOnly(t *testing.T) {
	ex := catsAndDogs(t)
	for _, mode := range []parser.Mode{parser.ModeAny, parser.ModeAll, parser.ModeOrdered} {
		res, err := ex.Search(context.Background(), "the on", mode, 0)
		require.NoError(t, err)
		assert.True(t, res.NoTokens)
		assert.Empty(t, res.Results)
		assert.Empty(t, res.Tokens)
	}
}

func TestSearchUnknownToken(t *testing.T) {
	ex := catsAndDogs(t)
	res, err := ex.Search(context.Background(), "zebra", parser.ModeAny, 0)
	require.NoError(t, err)
	assert.False(t, res.NoTokens)
	assert.Empty(t, res.Results)
	assert.Equal(t, map[string]int{"zebra": 0}, res.TermStats)
}

func TestSearchLimit(t *testing.T) {
	ex := catsAndDogs(t)
	res, err := ex.Search(context.Background(), "sat", parser.ModeAny, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc1"}, names(res))
	assert.Equal(t, 2, res.TotalHits)
}

func TestOrderedModeMatchesPhrases(t *testing.T) {
	s := indexed(t,
		doc{"fox", "The quick brown fox jumps over the lazy dog."},
		doc{"shuffled", "fox brown quick jumps lazy dog"},
		doc{"echo", "cat cat dog"},
		doc{"single", "cat dog cat"},
	)
	ex := New(s)
	ctx := context.Background()

	res, err := ex.Search(ctx, "brown fox jumps over", parser.ModeOrdered, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"fox"}, names(res))

	res, err = ex.Search(ctx, "brown fox jumps", parser.ModeOrdered, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"fox"}, names(res))

	res, err = ex.Search(ctx, "brown fox jumps", parser.ModeAll, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"fox", "shuffled"}, names(res))

	res, err = ex.Search(ctx, "cat cat", parser.ModeOrdered, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"echo"}, names(res))
}

func TestModesAreNested(t *testing.T) {
	s := indexed(t,
		doc{"a", "red green blue"},
		doc{"b", "blue green red"},
		doc{"c", "green blue"},
		doc{"d", "red red green green blue blue"},
		doc{"e", "yellow"},
	)
	ex := New(s)
	ctx := context.Background()

	for _, q := range []string{"red green", "green blue", "red green blue", "blue", "yellow red", "purple"} {
		plan := func(m parser.Mode) map[uint64]bool {
			eval, err := ex.Evaluate(ctx, parser.Parse(q, m, nil))
			require.NoError(t, err)
			set := map[uint64]bool{}
			for _, id := range eval.Candidates.ToArray() {
				set[id] = true
			}
			return set
		}
		anySet, allSet, orderedSet := plan(parser.ModeAny), plan(parser.ModeAll), plan(parser.ModeOrdered)
		for id := range orderedSet {
			assert.True(t, allSet[id], "%q: ordered match %d not in all", q, id)
		}
		for id := range allSet {
			assert.True(t, anySet[id], "%q: all match %d not in any", q, id)
		}
	}
}

func TestSearchMetrics(t *testing.T) {
	s := indexed(t, doc{"doc1", "the cat sat on the mat"})
	met := metrics.New(prometheus.NewRegistry())
	ex := New(s, WithMetrics(met))
	ctx := context.Background()

	_, err := ex.Search(ctx, "cat", parser.ModeAll, 0)
	require.NoError(t, err)
	_, err = ex.Search(ctx, "dog", parser.ModeAll, 0)
	require.NoError(t, err)
	_, err = ex.Search(ctx, "the", parser.ModeAll, 0)
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(met.SearchQueriesTotal.WithLabelValues("all", "hit")))
	assert.Equal(t, float64(1), testutil.ToFloat64(met.SearchQueriesTotal.WithLabelValues("all", "zero_result")))
	assert.Equal(t, float64(1), testutil.ToFloat64(met.SearchQueriesTotal.WithLabelValues("all", "no_tokens")))
}

func TestSearchClosedStore(t *testing.T) {
	s := indexed(t, doc{"doc1", "cat"})
	require.NoError(t, s.Close())
	_, err := New(s).Search(context.Background(), "cat", parser.ModeAny, 0)
	assert.Error(t, err)
}

func TestIntersectShifted(t *testing.T) {
	assert.Equal(t, []int{0, 5}, intersectShifted([]int{0, 3, 5}, []int{1, 2, 6}, 1))
	assert.Empty(t, intersectShifted([]int{0}, []int{0}, 1))
	assert.Equal(t, []int{2}, intersectShifted([]int{2}, []int{4}, 2))
}

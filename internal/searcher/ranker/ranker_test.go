package ranker

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kylebebak/search-engine/internal/indexer/index"
	"github.com/kylebebak/search-engine/internal/store"
)

func TestIDF(t *testing.T) {
	assert.InDelta(t, math.Log(10.0/2), IDF(10, 2), 1e-12)
	assert.Equal(t, 0.0, IDF(4, 4), "token in every document weighs nothing")
	assert.InDelta(t, math.Log(5), IDF(5, 0), 1e-12, "df floors at one")
	assert.InDelta(t, math.Log(3.0/4), IDF(3, 4), 1e-12, "df past N goes negative")
}

func TestRankScoresAndOrder(t *testing.T) {
	in := &Input{
		QueryTF: map[string]int{"fox": 2, "dog": 1},
		Postings: map[string]index.PostingMap{
			"fox": {0: {1, 5}, 1: {0}},
			"dog": {1: {3}, 2: {0}},
		},
		Candidates: []store.DocID{0, 1, 2},
		Magnitudes: map[store.DocID]float64{0: 2, 1: 1},
		TotalDocs:  4,
	}
	ranked := Rank(in, 0)
	require.Len(t, ranked, 3)

	idfFox, idfDog := math.Log(2), math.Log(2)
	want := map[store.DocID]float64{
		0: idfFox * 2 * 2 / 2,
		1: idfFox*2*1/1 + idfDog*1*1/1,
		2: idfDog * 1 * 1,
	}
	for _, d := range ranked {
		assert.InDelta(t, want[d.DocID], d.Score, 1e-12, "doc %d", d.DocID)
	}
	assert.Equal(t, store.DocID(1), ranked[0].DocID)
	assert.Equal(t, store.DocID(0), ranked[1].DocID)
	assert.Equal(t, store.DocID(2), ranked[2].DocID, "missing magnitude counts as one")
}

func TestTiesBreakByDocID(t *testing.T) {
	in := &Input{
		QueryTF:    map[string]int{"sat": 1},
		Postings:   map[string]index.PostingMap{"sat": {7: {1}, 3: {1}, 5: {1}}},
		Candidates: []store.DocID{7, 3, 5},
		Magnitudes: map[store.DocID]float64{3: 1.5, 5: 1.5, 7: 1.5},
		TotalDocs:  9,
	}
	ranked := Rank(in, 0)
	require.Len(t, ranked, 3)
	assert.Equal(t, []store.DocID{3, 5, 7}, []store.DocID{ranked[0].DocID, ranked[1].DocID, ranked[2].DocID})
	assert.Equal(t, ranked[0].Score, ranked[2].Score)
}

func TestScoreMonotonicInDocTF(t *testing.T) {
	base := func(positions []int) float64 {
		in := &Input{
			QueryTF:    map[string]int{"fox": 1},
			Postings:   map[string]index.PostingMap{"fox": {0: positions, 1: {0}}},
			Candidates: []store.DocID{0},
			Magnitudes: map[store.DocID]float64{0: 3},
			TotalDocs:  10,
		}
		return Rank(in, 0)[0].Score
	}
	prev := math.Inf(-1)
	positions := []int{}
	for i := 0; i < 6; i++ {
		positions = append(positions, i)
		s := base(positions)
		assert.GreaterOrEqual(t, s, prev)
		prev = s
	}
}

func TestLimitMatchesFullSort(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	postings := index.PostingMap{}
	mags := map[store.DocID]float64{}
	candidates := make([]store.DocID, 0, 200)
	for i := 0; i < 200; i++ {
		id := store.DocID(i)
		n := 1 + rng.Intn(4)
		positions := make([]int, n)
		for j := range positions {
			positions[j] = j
		}
		postings[id] = positions
		mags[id] = 1 + float64(rng.Intn(3))
		candidates = append(candidates, id)
	}
	in := &Input{
		QueryTF:    map[string]int{"t": 1},
		Postings:   map[string]index.PostingMap{"t": postings},
		Candidates: candidates,
		Magnitudes: mags,
		TotalDocs:  1000,
	}
	full := Rank(in, 0)
	for _, k := range []int{1, 7, 50, 199} {
		assert.Equal(t, full[:k], Rank(in, k), "k=%d", k)
	}
	assert.Len(t, Rank(in, 500), 200)
}

func BenchmarkRank(b *testing.B) {
	for _, numDocs := range []int{100, 1000, 10000} {
		postings := index.PostingMap{}
		mags := map[store.DocID]float64{}
		ids := make([]store.DocID, numDocs)
		for i := range numDocs {
			id := store.DocID(i)
			ids[i] = id
			postings[id] = make([]int, i%10+1)
			mags[id] = float64(i%7 + 1)
		}
		in := &Input{
			QueryTF:    map[string]int{"search": 1},
			Postings:   map[string]index.PostingMap{"search": postings},
			Candidates: ids,
			Magnitudes: mags,
			TotalDocs:  int64(numDocs * 2),
		}
		for _, limit := range []int{10, 0} {
			b.Run(fmt.Sprintf("docs_%d/limit_%d", numDocs, limit), func(b *testing.B) {
				b.ReportAllocs()
				for i := 0; i < b.N; i++ {
					_ = Rank(in, limit)
				}
			})
		}
	}
}

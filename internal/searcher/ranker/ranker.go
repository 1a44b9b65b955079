// Package ranker scores candidate documents with tf-idf normalised by
// document magnitude.
package ranker

import (
	"math"
	"sort"

	"github.com/kylebebak/search-engine/internal/indexer/index"
	"github.com/kylebebak/search-engine/internal/store"
)

type ScoredDoc struct {
	DocID store.DocID `json:"doc_id"`
	Name  string      `json:"name"`
	Score float64     `json:"score"`
}

type Input struct {
	// QueryTF is the number of times each distinct token occurs in the query.
	QueryTF map[string]int
	// Postings holds the fetched posting map of every distinct token.
	Postings   map[string]index.PostingMap
	Candidates []store.DocID
	// Magnitudes missing a candidate count as 1.
	Magnitudes map[store.DocID]float64
	// TotalDocs is the size of the magnitude table.
	TotalDocs int64
}

// IDF is ln(N / max(1, df)). It is zero for tokens found in every document
// and negative when df briefly exceeds N mid-merge.
func IDF(totalDocs int64, docFreq int) float64 {
	return math.Log(float64(totalDocs) / float64(max(1, docFreq)))
}

// Score is Σ idf(t) · queryTf(t) · docTf(t, d) / magnitude(d) over the
// distinct query tokens.
func Score(in *Input, idf map[string]float64, id store.DocID) float64 {
	var sum float64
	for token, qtf := range in.QueryTF {
		docTF := len(in.Postings[token][id])
		if docTF == 0 {
			continue
		}
		sum += idf[token] * float64(qtf) * float64(docTF)
	}
	magnitude, ok := in.Magnitudes[id]
	if !ok || magnitude <= 0 {
		magnitude = 1
	}
	return sum / magnitude
}

// Rank scores every candidate and returns them by descending score, ties by
// ascending DocID. A positive limit keeps only the best limit documents.
func Rank(in *Input, limit int) []ScoredDoc {
	idf := make(map[string]float64, len(in.QueryTF))
	for token := range in.QueryTF {
		idf[token] = IDF(in.TotalDocs, len(in.Postings[token]))
	}

	if limit > 0 && limit < len(in.Candidates) {
		top := newTopK(limit)
		for _, id := range in.Candidates {
			top.Offer(ScoredDoc{DocID: id, Score: Score(in, idf, id)})
		}
		return top.Sorted()
	}

	result := make([]ScoredDoc, 0, len(in.Candidates))
	for _, id := range in.Candidates {
		result = append(result, ScoredDoc{DocID: id, Score: Score(in, idf, id)})
	}
	sort.Slice(result, func(i, j int) bool { return better(result[i], result[j]) })
	return result
}

// better orders by score descending, then DocID ascending.
func better(a, b ScoredDoc) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.DocID < b.DocID
}

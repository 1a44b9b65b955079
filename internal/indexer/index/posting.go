package index

import (
	"math"
	"slices"
	"sort"

	"github.com/kylebebak/search-engine/internal/indexer/tokenizer"
	"github.com/kylebebak/search-engine/internal/store"
)

// PostingMap is the global index entry for one token: every document that
// contains it, with the token's strictly ascending positions in that document.
type PostingMap map[store.DocID][]int

// DocIndex is one document's token -> positions map.
type DocIndex map[string][]int

// Posting is a single document entry of a PostingMap.
type Posting struct {
	DocID     store.DocID
	Positions []int
}

type PostingList []Posting

// TermEntry is one token of a batch snapshot.
type TermEntry struct {
	Term     string
	Postings PostingMap
}

// List returns the postings ordered by DocID.
func (p PostingMap) List() PostingList {
	out := make(PostingList, 0, len(p))
	for id, positions := range p {
		out = append(out, Posting{DocID: id, Positions: positions})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocID < out[j].DocID })
	return out
}

// DocIDs returns the documents of the map in ascending order.
func (p PostingMap) DocIDs() []store.DocID {
	ids := make([]store.DocID, 0, len(p))
	for id := range p {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// BuildDocIndex groups a token stream by term. Positions come out ascending
// because the stream is scanned left to right.
func BuildDocIndex(tokens []tokenizer.Token) DocIndex {
	idx := make(DocIndex)
	for _, tok := range tokens {
		idx[tok.Term] = append(idx[tok.Term], tok.Position)
	}
	return idx
}

// Terms returns the distinct tokens of the document, sorted.
func (d DocIndex) Terms() []string {
	terms := make([]string, 0, len(d))
	for t := range d {
		terms = append(terms, t)
	}
	slices.Sort(terms)
	return terms
}

// Magnitude is the Euclidean norm of the document's raw term counts, floored
// at 1 so empty documents never divide a score by zero.
func (d DocIndex) Magnitude() float64 {
	var sum float64
	for _, positions := range d {
		n := float64(len(positions))
		sum += n * n
	}
	return math.Max(1, math.Sqrt(sum))
}

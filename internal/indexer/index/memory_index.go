package index

import (
	"sort"
	"sync"

	"github.com/kylebebak/search-engine/internal/store"
)

// MemoryIndex is the transient local index of one batch. It is never
// persisted; the merger folds its snapshot into the global index.
type MemoryIndex struct {
	mu       sync.RWMutex
	index    map[string]PostingMap
	docTerms map[store.DocID][]string
	size     int64
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		index:    make(map[string]PostingMap),
		docTerms: make(map[store.DocID][]string),
	}
}

// AddDocument records a document's DocIndex. Adding the same id again
// replaces everything the earlier version contributed.
func (m *MemoryIndex) AddDocument(id store.DocID, doc DocIndex) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, exists := m.docTerms[id]; exists {
		for _, term := range old {
			postings := m.index[term]
			m.size -= int64(len(term) + len(postings[id])*8 + 16)
			delete(postings, id)
			if len(postings) == 0 {
				delete(m.index, term)
			}
		}
	}

	for term, positions := range doc {
		postings, exists := m.index[term]
		if !exists {
			postings = make(PostingMap)
			m.index[term] = postings
		}
		postings[id] = positions
		m.size += int64(len(term) + len(positions)*8 + 16)
	}
	m.docTerms[id] = doc.Terms()
}

func (m *MemoryIndex) Search(term string) PostingList {
	m.mu.RLock()
	defer m.mu.RUnlock()
	postings, exists := m.index[term]
	if !exists {
		return nil
	}
	return postings.List()
}

// Snapshot copies the local index out as term entries sorted by term.
func (m *MemoryIndex) Snapshot() []TermEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]TermEntry, 0, len(m.index))
	for term, docs := range m.index {
		postings := make(PostingMap, len(docs))
		for id, positions := range docs {
			postings[id] = positions
		}
		entries = append(entries, TermEntry{Term: term, Postings: postings})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Term < entries[j].Term
	})
	return entries
}

// DocTerms returns the sorted token set of every document in the batch.
func (m *MemoryIndex) DocTerms() map[store.DocID][]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[store.DocID][]string, len(m.docTerms))
	for id, terms := range m.docTerms {
		out[id] = terms
	}
	return out
}

// Size is a rough estimate of the bytes held.
func (m *MemoryIndex) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

func (m *MemoryIndex) DocCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docTerms)
}

func (m *MemoryIndex) TermCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.index)
}

func (m *MemoryIndex) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index = make(map[string]PostingMap)
	m.docTerms = make(map[store.DocID][]string)
	m.size = 0
}

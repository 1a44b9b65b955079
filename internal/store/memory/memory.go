// Package memory is an in-process store.Store used by tests and by the
// "memory" backend for throwaway indexes.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/kylebebak/search-engine/internal/store"
)

type posting struct {
	data    []byte
	version int64
}

// Store keeps every table in maps behind a single mutex.
type Store struct {
	mu         sync.RWMutex
	nextID     store.DocID
	nameToID   map[string]store.DocID
	idToName   map[store.DocID]string
	magnitudes map[store.DocID]float64
	postings   map[string]posting
	docTokens  map[store.DocID][]string
	flushes    int
	closed     bool
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		nameToID:   make(map[string]store.DocID),
		idToName:   make(map[store.DocID]string),
		magnitudes: make(map[store.DocID]float64),
		postings:   make(map[string]posting),
		docTokens:  make(map[store.DocID][]string),
	}
}

func (s *Store) AssignID(ctx context.Context, name string) (store.DocID, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, false, err
	}
	if id, ok := s.nameToID[name]; ok {
		return id, false, nil
	}
	id := s.nextID
	s.nextID++
	s.nameToID[name] = id
	s.idToName[id] = name
	return id, true, nil
}

func (s *Store) LookupID(ctx context.Context, name string) (store.DocID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	id, ok := s.nameToID[name]
	if !ok {
		return 0, fmt.Errorf("document %q: %w", name, store.ErrNotFound)
	}
	return id, nil
}

func (s *Store) LookupNames(ctx context.Context, ids []store.DocID) (map[store.DocID]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	names := make(map[store.DocID]string, len(ids))
	for _, id := range ids {
		if name, ok := s.idToName[id]; ok {
			names[id] = name
		}
	}
	return names, nil
}

func (s *Store) SetMagnitude(ctx context.Context, id store.DocID, magnitude float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.magnitudes[id] = magnitude
	return nil
}

func (s *Store) Magnitudes(ctx context.Context, ids []store.DocID) (map[store.DocID]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	out := make(map[store.DocID]float64, len(ids))
	for _, id := range ids {
		if m, ok := s.magnitudes[id]; ok {
			out[id] = m
		}
	}
	return out, nil
}

func (s *Store) DocCount(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	return int64(len(s.magnitudes)), nil
}

func (s *Store) GetPostings(ctx context.Context, token string) (store.Blob, bool, error) {
	if err := ctx.Err(); err != nil {
		return store.Blob{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return store.Blob{}, false, err
	}
	p, ok := s.postings[token]
	if !ok {
		return store.Blob{}, false, nil
	}
	return store.Blob{Data: slices.Clone(p.data), Version: p.version}, true, nil
}

func (s *Store) CompareAndSwapPostings(ctx context.Context, token string, expected int64, data []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	if s.postings[token].version != expected {
		return false, nil
	}
	s.postings[token] = posting{data: slices.Clone(data), version: expected + 1}
	return true, nil
}

func (s *Store) DocTokens(ctx context.Context, id store.DocID) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return slices.Clone(s.docTokens[id]), nil
}

func (s *Store) SetDocTokens(ctx context.Context, id store.DocID, tokens []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.docTokens[id] = slices.Clone(tokens)
	return nil
}

// Flush only counts checkpoints; everything is already in memory.
func (s *Store) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.flushes++
	return nil
}

// Flushes reports how many checkpoints have been issued.
func (s *Store) Flushes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flushes
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkOpen()
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) checkOpen() error {
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}
	return nil
}

// Package store defines the narrow persistence contract the indexer and the
// searcher depend on: an id registry, a magnitude table, versioned per-token
// posting blobs, per-document token sets and a durability checkpoint.
//
// Backends live in sub-packages (memory, redisstore, sqlstore) and are chosen
// at runtime by internal/store/backend.
package store

import (
	"context"
	"errors"
)

// DocID identifies a document. Ids are allocated from a counter starting at
// zero and are never reused.
type DocID uint64

// ErrNotFound is returned by lookups of unknown document names or ids.
var ErrNotFound = errors.New("store: not found")

// Blob is an encoded posting map together with the version it was read at.
// Version 0 means the token has never been written.
type Blob struct {
	Data    []byte
	Version int64
}

// Registry is the bijective document name <-> id mapping.
type Registry interface {
	// AssignID returns the id registered for name, allocating the next
	// counter value when the name is new. Allocation and both directions of
	// the mapping are written atomically. created reports whether a new id
	// was allocated.
	AssignID(ctx context.Context, name string) (id DocID, created bool, err error)
	LookupID(ctx context.Context, name string) (DocID, error)
	// LookupNames resolves ids in bulk. Unknown ids are absent from the map.
	LookupNames(ctx context.Context, ids []DocID) (map[DocID]string, error)
}

// MagnitudeTable stores the norm of each document's term-count vector.
type MagnitudeTable interface {
	SetMagnitude(ctx context.Context, id DocID, magnitude float64) error
	// Magnitudes fetches magnitudes in bulk. Unknown ids are absent.
	Magnitudes(ctx context.Context, ids []DocID) (map[DocID]float64, error)
	// DocCount is the number of entries in the magnitude table.
	DocCount(ctx context.Context) (int64, error)
}

// PostingIndex holds one encoded posting map per token.
type PostingIndex interface {
	GetPostings(ctx context.Context, token string) (blob Blob, found bool, err error)
	// CompareAndSwapPostings writes data if the stored version still equals
	// expected (0 for a token that does not exist yet). On success the new
	// version is expected+1.
	CompareAndSwapPostings(ctx context.Context, token string, expected int64, data []byte) (swapped bool, err error)
}

// DocTokenIndex remembers which tokens a document contributed at its last
// merge so a re-index can drop postings for tokens it no longer contains.
type DocTokenIndex interface {
	// DocTokens returns nil for a document that was never merged.
	DocTokens(ctx context.Context, id DocID) ([]string, error)
	SetDocTokens(ctx context.Context, id DocID, tokens []string) error
}

// Store is the full contract.
type Store interface {
	Registry
	MagnitudeTable
	PostingIndex
	DocTokenIndex
	// Flush is the durability checkpoint issued once per indexing batch.
	Flush(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

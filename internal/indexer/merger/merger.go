// Package merger folds a batch's local index into the global index held by
// the store. Each token blob is updated with an optimistic read, modify,
// compare-and-swap loop so concurrent indexers never lose each other's
// postings.
package merger

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/kylebebak/search-engine/internal/indexer/index"
	"github.com/kylebebak/search-engine/internal/store"
	apperrors "github.com/kylebebak/search-engine/pkg/errors"
	"github.com/kylebebak/search-engine/pkg/metrics"
	"github.com/kylebebak/search-engine/pkg/tracing"
)

const (
	defaultConcurrency = 8
	defaultMaxAttempts = 8
)

type Options struct {
	Concurrency int
	MaxAttempts int
	Metrics     *metrics.Metrics
}

type Merger struct {
	store       store.Store
	codec       index.Codec
	concurrency int
	maxAttempts int
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// Result summarises one merge.
type Result struct {
	// Tokens is the number of token blobs the merge touched.
	Tokens int
	// StaleRemoved counts (token, document) entries dropped because the
	// document no longer contains the token.
	StaleRemoved int
	// Conflicts is how many swaps lost a race and were retried.
	Conflicts int64
}

func New(s store.Store, codec index.Codec, opts Options) *Merger {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	return &Merger{
		store:       s,
		codec:       codec,
		concurrency: opts.Concurrency,
		maxAttempts: opts.MaxAttempts,
		metrics:     opts.Metrics,
		logger:      slog.Default().With("component", "merger"),
	}
}

// update is the pending change to one token blob.
type update struct {
	set    index.PostingMap
	remove []store.DocID
}

// Merge writes every entry of the snapshot into the global index, overwriting
// each batch document's positions, removes batch documents from tokens they
// no longer contain, records the new per-document token sets and issues one
// store flush. docTerms holds the sorted token set of every batch document.
//
// Before any posting is swapped, each document's recorded token set is
// widened to the union of old and new, so a merge that dies halfway leaves
// every posting it wrote reachable by the next re-index of that document,
// whatever content that re-index carries. The set is narrowed to new once
// the swaps land.
//
// Merge is idempotent: re-running a failed batch converges to the same index.
func (m *Merger) Merge(ctx context.Context, snapshot []index.TermEntry, docTerms map[store.DocID][]string) (*Result, error) {
	ctx, span := tracing.StartChildSpan(ctx, "merge")
	defer span.End()

	updates := make(map[string]*update, len(snapshot))
	for _, entry := range snapshot {
		updates[entry.Term] = &update{set: entry.Postings}
	}

	prev, err := m.previousTokens(ctx, docTerms)
	if err != nil {
		return nil, err
	}
	stale := make(map[string][]store.DocID)
	widened := make(map[store.DocID][]string)
	for id, terms := range docTerms {
		for _, token := range prev[id] {
			if _, found := slices.BinarySearch(terms, token); !found {
				stale[token] = append(stale[token], id)
			}
		}
		if union := mergeSorted(prev[id], terms); len(union) > len(prev[id]) {
			widened[id] = union
		}
	}
	if err := m.recordTokens(ctx, widened); err != nil {
		return nil, err
	}
	res := &Result{}
	for token, ids := range stale {
		u, ok := updates[token]
		if !ok {
			u = &update{}
			updates[token] = u
		}
		u.remove = append(u.remove, ids...)
		res.StaleRemoved += len(ids)
	}

	var conflicts atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for token, u := range updates {
		g.Go(func() error {
			return m.swap(gctx, token, u, &conflicts)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	res.Tokens = len(updates)
	res.Conflicts = conflicts.Load()

	if err := m.recordTokens(ctx, docTerms); err != nil {
		return nil, err
	}

	if err := m.store.Flush(ctx); err != nil {
		return nil, fmt.Errorf("flushing index: %w", err)
	}

	if m.metrics != nil {
		m.metrics.TokensMergedTotal.Add(float64(res.Tokens))
	}
	span.SetAttr("tokens", res.Tokens)
	span.SetAttr("stale_removed", res.StaleRemoved)
	span.SetAttr("conflicts", res.Conflicts)
	m.logger.Debug("merge complete",
		"tokens", res.Tokens,
		"documents", len(docTerms),
		"stale_removed", res.StaleRemoved,
		"conflicts", res.Conflicts,
	)
	return res, nil
}

// previousTokens reads the recorded token set of every batch document.
func (m *Merger) previousTokens(ctx context.Context, docTerms map[store.DocID][]string) (map[store.DocID][]string, error) {
	var mu sync.Mutex
	prev := make(map[store.DocID][]string, len(docTerms))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for id := range docTerms {
		g.Go(func() error {
			tokens, err := m.store.DocTokens(gctx, id)
			if err != nil {
				return fmt.Errorf("reading previous tokens of document %d: %w", id, err)
			}
			slices.Sort(tokens)
			mu.Lock()
			prev[id] = tokens
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return prev, nil
}

func (m *Merger) recordTokens(ctx context.Context, tokens map[store.DocID][]string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for id, terms := range tokens {
		g.Go(func() error {
			if err := m.store.SetDocTokens(gctx, id, terms); err != nil {
				return fmt.Errorf("recording tokens of document %d: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// mergeSorted returns the sorted union of two sorted token lists.
func mergeSorted(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			out = append(out, a[i])
			i++
		case a[i] > b[j]:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

func (m *Merger) swap(ctx context.Context, token string, u *update, conflicts *atomic.Int64) error {
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		blob, found, err := m.store.GetPostings(ctx, token)
		if err != nil {
			return fmt.Errorf("reading postings for %q: %w", token, err)
		}
		postings := index.PostingMap{}
		if found {
			if postings, err = m.codec.Decode(blob.Data); err != nil {
				return fmt.Errorf("token %q: %w", token, err)
			}
		}

		changed := len(u.set) > 0
		for id, positions := range u.set {
			postings[id] = positions
		}
		for _, id := range u.remove {
			if _, ok := postings[id]; ok {
				delete(postings, id)
				changed = true
			}
		}
		if !changed {
			return nil
		}

		data, err := m.codec.Encode(postings)
		if err != nil {
			return fmt.Errorf("encoding postings for %q: %w", token, err)
		}
		swapped, err := m.store.CompareAndSwapPostings(ctx, token, blob.Version, data)
		if err != nil {
			return fmt.Errorf("writing postings for %q: %w", token, err)
		}
		if swapped {
			return nil
		}
		conflicts.Add(1)
		if m.metrics != nil {
			m.metrics.MergeConflictsTotal.Inc()
		}
		m.logger.Debug("postings changed underneath merge, retrying", "token", token, "attempt", attempt)
	}
	return apperrors.Conflictf("token %q still contended after %d attempts", token, m.maxAttempts)
}

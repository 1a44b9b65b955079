// Package executor evaluates query plans against the global index and ranks
// the matching documents.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"golang.org/x/sync/errgroup"

	"github.com/kylebebak/search-engine/internal/indexer/index"
	"github.com/kylebebak/search-engine/internal/indexer/tokenizer"
	"github.com/kylebebak/search-engine/internal/searcher/parser"
	"github.com/kylebebak/search-engine/internal/searcher/ranker"
	"github.com/kylebebak/search-engine/internal/store"
	"github.com/kylebebak/search-engine/pkg/logger"
	"github.com/kylebebak/search-engine/pkg/metrics"
	"github.com/kylebebak/search-engine/pkg/tracing"
)

const defaultFetchConcurrency = 8

type SearchResult struct {
	Query     string             `json:"query"`
	Mode      string             `json:"mode"`
	Tokens    []string           `json:"tokens"`
	NoTokens  bool               `json:"no_tokens"`
	TotalHits int                `json:"total_hits"`
	Results   []ranker.ScoredDoc `json:"results"`
	TermStats map[string]int     `json:"term_stats,omitempty"`
}

// Evaluation is the matching stage of a query, before ranking.
type Evaluation struct {
	Tokens     []string
	Postings   map[string]index.PostingMap
	Candidates *roaring64.Bitmap
	// NoTokens is set when the query normalised to nothing. It is distinct
	// from a query whose tokens simply match no document.
	NoTokens bool
}

type Executor struct {
	store            store.Store
	codec            index.Codec
	tok              *tokenizer.Tokenizer
	fetchConcurrency int
	metrics          *metrics.Metrics
	logger           *slog.Logger
}

type Option func(*Executor)

// WithCodec sets the codec used to decode posting blobs. Every codec reads
// every blob format, so this only matters for custom codecs.
func WithCodec(c index.Codec) Option { return func(e *Executor) { e.codec = c } }

func WithTokenizer(t *tokenizer.Tokenizer) Option { return func(e *Executor) { e.tok = t } }

func WithFetchConcurrency(n int) Option { return func(e *Executor) { e.fetchConcurrency = n } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Executor) { e.metrics = m } }

func New(s store.Store, opts ...Option) *Executor {
	e := &Executor{
		store:            s,
		codec:            index.JSONCodec{},
		tok:              tokenizer.Default(),
		fetchConcurrency: defaultFetchConcurrency,
		logger:           slog.Default().With("component", "query-executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.fetchConcurrency <= 0 {
		e.fetchConcurrency = defaultFetchConcurrency
	}
	return e
}

// Evaluate fetches the posting map of every distinct query token and
// combines them according to the plan's mode.
func (e *Executor) Evaluate(ctx context.Context, plan *parser.QueryPlan) (*Evaluation, error) {
	if plan.Empty() {
		return &Evaluation{NoTokens: true, Candidates: roaring64.New()}, nil
	}
	ctx, span := tracing.StartChildSpan(ctx, "evaluate")
	defer span.End()

	distinct := plan.Distinct()
	postings, err := e.fetch(ctx, distinct)
	if err != nil {
		return nil, err
	}

	sets := make([]*roaring64.Bitmap, len(distinct))
	for i, token := range distinct {
		bm := roaring64.New()
		for id := range postings[token] {
			bm.Add(uint64(id))
		}
		sets[i] = bm
	}

	var candidates *roaring64.Bitmap
	switch plan.Mode {
	case parser.ModeAny:
		candidates = roaring64.New()
		for _, bm := range sets {
			candidates.Or(bm)
		}
	case parser.ModeAll, parser.ModeOrdered:
		candidates = sets[0].Clone()
		for _, bm := range sets[1:] {
			candidates.And(bm)
		}
		if plan.Mode == parser.ModeOrdered {
			candidates = orderedMatches(plan.Tokens, postings, candidates)
		}
	default:
		return nil, fmt.Errorf("unsupported search mode %v", plan.Mode)
	}

	span.SetAttr("tokens", len(distinct))
	span.SetAttr("candidates", candidates.GetCardinality())
	return &Evaluation{
		Tokens:     plan.Tokens,
		Postings:   postings,
		Candidates: candidates,
	}, nil
}

func (e *Executor) fetch(ctx context.Context, tokens []string) (map[string]index.PostingMap, error) {
	var mu sync.Mutex
	postings := make(map[string]index.PostingMap, len(tokens))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.fetchConcurrency)
	for _, token := range tokens {
		g.Go(func() error {
			blob, found, err := e.store.GetPostings(gctx, token)
			if err != nil {
				return fmt.Errorf("fetching postings for %q: %w", token, err)
			}
			p := index.PostingMap{}
			if found {
				if p, err = e.codec.Decode(blob.Data); err != nil {
					return fmt.Errorf("token %q: %w", token, err)
				}
			}
			mu.Lock()
			postings[token] = p
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return postings, nil
}

// orderedMatches keeps the candidates in which tokens occur contiguously in
// query order: some position p of tokens[0] has tokens[i] at p+i for every i.
func orderedMatches(tokens []string, postings map[string]index.PostingMap, candidates *roaring64.Bitmap) *roaring64.Bitmap {
	out := roaring64.New()
	it := candidates.Iterator()
	for it.HasNext() {
		id := store.DocID(it.Next())
		base := postings[tokens[0]][id]
		for i := 1; i < len(tokens) && len(base) > 0; i++ {
			base = intersectShifted(base, postings[tokens[i]][id], i)
		}
		if len(base) > 0 {
			out.Add(uint64(id))
		}
	}
	return out
}

// intersectShifted returns the elements of base that also appear in
// {p - shift : p in positions}. Both inputs are ascending.
func intersectShifted(base, positions []int, shift int) []int {
	out := make([]int, 0, min(len(base), len(positions)))
	i, j := 0, 0
	for i < len(base) && j < len(positions) {
		p := positions[j] - shift
		switch {
		case base[i] == p:
			out = append(out, base[i])
			i++
			j++
		case base[i] < p:
			i++
		default:
			j++
		}
	}
	return out
}

// Plan normalises query with the executor's tokenizer.
func (e *Executor) Plan(query string, mode parser.Mode) *parser.QueryPlan {
	return parser.Parse(query, mode, e.tok)
}

// Search plans and executes query.
func (e *Executor) Search(ctx context.Context, query string, mode parser.Mode, limit int) (*SearchResult, error) {
	return e.Execute(ctx, e.Plan(query, mode), limit)
}

// Execute evaluates plan and ranks the candidates. A positive limit keeps
// the best limit results; TotalHits counts every candidate.
func (e *Executor) Execute(ctx context.Context, plan *parser.QueryPlan, limit int) (*SearchResult, error) {
	start := time.Now()
	ctx, span := tracing.StartChildSpan(ctx, "search")
	defer span.Finish()
	log := logger.FromContext(ctx).With("component", "query-executor")

	result, err := e.search(ctx, plan, limit)
	e.observe(plan.Mode, start, result, err)
	if err != nil {
		log.Error("query failed", "query", plan.RawQuery, "mode", plan.Mode.String(), "error", err)
		return nil, err
	}
	log.Info("query executed",
		"query", plan.RawQuery,
		"mode", plan.Mode.String(),
		"tokens", plan.Tokens,
		"candidates", result.TotalHits,
		"results", len(result.Results),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

func (e *Executor) search(ctx context.Context, plan *parser.QueryPlan, limit int) (*SearchResult, error) {
	result := &SearchResult{
		Query:   plan.RawQuery,
		Mode:    plan.Mode.String(),
		Tokens:  plan.Tokens,
		Results: []ranker.ScoredDoc{},
	}
	eval, err := e.Evaluate(ctx, plan)
	if err != nil {
		return nil, err
	}
	if eval.NoTokens {
		result.NoTokens = true
		result.Tokens = []string{}
		return result, nil
	}
	result.TermStats = make(map[string]int, len(eval.Postings))
	for token, p := range eval.Postings {
		result.TermStats[token] = len(p)
	}
	result.TotalHits = int(eval.Candidates.GetCardinality())
	if result.TotalHits == 0 {
		return result, nil
	}

	ids := make([]store.DocID, 0, result.TotalHits)
	it := eval.Candidates.Iterator()
	for it.HasNext() {
		ids = append(ids, store.DocID(it.Next()))
	}
	mags, err := e.store.Magnitudes(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("fetching magnitudes: %w", err)
	}
	total, err := e.store.DocCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting documents: %w", err)
	}

	ranked := ranker.Rank(&ranker.Input{
		QueryTF:    plan.TermFrequency(),
		Postings:   eval.Postings,
		Candidates: ids,
		Magnitudes: mags,
		TotalDocs:  total,
	}, limit)

	rankedIDs := make([]store.DocID, len(ranked))
	for i, d := range ranked {
		rankedIDs[i] = d.DocID
	}
	names, err := e.store.LookupNames(ctx, rankedIDs)
	if err != nil {
		return nil, fmt.Errorf("resolving document names: %w", err)
	}
	for i := range ranked {
		ranked[i].Name = names[ranked[i].DocID]
	}
	result.Results = ranked
	return result, nil
}

func (e *Executor) observe(mode parser.Mode, start time.Time, result *SearchResult, err error) {
	if e.metrics == nil {
		return
	}
	outcome := "hit"
	switch {
	case err != nil:
		outcome = "error"
	case result.NoTokens:
		outcome = "no_tokens"
	case result.TotalHits == 0:
		outcome = "zero_result"
	}
	e.metrics.SearchQueriesTotal.WithLabelValues(mode.String(), outcome).Inc()
	e.metrics.SearchLatency.WithLabelValues(mode.String()).Observe(time.Since(start).Seconds())
	if err == nil {
		e.metrics.SearchResultsCount.WithLabelValues(mode.String()).Observe(float64(len(result.Results)))
	}
}

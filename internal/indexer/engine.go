// Package indexer turns documents into postings. Indexing is two-phase:
// IndexDocument registers a document and records its magnitude immediately,
// while its postings only reach the global index when the Batch holding it
// is committed.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/kylebebak/search-engine/internal/indexer/index"
	"github.com/kylebebak/search-engine/internal/indexer/merger"
	"github.com/kylebebak/search-engine/internal/indexer/tokenizer"
	"github.com/kylebebak/search-engine/internal/ingestion"
	"github.com/kylebebak/search-engine/internal/store"
	"github.com/kylebebak/search-engine/pkg/config"
	apperrors "github.com/kylebebak/search-engine/pkg/errors"
	"github.com/kylebebak/search-engine/pkg/kafka"
	"github.com/kylebebak/search-engine/pkg/metrics"
	"github.com/kylebebak/search-engine/pkg/tracing"
)

// EventPublisher receives an IndexCompleteEvent after every commit attempt.
// *kafka.Producer satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

type Engine struct {
	store     store.Store
	tok       *tokenizer.Tokenizer
	codec     index.Codec
	merger    *merger.Merger
	cfg       config.IndexerConfig
	metrics   *metrics.Metrics
	publisher EventPublisher
	logger    *slog.Logger
}

type Option func(*Engine)

func WithTokenizer(t *tokenizer.Tokenizer) Option { return func(e *Engine) { e.tok = t } }

func WithCodec(c index.Codec) Option { return func(e *Engine) { e.codec = c } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

func WithPublisher(p EventPublisher) Option { return func(e *Engine) { e.publisher = p } }

func NewEngine(s store.Store, cfg config.IndexerConfig, opts ...Option) *Engine {
	e := &Engine{
		store:  s,
		tok:    tokenizer.Default(),
		codec:  index.JSONCodec{},
		cfg:    cfg,
		logger: slog.Default().With("component", "indexer"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.merger = merger.New(s, e.codec, merger.Options{
		Concurrency: cfg.MergeConcurrency,
		MaxAttempts: cfg.MaxMergeAttempts,
		Metrics:     e.metrics,
	})
	return e
}

// DocResult is the outcome of phase one for a single document.
type DocResult struct {
	ID        store.DocID
	Key       string
	Created   bool
	Magnitude float64
	Tokens    []tokenizer.Token
	Index     index.DocIndex
}

// IndexDocument registers key (keeping its id if it is already known),
// tokenizes content and stores the document's magnitude. Nothing is written
// to the global index.
func (e *Engine) IndexDocument(ctx context.Context, key, content string) (*DocResult, error) {
	if key == "" {
		return nil, apperrors.Invalidf("document key must not be empty")
	}
	if e.cfg.MaxDocumentSize > 0 && int64(len(content)) > e.cfg.MaxDocumentSize {
		return nil, apperrors.Invalidf("document %q is %d bytes, limit is %d", key, len(content), e.cfg.MaxDocumentSize)
	}

	id, created, err := e.store.AssignID(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("registering %q: %w", key, err)
	}
	tokens := e.tok.Tokenize(content)
	docIndex := index.BuildDocIndex(tokens)
	magnitude := docIndex.Magnitude()
	if err := e.store.SetMagnitude(ctx, id, magnitude); err != nil {
		return nil, fmt.Errorf("storing magnitude of %q: %w", key, err)
	}
	if e.metrics != nil {
		e.metrics.DocsIndexedTotal.Inc()
	}
	e.logger.Debug("document indexed",
		"doc_id", id,
		"key", key,
		"created", created,
		"token_count", len(tokens),
		"magnitude", magnitude,
	)
	return &DocResult{
		ID:        id,
		Key:       key,
		Created:   created,
		Magnitude: magnitude,
		Tokens:    tokens,
		Index:     docIndex,
	}, nil
}

// Batch accumulates documents in a local index until Commit.
type Batch struct {
	ID     string
	engine *Engine
	local  *index.MemoryIndex

	mu     sync.Mutex
	failed *multierror.Error
}

func (e *Engine) NewBatch() *Batch {
	return &Batch{
		ID:     uuid.NewString(),
		engine: e,
		local:  index.NewMemoryIndex(),
	}
}

// Add runs phase one for the document and stages its postings. A document
// added twice keeps only its latest content. Errors are returned and also
// recorded in the batch result.
func (b *Batch) Add(ctx context.Context, key, content string) (*DocResult, error) {
	res, err := b.engine.IndexDocument(ctx, key, content)
	if err != nil {
		b.Fail(key, err)
		return nil, err
	}
	b.local.AddDocument(res.ID, res.Index)
	return res, nil
}

// Fail records a document that could not be added.
func (b *Batch) Fail(key string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failed = multierror.Append(b.failed, fmt.Errorf("%s: %w", key, err))
}

// Len is the number of distinct documents staged.
func (b *Batch) Len() int {
	return b.local.DocCount()
}

// BatchResult reports a commit.
type BatchResult struct {
	BatchID   string
	Documents int
	Tokens    int
	// StaleRemoved counts postings dropped from tokens that re-indexed
	// documents no longer contain.
	StaleRemoved int
	// Failed aggregates the per-document errors seen while adding; nil when
	// every document was staged.
	Failed    error
	Committed bool
	Duration  time.Duration
}

// FailedCount is the number of documents recorded in Failed.
func (r *BatchResult) FailedCount() int {
	var merr *multierror.Error
	if errors.As(r.Failed, &merr) {
		return merr.Len()
	}
	return 0
}

// Commit merges the staged postings into the global index and flushes the
// store once. On error the result has Committed=false; ids and magnitudes
// written during Add remain, and committing the same batch again is safe.
func (b *Batch) Commit(ctx context.Context) (*BatchResult, error) {
	e := b.engine
	ctx, span := tracing.StartSpan(ctx, "batch.commit", b.ID)
	defer span.Finish()
	start := time.Now()

	b.mu.Lock()
	failed := b.failed.ErrorOrNil()
	b.mu.Unlock()
	result := &BatchResult{
		BatchID:   b.ID,
		Documents: b.local.DocCount(),
		Tokens:    b.local.TermCount(),
		Failed:    failed,
	}
	span.SetAttr("documents", result.Documents)

	merged, err := e.merger.Merge(ctx, b.local.Snapshot(), b.local.DocTerms())
	result.Duration = time.Since(start)
	if err != nil {
		e.observeCommit(ctx, result, "failed")
		e.logger.Error("batch commit failed",
			"batch_id", b.ID,
			"documents", result.Documents,
			"error", err,
		)
		return result, fmt.Errorf("committing batch %s: %w", b.ID, err)
	}
	result.Committed = true
	result.StaleRemoved = merged.StaleRemoved
	e.observeCommit(ctx, result, "committed")
	e.logger.Info("batch committed",
		"batch_id", b.ID,
		"documents", result.Documents,
		"tokens", result.Tokens,
		"stale_removed", result.StaleRemoved,
		"failed", result.FailedCount(),
		"duration_ms", result.Duration.Milliseconds(),
	)
	return result, nil
}

func (e *Engine) observeCommit(ctx context.Context, r *BatchResult, status string) {
	if e.metrics != nil {
		e.metrics.BatchCommitsTotal.WithLabelValues(status).Inc()
	}
	if e.publisher == nil {
		return
	}
	event := ingestion.IndexCompleteEvent{
		BatchID:     r.BatchID,
		Documents:   r.Documents,
		Tokens:      r.Tokens,
		Failed:      r.FailedCount(),
		Committed:   r.Committed,
		CompletedAt: time.Now().UTC(),
	}
	if err := e.publisher.Publish(ctx, kafka.Event{Key: r.BatchID, Value: event}); err != nil {
		e.logger.Warn("failed to publish index-complete event", "batch_id", r.BatchID, "error", err)
	}
}

// IndexDirectory indexes every regular file directly inside dir as one
// batch. A document's name is its file name. Unreadable files are recorded
// in the result and skipped.
func (e *Engine) IndexDirectory(ctx context.Context, dir string) (*BatchResult, error) {
	b := e.NewBatch()
	err := ingestion.ReadDirectory(ctx, dir, func(doc ingestion.Document) error {
		if doc.Err != nil {
			e.logger.Warn("skipping unreadable file", "path", doc.Path, "error", doc.Err)
			b.Fail(doc.Key, doc.Err)
			return nil
		}
		res, err := b.Add(ctx, doc.Key, doc.Content)
		if err != nil {
			if errors.Is(err, apperrors.ErrInvalidInput) {
				return nil
			}
			return err
		}
		e.logger.Info(fmt.Sprintf("added %s as %s", doc.Path, doc.Key), "doc_id", res.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b.Commit(ctx)
}

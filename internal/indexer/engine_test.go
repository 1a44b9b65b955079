package indexer

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kylebebak/search-engine/internal/indexer/index"
	"github.com/kylebebak/search-engine/internal/ingestion"
	"github.com/kylebebak/search-engine/internal/store"
	"github.com/kylebebak/search-engine/internal/store/memory"
	"github.com/kylebebak/search-engine/pkg/config"
	apperrors "github.com/kylebebak/search-engine/pkg/errors"
	"github.com/kylebebak/search-engine/pkg/kafka"
	"github.com/kylebebak/search-engine/pkg/metrics"
)

func testConfig() config.IndexerConfig {
	return config.Default().Indexer
}

func readPostings(t *testing.T, s store.Store, token string) index.PostingMap {
	t.Helper()
	blob, found, err := s.GetPostings(context.Background(), token)
	require.NoError(t, err)
	if !found {
		return nil
	}
	p, err := index.JSONCodec{}.Decode(blob.Data)
	require.NoError(t, err)
	return p
}

func TestIndexDocument(t *testing.T) {
	s := memory.New()
	e := NewEngine(s, testConfig())
	ctx := context.Background()

	res, err := e.IndexDocument(ctx, "doc1", "the cat sat on the mat")
	require.NoError(t, err)
	assert.Equal(t, store.DocID(0), res.ID)
	assert.True(t, res.Created)
	assert.Equal(t, index.DocIndex{"cat": {0}, "sat": {1}, "mat": {2}}, res.Index)
	assert.InDelta(t, math.Sqrt(3), res.Magnitude, 1e-12)

	again, err := e.IndexDocument(ctx, "doc1", "cat cat")
	require.NoError(t, err)
	assert.Equal(t, res.ID, again.ID)
	assert.False(t, again.Created)

	mags, err := s.Magnitudes(ctx, []store.DocID{0})
	require.NoError(t, err)
	assert.Equal(t, 2.0, mags[0], "magnitude is written in phase one")

	_, found, err := s.GetPostings(ctx, "cat")
	require.NoError(t, err)
	assert.False(t, found, "postings wait for the batch commit")
}

func TestIndexDocumentEdgeCases(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDocumentSize = 10
	e := NewEngine(memory.New(), cfg)
	ctx := context.Background()

	_, err := e.IndexDocument(ctx, "", "text")
	assert.True(t, errors.Is(err, apperrors.ErrInvalidInput))

	_, err = e.IndexDocument(ctx, "big", "this is longer than ten bytes")
	assert.True(t, errors.Is(err, apperrors.ErrInvalidInput))

	res, err := e.IndexDocument(ctx, "empty", "")
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Magnitude)
	assert.Empty(t, res.Index)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []kafka.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev kafka.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func TestBatchCommit(t *testing.T) {
	s := memory.New()
	met := metrics.New(prometheus.NewRegistry())
	pub := &recordingPublisher{}
	e := NewEngine(s, testConfig(), WithMetrics(met), WithPublisher(pub))
	ctx := context.Background()

	b := e.NewBatch()
	require.NotEmpty(t, b.ID)
	_, err := b.Add(ctx, "doc1", "the cat sat on the mat")
	require.NoError(t, err)
	_, err = b.Add(ctx, "doc2", "the dog sat on the log")
	require.NoError(t, err)
	_, err = b.Add(ctx, "", "no key")
	require.Error(t, err)

	res, err := b.Commit(ctx)
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.Equal(t, b.ID, res.BatchID)
	assert.Equal(t, 2, res.Documents)
	assert.Equal(t, 5, res.Tokens)
	assert.Equal(t, 1, res.FailedCount())
	assert.Equal(t, 1, s.Flushes(), "one flush per batch")

	assert.Equal(t, index.PostingMap{0: {1}, 1: {1}}, readPostings(t, s, "sat"))
	assert.Equal(t, index.PostingMap{0: {0}}, readPostings(t, s, "cat"))

	assert.Equal(t, float64(1), testutil.ToFloat64(met.BatchCommitsTotal.WithLabelValues("committed")))
	assert.Equal(t, float64(2), testutil.ToFloat64(met.DocsIndexedTotal))
	require.Len(t, pub.events, 1)
	ev := pub.events[0].Value.(ingestion.IndexCompleteEvent)
	assert.True(t, ev.Committed)
	assert.Equal(t, b.ID, ev.BatchID)
	assert.Equal(t, 1, ev.Failed)
}

func TestDuplicateInBatchKeepsLatest(t *testing.T) {
	s := memory.New()
	e := NewEngine(s, testConfig())
	ctx := context.Background()

	b := e.NewBatch()
	_, err := b.Add(ctx, "doc", "quick fox")
	require.NoError(t, err)
	_, err = b.Add(ctx, "doc", "lazy dog")
	require.NoError(t, err)
	assert.Equal(t, 1, b.Len())

	_, err = b.Commit(ctx)
	require.NoError(t, err)
	assert.Nil(t, readPostings(t, s, "fox"))
	assert.Equal(t, index.PostingMap{0: {1}}, readPostings(t, s, "dog"))
}

func TestReindexReplacesPostings(t *testing.T) {
	s := memory.New()
	e := NewEngine(s, testConfig())
	ctx := context.Background()

	commit := func(docs map[string]string) {
		b := e.NewBatch()
		for k, v := range docs {
			_, err := b.Add(ctx, k, v)
			require.NoError(t, err)
		}
		_, err := b.Commit(ctx)
		require.NoError(t, err)
	}
	commit(map[string]string{"doc1": "the cat sat on the mat", "doc2": "the cat slept"})
	commit(map[string]string{"doc1": "a dog barked at the cat"})

	id, err := s.LookupID(ctx, "doc1")
	require.NoError(t, err)
	other, err := s.LookupID(ctx, "doc2")
	require.NoError(t, err)
	assert.Empty(t, readPostings(t, s, "mat"))
	assert.Empty(t, readPostings(t, s, "sat"))
	assert.Equal(t, []int{2}, readPostings(t, s, "cat")[id], "old position 0 must be gone")
	assert.Equal(t, []int{0}, readPostings(t, s, "cat")[other])
	assert.Equal(t, []int{0}, readPostings(t, s, "dog")[id])
}

// brokenStore fails every posting write until healed.
type brokenStore struct {
	*memory.Store
	mu     sync.Mutex
	broken bool
}

func (b *brokenStore) CompareAndSwapPostings(ctx context.Context, token string, expected int64, data []byte) (bool, error) {
	b.mu.Lock()
	broken := b.broken
	b.mu.Unlock()
	if broken {
		return false, errors.New("connection reset by peer")
	}
	return b.Store.CompareAndSwapPostings(ctx, token, expected, data)
}

func TestFailedCommitCanBeRerun(t *testing.T) {
	s := &brokenStore{Store: memory.New(), broken: true}
	met := metrics.New(prometheus.NewRegistry())
	pub := &recordingPublisher{}
	e := NewEngine(s, testConfig(), WithMetrics(met), WithPublisher(pub))
	ctx := context.Background()

	b := e.NewBatch()
	_, err := b.Add(ctx, "doc1", "quick brown fox")
	require.NoError(t, err)

	res, err := b.Commit(ctx)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.False(t, res.Committed)
	assert.Equal(t, float64(1), testutil.ToFloat64(met.BatchCommitsTotal.WithLabelValues("failed")))

	n, err := s.DocCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "phase one writes survive a failed commit")

	s.mu.Lock()
	s.broken = false
	s.mu.Unlock()
	res, err = b.Commit(ctx)
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.Equal(t, index.PostingMap{0: {2}}, readPostings(t, s.Store, "fox"))
	require.Len(t, pub.events, 2)
	assert.False(t, pub.events[0].Value.(ingestion.IndexCompleteEvent).Committed)
}


// tokenFailStore refuses to record one exact token set while armed.
type tokenFailStore struct {
	*memory.Store
	mu     sync.Mutex
	refuse []string
}

func (f *tokenFailStore) SetDocTokens(ctx context.Context, id store.DocID, tokens []string) error {
	f.mu.Lock()
	refuse := f.refuse
	f.mu.Unlock()
	if refuse != nil && slices.Equal(tokens, refuse) {
		return errors.New("write timeout")
	}
	return f.Store.SetDocTokens(ctx, id, tokens)
}

func TestInterruptedReindexLeavesNoStrayPostings(t *testing.T) {
	s := &tokenFailStore{Store: memory.New()}
	e := NewEngine(s, testConfig())
	ctx := context.Background()

	commit := func(content string) error {
		b := e.NewBatch()
		_, err := b.Add(ctx, "doc1", content)
		require.NoError(t, err)
		_, err = b.Commit(ctx)
		return err
	}
	require.NoError(t, commit("cat mat"))

	// postings for "dog" land, then recording the narrowed token set fails
	s.mu.Lock()
	s.refuse = []string{"dog"}
	s.mu.Unlock()
	require.Error(t, commit("dog"))

	id, err := s.LookupID(ctx, "doc1")
	require.NoError(t, err)
	require.Contains(t, readPostings(t, s.Store, "dog"), id)

	s.mu.Lock()
	s.refuse = nil
	s.mu.Unlock()
	require.NoError(t, commit("cat"))

	assert.NotContains(t, readPostings(t, s.Store, "dog"), id)
	assert.NotContains(t, readPostings(t, s.Store, "mat"), id)
	assert.Equal(t, []int{0}, readPostings(t, s.Store, "cat")[id])
	tokens, err := s.DocTokens(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"cat"}, tokens)
}
func TestEmptyBatchCommits(t *testing.T) {
	s := memory.New()
	res, err := NewEngine(s, testConfig()).NewBatch().Commit(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.Zero(t, res.Documents)
	assert.Nil(t, res.Failed)
	assert.Equal(t, 1, s.Flushes())
}

func TestIndexDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("quick brown fox"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("lazy\xffdog"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.Symlink(filepath.Join(dir, "missing"), filepath.Join(dir, "c.txt")))

	s := memory.New()
	res, err := NewEngine(s, testConfig()).IndexDirectory(context.Background(), dir)
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.Equal(t, 2, res.Documents)
	assert.Equal(t, 1, res.FailedCount())
	assert.Contains(t, res.Failed.Error(), "c.txt")

	ctx := context.Background()
	a, err := s.LookupID(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, store.DocID(0), a)
	b, err := s.LookupID(ctx, "b.txt")
	require.NoError(t, err)
	assert.Contains(t, readPostings(t, s, "lazydog"), b, "invalid bytes are dropped, not turned into separators")
}

func TestIndexDirectoryMissing(t *testing.T) {
	_, err := NewEngine(memory.New(), testConfig()).IndexDirectory(context.Background(), filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidInput))
}

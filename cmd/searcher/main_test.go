package main

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kylebebak/search-engine/internal/indexer"
	"github.com/kylebebak/search-engine/internal/searcher/executor"
	"github.com/kylebebak/search-engine/internal/store/memory"
	"github.com/kylebebak/search-engine/pkg/config"
)

func TestPrintResults(t *testing.T) {
	s := memory.New()
	b := indexer.NewEngine(s, config.Default().Indexer).NewBatch()
	ctx := context.Background()
	_, err := b.Add(ctx, "doc1", "the cat sat on the mat")
	require.NoError(t, err)
	_, err = b.Add(ctx, "doc2", "the dog sat on the log")
	require.NoError(t, err)
	_, err = b.Commit(ctx)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, printResults(ctx, &out, executor.New(s), "sat cat"))

	score := math.Log(2) / math.Sqrt(3)
	want := fmt.Sprintf("doc1 : %v\n\n\ndoc1 : %v\ndoc2 : 0\n", score, score)
	assert.Equal(t, want, out.String())
}

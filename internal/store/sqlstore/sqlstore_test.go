package sqlstore

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/kylebebak/search-engine/internal/store"
	"github.com/kylebebak/search-engine/internal/store/storetest"
	"github.com/kylebebak/search-engine/pkg/config"
	"github.com/kylebebak/search-engine/pkg/sqlite"
)

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()
	client, err := sqlite.New(config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "index.db")})
	require.NoError(t, err)
	s, err := New(t.Context(), client, SQLite)
	require.NoError(t, err)
	return s
}

func TestSQLiteStore(t *testing.T) {
	suite.Run(t, &storetest.Suite{New: func(t *testing.T) store.Store {
		return newSQLiteStore(t)
	}})
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newSQLiteStore(t)
	defer s.Close()
	ctx := t.Context()

	_, _, err := s.AssignID(ctx, "a.txt")
	require.NoError(t, err)
	require.NoError(t, s.migrate(ctx))

	id, created, err := s.AssignID(ctx, "b.txt")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, store.DocID(1), id, "re-running the schema must not reset the counter")
}

func TestLookupNamesChunks(t *testing.T) {
	s := newSQLiteStore(t)
	defer s.Close()
	ctx := t.Context()

	ids := make([]store.DocID, 0, maxInList+10)
	for i := 0; i < maxInList+10; i++ {
		id, _, err := s.AssignID(ctx, fmt.Sprintf("docs/%04d.txt", i))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	names, err := s.LookupNames(ctx, ids)
	require.NoError(t, err)
	assert.Len(t, names, len(ids))
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "a = $1 AND b IN ($2, $3)", Postgres.rebind("a = ? AND b IN (?, ?)"))
	assert.Equal(t, "a = ?", SQLite.rebind("a = ?"))
	assert.Equal(t, "?, ?, ?", placeholders(3))
	assert.Equal(t, "", placeholders(0))
}

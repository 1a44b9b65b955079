// Package sqlstore keeps the index in a relational database. The same
// queries serve PostgreSQL (lib/pq) and SQLite (glebarez/go-sqlite); a
// Dialect covers placeholder style, blob type and checkpointing.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kylebebak/search-engine/internal/store"
)

// maxInList bounds the number of ids bound into a single IN (...) clause.
const maxInList = 500

var errNameTaken = errors.New("document name registered concurrently")

// Conn is satisfied by pkg/postgres.Client and pkg/sqlite.Client.
type Conn interface {
	Handle() *sql.DB
	InTx(ctx context.Context, fn func(tx *sql.Tx) error) error
	Close() error
}

type Store struct {
	conn    Conn
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

var _ store.Store = (*Store)(nil)

// New creates the schema if needed and returns a Store bound to conn.
func New(ctx context.Context, conn Conn, dialect Dialect) (*Store, error) {
	s := &Store{
		conn:    conn,
		db:      conn.Handle(),
		dialect: dialect,
		logger:  slog.Default().With("component", "sql-store", "dialect", dialect.Name),
	}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}

func (s *Store) q(query string) string { return s.dialect.rebind(query) }

func (s *Store) AssignID(ctx context.Context, name string) (store.DocID, bool, error) {
	var (
		id      store.DocID
		created bool
	)
	err := s.conn.InTx(ctx, func(tx *sql.Tx) error {
		var existing int64
		err := tx.QueryRowContext(ctx, s.q(`SELECT id FROM se_documents WHERE name = ?`), name).Scan(&existing)
		if err == nil {
			id = store.DocID(existing)
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		var next int64
		err = tx.QueryRowContext(ctx,
			s.q(`UPDATE se_counters SET value = value + 1 WHERE name = 'doc_id' RETURNING value`)).Scan(&next)
		if err != nil {
			return fmt.Errorf("advancing id counter: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			s.q(`INSERT INTO se_documents (id, name) VALUES (?, ?) ON CONFLICT (name) DO NOTHING`), next-1, name)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errNameTaken
		}
		id, created = store.DocID(next-1), true
		return nil
	})
	if errors.Is(err, errNameTaken) {
		// Another writer won; the rolled back counter bump is harmless.
		id, err = s.LookupID(ctx, name)
		return id, false, err
	}
	if err != nil {
		return 0, false, fmt.Errorf("assigning id for %q: %w", name, err)
	}
	return id, created, nil
}

func (s *Store) LookupID(ctx context.Context, name string) (store.DocID, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id FROM se_documents WHERE name = ?`), name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("document %q: %w", name, store.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("looking up %q: %w", name, err)
	}
	return store.DocID(id), nil
}

func (s *Store) LookupNames(ctx context.Context, ids []store.DocID) (map[store.DocID]string, error) {
	names := make(map[store.DocID]string, len(ids))
	err := s.forChunks(ctx, `SELECT id, name FROM se_documents WHERE id IN (%s)`, ids, func(rows *sql.Rows) error {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return err
		}
		names[store.DocID(id)] = name
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("looking up names: %w", err)
	}
	return names, nil
}

func (s *Store) SetMagnitude(ctx context.Context, id store.DocID, magnitude float64) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO se_magnitudes (id, magnitude) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET magnitude = excluded.magnitude`), int64(id), magnitude)
	if err != nil {
		return fmt.Errorf("setting magnitude of %d: %w", id, err)
	}
	return nil
}

func (s *Store) Magnitudes(ctx context.Context, ids []store.DocID) (map[store.DocID]float64, error) {
	out := make(map[store.DocID]float64, len(ids))
	err := s.forChunks(ctx, `SELECT id, magnitude FROM se_magnitudes WHERE id IN (%s)`, ids, func(rows *sql.Rows) error {
		var (
			id int64
			m  float64
		)
		if err := rows.Scan(&id, &m); err != nil {
			return err
		}
		out[store.DocID(id)] = m
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetching magnitudes: %w", err)
	}
	return out, nil
}

func (s *Store) DocCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM se_magnitudes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting documents: %w", err)
	}
	return n, nil
}

func (s *Store) GetPostings(ctx context.Context, token string) (store.Blob, bool, error) {
	var b store.Blob
	err := s.db.QueryRowContext(ctx, s.q(`SELECT data, version FROM se_postings WHERE token = ?`), token).
		Scan(&b.Data, &b.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Blob{}, false, nil
	}
	if err != nil {
		return store.Blob{}, false, fmt.Errorf("reading postings for %q: %w", token, err)
	}
	return b, true, nil
}

func (s *Store) CompareAndSwapPostings(ctx context.Context, token string, expected int64, data []byte) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if expected == 0 {
		res, err = s.db.ExecContext(ctx, s.q(`
			INSERT INTO se_postings (token, version, data) VALUES (?, 1, ?)
			ON CONFLICT (token) DO NOTHING`), token, data)
	} else {
		res, err = s.db.ExecContext(ctx, s.q(`
			UPDATE se_postings SET data = ?, version = ? WHERE token = ? AND version = ?`),
			data, expected+1, token, expected)
	}
	if err != nil {
		return false, fmt.Errorf("swapping postings for %q: %w", token, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("swapping postings for %q: %w", token, err)
	}
	return n == 1, nil
}

func (s *Store) DocTokens(ctx context.Context, id store.DocID) ([]string, error) {
	var tokens string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT tokens FROM se_doc_tokens WHERE id = ?`), int64(id)).Scan(&tokens)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading tokens of %d: %w", id, err)
	}
	return strings.Fields(tokens), nil
}

func (s *Store) SetDocTokens(ctx context.Context, id store.DocID, tokens []string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO se_doc_tokens (id, tokens) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET tokens = excluded.tokens`), int64(id), strings.Join(tokens, " "))
	if err != nil {
		return fmt.Errorf("writing tokens of %d: %w", id, err)
	}
	return nil
}

// Flush checkpoints the SQLite WAL. Postgres commits are already durable.
func (s *Store) Flush(ctx context.Context) error {
	if s.dialect.checkpoint == "" {
		// commits are already durable; only confirm the pool is usable
		return s.db.PingContext(ctx)
	}
	var busy, logFrames, checkpointed int64
	if err := s.db.QueryRowContext(ctx, s.dialect.checkpoint).Scan(&busy, &logFrames, &checkpointed); err != nil {
		return fmt.Errorf("checkpointing: %w", err)
	}
	s.logger.Debug("wal checkpoint", "busy", busy, "log_frames", logFrames, "checkpointed", checkpointed)
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.conn.Close() }

// forChunks runs query (with a %s slot for the IN list) over ids in chunks
// and hands every row to scan.
func (s *Store) forChunks(ctx context.Context, query string, ids []store.DocID, scan func(*sql.Rows) error) error {
	for start := 0; start < len(ids); start += maxInList {
		end := min(start+maxInList, len(ids))
		chunk := ids[start:end]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = int64(id)
		}
		rows, err := s.db.QueryContext(ctx, s.q(fmt.Sprintf(query, placeholders(len(chunk)))), args...)
		if err != nil {
			return err
		}
		for rows.Next() {
			if err := scan(rows); err != nil {
				rows.Close()
				return err
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
	}
	return nil
}

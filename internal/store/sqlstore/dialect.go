package sqlstore

import (
	"strconv"
	"strings"
)

// Dialect captures the differences between the SQL engines the store runs on.
type Dialect struct {
	Name string
	// numbered placeholders ($1, $2) instead of ?.
	numbered   bool
	blobType   string
	checkpoint string
}

var (
	Postgres = Dialect{Name: "postgres", numbered: true, blobType: "BYTEA"}
	SQLite   = Dialect{Name: "sqlite", blobType: "BLOB", checkpoint: "PRAGMA wal_checkpoint(TRUNCATE)"}
)

// rebind rewrites ? placeholders for dialects that number them.
func (d Dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d Dialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS se_counters (
			name  TEXT PRIMARY KEY,
			value BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS se_documents (
			id   BIGINT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS se_magnitudes (
			id        BIGINT PRIMARY KEY,
			magnitude DOUBLE PRECISION NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS se_postings (
			token   TEXT PRIMARY KEY,
			version BIGINT NOT NULL,
			data    ` + d.blobType + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS se_doc_tokens (
			id     BIGINT PRIMARY KEY,
			tokens TEXT NOT NULL
		)`,
		`INSERT INTO se_counters (name, value) VALUES ('doc_id', 0) ON CONFLICT (name) DO NOTHING`,
	}
}

// placeholders returns "?, ?, ?" for n values.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

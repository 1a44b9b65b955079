// Package ingestion defines the Kafka event schemas exchanged by the indexer
// and the searcher.
package ingestion

import "time"

// IngestEvent asks the indexer to (re-)index one document. Key is the
// document's unique name.
type IngestEvent struct {
	Key        string    `json:"key"`
	Content    string    `json:"content"`
	IngestedAt time.Time `json:"ingested_at"`
}

// IndexCompleteEvent is published after every batch commit attempt.
// Searchers use it to invalidate their query caches.
type IndexCompleteEvent struct {
	BatchID     string    `json:"batch_id"`
	Documents   int       `json:"documents"`
	Tokens      int       `json:"tokens"`
	Failed      int       `json:"failed"`
	Committed   bool      `json:"committed"`
	CompletedAt time.Time `json:"completed_at"`
}

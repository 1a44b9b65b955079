// Package consumer reads ingest events from Kafka and indexes them in
// batches through the indexer engine. Kafka offsets are committed only after
// the batch holding the events has been committed to the index.
package consumer

import (
	"context"
	"errors"
	"log/slog"

	"github.com/kylebebak/search-engine/internal/indexer"
	"github.com/kylebebak/search-engine/internal/ingestion"
	"github.com/kylebebak/search-engine/internal/ingestion/validator"
	"github.com/kylebebak/search-engine/pkg/config"
	apperrors "github.com/kylebebak/search-engine/pkg/errors"
	"github.com/kylebebak/search-engine/pkg/kafka"
)

// Batcher turns a group of Kafka messages into one index batch.
type Batcher struct {
	engine     *indexer.Engine
	maxContent int64
	logger     *slog.Logger
}

func NewBatcher(engine *indexer.Engine, maxContent int64) *Batcher {
	return &Batcher{
		engine:     engine,
		maxContent: maxContent,
		logger:     slog.Default().With("component", "index-consumer"),
	}
}

// HandleBatch is a kafka.BatchHandler. Malformed or invalid events are
// recorded as batch failures and dropped; only store errors fail the batch,
// which makes the consumer hand the same messages over again.
func (b *Batcher) HandleBatch(ctx context.Context, msgs []kafka.Message) error {
	batch := b.engine.NewBatch()
	for _, msg := range msgs {
		event, err := kafka.DecodeJSON[ingestion.IngestEvent](msg.Value)
		if err != nil {
			b.logger.Error("failed to decode ingest event",
				"error", err,
				"key", string(msg.Key),
				"offset", msg.Offset,
				"trace_id", msg.TraceID,
			)
			batch.Fail(string(msg.Key), err)
			continue
		}
		if err := validator.ValidateIngestEvent(&event, b.maxContent); err != nil {
			b.logger.Warn("rejecting ingest event", "key", event.Key, "trace_id", msg.TraceID, "error", err)
			batch.Fail(event.Key, err)
			continue
		}
		if _, err := batch.Add(ctx, event.Key, event.Content); err != nil {
			if errors.Is(err, apperrors.ErrInvalidInput) {
				continue
			}
			return err
		}
	}
	res, err := batch.Commit(ctx)
	if err != nil {
		return err
	}
	b.logger.Info("ingest batch indexed",
		"batch_id", res.BatchID,
		"messages", len(msgs),
		"documents", res.Documents,
		"failed", res.FailedCount(),
	)
	return nil
}

// IndexConsumer drives a Batcher from a Kafka topic.
type IndexConsumer struct {
	consumer *kafka.Consumer
	batcher  *Batcher
	cfg      config.IndexerConfig
	logger   *slog.Logger
}

func New(kafkaConsumer *kafka.Consumer, batcher *Batcher, cfg config.IndexerConfig) *IndexConsumer {
	return &IndexConsumer{
		consumer: kafkaConsumer,
		batcher:  batcher,
		cfg:      cfg,
		logger:   slog.Default().With("component", "index-consumer"),
	}
}

// Start consumes until ctx is cancelled, committing a batch every
// cfg.BatchSize events or cfg.FlushInterval, whichever comes first.
func (ic *IndexConsumer) Start(ctx context.Context) error {
	ic.logger.Info("index consumer starting",
		"batch_size", ic.cfg.BatchSize,
		"flush_interval", ic.cfg.FlushInterval,
	)
	return ic.consumer.StartBatch(ctx, ic.cfg.BatchSize, ic.cfg.FlushInterval, ic.batcher.HandleBatch)
}

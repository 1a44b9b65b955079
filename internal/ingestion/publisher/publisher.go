// Package publisher validates documents and publishes them as ingest events
// for the indexer's Kafka consumer.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/kylebebak/search-engine/internal/ingestion"
	"github.com/kylebebak/search-engine/internal/ingestion/validator"
	"github.com/kylebebak/search-engine/pkg/kafka"
)

const defaultBatchSize = 100

// EventWriter is satisfied by *kafka.Producer.
type EventWriter interface {
	Publish(ctx context.Context, event kafka.Event) error
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

// Publisher turns documents into IngestEvents keyed by document name, so
// every update to one document lands on the same partition in order.
type Publisher struct {
	producer   EventWriter
	maxContent int64
	batchSize  int
	logger     *slog.Logger
}

// New creates a Publisher. Content larger than maxContent bytes is rejected
// when maxContent is positive.
func New(producer EventWriter, maxContent int64, batchSize int) *Publisher {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Publisher{
		producer:   producer,
		maxContent: maxContent,
		batchSize:  batchSize,
		logger:     slog.Default().With("component", "publisher"),
	}
}

// Ingest validates and publishes a single document.
func (p *Publisher) Ingest(ctx context.Context, key, content string) (*ingestion.IngestEvent, error) {
	ev := &ingestion.IngestEvent{Key: key, Content: content, IngestedAt: time.Now().UTC()}
	if err := validator.ValidateIngestEvent(ev, p.maxContent); err != nil {
		return nil, err
	}
	if err := p.producer.Publish(ctx, kafka.Event{Key: ev.Key, Value: ev}); err != nil {
		return nil, fmt.Errorf("publishing %s: %w", key, err)
	}
	p.logger.Info("document published", "key", key, "size", len(content))
	return ev, nil
}

// DirectoryResult summarises a PublishDirectory run.
type DirectoryResult struct {
	Published int
	// Skipped holds per-file read and validation errors.
	Skipped error
}

// PublishDirectory publishes every regular file directly inside dir, in
// batches. Files that cannot be read or fail validation are skipped and
// reported; a producer error aborts the run.
func (p *Publisher) PublishDirectory(ctx context.Context, dir string) (*DirectoryResult, error) {
	var skipped *multierror.Error
	result := &DirectoryResult{}
	pending := make([]kafka.Event, 0, p.batchSize)

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := p.producer.PublishBatch(ctx, pending); err != nil {
			return fmt.Errorf("publishing batch of %d: %w", len(pending), err)
		}
		result.Published += len(pending)
		pending = pending[:0]
		return nil
	}

	err := ingestion.ReadDirectory(ctx, dir, func(doc ingestion.Document) error {
		if doc.Err != nil {
			skipped = multierror.Append(skipped, fmt.Errorf("%s: %w", doc.Key, doc.Err))
			return nil
		}
		ev := &ingestion.IngestEvent{Key: doc.Key, Content: doc.Content, IngestedAt: time.Now().UTC()}
		if err := validator.ValidateIngestEvent(ev, p.maxContent); err != nil {
			skipped = multierror.Append(skipped, fmt.Errorf("%s: %w", doc.Key, err))
			return nil
		}
		pending = append(pending, kafka.Event{Key: ev.Key, Value: ev})
		if len(pending) >= p.batchSize {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	result.Skipped = skipped.ErrorOrNil()
	if err != nil {
		return result, err
	}
	p.logger.Info("directory published",
		"dir", dir,
		"published", result.Published,
		"skipped", skippedCount(result.Skipped),
	)
	return result, nil
}

func skippedCount(err error) int {
	var merr *multierror.Error
	if errors.As(err, &merr) {
		return len(merr.Errors)
	}
	return 0
}

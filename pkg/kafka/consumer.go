// Package kafka provides Kafka producer and consumer clients backed by
// segmentio/kafka-go. The producer serialises events as JSON. The consumer
// either dispatches messages one at a time to a MessageHandler or groups them
// into batches for a BatchHandler, committing offsets only after the handler
// succeeds.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/kylebebak/search-engine/pkg/config"
	"github.com/kylebebak/search-engine/pkg/resilience"
	"github.com/kylebebak/search-engine/pkg/tracing"
)

// MessageHandler is a callback invoked for each Kafka message.
type MessageHandler func(ctx context.Context, key []byte, value []byte) error

// Message is the part of a Kafka record handed to a BatchHandler.
type Message struct {
	Key       []byte
	Value     []byte
	Partition int
	Offset    int64
	// TraceID is the producer's trace id, or "" when it published untraced.
	TraceID string
}

// BatchHandler processes a group of messages. Returning an error leaves the
// batch uncommitted; the same batch is handed over again after a backoff and
// nothing new is fetched until it succeeds.
type BatchHandler func(ctx context.Context, msgs []Message) error

// reader is the part of *kafka.Reader the consume loops drive.
type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads messages from a Kafka topic and dispatches them to a
// MessageHandler.
type Consumer struct {
	reader  reader
	logger  *slog.Logger
	handler MessageHandler
	// backoff paces batch redelivery and fetch errors.
	backoff resilience.RetryConfig
}

// NewConsumer creates a Consumer for the given topic and handler.
func NewConsumer(cfg config.KafkaConfig, topic string, handler MessageHandler) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       topic,
		GroupID:     cfg.ConsumerGroup,
		MinBytes:    1e3,
		MaxBytes:    10e6,
		StartOffset: kafka.LastOffset,
	})

	return &Consumer{
		reader:  r,
		logger:  slog.Default().With("component", "kafka-consumer", "topic", topic),
		handler: handler,
		backoff: resilience.RetryConfig{
			MaxAttempts:  5,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     30 * time.Second,
		},
	}
}

// Start enters the consume loop, fetching and processing messages until ctx
// is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started")
	fetchFailures := 0
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopping", "reason", ctx.Err())
			return c.reader.Close()
		default:
		}

		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fetchFailures++
			c.logger.Error("failed to fetch message", "error", err, "failures", fetchFailures)
			if err := sleep(ctx, c.backoff.Backoff(fetchFailures)); err != nil {
				return c.reader.Close()
			}
			continue
		}
		fetchFailures = 0
		c.logger.Debug("message received",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"key", string(msg.Key),
			"value_size", len(msg.Value),
		)
		if err := c.dispatch(ctx, msg); err != nil {
			c.logger.Error("failed to process message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
			continue
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("failed to commit message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}
	}
}

// dispatch runs the handler under the producer's trace when the record
// carries one.
func (c *Consumer) dispatch(ctx context.Context, msg kafka.Message) error {
	id := headerValue(msg.Headers, HeaderTraceID)
	if id == "" {
		return c.handler(ctx, msg.Key, msg.Value)
	}
	ctx, span := tracing.StartSpan(ctx, "kafka.consume", id)
	span.SetAttr("partition", msg.Partition)
	span.SetAttr("offset", msg.Offset)
	defer span.Finish()
	return c.handler(ctx, msg.Key, msg.Value)
}

// StartBatch enters a consume loop that hands messages to handler in groups
// of at most size, or whatever is pending once interval has passed since the
// last flush. A batch the handler rejects is retried with backoff before
// anything else is fetched. Pending messages are flushed once more when ctx is
// cancelled.
func (c *Consumer) StartBatch(ctx context.Context, size int, interval time.Duration, handler BatchHandler) error {
	if size <= 0 {
		size = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	c.logger.Info("batch consumer started", "batch_size", size, "flush_interval", interval)

	var pending []kafka.Message
	flush := func(ctx context.Context, persist bool) {
		if len(pending) == 0 {
			return
		}
		if err := c.deliver(ctx, handler, pending, persist); err != nil {
			c.logger.Error("batch left uncommitted", "count", len(pending), "error", err)
			return
		}
		if err := c.reader.CommitMessages(ctx, pending...); err != nil {
			c.logger.Error("failed to commit batch", "count", len(pending), "error", err)
		}
		pending = pending[:0]
	}

	deadline := time.Now().Add(interval)
	fetchFailures := 0
	for {
		fetchCtx, cancel := context.WithDeadline(ctx, deadline)
		msg, err := c.reader.FetchMessage(fetchCtx)
		cancel()
		switch {
		case ctx.Err() != nil:
			c.logger.Info("batch consumer stopping", "pending", len(pending))
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
			flush(shutdownCtx, false)
			cancelShutdown()
			return c.reader.Close()
		case err != nil && fetchCtx.Err() != nil:
			flush(ctx, true)
			deadline = time.Now().Add(interval)
			continue
		case err != nil:
			fetchFailures++
			c.logger.Error("failed to fetch message", "error", err, "failures", fetchFailures)
			_ = sleep(ctx, c.backoff.Backoff(fetchFailures))
			continue
		}
		fetchFailures = 0
		pending = append(pending, msg)
		if len(pending) >= size {
			flush(ctx, true)
			deadline = time.Now().Add(interval)
		}
	}
}

// deliver hands batch to handler through resilience.Retry. With persist set
// it keeps starting new rounds, each after a capped pause, until the handler
// succeeds or ctx ends; otherwise a single round is all it gets.
func (c *Consumer) deliver(ctx context.Context, handler BatchHandler, batch []kafka.Message, persist bool) error {
	msgs := make([]Message, len(batch))
	for i, m := range batch {
		msgs[i] = Message{
			Key:       m.Key,
			Value:     m.Value,
			Partition: m.Partition,
			Offset:    m.Offset,
			TraceID:   headerValue(m.Headers, HeaderTraceID),
		}
	}
	for round := 1; ; round++ {
		err := resilience.Retry(ctx, "kafka-batch", c.backoff, func() error {
			return handler(ctx, msgs)
		})
		if err == nil {
			return nil
		}
		if !persist || ctx.Err() != nil {
			return err
		}
		c.logger.Error("failed to process batch, will retry", "count", len(msgs), "round", round, "error", err)
		if err := sleep(ctx, c.backoff.Backoff(c.backoff.MaxAttempts)); err != nil {
			return err
		}
	}
}

// sleep pauses for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the underlying Kafka reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// DecodeJSON is a generic helper that unmarshals a Kafka message value into T.
func DecodeJSON[T any](value []byte) (T, error) {
	var result T
	if err := json.Unmarshal(value, &result); err != nil {
		return result, fmt.Errorf("decoding kafka message: %w", err)
	}
	return result, nil
}

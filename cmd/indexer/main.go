// Command indexer builds the global index.
//
// With -dir it indexes every regular file in a directory as one batch and
// exits non-zero if the batch could not be committed. With -consume it reads
// ingest events from Kafka and commits them in batches until interrupted.
//
// Usage:
//
//	go run ./cmd/indexer [-config configs/development.yaml] -dir ./docs
//	go run ./cmd/indexer [-config configs/development.yaml] -consume
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kylebebak/search-engine/internal/indexer"
	"github.com/kylebebak/search-engine/internal/indexer/consumer"
	"github.com/kylebebak/search-engine/internal/indexer/index"
	"github.com/kylebebak/search-engine/internal/store"
	"github.com/kylebebak/search-engine/internal/store/backend"
	"github.com/kylebebak/search-engine/pkg/config"
	"github.com/kylebebak/search-engine/pkg/kafka"
	"github.com/kylebebak/search-engine/pkg/logger"
	"github.com/kylebebak/search-engine/pkg/metrics"
	"github.com/kylebebak/search-engine/pkg/tracing"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	dir := flag.String("dir", "", "directory of documents to index as one batch")
	consume := flag.Bool("consume", false, "consume ingest events from kafka")
	flag.Parse()

	if (*dir == "") == !*consume {
		fmt.Fprintln(os.Stderr, "exactly one of -dir or -consume is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	tracing.SetEnabled(cfg.Tracing.Enabled)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *dir, *consume); err != nil {
		slog.Error("indexer failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, dir string, consume bool) error {
	met := metrics.New(nil)
	if cfg.Metrics.Enabled && consume {
		shutdownMetrics, err := metrics.StartServer(cfg.Metrics)
		if err != nil {
			return err
		}
		defer shutdownMetrics(context.Background())
	}

	s, err := backend.Open(ctx, cfg, met)
	if err != nil {
		return err
	}
	defer s.Close()
	slog.Info("store opened", "backend", cfg.Store.Backend, "codec", cfg.Store.Codec)

	engine, closeEngine, err := newEngine(cfg, s, met)
	if err != nil {
		return err
	}
	defer closeEngine()

	if consume {
		return runConsumer(ctx, cfg, engine)
	}

	result, err := engine.IndexDirectory(ctx, dir)
	if result != nil {
		slog.Info("batch result",
			"batch_id", result.BatchID,
			"documents", result.Documents,
			"tokens", result.Tokens,
			"stale_removed", result.StaleRemoved,
			"failed", result.FailedCount(),
			"committed", result.Committed,
			"duration", result.Duration,
		)
		if result.Failed != nil {
			slog.Warn("documents skipped", "error", result.Failed)
		}
	}
	return err
}

func newEngine(cfg *config.Config, s store.Store, met *metrics.Metrics) (*indexer.Engine, func(), error) {
	codec, err := index.NewCodec(cfg.Store.Codec)
	if err != nil {
		return nil, nil, err
	}
	opts := []indexer.Option{indexer.WithCodec(codec), indexer.WithMetrics(met)}
	closeFn := func() {}
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.IndexComplete)
		opts = append(opts, indexer.WithPublisher(producer))
		closeFn = func() {
			if err := producer.Close(); err != nil {
				slog.Error("closing kafka producer", "error", err)
			}
		}
		slog.Info("publishing index-complete events", "topic", cfg.Kafka.Topics.IndexComplete)
	}
	return indexer.NewEngine(s, cfg.Indexer, opts...), closeFn, nil
}

func runConsumer(ctx context.Context, cfg *config.Config, engine *indexer.Engine) error {
	if !cfg.Kafka.Enabled {
		return fmt.Errorf("-consume requires kafka.enabled")
	}
	kafkaConsumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.DocumentIngest, nil)
	defer kafkaConsumer.Close()

	batcher := consumer.NewBatcher(engine, cfg.Indexer.MaxDocumentSize)
	indexConsumer := consumer.New(kafkaConsumer, batcher, cfg.Indexer)
	slog.Info("indexer ready, consuming from kafka",
		"topic", cfg.Kafka.Topics.DocumentIngest,
		"group", cfg.Kafka.ConsumerGroup,
	)
	if err := indexConsumer.Start(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	slog.Info("indexer stopped")
	return nil
}

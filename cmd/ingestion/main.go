// Command ingestion queues documents for indexing by publishing ingest
// events to Kafka.
//
// With -dir it publishes every regular file in a directory and exits.
// Otherwise it serves POST /api/v1/documents until interrupted. Either way
// an indexer running with -consume picks the documents up.
//
// Usage:
//
//	go run ./cmd/ingestion [-config configs/development.yaml] [-dir ./docs]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/kylebebak/search-engine/internal/ingestion/handler"
	"github.com/kylebebak/search-engine/internal/ingestion/publisher"
	"github.com/kylebebak/search-engine/pkg/config"
	"github.com/kylebebak/search-engine/pkg/health"
	"github.com/kylebebak/search-engine/pkg/kafka"
	"github.com/kylebebak/search-engine/pkg/logger"
	"github.com/kylebebak/search-engine/pkg/metrics"
	"github.com/kylebebak/search-engine/pkg/middleware"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	dir := flag.String("dir", "", "publish every file in this directory and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	if !cfg.Kafka.Enabled {
		slog.Error("ingestion requires kafka.enabled")
		os.Exit(1)
	}

	producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.DocumentIngest)
	defer producer.Close()
	pub := publisher.New(producer, cfg.Indexer.MaxDocumentSize, cfg.Indexer.BatchSize)
	slog.Info("kafka producer initialized", "topic", cfg.Kafka.Topics.DocumentIngest)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *dir != "" {
		res, err := pub.PublishDirectory(ctx, *dir)
		if res != nil && res.Skipped != nil {
			slog.Warn("documents skipped", "error", res.Skipped)
		}
		if err != nil {
			slog.Error("publishing directory failed", "dir", *dir, "error", err)
			os.Exit(1)
		}
		return
	}

	met := metrics.New(nil)
	if cfg.Metrics.Enabled {
		shutdownMetrics, err := metrics.StartServer(cfg.Metrics)
		if err != nil {
			slog.Error("metrics server failed", "error", err)
			os.Exit(1)
		}
		defer shutdownMetrics(context.Background())
	}

	h := handler.New(pub)
	checker := health.NewChecker()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/documents", h.Ingest)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.Timeout(cfg.Server.WriteTimeout)(chain)
	chain = middleware.Metrics(met)(chain)
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()
	slog.Info("ingestion service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("ingestion service stopped")
}

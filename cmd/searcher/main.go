// Command searcher answers queries against the global index.
//
// With -q it prints the ranked results for the query in all-match,
// ordered-match and any-match mode, one "name : score" line per document and
// a blank line between modes. Without -q it serves the HTTP search API.
//
// Usage:
//
//	go run ./cmd/searcher [-config configs/development.yaml] -q "lazy dog"
//	go run ./cmd/searcher [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/kylebebak/search-engine/internal/indexer/index"
	"github.com/kylebebak/search-engine/internal/searcher/cache"
	"github.com/kylebebak/search-engine/internal/searcher/executor"
	"github.com/kylebebak/search-engine/internal/searcher/handler"
	"github.com/kylebebak/search-engine/internal/searcher/parser"
	"github.com/kylebebak/search-engine/internal/store/backend"
	"github.com/kylebebak/search-engine/pkg/config"
	"github.com/kylebebak/search-engine/pkg/health"
	"github.com/kylebebak/search-engine/pkg/kafka"
	"github.com/kylebebak/search-engine/pkg/logger"
	"github.com/kylebebak/search-engine/pkg/metrics"
	"github.com/kylebebak/search-engine/pkg/middleware"
	pkgredis "github.com/kylebebak/search-engine/pkg/redis"
	"github.com/kylebebak/search-engine/pkg/tracing"
)

// cliModes is the order in which -q prints result lists.
var cliModes = []parser.Mode{parser.ModeAll, parser.ModeOrdered, parser.ModeAny}

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	query := flag.String("q", "", "run a single query and print the results")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	tracing.SetEnabled(cfg.Tracing.Enabled)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	met := metrics.New(nil)
	s, err := backend.Open(ctx, cfg, met)
	if err != nil {
		slog.Error("failed to open store", "backend", cfg.Store.Backend, "error", err)
		os.Exit(1)
	}
	defer s.Close()

	codec, err := index.NewCodec(cfg.Store.Codec)
	if err != nil {
		slog.Error("invalid codec", "error", err)
		os.Exit(1)
	}
	exec := executor.New(s,
		executor.WithCodec(codec),
		executor.WithFetchConcurrency(cfg.Search.FetchConcurrency),
		executor.WithMetrics(met),
	)

	if *query != "" {
		if err := printResults(ctx, os.Stdout, exec, *query); err != nil {
			slog.Error("query failed", "query", *query, "error", err)
			os.Exit(1)
		}
		return
	}

	if err := serve(ctx, cfg, exec, s, met); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// printResults writes every ranked result for query, in each CLI mode.
func printResults(ctx context.Context, w io.Writer, exec *executor.Executor, query string) error {
	for i, mode := range cliModes {
		if i > 0 {
			fmt.Fprintln(w)
		}
		result, err := exec.Search(ctx, query, mode, 0)
		if err != nil {
			return fmt.Errorf("%s search: %w", mode, err)
		}
		for _, doc := range result.Results {
			fmt.Fprintf(w, "%s : %v\n", doc.Name, doc.Score)
		}
	}
	return nil
}

func serve(ctx context.Context, cfg *config.Config, exec *executor.Executor, s health.Pinger, met *metrics.Metrics) error {
	slog.Info("starting search service", "port", cfg.Server.Port, "backend", cfg.Store.Backend)

	if cfg.Metrics.Enabled {
		shutdownMetrics, err := metrics.StartServer(cfg.Metrics)
		if err != nil {
			return err
		}
		defer shutdownMetrics(context.Background())
	}

	checker := health.NewChecker()
	checker.Register("store", health.PingCheck("store", s, cfg.Store.OpTimeout, health.StatusDown))

	var queryCache *cache.QueryCache
	if cfg.Search.CacheEnabled {
		redisClient, err := pkgredis.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, search caching disabled", "error", err)
		} else {
			defer redisClient.Close()
			queryCache = cache.New(redisClient, cfg.Redis, met)
			checker.Register("cache", health.PingCheck("cache", redisClient, cfg.Store.OpTimeout, health.StatusDegraded))
			slog.Info("search cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
		}
	}

	if queryCache != nil && cfg.Kafka.Enabled {
		// Every searcher must see every event, so each instance joins its own group.
		kcfg := cfg.Kafka
		kcfg.ConsumerGroup = fmt.Sprintf("%s-cache-%s", cfg.Kafka.ConsumerGroup, uuid.NewString()[:8])
		invalidator := kafka.NewConsumer(kcfg, cfg.Kafka.Topics.IndexComplete, queryCache.HandleIndexComplete)
		go func() {
			if err := invalidator.Start(ctx); err != nil {
				slog.Error("cache invalidation consumer error", "error", err)
			}
		}()
		slog.Info("cache invalidation consumer started", "topic", cfg.Kafka.Topics.IndexComplete)
	}

	h, err := handler.New(exec, queryCache, cfg.Search)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	h.Register(mux)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	limiter := middleware.NewClientLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
	go pruneLimiter(ctx, limiter)

	var chain http.Handler = mux
	chain = middleware.Timeout(cfg.Server.WriteTimeout)(chain)
	chain = middleware.Metrics(met)(chain)
	chain = middleware.RateLimit(limiter)(chain)
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

	slog.Info("search service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	slog.Info("search service stopped")
	return nil
}

func pruneLimiter(ctx context.Context, limiter *middleware.ClientLimiter) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := limiter.Prune(10 * time.Minute); n > 0 {
				slog.Debug("rate limiter pruned", "clients", n)
			}
		}
	}
}

// Package backend opens the store.Store selected by configuration.
package backend

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kylebebak/search-engine/internal/store"
	"github.com/kylebebak/search-engine/internal/store/memory"
	"github.com/kylebebak/search-engine/internal/store/redisstore"
	"github.com/kylebebak/search-engine/internal/store/sqlstore"
	"github.com/kylebebak/search-engine/pkg/config"
	"github.com/kylebebak/search-engine/pkg/metrics"
	"github.com/kylebebak/search-engine/pkg/postgres"
	redispkg "github.com/kylebebak/search-engine/pkg/redis"
	"github.com/kylebebak/search-engine/pkg/resilience"
	"github.com/kylebebak/search-engine/pkg/sqlite"
)

// Open connects to the configured backend and wraps it with timeouts, a
// circuit breaker, retries and metrics. m may be nil.
func Open(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (store.Store, error) {
	raw, err := openRaw(ctx, cfg)
	if err != nil {
		return nil, err
	}
	slog.Info("index store opened", "backend", cfg.Store.Backend)
	return store.WithResilience(raw, store.ResilienceOptions{
		Name:      "store-" + cfg.Store.Backend,
		OpTimeout: cfg.Store.OpTimeout,
		Retry: resilience.RetryConfig{
			MaxAttempts:  cfg.Store.Retry.MaxAttempts,
			InitialDelay: cfg.Store.Retry.InitialDelay,
			MaxDelay:     cfg.Store.Retry.MaxDelay,
		},
		Breaker: resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.Store.Breaker.FailureThreshold,
			ResetTimeout:     cfg.Store.Breaker.ResetTimeout,
		},
		Metrics: m,
	}), nil
}

func openRaw(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return memory.New(), nil
	case config.BackendRedis:
		client, err := redispkg.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		return redisstore.New(client, cfg.Redis), nil
	case config.BackendPostgres:
		client, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		s, err := sqlstore.New(ctx, client, sqlstore.Postgres)
		if err != nil {
			client.Close()
			return nil, err
		}
		return s, nil
	case config.BackendSQLite:
		client, err := sqlite.New(cfg.SQLite)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite: %w", err)
		}
		s, err := sqlstore.New(ctx, client, sqlstore.SQLite)
		if err != nil {
			client.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

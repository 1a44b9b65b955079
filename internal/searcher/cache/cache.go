// Package cache memoises search results in Redis, keyed by the normalised
// query rather than its raw text.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/kylebebak/search-engine/internal/ingestion"
	"github.com/kylebebak/search-engine/internal/searcher/executor"
	"github.com/kylebebak/search-engine/internal/searcher/parser"
	"github.com/kylebebak/search-engine/pkg/config"
	"github.com/kylebebak/search-engine/pkg/kafka"
	"github.com/kylebebak/search-engine/pkg/metrics"
	pkgredis "github.com/kylebebak/search-engine/pkg/redis"
)

const keyPrefix = "search:"

type QueryCache struct {
	client  *pkgredis.Client
	cfg     config.RedisConfig
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64
	// generation counts invalidations; a result computed across one is
	// not stored.
	generation atomic.Uint64
}

// New creates a cache. m may be nil.
func New(client *pkgredis.Client, cfg config.RedisConfig, m *metrics.Metrics) *QueryCache {
	return &QueryCache{
		client:  client,
		cfg:     cfg,
		metrics: m,
		logger:  slog.Default().With("component", "query-cache"),
	}
}

func (c *QueryCache) Get(ctx context.Context, plan *parser.QueryPlan, limit int) (*executor.SearchResult, bool) {
	key := Key(plan, limit)
	data, err := c.client.Get(ctx, key)
	if err != nil {
		if !pkgredis.IsNilError(err) {
			c.logger.Error("cache get failed", "key", key, "error", err)
		}
		c.miss()
		return nil, false
	}
	var result executor.SearchResult
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		c.miss()
		return nil, false
	}
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.Inc()
	}
	c.logger.Debug("cache hit", "query", plan.RawQuery, "key", key)
	return &result, true
}

func (c *QueryCache) Set(ctx context.Context, plan *parser.QueryPlan, limit int, result *executor.SearchResult) {
	key := Key(plan, limit)
	data, err := json.Marshal(result)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.client.Set(ctx, key, data, c.cfg.CacheTTL); err != nil {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

// GetOrCompute returns the cached result for plan or computes and stores it.
// Concurrent misses for the same key share one computation. Plans without
// tokens are never cached, and neither is a result whose computation
// overlapped an Invalidate.
func (c *QueryCache) GetOrCompute(
	ctx context.Context,
	plan *parser.QueryPlan,
	limit int,
	computeFn func() (*executor.SearchResult, error),
) (*executor.SearchResult, bool, error) {
	if plan.Empty() {
		result, err := computeFn()
		return result, false, err
	}
	if result, ok := c.Get(ctx, plan, limit); ok {
		return result, true, nil
	}
	key := Key(plan, limit)
	val, err, _ := c.group.Do(key, func() (interface{}, error) {
		gen := c.generation.Load()
		result, err := computeFn()
		if err != nil {
			return nil, err
		}
		if c.generation.Load() != gen {
			return result, nil
		}
		c.Set(ctx, plan, limit, result)
		// an Invalidate that bumped the generation before its flush reached
		// this key may have missed the write
		if c.generation.Load() != gen {
			if err := c.client.Del(ctx, key); err != nil {
				c.logger.Error("cache del failed", "key", key, "error", err)
			}
		}
		return result, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.(*executor.SearchResult), false, nil
}

func (c *QueryCache) Invalidate(ctx context.Context) error {
	c.generation.Add(1)
	deleted, err := c.client.FlushByPattern(ctx, keyPrefix+"*")
	if err != nil {
		return fmt.Errorf("invalidating cache: %w", err)
	}
	c.logger.Info("cache invalidate", "keys_deleted", deleted)
	return nil
}

// HandleIndexComplete is a kafka.MessageHandler that drops every cached
// result once a batch has been merged. Uncommitted batches invalidate too,
// since their partial merges are already visible to queries.
func (c *QueryCache) HandleIndexComplete(ctx context.Context, key, value []byte) error {
	ev, err := kafka.DecodeJSON[ingestion.IndexCompleteEvent](value)
	if err != nil {
		return err
	}
	c.logger.Info("index complete event received",
		"batch_id", ev.BatchID,
		"documents", ev.Documents,
		"committed", ev.Committed,
	)
	return c.Invalidate(ctx)
}

func (c *QueryCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *QueryCache) miss() {
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.Inc()
	}
}

// Key derives the cache key from the plan's mode, its tokens in query order,
// and the limit. Queries that normalise identically share a key.
func Key(plan *parser.QueryPlan, limit int) string {
	raw := fmt.Sprintf("%s|%s|%d", plan.Mode, strings.Join(plan.Tokens, " "), limit)
	hash := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%s%x", keyPrefix, hash[:16])
}

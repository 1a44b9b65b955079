// Package redis provides a thin wrapper around go-redis/v9 with connection
// pooling, cache get/set/delete operations, hash helpers, optimistic
// transactions and Lua script execution.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kylebebak/search-engine/pkg/config"
	"github.com/redis/go-redis/v9"
)

// Nil is returned by reads of missing keys or fields.
const Nil = redis.Nil

// Tx is the transaction handle passed to Watch callbacks.
type Tx = redis.Tx

// Pipeliner queues commands inside a MULTI/EXEC block.
type Pipeliner = redis.Pipeliner

// Script is a Lua script that is loaded lazily with EVALSHA.
type Script = redis.Script

// NewScript wraps Lua source for use with Client.Run.
func NewScript(src string) *Script {
	return redis.NewScript(src)
}

// Client wraps a go-redis client.
type Client struct {
	rdb *redis.Client
}

// NewClient creates a Redis client and verifies the connection with a PING.
func NewClient(cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// Get returns the string value for the given key.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	return c.rdb.Get(ctx, key).Result()
}

// Set stores a value with the given TTL.
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// Del deletes one or more keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

// HGet returns a single hash field.
func (c *Client) HGet(ctx context.Context, key, field string) (string, error) {
	return c.rdb.HGet(ctx, key, field).Result()
}

// HMGet returns several hash fields; missing fields come back as nil.
func (c *Client) HMGet(ctx context.Context, key string, fields ...string) ([]interface{}, error) {
	return c.rdb.HMGet(ctx, key, fields...).Result()
}

// HSet sets one or more field/value pairs on a hash.
func (c *Client) HSet(ctx context.Context, key string, values ...interface{}) error {
	return c.rdb.HSet(ctx, key, values...).Err()
}

// HLen returns the number of fields in a hash.
func (c *Client) HLen(ctx context.Context, key string) (int64, error) {
	return c.rdb.HLen(ctx, key).Result()
}

// Watch runs fn inside an optimistic transaction guarded by WATCH on keys.
// IsTxFailed reports whether the transaction lost a race.
func (c *Client) Watch(ctx context.Context, fn func(tx *Tx) error, keys ...string) error {
	return c.rdb.Watch(ctx, fn, keys...)
}

// Run executes a Lua script.
func (c *Client) Run(ctx context.Context, script *Script, keys []string, args ...interface{}) (interface{}, error) {
	return script.Run(ctx, c.rdb, keys, args...).Result()
}

// Save performs a synchronous RDB snapshot.
func (c *Client) Save(ctx context.Context) error {
	return c.rdb.Save(ctx).Err()
}

// BgSave schedules an RDB snapshot in the background.
func (c *Client) BgSave(ctx context.Context) error {
	return c.rdb.BgSave(ctx).Err()
}

// FlushByPattern scans for keys matching the glob pattern and deletes them,
// returning the number of keys removed.
func (c *Client) FlushByPattern(ctx context.Context, pattern string) (int64, error) {
	var deleted int64
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return deleted, fmt.Errorf("deleting key %s: %w", iter.Val(), err)
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("scanning pattern %s: %w", pattern, err)
	}
	return deleted, nil
}

// IsNilError reports whether err is a Redis nil (key-not-found) error.
func IsNilError(err error) bool {
	return errors.Is(err, redis.Nil)
}

// IsTxFailed reports whether a Watch transaction was aborted because a
// watched key changed.
func IsTxFailed(err error) bool {
	return errors.Is(err, redis.TxFailedErr)
}

// Close closes the underlying Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping sends a PING to Redis and returns any error.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

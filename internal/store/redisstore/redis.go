// Package redisstore keeps the index in Redis under a configurable key
// prefix:
//
//	<prefix>doc_id            counter; the next id is its value before INCR
//	<prefix>doc_to_id         hash name -> id
//	<prefix>id_to_doc         hash id -> name
//	<prefix>doc_to_magnitude  hash id -> magnitude
//	<prefix>doc_tokens        hash id -> space separated token set
//	<prefix>idx:<token>       hash {data, ver} holding one posting blob
package redisstore

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/kylebebak/search-engine/internal/store"
	"github.com/kylebebak/search-engine/pkg/config"
	redispkg "github.com/kylebebak/search-engine/pkg/redis"
)

// Flush modes.
const (
	FlushSave   = "save"
	FlushBgSave = "bgsave"
	FlushNone   = "none"
)

// assignScript allocates an id and writes both directions of the mapping in
// one round trip so concurrent indexers never see a half-registered name.
var assignScript = redispkg.NewScript(`
local existing = redis.call('HGET', KEYS[2], ARGV[1])
if existing then
  return {tonumber(existing), 0}
end
local id = redis.call('INCR', KEYS[1]) - 1
redis.call('HSET', KEYS[2], ARGV[1], tostring(id))
redis.call('HSET', KEYS[3], tostring(id), ARGV[1])
return {id, 1}
`)

type Store struct {
	client    *redispkg.Client
	prefix    string
	flushMode string
	logger    *slog.Logger
}

var _ store.Store = (*Store)(nil)

func New(client *redispkg.Client, cfg config.RedisConfig) *Store {
	mode := cfg.FlushMode
	if mode == "" {
		mode = FlushSave
	}
	return &Store{
		client:    client,
		prefix:    cfg.KeyPrefix,
		flushMode: mode,
		logger:    slog.Default().With("component", "redis-store"),
	}
}

func (s *Store) key(name string) string { return s.prefix + name }

func (s *Store) postingKey(token string) string { return s.prefix + "idx:" + token }

func (s *Store) AssignID(ctx context.Context, name string) (store.DocID, bool, error) {
	res, err := s.client.Run(ctx, assignScript,
		[]string{s.key("doc_id"), s.key("doc_to_id"), s.key("id_to_doc")}, name)
	if err != nil {
		return 0, false, fmt.Errorf("assigning id for %q: %w", name, err)
	}
	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return 0, false, fmt.Errorf("assigning id for %q: unexpected script reply %v", name, res)
	}
	id, ok1 := pair[0].(int64)
	created, ok2 := pair[1].(int64)
	if !ok1 || !ok2 || id < 0 {
		return 0, false, fmt.Errorf("assigning id for %q: unexpected script reply %v", name, res)
	}
	return store.DocID(id), created == 1, nil
}

func (s *Store) LookupID(ctx context.Context, name string) (store.DocID, error) {
	v, err := s.client.HGet(ctx, s.key("doc_to_id"), name)
	if redispkg.IsNilError(err) {
		return 0, fmt.Errorf("document %q: %w", name, store.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("looking up %q: %w", name, err)
	}
	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing id of %q: %w", name, err)
	}
	return store.DocID(id), nil
}

func (s *Store) LookupNames(ctx context.Context, ids []store.DocID) (map[store.DocID]string, error) {
	names := make(map[store.DocID]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}
	vals, err := s.client.HMGet(ctx, s.key("id_to_doc"), idFields(ids)...)
	if err != nil {
		return nil, fmt.Errorf("looking up names: %w", err)
	}
	for i, v := range vals {
		if str, ok := v.(string); ok {
			names[ids[i]] = str
		}
	}
	return names, nil
}

func (s *Store) SetMagnitude(ctx context.Context, id store.DocID, magnitude float64) error {
	err := s.client.HSet(ctx, s.key("doc_to_magnitude"), formatID(id), strconv.FormatFloat(magnitude, 'g', -1, 64))
	if err != nil {
		return fmt.Errorf("setting magnitude of %d: %w", id, err)
	}
	return nil
}

func (s *Store) Magnitudes(ctx context.Context, ids []store.DocID) (map[store.DocID]float64, error) {
	out := make(map[store.DocID]float64, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	vals, err := s.client.HMGet(ctx, s.key("doc_to_magnitude"), idFields(ids)...)
	if err != nil {
		return nil, fmt.Errorf("fetching magnitudes: %w", err)
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		m, err := strconv.ParseFloat(str, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing magnitude of %d: %w", ids[i], err)
		}
		out[ids[i]] = m
	}
	return out, nil
}

func (s *Store) DocCount(ctx context.Context) (int64, error) {
	n, err := s.client.HLen(ctx, s.key("doc_to_magnitude"))
	if err != nil {
		return 0, fmt.Errorf("counting documents: %w", err)
	}
	return n, nil
}

func (s *Store) GetPostings(ctx context.Context, token string) (store.Blob, bool, error) {
	vals, err := s.client.HMGet(ctx, s.postingKey(token), "data", "ver")
	if err != nil {
		return store.Blob{}, false, fmt.Errorf("reading postings for %q: %w", token, err)
	}
	data, ok := vals[0].(string)
	if !ok {
		return store.Blob{}, false, nil
	}
	var ver int64
	if str, ok := vals[1].(string); ok {
		if ver, err = strconv.ParseInt(str, 10, 64); err != nil {
			return store.Blob{}, false, fmt.Errorf("parsing version of %q: %w", token, err)
		}
	}
	return store.Blob{Data: []byte(data), Version: ver}, true, nil
}

func (s *Store) CompareAndSwapPostings(ctx context.Context, token string, expected int64, data []byte) (bool, error) {
	key := s.postingKey(token)
	swapped := false
	err := s.client.Watch(ctx, func(tx *redispkg.Tx) error {
		ver, err := tx.HGet(ctx, key, "ver").Int64()
		if err != nil && !redispkg.IsNilError(err) {
			return err
		}
		if ver != expected {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redispkg.Pipeliner) error {
			p.HSet(ctx, key, "data", data, "ver", expected+1)
			return nil
		})
		if err == nil {
			swapped = true
		}
		return err
	}, key)
	if redispkg.IsTxFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("swapping postings for %q: %w", token, err)
	}
	return swapped, nil
}

func (s *Store) DocTokens(ctx context.Context, id store.DocID) ([]string, error) {
	v, err := s.client.HGet(ctx, s.key("doc_tokens"), formatID(id))
	if redispkg.IsNilError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading tokens of %d: %w", id, err)
	}
	return strings.Fields(v), nil
}

func (s *Store) SetDocTokens(ctx context.Context, id store.DocID, tokens []string) error {
	if err := s.client.HSet(ctx, s.key("doc_tokens"), formatID(id), strings.Join(tokens, " ")); err != nil {
		return fmt.Errorf("writing tokens of %d: %w", id, err)
	}
	return nil
}

// Flush asks Redis to persist according to the configured mode.
func (s *Store) Flush(ctx context.Context) error {
	var err error
	switch s.flushMode {
	case FlushNone:
		// nothing to persist, but a dead client still fails the batch
		err = s.client.Ping(ctx)
	case FlushBgSave:
		err = s.client.BgSave(ctx)
	default:
		err = s.client.Save(ctx)
	}
	if err != nil {
		return fmt.Errorf("redis %s: %w", s.flushMode, err)
	}
	s.logger.Debug("index flushed", "mode", s.flushMode)
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx) }

func (s *Store) Close() error { return s.client.Close() }

func formatID(id store.DocID) string { return strconv.FormatUint(uint64(id), 10) }

func idFields(ids []store.DocID) []string {
	fields := make([]string, len(ids))
	for i, id := range ids {
		fields[i] = formatID(id)
	}
	return fields
}

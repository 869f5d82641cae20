// Package redis implements kv.Store on top of go-redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-session-coordinator/internal/kv"
)

const scanBatch = 100

// compareAndSetScript replaces a hash field only when it holds ARGV[2].
// Returns 1 swapped, 0 mismatch, -1 missing.
var compareAndSetScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur == false then
	return -1
end
if cur == ARGV[2] then
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
	return 1
end
return 0
`)

// Config controls the go-redis client.
type Config struct {
	// URL is a redis:// or rediss:// connection string.
	URL             string
	PoolSize        int
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	// Instrument installs the Prometheus command hook.
	Instrument bool
}

// Store is a kv.Store backed by a single go-redis client and its pool.
type Store struct {
	client goredis.UniversalClient
	logger *zap.Logger
}

var _ kv.Store = (*Store)(nil)

// New parses cfg.URL, builds the client, and verifies connectivity.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("redis.url is required")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MaxRetries != 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if cfg.MinRetryBackoff > 0 {
		opts.MinRetryBackoff = cfg.MinRetryBackoff
	}
	if cfg.MaxRetryBackoff > 0 {
		opts.MaxRetryBackoff = cfg.MaxRetryBackoff
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	client := goredis.NewClient(opts)
	if cfg.Instrument {
		client.AddHook(metricsHook{})
	}
	s := NewWithClient(client, logger)
	if err := s.Ping(ctx); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			s.logger.Warn("Failed to close redis client after ping failure", zap.Error(closeErr))
		}
		return nil, err
	}
	return s, nil
}

// NewWithClient wraps an existing client (primarily for testing).
func NewWithClient(client goredis.UniversalClient, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{client: client, logger: logger}
}

// wrap maps go-redis failures onto the kv error taxonomy. Server replies and
// context errors pass through; everything else is a connection problem.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var replyErr goredis.Error
	if errors.As(err, &replyErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", kv.ErrUnavailable, op, err)
}

// HSet implements kv.Store.
func (s *Store) HSet(ctx context.Context, key, field, value string) (bool, error) {
	n, err := s.client.HSet(ctx, key, field, value).Result()
	if err != nil {
		return false, wrap("hset", err)
	}
	return n == 1, nil
}

// HSetMap implements kv.Store.
func (s *Store) HSetMap(ctx context.Context, key string, values map[string]string) error {
	if len(values) == 0 {
		return fmt.Errorf("hset %s: no fields", key)
	}
	args := make([]any, 0, len(values)*2)
	for f, v := range values {
		args = append(args, f, v)
	}
	return wrap("hset", s.client.HSet(ctx, key, args...).Err())
}

// HSetNX implements kv.Store.
func (s *Store) HSetNX(ctx context.Context, key, field, value string) (bool, error) {
	ok, err := s.client.HSetNX(ctx, key, field, value).Result()
	if err != nil {
		return false, wrap("hsetnx", err)
	}
	return ok, nil
}

// HCompareAndSet implements kv.Store with a Lua script so the read and the
// write happen in one server-side step.
func (s *Store) HCompareAndSet(ctx context.Context, key, field, expected, value string) (kv.CompareResult, error) {
	res, err := compareAndSetScript.Run(ctx, s.client, []string{key}, field, expected, value).Int64()
	if err != nil {
		return kv.CompareMissing, wrap("hcas", err)
	}
	switch res {
	case 1:
		return kv.CompareSwapped, nil
	case 0:
		return kv.CompareMismatch, nil
	default:
		return kv.CompareMissing, nil
	}
}

// HGet implements kv.Store.
func (s *Store) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := s.client.HGet(ctx, key, field).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", false, nil
		}
		return "", false, wrap("hget", err)
	}
	return v, true, nil
}

// HGetAll implements kv.Store.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrap("hgetall", err)
	}
	return m, nil
}

// HIncrBy implements kv.Store.
func (s *Store) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	n, err := s.client.HIncrBy(ctx, key, field, delta).Result()
	if err != nil {
		return 0, wrap("hincrby", err)
	}
	return n, nil
}

// HExists implements kv.Store.
func (s *Store) HExists(ctx context.Context, key, field string) (bool, error) {
	ok, err := s.client.HExists(ctx, key, field).Result()
	if err != nil {
		return false, wrap("hexists", err)
	}
	return ok, nil
}

// HDel implements kv.Store.
func (s *Store) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	if len(fields) == 0 {
		return 0, nil
	}
	n, err := s.client.HDel(ctx, key, fields...).Result()
	if err != nil {
		return 0, wrap("hdel", err)
	}
	return n, nil
}

// HLen implements kv.Store.
func (s *Store) HLen(ctx context.Context, key string) (int64, error) {
	n, err := s.client.HLen(ctx, key).Result()
	if err != nil {
		return 0, wrap("hlen", err)
	}
	return n, nil
}

// Exists implements kv.Store.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, wrap("exists", err)
	}
	return n > 0, nil
}

// Del implements kv.Store.
func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, wrap("del", err)
	}
	return n, nil
}

// SAdd implements kv.Store.
func (s *Store) SAdd(ctx context.Context, key, member string) (bool, error) {
	n, err := s.client.SAdd(ctx, key, member).Result()
	if err != nil {
		return false, wrap("sadd", err)
	}
	return n == 1, nil
}

// SRem implements kv.Store.
func (s *Store) SRem(ctx context.Context, key, member string) (bool, error) {
	n, err := s.client.SRem(ctx, key, member).Result()
	if err != nil {
		return false, wrap("srem", err)
	}
	return n == 1, nil
}

// SMembers implements kv.Store.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, wrap("smembers", err)
	}
	return members, nil
}

// SIsMember implements kv.Store.
func (s *Store) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, wrap("sismember", err)
	}
	return ok, nil
}

// Keys walks the keyspace with SCAN so large deployments are not blocked by
// a single KEYS call. SCAN may repeat keys; duplicates are dropped.
func (s *Store) Keys(ctx context.Context, pattern string, limit int) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, wrap("scan", err)
		}
		for _, k := range keys {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

// Publish implements kv.Store.
func (s *Store) Publish(ctx context.Context, channel, message string) error {
	return wrap("publish", s.client.Publish(ctx, channel, message).Err())
}

// Ping implements kv.Store.
func (s *Store) Ping(ctx context.Context) error {
	return wrap("ping", s.client.Ping(ctx).Err())
}

// Close releases the client pool.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

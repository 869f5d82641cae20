// Package memory provides an in-process kv.Store for development and tests.
// Each method holds a single mutex for its whole body, which gives the same
// per-command atomicity a Redis server provides.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/JakeFAU/crawl-session-coordinator/internal/kv"
)

const subscriptionBuffer = 1024

// Store keeps hashes, sets, and pattern subscribers in memory.
type Store struct {
	mu          sync.RWMutex
	hashes      map[string]map[string]string
	sets        map[string]map[string]struct{}
	subs        map[*subscription]struct{}
	unavailable bool
}

var _ kv.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		hashes: make(map[string]map[string]string),
		sets:   make(map[string]map[string]struct{}),
		subs:   make(map[*subscription]struct{}),
	}
}

// SetUnavailable simulates an outage: while set, every operation fails with
// kv.ErrUnavailable.
func (s *Store) SetUnavailable(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = down
}

func (s *Store) check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if s.unavailable {
		return fmt.Errorf("%w: %s", kv.ErrUnavailable, op)
	}
	return nil
}

// HSet implements kv.Store.
func (s *Store) HSet(ctx context.Context, key, field, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "hset"); err != nil {
		return false, err
	}
	h := s.hashLocked(key)
	_, existed := h[field]
	h[field] = value
	return !existed, nil
}

// HSetMap implements kv.Store.
func (s *Store) HSetMap(ctx context.Context, key string, values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "hset"); err != nil {
		return err
	}
	if len(values) == 0 {
		return fmt.Errorf("hset %s: no fields", key)
	}
	h := s.hashLocked(key)
	for f, v := range values {
		h[f] = v
	}
	return nil
}

// HSetNX implements kv.Store.
func (s *Store) HSetNX(ctx context.Context, key, field, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "hsetnx"); err != nil {
		return false, err
	}
	h := s.hashLocked(key)
	if _, ok := h[field]; ok {
		return false, nil
	}
	h[field] = value
	return true, nil
}

// HCompareAndSet implements kv.Store.
func (s *Store) HCompareAndSet(ctx context.Context, key, field, expected, value string) (kv.CompareResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "hcas"); err != nil {
		return kv.CompareMissing, err
	}
	h, ok := s.hashes[key]
	if !ok {
		return kv.CompareMissing, nil
	}
	cur, ok := h[field]
	if !ok {
		return kv.CompareMissing, nil
	}
	if cur != expected {
		return kv.CompareMismatch, nil
	}
	h[field] = value
	return kv.CompareSwapped, nil
}

// HGet implements kv.Store.
func (s *Store) HGet(ctx context.Context, key, field string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx, "hget"); err != nil {
		return "", false, err
	}
	v, ok := s.hashes[key][field]
	return v, ok, nil
}

// HGetAll implements kv.Store.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx, "hgetall"); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(s.hashes[key]))
	for f, v := range s.hashes[key] {
		out[f] = v
	}
	return out, nil
}

// HIncrBy implements kv.Store.
func (s *Store) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "hincrby"); err != nil {
		return 0, err
	}
	h := s.hashLocked(key)
	var cur int64
	if raw, ok := h[field]; ok {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("hincrby %s %s: hash value is not an integer", key, field)
		}
		cur = n
	}
	cur += delta
	h[field] = strconv.FormatInt(cur, 10)
	return cur, nil
}

// HExists implements kv.Store.
func (s *Store) HExists(ctx context.Context, key, field string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx, "hexists"); err != nil {
		return false, err
	}
	_, ok := s.hashes[key][field]
	return ok, nil
}

// HDel implements kv.Store.
func (s *Store) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "hdel"); err != nil {
		return 0, err
	}
	h, ok := s.hashes[key]
	if !ok {
		return 0, nil
	}
	var removed int64
	for _, f := range fields {
		if _, ok := h[f]; ok {
			delete(h, f)
			removed++
		}
	}
	if len(h) == 0 {
		delete(s.hashes, key)
	}
	return removed, nil
}

// HLen implements kv.Store.
func (s *Store) HLen(ctx context.Context, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx, "hlen"); err != nil {
		return 0, err
	}
	return int64(len(s.hashes[key])), nil
}

// Exists implements kv.Store.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx, "exists"); err != nil {
		return false, err
	}
	return s.existsLocked(key), nil
}

// Del implements kv.Store.
func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "del"); err != nil {
		return 0, err
	}
	var removed int64
	for _, k := range keys {
		if s.existsLocked(k) {
			removed++
		}
		delete(s.hashes, k)
		delete(s.sets, k)
	}
	return removed, nil
}

// SAdd implements kv.Store.
func (s *Store) SAdd(ctx context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "sadd"); err != nil {
		return false, err
	}
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	if _, ok := set[member]; ok {
		return false, nil
	}
	set[member] = struct{}{}
	return true, nil
}

// SRem implements kv.Store.
func (s *Store) SRem(ctx context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "srem"); err != nil {
		return false, err
	}
	set, ok := s.sets[key]
	if !ok {
		return false, nil
	}
	if _, ok := set[member]; !ok {
		return false, nil
	}
	delete(set, member)
	if len(set) == 0 {
		delete(s.sets, key)
	}
	return true, nil
}

// SMembers implements kv.Store.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx, "smembers"); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(s.sets[key]))
	for m := range s.sets[key] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

// SIsMember implements kv.Store.
func (s *Store) SIsMember(ctx context.Context, key, member string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx, "sismember"); err != nil {
		return false, err
	}
	_, ok := s.sets[key][member]
	return ok, nil
}

// Keys implements kv.Store.
func (s *Store) Keys(ctx context.Context, pattern string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx, "scan"); err != nil {
		return nil, err
	}
	var out []string
	add := func(k string) bool {
		if kv.MatchPattern(pattern, k) {
			out = append(out, k)
		}
		return limit > 0 && len(out) >= limit
	}
	for k, h := range s.hashes {
		if len(h) > 0 && add(k) {
			return out, nil
		}
	}
	for k, set := range s.sets {
		if len(set) > 0 && add(k) {
			return out, nil
		}
	}
	return out, nil
}

// Ping implements kv.Store.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.check(ctx, "ping")
}

// Close ends all subscriptions. The store itself stays usable.
func (s *Store) Close() error {
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

func (s *Store) hashLocked(key string) map[string]string {
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	return h
}

func (s *Store) existsLocked(key string) bool {
	if h, ok := s.hashes[key]; ok && len(h) > 0 {
		return true
	}
	if set, ok := s.sets[key]; ok && len(set) > 0 {
		return true
	}
	return false
}

// Package kvtest is a conformance suite every kv.Store implementation runs
// from its own tests, so the memory and redis stores cannot drift apart.
package kvtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-session-coordinator/internal/kv"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) kv.Store

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s kv.Store)
	}{
		{"HashBasics", testHashBasics},
		{"HSetNX", testHSetNX},
		{"HCompareAndSet", testHCompareAndSet},
		{"HIncrByConcurrent", testHIncrByConcurrent},
		{"HSetNXConcurrent", testHSetNXConcurrent},
		{"DelAndExists", testDelAndExists},
		{"Sets", testSets},
		{"Keys", testKeys},
		{"PubSub", testPubSub},
		{"Ping", testPing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func testHashBasics(t *testing.T, s kv.Store) {
	ctx := context.Background()

	created, err := s.HSet(ctx, "h", "a", "1")
	require.NoError(t, err)
	assert.True(t, created)
	created, err = s.HSet(ctx, "h", "a", "2")
	require.NoError(t, err)
	assert.False(t, created)

	v, ok, err := s.HGet(ctx, "h", "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2", v)

	_, ok, err = s.HGet(ctx, "h", "missing")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = s.HGet(ctx, "nohash", "a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.HSetMap(ctx, "h", map[string]string{"b": "x", "c": ""}))
	all, err := s.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "2", "b": "x", "c": ""}, all)

	n, err := s.HLen(ctx, "h")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	exists, err := s.HExists(ctx, "h", "c")
	require.NoError(t, err)
	assert.True(t, exists, "empty string value still exists")

	removed, err := s.HDel(ctx, "h", "b", "zzz")
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	empty, err := s.HGetAll(ctx, "nohash")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testHSetNX(t *testing.T, s kv.Store) {
	ctx := context.Background()

	ok, err := s.HSetNX(ctx, "h", "f", "first")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.HSetNX(ctx, "h", "f", "second")
	require.NoError(t, err)
	assert.False(t, ok)

	v, _, err := s.HGet(ctx, "h", "f")
	require.NoError(t, err)
	assert.Equal(t, "first", v)
}

func testHCompareAndSet(t *testing.T, s kv.Store) {
	ctx := context.Background()

	res, err := s.HCompareAndSet(ctx, "h", "f", "", "w1")
	require.NoError(t, err)
	assert.Equal(t, kv.CompareMissing, res)

	_, err = s.HSet(ctx, "h", "f", "")
	require.NoError(t, err)

	res, err = s.HCompareAndSet(ctx, "h", "f", "", "w1")
	require.NoError(t, err)
	assert.Equal(t, kv.CompareSwapped, res)

	res, err = s.HCompareAndSet(ctx, "h", "f", "", "w2")
	require.NoError(t, err)
	assert.Equal(t, kv.CompareMismatch, res)

	v, _, err := s.HGet(ctx, "h", "f")
	require.NoError(t, err)
	assert.Equal(t, "w1", v)
}

func testHIncrByConcurrent(t *testing.T, s kv.Store) {
	ctx := context.Background()
	const workers, perWorker = 8, 25

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWorker {
				_, err := s.HIncrBy(ctx, "counters", "n", 1)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	v, _, err := s.HGet(ctx, "counters", "n")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprint(workers*perWorker), v)

	n, err := s.HIncrBy(ctx, "counters", "n", -10)
	require.NoError(t, err)
	assert.EqualValues(t, workers*perWorker-10, n)

	_, err = s.HSet(ctx, "counters", "text", "abc")
	require.NoError(t, err)
	_, err = s.HIncrBy(ctx, "counters", "text", 1)
	require.Error(t, err)
	assert.NotErrorIs(t, err, kv.ErrUnavailable)
}

func testHSetNXConcurrent(t *testing.T, s kv.Store) {
	ctx := context.Background()
	const racers = 16

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.HSetNX(ctx, "race", "f", fmt.Sprint(i))
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, won)
}

func testDelAndExists(t *testing.T, s kv.Store) {
	ctx := context.Background()

	_, err := s.HSet(ctx, "a", "f", "v")
	require.NoError(t, err)
	_, err = s.SAdd(ctx, "b", "m")
	require.NoError(t, err)

	ok, err := s.Exists(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := s.Del(ctx, "a", "b", "c")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	ok, err = s.Exists(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err = s.Del(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testSets(t *testing.T, s kv.Store) {
	ctx := context.Background()

	members, err := s.SMembers(ctx, "set")
	require.NoError(t, err)
	assert.Empty(t, members)

	added, err := s.SAdd(ctx, "set", "x")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = s.SAdd(ctx, "set", "x")
	require.NoError(t, err)
	assert.False(t, added)
	_, err = s.SAdd(ctx, "set", "y")
	require.NoError(t, err)

	members, err = s.SMembers(ctx, "set")
	require.NoError(t, err)
	sort.Strings(members)
	assert.Equal(t, []string{"x", "y"}, members)

	ok, err := s.SIsMember(ctx, "set", "y")
	require.NoError(t, err)
	assert.True(t, ok)

	removed, err := s.SRem(ctx, "set", "x")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = s.SRem(ctx, "set", "x")
	require.NoError(t, err)
	assert.False(t, removed)
	removed, err = s.SRem(ctx, "nosuchset", "x")
	require.NoError(t, err)
	assert.False(t, removed)
}

func testKeys(t *testing.T, s kv.Store) {
	ctx := context.Background()

	for i := range 5 {
		_, err := s.HSet(ctx, fmt.Sprintf("meta_%d", i), "f", "v")
		require.NoError(t, err)
	}
	_, err := s.HSet(ctx, "other_1", "f", "v")
	require.NoError(t, err)

	keys, err := s.Keys(ctx, "meta_*", 0)
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"meta_0", "meta_1", "meta_2", "meta_3", "meta_4"}, keys)

	keys, err = s.Keys(ctx, "meta_*", 2)
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	keys, err = s.Keys(ctx, "nothing_*", 0)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func testPubSub(t *testing.T, s kv.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := s.PSubscribe(ctx, "chan_*")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, s.Publish(ctx, "other", "ignored"))
	require.NoError(t, s.Publish(ctx, "chan_a", "hello"))

	select {
	case msg := <-sub.Messages():
		assert.Equal(t, "chan_*", msg.Pattern)
		assert.Equal(t, "chan_a", msg.Channel)
		assert.Equal(t, "hello", msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	require.NoError(t, sub.Close())
	select {
	case _, ok := <-sub.Messages():
		assert.False(t, ok, "channel closes after Close")
	case <-time.After(2 * time.Second):
		t.Fatal("messages channel not closed")
	}
}

func testPing(t *testing.T, s kv.Store) {
	require.NoError(t, s.Ping(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.HSet(ctx, "h", "f", "v")
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, kv.ErrUnavailable)
}

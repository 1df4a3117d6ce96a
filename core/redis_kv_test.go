package core

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestKV creates a miniredis-backed KV adapter
func setupTestKV(t *testing.T) (*miniredis.Miniredis, *RedisKV) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err, "failed to start miniredis")
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return mr, NewRedisKVFromClient(client, "test")
}

func TestStringOperations(t *testing.T) {
	mr, kv := setupTestKV(t)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "k1", "v1", 0))

	got, found, err := kv.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v1", got)

	// Keys are namespaced on the wire
	assert.True(t, mr.Exists("test:k1"))

	_, found, err = kv.Get(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, kv.Del(ctx, "k1"))
	_, found, err = kv.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSetWithTTL(t *testing.T) {
	mr, kv := setupTestKV(t)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "ephemeral", "v", time.Minute))
	ttl, err := kv.TTL(ctx, "ephemeral")
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	mr.FastForward(2 * time.Minute)
	_, found, err := kv.Get(ctx, "ephemeral")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHashOperations(t *testing.T) {
	_, kv := setupTestKV(t)
	ctx := context.Background()

	require.NoError(t, kv.HSet(ctx, "h", "f1", "v1"))
	require.NoError(t, kv.HSet(ctx, "h", "f2", "v2"))

	got, found, err := kv.HGet(ctx, "h", "f1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v1", got)

	all, err := kv.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"f1": "v1", "f2": "v2"}, all)

	n, err := kv.HLen(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, kv.HDel(ctx, "h", "f1"))
	_, found, err = kv.HGet(ctx, "h", "f1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestListOperations(t *testing.T) {
	_, kv := setupTestKV(t)
	ctx := context.Background()

	require.NoError(t, kv.LPush(ctx, "l", "a"))
	require.NoError(t, kv.LPush(ctx, "l", "b"))
	require.NoError(t, kv.RPush(ctx, "l", "c"))

	n, err := kv.LLen(ctx, "l")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// RPop drains the oldest LPush first
	got, found, err := kv.RPop(ctx, "l")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "c", got)

	got, found, err = kv.RPop(ctx, "l")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a", got)

	_, found, err = kv.RPop(ctx, "empty")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBRPopTimeout(t *testing.T) {
	_, kv := setupTestKV(t)

	start := time.Now()
	_, found, err := kv.BRPop(context.Background(), 50*time.Millisecond, "nothing")
	require.NoError(t, err, "timeout is not an error")
	assert.False(t, found)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestSortedSetOperations(t *testing.T) {
	_, kv := setupTestKV(t)
	ctx := context.Background()

	require.NoError(t, kv.ZAdd(ctx, "z", 1, "one"))
	require.NoError(t, kv.ZAdd(ctx, "z", 2, "two"))
	require.NoError(t, kv.ZAdd(ctx, "z", 3, "three"))

	n, err := kv.ZCard(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// Unbounded range uses ±inf
	members, err := kv.ZRangeByScore(ctx, "z", math.Inf(-1), math.Inf(1), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, members)

	members, err = kv.ZRangeByScore(ctx, "z", 2, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"two", "three"}, members)

	top, err := kv.ZRevRange(ctx, "z", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"three"}, top)

	require.NoError(t, kv.ZRem(ctx, "z", "two"))
	require.NoError(t, kv.ZRemRangeByScore(ctx, "z", math.Inf(-1), 1))
	n, err = kv.ZCard(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSetMembership(t *testing.T) {
	_, kv := setupTestKV(t)
	ctx := context.Background()

	require.NoError(t, kv.SAdd(ctx, "s", "a"))
	require.NoError(t, kv.SAdd(ctx, "s", "b"))

	ok, err := kv.SIsMember(ctx, "s", "a")
	require.NoError(t, err)
	assert.True(t, ok)

	members, err := kv.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, members)

	require.NoError(t, kv.SRem(ctx, "s", "a"))
	n, err := kv.SCard(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestIncrAndExists(t *testing.T) {
	_, kv := setupTestKV(t)
	ctx := context.Background()

	n, err := kv.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = kv.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	exists, err := kv.Exists(ctx, "counter")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = kv.Exists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestKeysByPrefix(t *testing.T) {
	_, kv := setupTestKV(t)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "job:1", "a", 0))
	require.NoError(t, kv.Set(ctx, "job:2", "b", 0))
	require.NoError(t, kv.Set(ctx, "other", "c", 0))

	keys, err := kv.Keys(ctx, "job:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"job:1", "job:2"}, keys)
}

func TestTxPipelineAtomicBatch(t *testing.T) {
	_, kv := setupTestKV(t)
	ctx := context.Background()

	err := kv.TxPipeline(ctx, func(p Pipe) error {
		p.HSet("h", "f", "v")
		p.LPush("l", "item")
		p.SAdd("s", "m")
		p.ZAdd("z", 7, "m")
		return nil
	})
	require.NoError(t, err)

	_, found, err := kv.HGet(ctx, "h", "f")
	require.NoError(t, err)
	assert.True(t, found)
	n, err := kv.LLen(ctx, "l")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	ok, err := kv.SIsMember(ctx, "s", "m")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTxPipelineBuildError(t *testing.T) {
	_, kv := setupTestKV(t)
	ctx := context.Background()

	buildErr := assert.AnError
	err := kv.TxPipeline(ctx, func(p Pipe) error {
		p.Set("never", "written", 0)
		return buildErr
	})
	require.Error(t, err)

	_, found, err := kv.Get(ctx, "never")
	require.NoError(t, err)
	assert.False(t, found, "a failed build discards the batch")
}

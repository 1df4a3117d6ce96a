package memory

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revoagent/fabric/core"
)

// setupTestCoordinator creates a miniredis-backed coordinator for testing
func setupTestCoordinator(t *testing.T, cfg core.MemoryConfig, opts ...CoordinatorOption) (*miniredis.Miniredis, *Coordinator) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err, "failed to start miniredis")
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	kv := core.NewRedisKVFromClient(client, "test")
	coord := NewCoordinator(kv, cfg, opts...)
	t.Cleanup(coord.Stop)
	return mr, coord
}

func TestImmediateWriteReadRoundTrip(t *testing.T) {
	_, coord := setupTestCoordinator(t, core.MemoryConfig{})
	ctx := context.Background()

	value := map[string]interface{}{"plan": "draft"}
	entry, err := coord.Write(ctx, "k1", value, "A1", "", 0, SyncImmediate)
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.Version)
	assert.NotEmpty(t, entry.Checksum)

	got, found, err := coord.Read(ctx, "k1", "A2")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, value, got.Value)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, "A1", got.CreatedBy)

	// A second write bumps the version and keeps creator identity
	entry2, err := coord.Write(ctx, "k1", map[string]interface{}{"plan": "final"}, "A2", "", 0, SyncImmediate)
	require.NoError(t, err)
	assert.Equal(t, int64(2), entry2.Version)
	assert.Equal(t, "A1", entry2.CreatedBy)
	assert.Equal(t, "A2", entry2.UpdatedBy)
}

func TestReadMissingKey(t *testing.T) {
	_, coord := setupTestCoordinator(t, core.MemoryConfig{})

	got, found, err := coord.Read(context.Background(), "absent", "A1")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, got)
}

func TestExclusiveLockBlocksOtherWriter(t *testing.T) {
	_, coord := setupTestCoordinator(t, core.MemoryConfig{})
	ctx := context.Background()

	lockID, err := coord.AcquireLock(ctx, "k1", "A1", LockExclusive, time.Minute)
	require.NoError(t, err)

	_, err = coord.Write(ctx, "k1", map[string]interface{}{"v": 2}, "A2", "", 0, SyncImmediate)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrLockNotHeld)

	// The holder writes freely
	_, err = coord.Write(ctx, "k1", map[string]interface{}{"v": 1}, "A1", lockID, 0, SyncImmediate)
	require.NoError(t, err)

	require.NoError(t, coord.ReleaseLock(ctx, lockID))
	_, err = coord.Write(ctx, "k1", map[string]interface{}{"v": 3}, "A2", "", 0, SyncImmediate)
	require.NoError(t, err)
}

func TestLockTimeout(t *testing.T) {
	_, coord := setupTestCoordinator(t, core.MemoryConfig{LockPollTimeout: 300 * time.Millisecond})
	ctx := context.Background()

	_, err := coord.AcquireLock(ctx, "k1", "A1", LockExclusive, time.Minute)
	require.NoError(t, err)

	start := time.Now()
	_, err = coord.AcquireLock(ctx, "k1", "A2", LockShared, time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrLockTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func TestSharedLocksCoexist(t *testing.T) {
	_, coord := setupTestCoordinator(t, core.MemoryConfig{LockPollTimeout: 200 * time.Millisecond})
	ctx := context.Background()

	_, err := coord.AcquireLock(ctx, "k1", "A1", LockShared, time.Minute)
	require.NoError(t, err)
	_, err = coord.AcquireLock(ctx, "k1", "A2", LockShared, time.Minute)
	require.NoError(t, err, "shared locks on the same key must coexist")

	_, err = coord.AcquireLock(ctx, "k1", "A3", LockExclusive, time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrLockTimeout)
}

func TestCitedLockMustMatch(t *testing.T) {
	_, coord := setupTestCoordinator(t, core.MemoryConfig{})
	ctx := context.Background()

	lockID, err := coord.AcquireLock(ctx, "k1", "A1", LockShared, time.Minute)
	require.NoError(t, err)

	// Wrong key for the cited lock
	_, err = coord.Write(ctx, "other", map[string]interface{}{"v": 1}, "A1", lockID, 0, SyncImmediate)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrLockNotHeld)

	// Wrong holder
	_, err = coord.Write(ctx, "k1", map[string]interface{}{"v": 1}, "A2", lockID, 0, SyncImmediate)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrLockNotHeld)
}

func TestReleaseLockIdempotent(t *testing.T) {
	_, coord := setupTestCoordinator(t, core.MemoryConfig{})
	ctx := context.Background()

	lockID, err := coord.AcquireLock(ctx, "k1", "A1", LockExclusive, time.Minute)
	require.NoError(t, err)
	require.NoError(t, coord.ReleaseLock(ctx, lockID))
	require.NoError(t, coord.ReleaseLock(ctx, lockID))
	require.NoError(t, coord.ReleaseLock(ctx, "never-issued"))
}

func TestConflictLastWriterWins(t *testing.T) {
	_, coord := setupTestCoordinator(t, core.MemoryConfig{})
	ctx := context.Background()

	_, err := coord.Write(ctx, "k1", map[string]interface{}{"v": "base"}, "A0", "", 0, SyncImmediate)
	require.NoError(t, err)

	// Both writers observed version 1; the first commits version 2
	_, err = coord.Write(ctx, "k1", map[string]interface{}{"v": "first"}, "A1", "", 1, SyncImmediate)
	require.NoError(t, err)

	_, err = coord.Write(ctx, "k1", map[string]interface{}{"v": "second"}, "A2", "", 1, SyncImmediate)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrConflictUnresolved)

	pending := coord.PendingConflicts()
	require.Len(t, pending, 1)
	require.Len(t, pending[0].Candidates, 2)

	// Last writer wins: the rejected write carries the later timestamp
	resolved, err := coord.ResolveConflict(ctx, pending[0].ID, ResolveLastWriterWins, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"v": "second"}, resolved.Value)
	assert.Equal(t, int64(3), resolved.Version)
	assert.Empty(t, coord.PendingConflicts())
}

func TestConflictMergeFallback(t *testing.T) {
	_, coord := setupTestCoordinator(t, core.MemoryConfig{})
	ctx := context.Background()

	_, err := coord.Write(ctx, "k1", map[string]interface{}{"a": 1}, "A0", "", 0, SyncImmediate)
	require.NoError(t, err)
	_, err = coord.Write(ctx, "k1", map[string]interface{}{"a": 2, "b": 2}, "A1", "", 0, SyncImmediate)
	require.NoError(t, err)
	_, err = coord.Write(ctx, "k1", map[string]interface{}{"c": 3}, "A2", "", 1, SyncImmediate)
	require.Error(t, err)

	pending := coord.PendingConflicts()
	require.Len(t, pending, 1)

	resolved, err := coord.ResolveConflict(ctx, pending[0].ID, ResolveMerge, nil)
	require.NoError(t, err)
	merged, ok := resolved.Value.(map[string]interface{})
	require.True(t, ok)
	// Shallow union, later write winning collisions
	assert.Equal(t, 3, merged["c"])
	assert.Contains(t, merged, "a")
	assert.Contains(t, merged, "b")
}

func TestManualResolutionRequiresValue(t *testing.T) {
	_, coord := setupTestCoordinator(t, core.MemoryConfig{})
	ctx := context.Background()

	_, err := coord.Write(ctx, "k1", map[string]interface{}{"v": 1}, "A0", "", 0, SyncImmediate)
	require.NoError(t, err)
	_, err = coord.Write(ctx, "k1", map[string]interface{}{"v": 2}, "A1", "", 0, SyncImmediate)
	require.NoError(t, err)
	_, err = coord.Write(ctx, "k1", map[string]interface{}{"v": 3}, "A2", "", 1, SyncImmediate)
	require.Error(t, err)

	pending := coord.PendingConflicts()
	require.Len(t, pending, 1)

	_, err = coord.ResolveConflict(ctx, pending[0].ID, ResolveManual, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrConflictUnresolved)

	resolved, err := coord.ResolveConflict(ctx, pending[0].ID, ResolveManual, map[string]interface{}{"v": "agreed"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"v": "agreed"}, resolved.Value)
}

func TestBatchSyncFlushesAtThreshold(t *testing.T) {
	_, coord := setupTestCoordinator(t, core.MemoryConfig{SyncBatchSize: 2})
	ctx := context.Background()

	_, err := coord.Write(ctx, "k1", map[string]interface{}{"v": 1}, "A1", "", 0, SyncBatch)
	require.NoError(t, err)

	// Not yet durable
	_, found, err := coord.kv.HGet(ctx, entriesKey, "k1")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = coord.Write(ctx, "k2", map[string]interface{}{"v": 2}, "A1", "", 0, SyncBatch)
	require.NoError(t, err)

	// Threshold reached, both flushed
	for _, key := range []string{"k1", "k2"} {
		_, found, err = coord.kv.HGet(ctx, entriesKey, key)
		require.NoError(t, err)
		assert.True(t, found, "key %s should be flushed", key)
	}
	assert.Equal(t, 0, coord.Stats().PendingSync)
}

func TestExplicitSyncFlushesPending(t *testing.T) {
	_, coord := setupTestCoordinator(t, core.MemoryConfig{})
	ctx := context.Background()

	_, err := coord.Write(ctx, "k1", map[string]interface{}{"v": 1}, "A1", "", 0, SyncPeriodic)
	require.NoError(t, err)
	require.NoError(t, coord.Sync(ctx))

	_, found, err := coord.kv.HGet(ctx, entriesKey, "k1")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestLRUEviction(t *testing.T) {
	_, coord := setupTestCoordinator(t, core.MemoryConfig{CacheCapacity: 3})
	ctx := context.Background()

	for _, key := range []string{"k1", "k2", "k3"} {
		_, err := coord.Write(ctx, key, map[string]interface{}{"k": key}, "A1", "", 0, SyncImmediate)
		require.NoError(t, err)
	}

	// Touch k1 so k2 becomes least recently used
	_, _, err := coord.Read(ctx, "k1", "A1")
	require.NoError(t, err)

	_, err = coord.Write(ctx, "k4", map[string]interface{}{"k": "k4"}, "A1", "", 0, SyncImmediate)
	require.NoError(t, err)

	stats := coord.Stats()
	assert.Equal(t, 3, stats.CachedEntries)
	assert.Equal(t, uint64(1), stats.Evictions)

	// Evicted entries are still readable from the store
	got, found, err := coord.Read(ctx, "k2", "A1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "k2", got.Value.(map[string]interface{})["k"])
}

func TestVersionHistory(t *testing.T) {
	_, coord := setupTestCoordinator(t, core.MemoryConfig{})
	ctx := context.Background()

	_, err := coord.Write(ctx, "k1", map[string]interface{}{"v": 1}, "A1", "", 0, SyncImmediate)
	require.NoError(t, err)
	_, err = coord.Write(ctx, "k1", map[string]interface{}{"v": 2}, "A2", "", 0, SyncImmediate)
	require.NoError(t, err)

	history := coord.History("k1")
	require.Len(t, history, 2)
	assert.Equal(t, OpWrite, history[0].Operation)
	assert.Equal(t, OpUpdate, history[1].Operation)
	assert.Equal(t, int64(2), history[1].Version)
}

func TestStatsTracksAgentReads(t *testing.T) {
	_, coord := setupTestCoordinator(t, core.MemoryConfig{})
	ctx := context.Background()

	_, err := coord.Write(ctx, "k1", map[string]interface{}{"v": 1}, "A1", "", 0, SyncImmediate)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, _, err = coord.Read(ctx, "k1", "A2")
		require.NoError(t, err)
	}

	stats := coord.Stats()
	assert.Equal(t, uint64(3), stats.Reads)
	assert.Equal(t, int64(3), stats.ReadsByAgent["A2"])
	assert.Equal(t, uint64(1), stats.Writes)
}

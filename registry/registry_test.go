package registry

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

// setupTestRegistry creates a miniredis-backed registry for testing
func setupTestRegistry(t *testing.T) (*miniredis.Miniredis, *Registry) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err, "failed to start miniredis")
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	kv := core.NewRedisKVFromClient(client, "test")
	reg := NewRegistry(kv, core.RegistryConfig{})
	t.Cleanup(reg.Stop)
	return mr, reg
}

func testAgent(id string, caps ...Capability) *AgentRecord {
	return &AgentRecord{
		ID:           id,
		Type:         "worker",
		Capabilities: caps,
		Status:       StatusIdle,
		Metrics:      AgentMetrics{MaxConcurrent: 10},
	}
}

func TestRegisterAndGet(t *testing.T) {
	_, reg := setupTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, testAgent("A1", CapCodeGeneration, CapTesting)))

	got, ok := reg.Get("A1")
	require.True(t, ok)
	assert.Equal(t, "A1", got.ID)
	assert.Equal(t, 1.0, got.Weight, "weight defaults to 1.0")
	assert.False(t, got.LastHeartbeat.IsZero())

	byCap := reg.ByCapability(CapTesting)
	require.Len(t, byCap, 1)
	assert.Equal(t, "A1", byCap[0].ID)

	byType := reg.ByType("worker")
	require.Len(t, byType, 1)
}

func TestReregisterPreservesCounters(t *testing.T) {
	_, reg := setupTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, testAgent("A1", CapTesting)))
	reg.RecordTaskOutcome("A1", 200*time.Millisecond, true)
	reg.RecordTaskOutcome("A1", 400*time.Millisecond, false)

	require.NoError(t, reg.Register(ctx, testAgent("A1", CapDebugging)))

	got, ok := reg.Get("A1")
	require.True(t, ok)
	assert.Equal(t, int64(2), got.Metrics.TotalTasks)
	assert.Equal(t, int64(1), got.Metrics.CompletedTasks)
	assert.Equal(t, int64(1), got.Metrics.FailedTasks)
	assert.InDelta(t, 0.3, got.Metrics.AverageResponseTime, 0.001)

	// Indices follow the new capability set
	assert.Empty(t, reg.ByCapability(CapTesting))
	assert.Len(t, reg.ByCapability(CapDebugging), 1)
}

func TestUnregisterIdempotent(t *testing.T) {
	_, reg := setupTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, testAgent("A1", CapTesting)))
	require.NoError(t, reg.Unregister(ctx, "A1"))
	require.NoError(t, reg.Unregister(ctx, "A1"))

	_, ok := reg.Get("A1")
	assert.False(t, ok)
	assert.Empty(t, reg.ByCapability(CapTesting))
}

func TestRoundRobinSelection(t *testing.T) {
	_, reg := setupTestRegistry(t)
	ctx := context.Background()

	for _, id := range []string{"A1", "A2", "A3"} {
		require.NoError(t, reg.Register(ctx, testAgent(id, CapTesting)))
	}

	seen := make(map[string]int)
	for i := 0; i < 6; i++ {
		agent, err := reg.Select(CapTesting, "", SelectRoundRobin)
		require.NoError(t, err)
		seen[agent.ID]++
	}
	assert.Equal(t, map[string]int{"A1": 2, "A2": 2, "A3": 2}, seen)
}

func TestLeastConnectionsSelection(t *testing.T) {
	_, reg := setupTestRegistry(t)
	ctx := context.Background()

	for _, id := range []string{"A1", "A2", "A3"} {
		require.NoError(t, reg.Register(ctx, testAgent(id, CapTesting)))
	}
	reg.AdjustLoad("A1", 5)
	reg.AdjustLoad("A2", 1)
	reg.AdjustLoad("A3", 3)

	agent, err := reg.Select(CapTesting, "", SelectLeastConnections)
	require.NoError(t, err)
	assert.Equal(t, "A2", agent.ID)
}

func TestResourceBasedSelection(t *testing.T) {
	_, reg := setupTestRegistry(t)
	ctx := context.Background()

	hot := testAgent("hot", CapTesting)
	hot.Metrics.CPUPercent = 90
	hot.Metrics.MemoryPercent = 80
	cool := testAgent("cool", CapTesting)
	cool.Metrics.CPUPercent = 10
	cool.Metrics.MemoryPercent = 20
	require.NoError(t, reg.Register(ctx, hot))
	require.NoError(t, reg.Register(ctx, cool))

	agent, err := reg.Select(CapTesting, "", SelectResourceBased)
	require.NoError(t, err)
	assert.Equal(t, "cool", agent.ID)
}

func TestSelectNoEligibleAgent(t *testing.T) {
	_, reg := setupTestRegistry(t)
	ctx := context.Background()

	a := testAgent("A1", CapTesting)
	a.Status = StatusMaintenance
	require.NoError(t, reg.Register(ctx, a))

	_, err := reg.Select(CapTesting, "", SelectRoundRobin)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrNoEligibleAgent)
}

func TestSelectSkipsSaturatedAgent(t *testing.T) {
	_, reg := setupTestRegistry(t)
	ctx := context.Background()

	full := testAgent("full", CapTesting)
	full.Metrics.MaxConcurrent = 2
	full.Metrics.CurrentLoad = 2
	free := testAgent("free", CapTesting)
	require.NoError(t, reg.Register(ctx, full))
	require.NoError(t, reg.Register(ctx, free))

	for i := 0; i < 4; i++ {
		agent, err := reg.Select(CapTesting, "", SelectRoundRobin)
		require.NoError(t, err)
		assert.Equal(t, "free", agent.ID)
	}
}

func TestHeartbeatRecoversOfflineAgent(t *testing.T) {
	_, reg := setupTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, testAgent("A1", CapTesting)))
	require.NoError(t, reg.UpdateStatus(ctx, "A1", StatusOffline, nil))

	var events []Event
	reg.Subscribe(func(ev Event) { events = append(events, ev) })

	require.NoError(t, reg.Heartbeat(ctx, "A1", &AgentMetrics{CurrentLoad: 1, MaxConcurrent: 10}))

	got, ok := reg.Get("A1")
	require.True(t, ok)
	assert.Equal(t, StatusIdle, got.Status)
	assert.Equal(t, 1, got.Metrics.CurrentLoad)

	require.Len(t, events, 1)
	assert.Equal(t, EventRecovered, events[0].Type)
}

func TestSweepMarksStaleAgentOffline(t *testing.T) {
	_, reg := setupTestRegistry(t)
	ctx := context.Background()

	a := testAgent("A1", CapTesting)
	a.HeartbeatInterval = 10 * time.Millisecond
	require.NoError(t, reg.Register(ctx, a))

	var events []Event
	reg.Subscribe(func(ev Event) { events = append(events, ev) })

	time.Sleep(50 * time.Millisecond)
	reg.sweep(ctx)

	got, ok := reg.Get("A1")
	require.True(t, ok)
	assert.Equal(t, StatusOffline, got.Status)
	require.Len(t, events, 1)
	assert.Equal(t, EventFailed, events[0].Type)
}

func TestRebuildFromMirror(t *testing.T) {
	mr, reg := setupTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, testAgent("A1", CapTesting, CapDebugging)))
	require.NoError(t, reg.Register(ctx, testAgent("A2", CapTesting)))

	// A second process sharing the store sees the same population
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	fresh := NewRegistry(core.NewRedisKVFromClient(client, "test"), core.RegistryConfig{})
	t.Cleanup(fresh.Stop)

	require.NoError(t, fresh.Rebuild(ctx))
	assert.Len(t, fresh.ByCapability(CapTesting), 2)
	assert.Len(t, fresh.ByCapability(CapDebugging), 1)

	got, ok := fresh.Get("A1")
	require.True(t, ok)
	assert.Equal(t, "worker", got.Type)
}

func TestStats(t *testing.T) {
	_, reg := setupTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, testAgent("A1", CapTesting)))
	busy := testAgent("A2", CapTesting)
	busy.Status = StatusBusy
	require.NoError(t, reg.Register(ctx, busy))

	stats := reg.Stats()
	assert.Equal(t, 2, stats.TotalAgents)
	assert.Equal(t, 2, stats.HealthyAgents)
	assert.Equal(t, 1, stats.ByStatus[string(StatusIdle)])
	assert.Equal(t, 1, stats.ByStatus[string(StatusBusy)])
	assert.Equal(t, 2, stats.ByType["worker"])
}

func TestResolverAdapter(t *testing.T) {
	_, reg := setupTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, testAgent("A2", CapTesting)))
	require.NoError(t, reg.Register(ctx, testAgent("A1", CapTesting)))
	down := testAgent("A3", CapTesting)
	down.Status = StatusError
	require.NoError(t, reg.Register(ctx, down))
	reg.AdjustLoad("A1", 4)

	candidates, err := reg.Resolver().ResolveType(ctx, "worker")
	require.NoError(t, err)
	require.Len(t, candidates, 2, "error-status agent excluded")
	assert.Equal(t, "A1", candidates[0].ID, "candidates come back in stable order")
	assert.Equal(t, 4, candidates[0].CurrentLoad)
	assert.Equal(t, "A2", candidates[1].ID)
}

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/revoagent/fabric/core"
	"github.com/revoagent/fabric/messaging"
)

const agentsKey = "agents"

func capabilityKey(cap Capability) string { return "capabilities:" + string(cap) }
func typeKey(agentType string) string     { return "types:" + agentType }

// SelectionStrategy picks one agent from an eligible set
type SelectionStrategy string

const (
	SelectRoundRobin        SelectionStrategy = "round_robin"
	SelectLeastConnections  SelectionStrategy = "least_connections"
	SelectLeastResponseTime SelectionStrategy = "least_response_time"
	SelectWeightedRandom    SelectionStrategy = "weighted_round_robin"
	SelectResourceBased     SelectionStrategy = "resource_based"
)

// EventType enumerates registry lifecycle events
type EventType string

const (
	EventRegistered    EventType = "registered"
	EventUnregistered  EventType = "unregistered"
	EventStatusChanged EventType = "status_changed"
	EventFailed        EventType = "failed"
	EventRecovered     EventType = "recovered"
)

// Event describes a registry state transition
type Event struct {
	Type      EventType   `json:"type"`
	AgentID   string      `json:"agent_id"`
	AgentType string      `json:"agent_type,omitempty"`
	Status    AgentStatus `json:"status,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Stats summarizes registry population and health
type Stats struct {
	TotalAgents   int            `json:"total_agents"`
	HealthyAgents int            `json:"healthy_agents"`
	ByStatus      map[string]int `json:"by_status"`
	ByType        map[string]int `json:"by_type"`
}

// Registry is the directory of live agents. Reads are served from
// in-process indices; every mutation is mirrored to the KV store so a
// fresh process can Rebuild on start.
type Registry struct {
	kv     core.KV
	cfg    core.RegistryConfig
	logger core.Logger

	mu         sync.RWMutex
	agents     map[string]*AgentRecord
	byCap      map[Capability]map[string]struct{}
	byType     map[string]map[string]struct{}
	rrCounters map[string]int

	subMu       sync.RWMutex
	subscribers []func(Event)

	rng   *rand.Rand
	rngMu sync.Mutex

	stop    chan struct{}
	stopped sync.Once
}

// NewRegistry creates an agent registry over the given KV adapter
func NewRegistry(kv core.KV, cfg core.RegistryConfig) *Registry {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Second
	}
	return &Registry{
		kv:         kv,
		cfg:        cfg,
		logger:     &core.NoOpLogger{},
		agents:     make(map[string]*AgentRecord),
		byCap:      make(map[Capability]map[string]struct{}),
		byType:     make(map[string]map[string]struct{}),
		rrCounters: make(map[string]int),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		stop:       make(chan struct{}),
	}
}

// SetLogger sets the logger for registry operations
func (r *Registry) SetLogger(logger core.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// Subscribe registers a handler for registry events. Handlers run
// synchronously on the mutating goroutine and must not block.
func (r *Registry) Subscribe(fn func(Event)) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.subscribers = append(r.subscribers, fn)
}

func (r *Registry) emit(ev Event) {
	ev.Timestamp = time.Now().UTC()
	r.subMu.RLock()
	subs := append([]func(Event){}, r.subscribers...)
	r.subMu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Register adds or replaces an agent. Re-registering an existing agent
// replaces the record but preserves its metric counters.
func (r *Registry) Register(ctx context.Context, agent *AgentRecord) error {
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("registry.Register: agent ID required: %w", core.ErrInvalidConfiguration)
	}
	if agent.Weight <= 0 {
		agent.Weight = 1.0
	}
	if agent.HeartbeatInterval <= 0 {
		agent.HeartbeatInterval = r.cfg.HeartbeatInterval
	}
	now := time.Now().UTC()
	if agent.RegisteredAt.IsZero() {
		agent.RegisteredAt = now
	}
	agent.LastHeartbeat = now
	if agent.Status == "" {
		agent.Status = StatusIdle
	}

	r.mu.Lock()
	if prev, exists := r.agents[agent.ID]; exists {
		agent.Metrics.TotalTasks = prev.Metrics.TotalTasks
		agent.Metrics.CompletedTasks = prev.Metrics.CompletedTasks
		agent.Metrics.FailedTasks = prev.Metrics.FailedTasks
		agent.Metrics.AverageResponseTime = prev.Metrics.AverageResponseTime
		r.removeFromIndexesLocked(prev)
	}
	stored := agent.clone()
	r.agents[agent.ID] = stored
	r.addToIndexesLocked(stored)
	r.mu.Unlock()

	if err := r.mirrorAgent(ctx, stored, true); err != nil {
		return err
	}

	r.logger.Info("Agent registered", map[string]interface{}{
		"agent_id":   agent.ID,
		"agent_type": agent.Type,
		"caps":       len(agent.Capabilities),
		"status":     string(agent.Status),
	})
	r.emit(Event{Type: EventRegistered, AgentID: agent.ID, AgentType: agent.Type, Status: agent.Status})
	return nil
}

// mirrorAgent writes the record and its index memberships atomically
func (r *Registry) mirrorAgent(ctx context.Context, agent *AgentRecord, indexes bool) error {
	data, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("registry.mirror [%s]: %w", agent.ID, err)
	}
	return r.kv.TxPipeline(ctx, func(p core.Pipe) error {
		p.HSet(agentsKey, agent.ID, string(data))
		if indexes {
			for _, cap := range agent.Capabilities {
				p.SAdd(capabilityKey(cap), agent.ID)
			}
			p.SAdd(typeKey(agent.Type), agent.ID)
		}
		return nil
	})
}

func (r *Registry) addToIndexesLocked(agent *AgentRecord) {
	for _, cap := range agent.Capabilities {
		if r.byCap[cap] == nil {
			r.byCap[cap] = make(map[string]struct{})
		}
		r.byCap[cap][agent.ID] = struct{}{}
	}
	if r.byType[agent.Type] == nil {
		r.byType[agent.Type] = make(map[string]struct{})
	}
	r.byType[agent.Type][agent.ID] = struct{}{}
}

func (r *Registry) removeFromIndexesLocked(agent *AgentRecord) {
	for _, cap := range agent.Capabilities {
		delete(r.byCap[cap], agent.ID)
	}
	delete(r.byType[agent.Type], agent.ID)
}

// Unregister removes an agent. Unregistering an unknown agent is a no-op.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.mu.Lock()
	agent, exists := r.agents[id]
	if exists {
		r.removeFromIndexesLocked(agent)
		delete(r.agents, id)
	}
	r.mu.Unlock()

	if !exists {
		return nil
	}

	err := r.kv.TxPipeline(ctx, func(p core.Pipe) error {
		p.HDel(agentsKey, id)
		for _, cap := range agent.Capabilities {
			p.SRem(capabilityKey(cap), id)
		}
		p.SRem(typeKey(agent.Type), id)
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Info("Agent unregistered", map[string]interface{}{"agent_id": id})
	r.emit(Event{Type: EventUnregistered, AgentID: id, AgentType: agent.Type})
	return nil
}

// UpdateStatus changes an agent's status and optionally merges metrics
func (r *Registry) UpdateStatus(ctx context.Context, id string, status AgentStatus, metrics *AgentMetrics) error {
	r.mu.Lock()
	agent, exists := r.agents[id]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("registry.UpdateStatus [%s]: %w", id, core.ErrAgentNotFound)
	}
	prev := agent.Status
	agent.Status = status
	if metrics != nil {
		agent.Metrics = *metrics
	}
	snapshot := agent.clone()
	r.mu.Unlock()

	if err := r.mirrorAgent(ctx, snapshot, false); err != nil {
		return err
	}
	if prev != status {
		r.emit(Event{Type: EventStatusChanged, AgentID: id, AgentType: snapshot.Type, Status: status})
	}
	return nil
}

// Heartbeat records liveness for an agent. A heartbeat from an agent
// previously marked offline resurrects it to idle and emits recovered.
func (r *Registry) Heartbeat(ctx context.Context, id string, metrics *AgentMetrics) error {
	r.mu.Lock()
	agent, exists := r.agents[id]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("registry.Heartbeat [%s]: %w", id, core.ErrAgentNotFound)
	}
	agent.LastHeartbeat = time.Now().UTC()
	recovered := agent.Status == StatusOffline
	if recovered {
		agent.Status = StatusIdle
	}
	if metrics != nil {
		agent.Metrics = *metrics
	}
	snapshot := agent.clone()
	r.mu.Unlock()

	if err := r.mirrorAgent(ctx, snapshot, false); err != nil {
		return err
	}
	if recovered {
		r.logger.Info("Agent recovered", map[string]interface{}{"agent_id": id})
		r.emit(Event{Type: EventRecovered, AgentID: id, AgentType: snapshot.Type, Status: StatusIdle})
	}
	return nil
}

// AdjustLoad shifts an agent's current load by delta, clamped at zero
func (r *Registry) AdjustLoad(id string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if agent, ok := r.agents[id]; ok {
		agent.Metrics.CurrentLoad += delta
		if agent.Metrics.CurrentLoad < 0 {
			agent.Metrics.CurrentLoad = 0
		}
		agent.Metrics.LastActivity = time.Now().UTC()
	}
}

// RecordTaskOutcome folds a finished task into the agent's counters,
// maintaining the average response time as an incremental mean.
func (r *Registry) RecordTaskOutcome(id string, responseTime time.Duration, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[id]
	if !ok {
		return
	}
	m := &agent.Metrics
	m.TotalTasks++
	if success {
		m.CompletedTasks++
	} else {
		m.FailedTasks++
	}
	m.AverageResponseTime += (responseTime.Seconds() - m.AverageResponseTime) / float64(m.TotalTasks)
	m.LastActivity = time.Now().UTC()
}

// Get returns a copy of the agent record
func (r *Registry) Get(id string) (*AgentRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	return agent.clone(), true
}

// ByCapability returns every agent declaring the capability
func (r *Registry) ByCapability(cap Capability) []*AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(r.byCap[cap])
}

// ByType returns every agent of the given type
func (r *Registry) ByType(agentType string) []*AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(r.byType[agentType])
}

func (r *Registry) collectLocked(ids map[string]struct{}) []*AgentRecord {
	out := make([]*AgentRecord, 0, len(ids))
	for id := range ids {
		if agent, ok := r.agents[id]; ok {
			out = append(out, agent.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Available returns agents eligible for new work, optionally filtered
// by capability and type. Empty filters match everything.
func (r *Registry) Available(cap Capability, agentType string) []*AgentRecord {
	now := time.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*AgentRecord, 0)
	for _, agent := range r.agents {
		if cap != "" && !agent.HasCapability(cap) {
			continue
		}
		if agentType != "" && agent.Type != agentType {
			continue
		}
		if !agent.CanAcceptTask(now) {
			continue
		}
		out = append(out, agent.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Select picks one eligible agent using the given strategy
func (r *Registry) Select(cap Capability, agentType string, strategy SelectionStrategy) (*AgentRecord, error) {
	eligible := r.Available(cap, agentType)
	if len(eligible) == 0 {
		return nil, fmt.Errorf("registry.Select [cap=%s type=%s]: %w", cap, agentType, core.ErrNoEligibleAgent)
	}

	switch strategy {
	case SelectRoundRobin, "":
		key := string(cap)
		if key == "" {
			key = agentType
		}
		r.mu.Lock()
		idx := r.rrCounters[key] % len(eligible)
		r.rrCounters[key]++
		r.mu.Unlock()
		return eligible[idx], nil

	case SelectLeastConnections:
		best := eligible[0]
		for _, a := range eligible[1:] {
			if a.Metrics.CurrentLoad < best.Metrics.CurrentLoad {
				best = a
			}
		}
		return best, nil

	case SelectLeastResponseTime:
		best := eligible[0]
		for _, a := range eligible[1:] {
			if a.Metrics.AverageResponseTime < best.Metrics.AverageResponseTime {
				best = a
			}
		}
		return best, nil

	case SelectWeightedRandom:
		var total float64
		for _, a := range eligible {
			total += a.Weight
		}
		r.rngMu.Lock()
		draw := r.rng.Float64() * total
		r.rngMu.Unlock()
		for _, a := range eligible {
			draw -= a.Weight
			if draw <= 0 {
				return a, nil
			}
		}
		return eligible[len(eligible)-1], nil

	case SelectResourceBased:
		best := eligible[0]
		bestScore := resourceScore(best)
		for _, a := range eligible[1:] {
			if s := resourceScore(a); s < bestScore {
				best, bestScore = a, s
			}
		}
		return best, nil

	default:
		return nil, fmt.Errorf("registry.Select: unsupported strategy %q: %w", strategy, core.ErrInvalidConfiguration)
	}
}

// resourceScore normalizes load, cpu and memory pressure into [0,3]
func resourceScore(a *AgentRecord) float64 {
	loadPct := 0.0
	if a.Metrics.MaxConcurrent > 0 {
		loadPct = float64(a.Metrics.CurrentLoad) / float64(a.Metrics.MaxConcurrent)
	}
	return loadPct + a.Metrics.CPUPercent/100 + a.Metrics.MemoryPercent/100
}

// Stats returns population and health counts
func (r *Registry) Stats() *Stats {
	now := time.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := &Stats{
		TotalAgents: len(r.agents),
		ByStatus:    make(map[string]int),
		ByType:      make(map[string]int),
	}
	for _, agent := range r.agents {
		stats.ByStatus[string(agent.Status)]++
		stats.ByType[agent.Type]++
		if agent.Healthy(now) {
			stats.HealthyAgents++
		}
	}
	return stats
}

// Rebuild restores the in-process indices from the KV mirror.
// Intended for process start before serving selections.
func (r *Registry) Rebuild(ctx context.Context) error {
	records, err := r.kv.HGetAll(ctx, agentsKey)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = make(map[string]*AgentRecord, len(records))
	r.byCap = make(map[Capability]map[string]struct{})
	r.byType = make(map[string]map[string]struct{})
	for id, raw := range records {
		var agent AgentRecord
		if err := json.Unmarshal([]byte(raw), &agent); err != nil {
			r.logger.Warn("Skipping undecodable agent record", map[string]interface{}{
				"agent_id": id,
				"error":    err.Error(),
			})
			continue
		}
		r.agents[agent.ID] = &agent
		r.addToIndexesLocked(&agent)
	}

	r.logger.Info("Registry rebuilt from KV mirror", map[string]interface{}{
		"agents": len(r.agents),
	})
	return nil
}

// Start launches the background health sweep. Agents that miss two
// heartbeat intervals are marked offline and a failed event is emitted.
func (r *Registry) Start(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				r.sweep(ctx)
			}
		}
	}()
}

// Stop halts the background sweep
func (r *Registry) Stop() {
	r.stopped.Do(func() { close(r.stop) })
}

func (r *Registry) sweep(ctx context.Context) {
	now := time.Now()
	var failed []*AgentRecord

	r.mu.Lock()
	for _, agent := range r.agents {
		if agent.Status != StatusOffline && !agent.Healthy(now) {
			agent.Status = StatusOffline
			failed = append(failed, agent.clone())
		}
	}
	r.mu.Unlock()

	for _, agent := range failed {
		r.logger.Warn("Agent missed heartbeats, marked offline", map[string]interface{}{
			"agent_id":       agent.ID,
			"last_heartbeat": agent.LastHeartbeat.Format(time.RFC3339),
		})
		if err := r.mirrorAgent(ctx, agent, false); err != nil {
			r.logger.Error("Failed to mirror offline status", map[string]interface{}{
				"agent_id": agent.ID,
				"error":    err.Error(),
			})
		}
		r.emit(Event{Type: EventFailed, AgentID: agent.ID, AgentType: agent.Type, Status: StatusOffline})
	}
}

// Resolver adapts the registry to the message queue's routing needs
func (r *Registry) Resolver() messaging.AgentResolver {
	return &resolverAdapter{registry: r}
}

type resolverAdapter struct {
	registry *Registry
}

// ResolveType returns the live, eligible agents of a type in stable order
func (a *resolverAdapter) ResolveType(ctx context.Context, agentType string) ([]messaging.AgentCandidate, error) {
	eligible := a.registry.Available("", agentType)
	out := make([]messaging.AgentCandidate, 0, len(eligible))
	for _, agent := range eligible {
		out = append(out, messaging.AgentCandidate{
			ID:          agent.ID,
			CurrentLoad: agent.Metrics.CurrentLoad,
		})
	}
	return out, nil
}

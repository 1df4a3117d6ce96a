package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/revoagent/fabric/core"
)

const (
	locksKey     = "memory:locks"
	entriesKey   = "memory:cache:entries"
	conflictsKey = "memory:conflicts"
	pendingKey   = "memory:sync:pending"

	lockPollInterval  = 100 * time.Millisecond
	defaultLockTTL    = 30 * time.Second
	versionHistoryCap = 20
)

// Stats summarizes coordinator state and traffic
type Stats struct {
	CachedEntries     int              `json:"cached_entries"`
	Evictions         uint64           `json:"evictions"`
	ActiveLocks       int              `json:"active_locks"`
	PendingConflicts  int              `json:"pending_conflicts"`
	ResolvedConflicts uint64           `json:"resolved_conflicts"`
	Reads             uint64           `json:"reads"`
	Writes            uint64           `json:"writes"`
	PendingSync       int              `json:"pending_sync"`
	ReadsByAgent      map[string]int64 `json:"reads_by_agent"`
}

// Coordinator mediates shared memory between agents. The KV store owns
// durable entries; the coordinator keeps a bounded LRU mirror, the lock
// table, version history, and unresolved conflicts.
type Coordinator struct {
	kv      core.KV
	cfg     core.MemoryConfig
	logger  core.Logger
	metrics core.MetricsCollector
	mergeFn MergeFunc

	mu         sync.Mutex
	cache      *lruCache
	locks      map[string]*MemoryLock
	locksByKey map[string]map[string]*MemoryLock
	versions   map[string][]MemoryVersion
	conflicts  map[string]*MemoryConflict
	dirty      map[string]*MemoryEntry
	agentReads map[string]int64

	reads             uint64
	writes            uint64
	resolvedConflicts uint64

	flushCh chan struct{}
	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// CoordinatorOption customizes coordinator construction
type CoordinatorOption func(*Coordinator)

// WithMergeFunc installs the merge function used by MERGE resolution
func WithMergeFunc(fn MergeFunc) CoordinatorOption {
	return func(c *Coordinator) { c.mergeFn = fn }
}

// WithMetrics installs a metrics collector
func WithMetrics(m core.MetricsCollector) CoordinatorOption {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// NewCoordinator creates a memory coordinator over the given KV adapter
func NewCoordinator(kv core.KV, cfg core.MemoryConfig, opts ...CoordinatorOption) *Coordinator {
	if cfg.CacheCapacity <= 0 {
		cfg.CacheCapacity = 10000
	}
	if cfg.LockPollTimeout <= 0 {
		cfg.LockPollTimeout = 30 * time.Second
	}
	if cfg.ConflictResolutionTimeout <= 0 {
		cfg.ConflictResolutionTimeout = 60 * time.Second
	}
	if cfg.SyncBatchSize <= 0 {
		cfg.SyncBatchSize = 50
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 5 * time.Second
	}

	c := &Coordinator{
		kv:         kv,
		cfg:        cfg,
		logger:     &core.NoOpLogger{},
		metrics:    &core.NoOpMetrics{},
		mergeFn:    shallowMerge,
		cache:      newLRUCache(cfg.CacheCapacity),
		locks:      make(map[string]*MemoryLock),
		locksByKey: make(map[string]map[string]*MemoryLock),
		versions:   make(map[string][]MemoryVersion),
		conflicts:  make(map[string]*MemoryConflict),
		dirty:      make(map[string]*MemoryEntry),
		agentReads: make(map[string]int64),
		flushCh:    make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetLogger sets the logger for coordinator operations
func (c *Coordinator) SetLogger(logger core.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// AcquireLock obtains an advisory lock on key for agent, polling while
// an incompatible lock is held. Fails with ErrLockTimeout once the poll
// budget is spent. The returned lock id is cited on writes.
func (c *Coordinator) AcquireLock(ctx context.Context, key, agent string, lockType LockType, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	deadline := time.Now().Add(c.cfg.LockPollTimeout)

	for {
		if lock := c.tryAcquire(key, agent, lockType, ttl); lock != nil {
			if err := c.persistLock(ctx, lock); err != nil {
				c.dropLock(lock.ID)
				return "", err
			}
			c.appendVersion(key, MemoryVersion{Agent: agent, Timestamp: lock.AcquiredAt, Operation: OpLock})
			c.logger.Debug("Lock acquired", map[string]interface{}{
				"lock_id": lock.ID,
				"key":     key,
				"agent":   agent,
				"type":    string(lockType),
			})
			return lock.ID, nil
		}

		if time.Now().After(deadline) {
			c.metrics.RecordCounter("memory.lock.timeout", 1, map[string]string{"key": key})
			return "", fmt.Errorf("memory.AcquireLock [%s]: poll budget exhausted: %w", key, core.ErrLockTimeout)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-c.stop:
			return "", fmt.Errorf("memory.AcquireLock [%s]: %w", key, core.ErrNotStarted)
		case <-time.After(lockPollInterval):
		}
	}
}

// tryAcquire takes the lock if nothing incompatible is held, else nil
func (c *Coordinator) tryAcquire(key, agent string, lockType LockType, ttl time.Duration) *MemoryLock {
	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, held := range c.locksByKey[key] {
		if held.Expired(now) {
			c.removeLockLocked(id)
			continue
		}
		if !compatible(held.Type, lockType) {
			return nil
		}
	}

	lock := &MemoryLock{
		ID:         uuid.NewString(),
		Key:        key,
		Agent:      agent,
		Type:       lockType,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	c.locks[lock.ID] = lock
	if c.locksByKey[key] == nil {
		c.locksByKey[key] = make(map[string]*MemoryLock)
	}
	c.locksByKey[key][lock.ID] = lock
	return lock
}

func (c *Coordinator) persistLock(ctx context.Context, lock *MemoryLock) error {
	data, err := json.Marshal(lock)
	if err != nil {
		return fmt.Errorf("memory.persistLock [%s]: %w", lock.ID, err)
	}
	return c.kv.HSet(ctx, locksKey, lock.ID, string(data))
}

func (c *Coordinator) dropLock(id string) {
	c.mu.Lock()
	c.removeLockLocked(id)
	c.mu.Unlock()
}

func (c *Coordinator) removeLockLocked(id string) {
	if lock, ok := c.locks[id]; ok {
		delete(c.locks, id)
		delete(c.locksByKey[lock.Key], id)
		if len(c.locksByKey[lock.Key]) == 0 {
			delete(c.locksByKey, lock.Key)
		}
	}
}

// ReleaseLock releases a held lock. Releasing an unknown or already
// released lock is a no-op.
func (c *Coordinator) ReleaseLock(ctx context.Context, lockID string) error {
	c.mu.Lock()
	lock, held := c.locks[lockID]
	if held {
		c.removeLockLocked(lockID)
	}
	c.mu.Unlock()

	if !held {
		return nil
	}
	c.appendVersion(lock.Key, MemoryVersion{Agent: lock.Agent, Timestamp: time.Now().UTC(), Operation: OpUnlock})
	return c.kv.HDel(ctx, locksKey, lockID)
}

// Read returns the entry for key, or (nil, false, nil) when absent.
// Reads are served from the LRU mirror when possible and never move
// backwards: a stale store copy cannot shadow a newer cached version.
func (c *Coordinator) Read(ctx context.Context, key, agent string) (*MemoryEntry, bool, error) {
	c.mu.Lock()
	if entry, ok := c.cache.Get(key); ok {
		out := c.recordAccessLocked(entry, agent)
		c.mu.Unlock()
		return out, true, nil
	}
	c.mu.Unlock()

	raw, found, err := c.kv.HGet(ctx, entriesKey, key)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	var entry MemoryEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, false, fmt.Errorf("memory.Read [%s]: corrupt entry: %v", key, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.cache.Peek(key); ok && cached.Version >= entry.Version {
		return c.recordAccessLocked(cached, agent), true, nil
	}
	c.cache.Put(key, &entry)
	return c.recordAccessLocked(&entry, agent), true, nil
}

func (c *Coordinator) recordAccessLocked(entry *MemoryEntry, agent string) *MemoryEntry {
	entry.AccessCount++
	entry.LastAccessed = time.Now().UTC()
	c.agentReads[agent]++
	c.reads++
	return entry.clone()
}

// Write commits a new version of key. A cited lock must exist, match
// key and agent, and be unexpired. An EXCLUSIVE lock held by another
// agent blocks the write outright. When observed is nonzero and does
// not match the committed version, the write is recorded as a conflict
// candidate instead of committing.
func (c *Coordinator) Write(ctx context.Context, key string, value interface{}, agent, lockID string, observed int64, strategy SyncStrategy) (*MemoryEntry, error) {
	now := time.Now().UTC()

	c.mu.Lock()
	if err := c.checkWriteAllowedLocked(key, agent, lockID, now); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	current, _ := c.cache.Peek(key)
	c.mu.Unlock()

	if current == nil {
		raw, found, err := c.kv.HGet(ctx, entriesKey, key)
		if err != nil {
			return nil, err
		}
		if found {
			var stored MemoryEntry
			if err := json.Unmarshal([]byte(raw), &stored); err == nil {
				current = &stored
			}
		}
	}

	c.mu.Lock()
	// Re-check under the lock: another local writer may have committed
	// while the store was consulted.
	if cached, ok := c.cache.Peek(key); ok && (current == nil || cached.Version > current.Version) {
		current = cached
	}

	if observed > 0 && current != nil && observed != current.Version {
		conflict := c.recordConflictLocked(key, agent, value, current, now)
		c.mu.Unlock()
		c.persistConflict(ctx, conflict)
		c.metrics.RecordCounter("memory.conflict.detected", 1, map[string]string{"key": key})
		return nil, fmt.Errorf("memory.Write [%s]: concurrent write at version %d, conflict %s recorded: %w",
			key, current.Version, conflict.ID, core.ErrConflictUnresolved)
	}

	entry := c.commitLocked(key, value, agent, current, now)
	staged := entry.clone()
	pending := 0
	if strategy != SyncImmediate {
		c.dirty[key] = staged
		pending = len(c.dirty)
	}
	c.mu.Unlock()

	switch strategy {
	case SyncImmediate, "":
		if err := c.persistEntry(ctx, staged); err != nil {
			return nil, err
		}
	case SyncEventual:
		if err := c.kv.SAdd(ctx, pendingKey, key); err != nil {
			c.logger.Warn("Failed to mirror pending sync key", map[string]interface{}{"key": key, "error": err.Error()})
		}
		select {
		case c.flushCh <- struct{}{}:
		default:
		}
	case SyncBatch:
		if pending >= c.cfg.SyncBatchSize {
			if err := c.Sync(ctx); err != nil {
				return nil, err
			}
		}
	case SyncPeriodic:
		// the interval sweep flushes
	}

	c.metrics.RecordCounter("memory.write", 1, map[string]string{"strategy": string(strategy)})
	return entry, nil
}

func (c *Coordinator) checkWriteAllowedLocked(key, agent, lockID string, now time.Time) error {
	if lockID != "" {
		lock, ok := c.locks[lockID]
		if !ok || lock.Key != key || lock.Agent != agent || lock.Expired(now) {
			return fmt.Errorf("memory.Write [%s]: cited lock %s missing, expired, or mismatched: %w", key, lockID, core.ErrLockNotHeld)
		}
	}
	for id, held := range c.locksByKey[key] {
		if held.Expired(now) {
			c.removeLockLocked(id)
			continue
		}
		if held.Type == LockExclusive && held.Agent != agent {
			return fmt.Errorf("memory.Write [%s]: exclusively locked by %s: %w", key, held.Agent, core.ErrLockNotHeld)
		}
	}
	return nil
}

func (c *Coordinator) commitLocked(key string, value interface{}, agent string, current *MemoryEntry, now time.Time) *MemoryEntry {
	entry := &MemoryEntry{
		Key:       key,
		Value:     value,
		Version:   1,
		CreatedBy: agent,
		CreatedAt: now,
		UpdatedBy: agent,
		UpdatedAt: now,
		Checksum:  checksumOf(value),
	}
	op := OpWrite
	if current != nil {
		entry.Version = current.Version + 1
		entry.CreatedBy = current.CreatedBy
		entry.CreatedAt = current.CreatedAt
		entry.AccessCount = current.AccessCount
		entry.Tags = current.Tags
		op = OpUpdate
	}
	c.cache.Put(key, entry)
	c.appendVersionLocked(key, MemoryVersion{
		Version:   entry.Version,
		Agent:     agent,
		Timestamp: now,
		Operation: op,
		Checksum:  entry.Checksum,
	})
	c.writes++
	return entry
}

func (c *Coordinator) recordConflictLocked(key, agent string, value interface{}, current *MemoryEntry, now time.Time) *MemoryConflict {
	conflict := &MemoryConflict{
		ID:  uuid.NewString(),
		Key: key,
		Candidates: []ConflictCandidate{
			{
				Version:   current.Version,
				Agent:     current.UpdatedBy,
				Timestamp: current.UpdatedAt,
				Value:     current.Value,
				Checksum:  current.Checksum,
			},
			{
				Version:   current.Version,
				Agent:     agent,
				Timestamp: now,
				Value:     value,
				Checksum:  checksumOf(value),
			},
		},
		DetectedAt: now,
	}
	c.conflicts[conflict.ID] = conflict
	return conflict
}

func (c *Coordinator) persistConflict(ctx context.Context, conflict *MemoryConflict) {
	data, err := json.Marshal(conflict)
	if err != nil {
		return
	}
	if err := c.kv.HSet(ctx, conflictsKey, conflict.ID, string(data)); err != nil {
		c.logger.Warn("Failed to mirror conflict record", map[string]interface{}{
			"conflict_id": conflict.ID,
			"error":       err.Error(),
		})
	}
}

func (c *Coordinator) persistEntry(ctx context.Context, entry *MemoryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("memory.persistEntry [%s]: %w", entry.Key, err)
	}
	return c.kv.HSet(ctx, entriesKey, entry.Key, string(data))
}

func (c *Coordinator) appendVersion(key string, v MemoryVersion) {
	c.mu.Lock()
	c.appendVersionLocked(key, v)
	c.mu.Unlock()
}

func (c *Coordinator) appendVersionLocked(key string, v MemoryVersion) {
	history := append(c.versions[key], v)
	if len(history) > versionHistoryCap {
		history = history[len(history)-versionHistoryCap:]
	}
	c.versions[key] = history
}

// History returns the retained version records for key, oldest first
func (c *Coordinator) History(key string) []MemoryVersion {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]MemoryVersion(nil), c.versions[key]...)
}

// PendingConflicts returns the unresolved conflicts
func (c *Coordinator) PendingConflicts() []*MemoryConflict {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*MemoryConflict, 0, len(c.conflicts))
	for _, conflict := range c.conflicts {
		if !conflict.Resolved {
			cc := *conflict
			out = append(out, &cc)
		}
	}
	return out
}

// ResolveConflict picks a winner among the conflict's candidates and
// commits it as a fresh version. MANUAL requires a resolved value.
func (c *Coordinator) ResolveConflict(ctx context.Context, conflictID string, strategy ResolutionStrategy, manualValue interface{}) (*MemoryEntry, error) {
	c.mu.Lock()
	conflict, ok := c.conflicts[conflictID]
	if !ok || conflict.Resolved {
		c.mu.Unlock()
		return nil, fmt.Errorf("memory.ResolveConflict [%s]: %w", conflictID, core.ErrKeyNotFound)
	}
	candidates := append([]ConflictCandidate(nil), conflict.Candidates...)
	key := conflict.Key
	c.mu.Unlock()

	value, agent, err := c.pickWinner(key, candidates, strategy, manualValue)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	c.mu.Lock()
	current, _ := c.cache.Peek(key)
	entry := c.commitLocked(key, value, agent, current, now)
	conflict.Resolved = true
	conflict.ResolvedAt = &now
	conflict.Strategy = strategy
	c.resolvedConflicts++
	staged := entry.clone()
	c.mu.Unlock()

	if err := c.persistEntry(ctx, staged); err != nil {
		return nil, err
	}
	if err := c.kv.HDel(ctx, conflictsKey, conflictID); err != nil {
		c.logger.Warn("Failed to clear conflict record", map[string]interface{}{
			"conflict_id": conflictID,
			"error":       err.Error(),
		})
	}
	c.metrics.RecordCounter("memory.conflict.resolved", 1, map[string]string{"strategy": string(strategy)})
	return entry, nil
}

func (c *Coordinator) pickWinner(key string, candidates []ConflictCandidate, strategy ResolutionStrategy, manualValue interface{}) (interface{}, string, error) {
	switch strategy {
	case ResolveLastWriterWins:
		best := candidates[0]
		for _, cand := range candidates[1:] {
			if cand.Timestamp.After(best.Timestamp) {
				best = cand
			}
		}
		return best.Value, best.Agent, nil

	case ResolveFirstWriterWins:
		best := candidates[0]
		for _, cand := range candidates[1:] {
			if cand.Timestamp.Before(best.Timestamp) {
				best = cand
			}
		}
		return best.Value, best.Agent, nil

	case ResolveVersionBased:
		best := candidates[0]
		for _, cand := range candidates[1:] {
			if cand.Version > best.Version {
				best = cand
			}
		}
		return best.Value, best.Agent, nil

	case ResolveManual:
		if manualValue == nil {
			return nil, "", fmt.Errorf("memory.ResolveConflict [%s]: manual strategy requires a value: %w", key, core.ErrConflictUnresolved)
		}
		return manualValue, "manual", nil

	case ResolveMerge:
		merged, err := c.mergeFn(key, candidates[0], candidates[1])
		if err != nil {
			return nil, "", fmt.Errorf("memory.ResolveConflict [%s]: merge failed: %v: %w", key, err, core.ErrConflictUnresolved)
		}
		return merged, "merge", nil

	default:
		return nil, "", fmt.Errorf("memory.ResolveConflict [%s]: unsupported strategy %q: %w", key, strategy, core.ErrInvalidConfiguration)
	}
}

// Sync flushes staged writes to the KV store. With no arguments it
// flushes everything pending; with keys, just those.
func (c *Coordinator) Sync(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	batch := make(map[string]*MemoryEntry)
	if len(keys) == 0 {
		for k, e := range c.dirty {
			batch[k] = e
			delete(c.dirty, k)
		}
	} else {
		for _, k := range keys {
			if e, ok := c.dirty[k]; ok {
				batch[k] = e
				delete(c.dirty, k)
			}
		}
	}
	c.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	err := c.kv.TxPipeline(ctx, func(p core.Pipe) error {
		for key, entry := range batch {
			data, merr := json.Marshal(entry)
			if merr != nil {
				return fmt.Errorf("memory.Sync [%s]: %w", key, merr)
			}
			p.HSet(entriesKey, key, string(data))
			p.SRem(pendingKey, key)
		}
		return nil
	})
	if err != nil {
		// Restage so a later flush can retry
		c.mu.Lock()
		for k, e := range batch {
			if _, exists := c.dirty[k]; !exists {
				c.dirty[k] = e
			}
		}
		c.mu.Unlock()
		return err
	}

	c.logger.Debug("Flushed staged writes", map[string]interface{}{"count": len(batch)})
	return nil
}

// Stats returns a snapshot of coordinator state
func (c *Coordinator) Stats() *Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := 0
	for _, conflict := range c.conflicts {
		if !conflict.Resolved {
			pending++
		}
	}
	byAgent := make(map[string]int64, len(c.agentReads))
	for k, v := range c.agentReads {
		byAgent[k] = v
	}
	return &Stats{
		CachedEntries:     c.cache.Len(),
		Evictions:         c.cache.Evicted(),
		ActiveLocks:       len(c.locks),
		PendingConflicts:  pending,
		ResolvedConflicts: c.resolvedConflicts,
		Reads:             c.reads,
		Writes:            c.writes,
		PendingSync:       len(c.dirty),
		ReadsByAgent:      byAgent,
	}
}

// Start launches the background sweeps: expired lock release, conflict
// auto-resolution, and the sync flusher.
func (c *Coordinator) Start(ctx context.Context) {
	c.wg.Add(2)

	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				c.sweepLocks(ctx)
				c.autoResolveConflicts(ctx)
			}
		}
	}()

	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.SyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-c.flushCh:
			case <-ticker.C:
			}
			if err := c.Sync(ctx); err != nil {
				c.logger.Error("Sync flush failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}()
}

// Stop halts the background sweeps and waits for them to exit
func (c *Coordinator) Stop() {
	c.stopped.Do(func() { close(c.stop) })
	c.wg.Wait()
}

func (c *Coordinator) sweepLocks(ctx context.Context) {
	now := time.Now().UTC()
	var expired []string

	c.mu.Lock()
	for id, lock := range c.locks {
		if lock.Expired(now) {
			expired = append(expired, id)
			c.removeLockLocked(id)
		}
	}
	c.mu.Unlock()

	for _, id := range expired {
		if err := c.kv.HDel(ctx, locksKey, id); err != nil {
			c.logger.Warn("Failed to clear expired lock", map[string]interface{}{"lock_id": id, "error": err.Error()})
		}
	}
	if len(expired) > 0 {
		c.logger.Debug("Released expired locks", map[string]interface{}{"count": len(expired)})
	}
}

func (c *Coordinator) autoResolveConflicts(ctx context.Context) {
	cutoff := time.Now().Add(-c.cfg.ConflictResolutionTimeout)

	c.mu.Lock()
	var stale []string
	for id, conflict := range c.conflicts {
		if !conflict.Resolved && conflict.DetectedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	c.mu.Unlock()

	for _, id := range stale {
		if _, err := c.ResolveConflict(ctx, id, ResolveLastWriterWins, nil); err != nil {
			c.logger.Error("Conflict auto-resolution failed", map[string]interface{}{
				"conflict_id": id,
				"error":       err.Error(),
			})
		}
	}
}

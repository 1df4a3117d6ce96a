// Package memory implements the versioned shared-state coordinator:
// advisory locks, conflict detection and resolution, and configurable
// sync strategies over the shared KV store.
package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// LockType classifies an advisory lock. Two locks on the same key may
// coexist iff both are SHARED; EXCLUSIVE excludes everything else.
// INTENT signals a future upgrade and behaves like SHARED against
// SHARED but conflicts with EXCLUSIVE and other INTENT locks.
type LockType string

const (
	LockShared    LockType = "shared"
	LockExclusive LockType = "exclusive"
	LockIntent    LockType = "intent"
)

// compatible reports whether a new lock of type b may coexist with an
// already-held lock of type a on the same key.
func compatible(a, b LockType) bool {
	if a == LockExclusive || b == LockExclusive {
		return false
	}
	if a == LockIntent && b == LockIntent {
		return false
	}
	return true
}

// MemoryLock is an advisory acquisition on a memory key
type MemoryLock struct {
	ID         string                 `json:"id"`
	Key        string                 `json:"key"`
	Agent      string                 `json:"agent"`
	Type       LockType               `json:"type"`
	AcquiredAt time.Time              `json:"acquired_at"`
	ExpiresAt  time.Time              `json:"expires_at"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Expired reports whether the lock has outlived its TTL
func (l *MemoryLock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// VersionOperation names what produced a version record
type VersionOperation string

const (
	OpRead   VersionOperation = "read"
	OpWrite  VersionOperation = "write"
	OpUpdate VersionOperation = "update"
	OpDelete VersionOperation = "delete"
	OpLock   VersionOperation = "lock"
	OpUnlock VersionOperation = "unlock"
)

// MemoryVersion is one entry in a key's version history
type MemoryVersion struct {
	Version   int64            `json:"version"`
	Agent     string           `json:"agent"`
	Timestamp time.Time        `json:"timestamp"`
	Operation VersionOperation `json:"operation"`
	Checksum  string           `json:"checksum,omitempty"`
}

// MemoryEntry is one versioned item of shared state
type MemoryEntry struct {
	Key          string                 `json:"key"`
	Value        interface{}            `json:"value"`
	Version      int64                  `json:"version"`
	CreatedBy    string                 `json:"created_by"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedBy    string                 `json:"updated_by"`
	UpdatedAt    time.Time              `json:"updated_at"`
	AccessCount  int64                  `json:"access_count"`
	LastAccessed time.Time              `json:"last_accessed"`
	Tags         []string               `json:"tags,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Checksum     string                 `json:"checksum"`
}

func (e *MemoryEntry) clone() *MemoryEntry {
	c := *e
	c.Tags = append([]string(nil), e.Tags...)
	if e.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// ResolutionStrategy picks a winner among conflicting writes
type ResolutionStrategy string

const (
	ResolveLastWriterWins  ResolutionStrategy = "last_writer_wins"
	ResolveFirstWriterWins ResolutionStrategy = "first_writer_wins"
	ResolveVersionBased    ResolutionStrategy = "version_based"
	ResolveManual          ResolutionStrategy = "manual"
	ResolveMerge           ResolutionStrategy = "merge"
)

// ConflictCandidate is one of the competing writes in a conflict
type ConflictCandidate struct {
	Version   int64       `json:"version"`
	Agent     string      `json:"agent"`
	Timestamp time.Time   `json:"timestamp"`
	Value     interface{} `json:"value"`
	Checksum  string      `json:"checksum"`
}

// MemoryConflict groups competing writes for one key until resolved
type MemoryConflict struct {
	ID         string              `json:"id"`
	Key        string              `json:"key"`
	Candidates []ConflictCandidate `json:"candidates"`
	DetectedAt time.Time           `json:"detected_at"`
	Resolved   bool                `json:"resolved"`
	ResolvedAt *time.Time          `json:"resolved_at,omitempty"`
	Strategy   ResolutionStrategy  `json:"strategy,omitempty"`
}

// SyncStrategy governs when a committed write reaches the KV store
type SyncStrategy string

const (
	SyncImmediate SyncStrategy = "immediate"
	SyncEventual  SyncStrategy = "eventual"
	SyncBatch     SyncStrategy = "batch"
	SyncPeriodic  SyncStrategy = "periodic"
)

// MergeFunc combines two conflicting values into one
type MergeFunc func(key string, a, b ConflictCandidate) (interface{}, error)

// checksumOf fingerprints a value. encoding/json emits map keys in
// sorted order, so the serialization is already canonical.
func checksumOf(value interface{}) string {
	data, err := json.Marshal(value)
	if err != nil {
		data = []byte("unserializable")
	}
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// shallowMerge is the fallback for MERGE resolution: union of two
// map-shaped values, later timestamp winning key collisions. Non-map
// values fall back to the later write entirely.
func shallowMerge(_ string, a, b ConflictCandidate) (interface{}, error) {
	earlier, later := a, b
	if a.Timestamp.After(b.Timestamp) {
		earlier, later = b, a
	}
	em, eok := earlier.Value.(map[string]interface{})
	lm, lok := later.Value.(map[string]interface{})
	if !eok || !lok {
		return later.Value, nil
	}
	merged := make(map[string]interface{}, len(em)+len(lm))
	for k, v := range em {
		merged[k] = v
	}
	for k, v := range lm {
		merged[k] = v
	}
	return merged, nil
}

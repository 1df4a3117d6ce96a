// Package messaging implements the durable, priority-ordered message
// transport between agents: routed delivery, retry with backoff, and a
// dead-letter queue, all backed by the shared KV store.
package messaging

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Priority orders messages for delivery. Larger is more urgent.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityUrgent   Priority = 4
	PriorityCritical Priority = 5
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// RoutingStrategy selects how a message finds its recipients
type RoutingStrategy string

const (
	RouteDirect     RoutingStrategy = "direct"
	RouteRoundRobin RoutingStrategy = "round_robin"
	RouteLeastBusy  RoutingStrategy = "least_busy"
	RouteBroadcast  RoutingStrategy = "broadcast"
	RouteTopic      RoutingStrategy = "topic"
)

// MessageStatus tracks a message through its lifecycle
type MessageStatus string

const (
	StatusPending    MessageStatus = "pending"
	StatusProcessing MessageStatus = "processing"
	StatusCompleted  MessageStatus = "completed"
	StatusFailed     MessageStatus = "failed"
	StatusRetry      MessageStatus = "retry"
	StatusDeadLetter MessageStatus = "dead_letter"
)

// Message is the unit of transport between agents
type Message struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Sender        string                 `json:"sender"`
	Recipient     string                 `json:"recipient"`
	Content       map[string]interface{} `json:"content"`
	Priority      Priority               `json:"priority"`
	Routing       RoutingStrategy        `json:"routing"`
	Topic         string                 `json:"topic,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	ReplyTo       string                 `json:"reply_to,omitempty"`
	TTLSeconds    int                    `json:"ttl_seconds,omitempty"`
	RetryCount    int                    `json:"retry_count"`
	MaxRetries    int                    `json:"max_retries"`
	Status        MessageStatus          `json:"status"`
	CreatedAt     time.Time              `json:"created_at"`
	ProcessedAt   *time.Time             `json:"processed_at,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// NewMessage creates a message with defaults applied
func NewMessage(msgType, sender, recipient string, content map[string]interface{}) *Message {
	return &Message{
		ID:         uuid.NewString(),
		Type:       msgType,
		Sender:     sender,
		Recipient:  recipient,
		Content:    content,
		Priority:   PriorityNormal,
		Routing:    RouteDirect,
		MaxRetries: 3,
		Status:     StatusPending,
		CreatedAt:  time.Now().UTC(),
	}
}

// Expired reports whether the message has outlived its TTL
func (m *Message) Expired(now time.Time) bool {
	if m.TTLSeconds <= 0 {
		return false
	}
	return now.Sub(m.CreatedAt) > time.Duration(m.TTLSeconds)*time.Second
}

// Validate checks the fields a message cannot be enqueued without
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message ID cannot be empty")
	}
	if m.Type == "" {
		return fmt.Errorf("message type cannot be empty")
	}
	if m.Routing != RouteTopic && m.Recipient == "" {
		return fmt.Errorf("message recipient cannot be empty")
	}
	if m.Routing == RouteTopic && m.Topic == "" {
		return fmt.Errorf("topic routing requires a topic")
	}
	if m.RetryCount > m.MaxRetries {
		return fmt.Errorf("retry count %d exceeds max retries %d", m.RetryCount, m.MaxRetries)
	}
	return nil
}

// copyFor materializes a fan-out copy addressed to a single recipient.
// Each copy carries its own identity and retry budget so delivery
// failures are retried per recipient.
func (m *Message) copyFor(recipient string) *Message {
	clone := *m
	clone.ID = uuid.NewString()
	clone.Recipient = recipient
	clone.Routing = RouteDirect
	clone.Metadata = make(map[string]interface{}, len(m.Metadata)+1)
	for k, v := range m.Metadata {
		clone.Metadata[k] = v
	}
	clone.Metadata["fanout_of"] = m.ID
	return &clone
}

// contentHash fingerprints (sender, type, canonical content) for
// deduplication. Canonical form is JSON with sorted keys.
func (m *Message) contentHash() string {
	canonical := canonicalJSON(m.Content)
	h := sha256.Sum256([]byte(m.Sender + "|" + m.Type + "|" + canonical))
	return hex.EncodeToString(h[:])
}

// canonicalJSON renders a map with deterministic key order
func canonicalJSON(v map[string]interface{}) string {
	if len(v) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(v[k])
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	buf = append(buf, '}')
	return string(buf)
}

// score positions a message in the priority-ordered set: larger is more
// urgent within a bucket's sweep window.
func (m *Message) score() float64 {
	return float64(m.Priority)*1000 + float64(m.CreatedAt.Unix())
}

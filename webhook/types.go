// Package webhook receives, verifies, queues, and dispatches inbound
// webhook events with retry and dead-letter handling.
package webhook

import (
	"context"
	"time"
)

// SignatureAlgorithm names the HMAC flavor used for verification
type SignatureAlgorithm string

const (
	SignatureHMACSHA1   SignatureAlgorithm = "hmac_sha1"
	SignatureHMACSHA256 SignatureAlgorithm = "hmac_sha256"
)

// WebhookConfig describes one inbound event type
type WebhookConfig struct {
	EventType       string             `json:"event_type" yaml:"event_type"`
	Endpoint        string             `json:"endpoint" yaml:"endpoint"`
	Secret          string             `json:"secret,omitempty" yaml:"secret"`
	Algorithm       SignatureAlgorithm `json:"algorithm" yaml:"algorithm"`
	SignatureHeader string             `json:"signature_header" yaml:"signature_header"`

	MaxRetries          int           `json:"max_retries" yaml:"max_retries"`
	RetryDelay          time.Duration `json:"retry_delay" yaml:"retry_delay"`
	RetryBackoff        float64       `json:"retry_backoff" yaml:"retry_backoff"`
	DeadLetterThreshold int           `json:"dead_letter_threshold" yaml:"dead_letter_threshold"`
	QueueSize           int           `json:"queue_size" yaml:"queue_size"`
	RateLimitPerMinute  int           `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`

	// StopOnFailure stops the handler chain at the first failing
	// handler instead of running the remainder.
	StopOnFailure bool `json:"stop_on_failure" yaml:"stop_on_failure"`
}

func (c WebhookConfig) withDefaults() WebhookConfig {
	if c.Algorithm == "" {
		c.Algorithm = SignatureHMACSHA256
	}
	if c.SignatureHeader == "" {
		c.SignatureHeader = "X-Hub-Signature-256"
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2
	}
	if c.DeadLetterThreshold <= 0 {
		c.DeadLetterThreshold = c.MaxRetries
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	if c.Endpoint == "" {
		c.Endpoint = "/webhooks/" + c.EventType
	}
	return c
}

// EventStatus tracks a webhook event through dispatch
type EventStatus string

const (
	EventPending    EventStatus = "pending"
	EventProcessing EventStatus = "processing"
	EventCompleted  EventStatus = "completed"
	EventFailed     EventStatus = "failed"
	EventRetrying   EventStatus = "retrying"
	EventDeadLetter EventStatus = "dead_letter"
)

// WebhookEvent is one verified inbound delivery
type WebhookEvent struct {
	ID             string                 `json:"id"`
	EventType      string                 `json:"event_type"`
	Source         string                 `json:"source"`
	Headers        map[string]string      `json:"headers,omitempty"`
	Payload        map[string]interface{} `json:"payload"`
	Signature      string                 `json:"signature,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	Status         EventStatus            `json:"status"`
	RetryCount     int                    `json:"retry_count"`
	LastError      string                 `json:"last_error,omitempty"`
	ProcessingTime float64                `json:"processing_time,omitempty"`
}

// Handler processes events of one type. Higher priority runs first.
type Handler struct {
	Name      string
	EventType string
	Priority  int
	Fn        func(ctx context.Context, event *WebhookEvent) error
}

// DeadLetterEnvelope wraps an exhausted event with its burial reason
type DeadLetterEnvelope struct {
	Event        *WebhookEvent `json:"event"`
	Reason       string        `json:"reason"`
	DeadLetterAt time.Time     `json:"dead_letter_at"`
}

// Stats summarizes manager traffic
type Stats struct {
	Received     uint64 `json:"received"`
	Completed    uint64 `json:"completed"`
	Failed       uint64 `json:"failed"`
	Retried      uint64 `json:"retried"`
	DeadLettered uint64 `json:"dead_lettered"`
	Rejected     uint64 `json:"rejected"`
	QueueDepth   int64  `json:"queue_depth"`
	DeadLetters  int64  `json:"dead_letters"`
}

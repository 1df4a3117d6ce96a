package core

import (
	"context"
	"time"
)

// Logger interface - minimal logging interface shared by every component
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// KV abstracts the key-value store every component routes its durable
// state through. Implementations target Redis in production; tests run
// the same implementation against miniredis.
//
// Missing keys and fields are reported as (zero, false, nil), never as
// errors. Store-level failures are wrapped with ErrKVUnavailable.
type KV interface {
	// String operations
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	Keys(ctx context.Context, prefix string) ([]string, error)
	Incr(ctx context.Context, key string) (int64, error)

	// Hash operations
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HSet(ctx context.Context, key, field, value string) error
	HDel(ctx context.Context, key string, fields ...string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HLen(ctx context.Context, key string) (int64, error)

	// List operations
	LPush(ctx context.Context, key string, values ...string) error
	RPush(ctx context.Context, key string, values ...string) error
	RPop(ctx context.Context, key string) (string, bool, error)
	// BRPop blocks up to timeout for an element. A zero timeout blocks
	// until the context is done.
	BRPop(ctx context.Context, timeout time.Duration, key string) (string, bool, error)
	LLen(ctx context.Context, key string) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Sorted set operations
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]string, error)
	ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error
	ZRem(ctx context.Context, key string, members ...string) error
	ZCard(ctx context.Context, key string) (int64, error)

	// Set operations
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)

	// TxPipeline queues operations on a Pipe and executes them atomically.
	TxPipeline(ctx context.Context, fn func(Pipe) error) error

	// HealthCheck verifies store connectivity
	HealthCheck(ctx context.Context) error
	Close() error
}

// Pipe collects operations for an atomic batch. Operations are not
// executed until the surrounding TxPipeline call returns.
type Pipe interface {
	Set(key, value string, ttl time.Duration)
	Del(keys ...string)
	Expire(key string, ttl time.Duration)
	HSet(key, field, value string)
	HDel(key string, fields ...string)
	LPush(key string, values ...string)
	RPush(key string, values ...string)
	SAdd(key string, members ...string)
	SRem(key string, members ...string)
	ZAdd(key string, score float64, member string)
	ZRem(key string, members ...string)
}

// MetricsCollector receives operational counters from components.
// The default implementation is a no-op; OTelMetrics emits through the
// global OpenTelemetry meter.
type MetricsCollector interface {
	RecordCounter(name string, value float64, labels map[string]string)
	RecordDuration(name string, d time.Duration, labels map[string]string)
}

// NoOpMetrics provides a no-op metrics implementation
type NoOpMetrics struct{}

func (n *NoOpMetrics) RecordCounter(name string, value float64, labels map[string]string)    {}
func (n *NoOpMetrics) RecordDuration(name string, d time.Duration, labels map[string]string) {}

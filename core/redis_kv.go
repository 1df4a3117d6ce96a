// Package core provides the shared building blocks of the fabric: the
// key-value store adapter, the logging and error contracts, and process
// configuration.
//
// This file implements the KV adapter on top of Redis. Every other
// component routes its durable state through this adapter; tests run the
// same implementation against miniredis.
package core

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultNamespace prefixes every key the fabric writes
const DefaultNamespace = "revoagent"

// RedisKV implements the KV interface using a single Redis connection pool
type RedisKV struct {
	client    *redis.Client
	namespace string
	logger    Logger // Optional logger
}

// RedisKVOptions configures the Redis-backed KV adapter
type RedisKVOptions struct {
	RedisURL  string
	Namespace string // Key namespace, defaults to DefaultNamespace
	Logger    Logger // Optional logger
}

// NewRedisKV creates a KV adapter and verifies connectivity.
// Connection settings follow production defaults: pooled connections,
// bounded retries with backoff, 5s operation timeouts.
func NewRedisKV(opts RedisKVOptions) (*RedisKV, error) {
	if opts.RedisURL == "" {
		return nil, fmt.Errorf("redis URL is required: %w", ErrMissingConfiguration)
	}
	if opts.Namespace == "" {
		opts.Namespace = DefaultNamespace
	}

	opt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", ErrInvalidConfiguration)
	}

	opt.PoolSize = 10
	opt.MinIdleConns = 5
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 100 * time.Millisecond
	opt.MaxRetryBackoff = time.Second
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 5 * time.Second
	opt.WriteTimeout = 5 * time.Second
	opt.PoolTimeout = 10 * time.Second

	client := redis.NewClient(opt)

	// Verify connectivity with bounded retries before handing the
	// adapter to callers.
	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = client.Ping(ctx).Err()
		cancel()
		if err == nil {
			break
		}
		if i < 2 {
			time.Sleep(time.Duration(i+1) * time.Second)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis after retries: %w", ErrConnectionFailed)
	}

	kv := &RedisKV{
		client:    client,
		namespace: opts.Namespace,
		logger:    opts.Logger,
	}

	if kv.logger != nil {
		kv.logger.Info("KV adapter connected", map[string]interface{}{
			"namespace": opts.Namespace,
		})
	}

	return kv, nil
}

// NewRedisKVFromClient wraps an existing client. Used by tests to point
// the adapter at miniredis.
func NewRedisKVFromClient(client *redis.Client, namespace string) *RedisKV {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &RedisKV{client: client, namespace: namespace}
}

// SetLogger sets the logger for the adapter
func (r *RedisKV) SetLogger(logger Logger) {
	r.logger = logger
}

// Namespace returns the key namespace in use
func (r *RedisKV) Namespace() string {
	return r.namespace
}

func (r *RedisKV) formatKey(key string) string {
	if r.namespace != "" {
		return fmt.Sprintf("%s:%s", r.namespace, key)
	}
	return key
}

// wrap converts a store-level failure into the KVUnavailable kind while
// keeping the underlying cause in the message. redis.Nil is not a failure.
func (r *RedisKV) wrap(op, key string, err error) error {
	if err == nil || err == redis.Nil {
		return nil
	}
	if r.logger != nil {
		r.logger.Error("KV operation failed", map[string]interface{}{
			"operation": op,
			"key":       key,
			"error":     err,
		})
	}
	return fmt.Errorf("kv %s %s: %v: %w", op, key, err, ErrKVUnavailable)
}

// --- String operations ---

func (r *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, r.formatKey(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, r.wrap("get", key, err)
	}
	return val, true, nil
}

func (r *RedisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.wrap("set", key, r.client.Set(ctx, r.formatKey(key), value, ttl).Err())
}

func (r *RedisKV) Del(ctx context.Context, keys ...string) error {
	formatted := make([]string, len(keys))
	for i, k := range keys {
		formatted[i] = r.formatKey(k)
	}
	return r.wrap("del", strings.Join(keys, ","), r.client.Del(ctx, formatted...).Err())
}

func (r *RedisKV) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.formatKey(key)).Result()
	if err != nil {
		return false, r.wrap("exists", key, err)
	}
	return n > 0, nil
}

func (r *RedisKV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.wrap("expire", key, r.client.Expire(ctx, r.formatKey(key), ttl).Err())
}

func (r *RedisKV) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := r.client.TTL(ctx, r.formatKey(key)).Result()
	if err != nil {
		return 0, r.wrap("ttl", key, err)
	}
	return d, nil
}

// Keys enumerates keys under the given prefix. The namespace is stripped
// from results so callers see the same names they wrote.
func (r *RedisKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	pattern := r.formatKey(prefix) + "*"
	keys, err := r.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, r.wrap("keys", prefix, err)
	}
	trimmed := make([]string, 0, len(keys))
	nsPrefix := r.namespace + ":"
	for _, k := range keys {
		trimmed = append(trimmed, strings.TrimPrefix(k, nsPrefix))
	}
	return trimmed, nil
}

func (r *RedisKV) Incr(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Incr(ctx, r.formatKey(key)).Result()
	if err != nil {
		return 0, r.wrap("incr", key, err)
	}
	return n, nil
}

// --- Hash operations ---

func (r *RedisKV) HGet(ctx context.Context, key, field string) (string, bool, error) {
	val, err := r.client.HGet(ctx, r.formatKey(key), field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, r.wrap("hget", key, err)
	}
	return val, true, nil
}

func (r *RedisKV) HSet(ctx context.Context, key, field, value string) error {
	return r.wrap("hset", key, r.client.HSet(ctx, r.formatKey(key), field, value).Err())
}

func (r *RedisKV) HDel(ctx context.Context, key string, fields ...string) error {
	return r.wrap("hdel", key, r.client.HDel(ctx, r.formatKey(key), fields...).Err())
}

func (r *RedisKV) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := r.client.HGetAll(ctx, r.formatKey(key)).Result()
	if err != nil {
		return nil, r.wrap("hgetall", key, err)
	}
	return m, nil
}

func (r *RedisKV) HLen(ctx context.Context, key string) (int64, error) {
	n, err := r.client.HLen(ctx, r.formatKey(key)).Result()
	if err != nil {
		return 0, r.wrap("hlen", key, err)
	}
	return n, nil
}

// --- List operations ---

func (r *RedisKV) LPush(ctx context.Context, key string, values ...string) error {
	return r.wrap("lpush", key, r.client.LPush(ctx, r.formatKey(key), toInterfaces(values)...).Err())
}

func (r *RedisKV) RPush(ctx context.Context, key string, values ...string) error {
	return r.wrap("rpush", key, r.client.RPush(ctx, r.formatKey(key), toInterfaces(values)...).Err())
}

func (r *RedisKV) RPop(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.RPop(ctx, r.formatKey(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, r.wrap("rpop", key, err)
	}
	return val, true, nil
}

func (r *RedisKV) BRPop(ctx context.Context, timeout time.Duration, key string) (string, bool, error) {
	result, err := r.client.BRPop(ctx, timeout, r.formatKey(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		return "", false, r.wrap("brpop", key, err)
	}
	// BRPOP returns [key, value]
	if len(result) < 2 {
		return "", false, fmt.Errorf("kv brpop %s: unexpected result format: %w", key, ErrKVUnavailable)
	}
	return result[1], true, nil
}

func (r *RedisKV) LLen(ctx context.Context, key string) (int64, error) {
	n, err := r.client.LLen(ctx, r.formatKey(key)).Result()
	if err != nil {
		return 0, r.wrap("llen", key, err)
	}
	return n, nil
}

func (r *RedisKV) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := r.client.LRange(ctx, r.formatKey(key), start, stop).Result()
	if err != nil {
		return nil, r.wrap("lrange", key, err)
	}
	return vals, nil
}

// --- Sorted set operations ---

func (r *RedisKV) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return r.wrap("zadd", key, r.client.ZAdd(ctx, r.formatKey(key), &redis.Z{Score: score, Member: member}).Err())
}

func (r *RedisKV) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]string, error) {
	by := &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}
	if limit > 0 {
		by.Count = limit
	}
	vals, err := r.client.ZRangeByScore(ctx, r.formatKey(key), by).Result()
	if err != nil {
		return nil, r.wrap("zrangebyscore", key, err)
	}
	return vals, nil
}

func (r *RedisKV) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := r.client.ZRevRange(ctx, r.formatKey(key), start, stop).Result()
	if err != nil {
		return nil, r.wrap("zrevrange", key, err)
	}
	return vals, nil
}

func (r *RedisKV) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	return r.wrap("zremrangebyscore", key,
		r.client.ZRemRangeByScore(ctx, r.formatKey(key), formatScore(min), formatScore(max)).Err())
}

func (r *RedisKV) ZRem(ctx context.Context, key string, members ...string) error {
	return r.wrap("zrem", key, r.client.ZRem(ctx, r.formatKey(key), toInterfaces(members)...).Err())
}

func (r *RedisKV) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := r.client.ZCard(ctx, r.formatKey(key)).Result()
	if err != nil {
		return 0, r.wrap("zcard", key, err)
	}
	return n, nil
}

// --- Set operations ---

func (r *RedisKV) SAdd(ctx context.Context, key string, members ...string) error {
	return r.wrap("sadd", key, r.client.SAdd(ctx, r.formatKey(key), toInterfaces(members)...).Err())
}

func (r *RedisKV) SRem(ctx context.Context, key string, members ...string) error {
	return r.wrap("srem", key, r.client.SRem(ctx, r.formatKey(key), toInterfaces(members)...).Err())
}

func (r *RedisKV) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, r.formatKey(key), member).Result()
	if err != nil {
		return false, r.wrap("sismember", key, err)
	}
	return ok, nil
}

func (r *RedisKV) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := r.client.SMembers(ctx, r.formatKey(key)).Result()
	if err != nil {
		return nil, r.wrap("smembers", key, err)
	}
	return members, nil
}

func (r *RedisKV) SCard(ctx context.Context, key string) (int64, error) {
	n, err := r.client.SCard(ctx, r.formatKey(key)).Result()
	if err != nil {
		return 0, r.wrap("scard", key, err)
	}
	return n, nil
}

// --- Pipeline operations ---

// redisPipe adapts a go-redis pipeliner to the Pipe interface, applying
// the same namespacing as direct operations.
type redisPipe struct {
	pipe redis.Pipeliner
	kv   *RedisKV
	ctx  context.Context
}

func (p *redisPipe) Set(key, value string, ttl time.Duration) {
	p.pipe.Set(p.ctx, p.kv.formatKey(key), value, ttl)
}

func (p *redisPipe) Del(keys ...string) {
	formatted := make([]string, len(keys))
	for i, k := range keys {
		formatted[i] = p.kv.formatKey(k)
	}
	p.pipe.Del(p.ctx, formatted...)
}

func (p *redisPipe) Expire(key string, ttl time.Duration) {
	p.pipe.Expire(p.ctx, p.kv.formatKey(key), ttl)
}

func (p *redisPipe) HSet(key, field, value string) {
	p.pipe.HSet(p.ctx, p.kv.formatKey(key), field, value)
}

func (p *redisPipe) HDel(key string, fields ...string) {
	p.pipe.HDel(p.ctx, p.kv.formatKey(key), fields...)
}

func (p *redisPipe) LPush(key string, values ...string) {
	p.pipe.LPush(p.ctx, p.kv.formatKey(key), toInterfaces(values)...)
}

func (p *redisPipe) RPush(key string, values ...string) {
	p.pipe.RPush(p.ctx, p.kv.formatKey(key), toInterfaces(values)...)
}

func (p *redisPipe) SAdd(key string, members ...string) {
	p.pipe.SAdd(p.ctx, p.kv.formatKey(key), toInterfaces(members)...)
}

func (p *redisPipe) SRem(key string, members ...string) {
	p.pipe.SRem(p.ctx, p.kv.formatKey(key), toInterfaces(members)...)
}

func (p *redisPipe) ZAdd(key string, score float64, member string) {
	p.pipe.ZAdd(p.ctx, p.kv.formatKey(key), &redis.Z{Score: score, Member: member})
}

func (p *redisPipe) ZRem(key string, members ...string) {
	p.pipe.ZRem(p.ctx, p.kv.formatKey(key), toInterfaces(members)...)
}

// TxPipeline executes the queued operations as a single MULTI/EXEC batch
func (r *RedisKV) TxPipeline(ctx context.Context, fn func(Pipe) error) error {
	pipe := r.client.TxPipeline()
	if err := fn(&redisPipe{pipe: pipe, kv: r, ctx: ctx}); err != nil {
		pipe.Discard()
		return err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return r.wrap("txpipeline", "", err)
	}
	return nil
}

// --- Health ---

func (r *RedisKV) HealthCheck(ctx context.Context) error {
	return r.wrap("ping", "", r.client.Ping(ctx).Err())
}

func (r *RedisKV) Close() error {
	if r.logger != nil {
		r.logger.Info("Closing KV adapter", map[string]interface{}{
			"namespace": r.namespace,
		})
	}
	return r.client.Close()
}

func toInterfaces(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func formatScore(f float64) string {
	if math.IsInf(f, -1) {
		return "-inf"
	}
	if math.IsInf(f, 1) {
		return "+inf"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

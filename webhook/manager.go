package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/revoagent/fabric/core"
)

const (
	queueKey      = "webhook_queue"
	deadLetterKey = "webhook_dead_letter"

	popTimeout = time.Second
)

// Manager verifies, queues, and dispatches webhook events. The KV list
// is the durable queue; a bounded in-process channel absorbs events
// while the store is unreachable.
type Manager struct {
	kv      core.KV
	logger  core.Logger
	metrics core.MetricsCollector
	workers int

	mu       sync.RWMutex
	configs  map[string]WebhookConfig
	handlers map[string][]Handler
	limiters map[string]*rate.Limiter

	fallback chan *WebhookEvent

	statsMu      sync.Mutex
	received     uint64
	completed    uint64
	failed       uint64
	retried      uint64
	deadLettered uint64
	rejected     uint64

	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// ManagerOption customizes manager construction
type ManagerOption func(*Manager)

// WithWorkers sets the dispatch pool size
func WithWorkers(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

// WithMetrics installs a metrics collector
func WithMetrics(mc core.MetricsCollector) ManagerOption {
	return func(m *Manager) {
		if mc != nil {
			m.metrics = mc
		}
	}
}

// WithFallbackCapacity bounds the in-process overflow queue
func WithFallbackCapacity(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.fallback = make(chan *WebhookEvent, n)
		}
	}
}

// NewManager creates a webhook manager over the given KV adapter
func NewManager(kv core.KV, opts ...ManagerOption) *Manager {
	m := &Manager{
		kv:       kv,
		logger:   &core.NoOpLogger{},
		metrics:  &core.NoOpMetrics{},
		workers:  4,
		configs:  make(map[string]WebhookConfig),
		handlers: make(map[string][]Handler),
		limiters: make(map[string]*rate.Limiter),
		fallback: make(chan *WebhookEvent, 1000),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetLogger sets the logger for manager operations
func (m *Manager) SetLogger(logger core.Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// RegisterWebhook installs or replaces an event type configuration
func (m *Manager) RegisterWebhook(cfg WebhookConfig) error {
	if cfg.EventType == "" {
		return fmt.Errorf("webhook.RegisterWebhook: event type required: %w", core.ErrInvalidConfiguration)
	}
	cfg = cfg.withDefaults()

	m.mu.Lock()
	m.configs[cfg.EventType] = cfg
	if cfg.RateLimitPerMinute > 0 {
		m.limiters[cfg.EventType] = rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMinute)/60.0), cfg.RateLimitPerMinute)
	} else {
		delete(m.limiters, cfg.EventType)
	}
	m.mu.Unlock()

	m.logger.Info("Webhook registered", map[string]interface{}{
		"event_type": cfg.EventType,
		"endpoint":   cfg.Endpoint,
		"signed":     cfg.Secret != "",
	})
	return nil
}

// RegisterHandler adds a handler; handlers for the same event type run
// in descending priority order.
func (m *Manager) RegisterHandler(h Handler) error {
	if h.EventType == "" || h.Fn == nil {
		return fmt.Errorf("webhook.RegisterHandler: event type and function required: %w", core.ErrInvalidConfiguration)
	}
	m.mu.Lock()
	chain := append(m.handlers[h.EventType], h)
	sort.SliceStable(chain, func(i, j int) bool { return chain[i].Priority > chain[j].Priority })
	m.handlers[h.EventType] = chain
	m.mu.Unlock()
	return nil
}

// Sign computes the hex HMAC of the payload's canonical JSON form.
// Exported so senders and tests can produce valid signatures.
func Sign(secret string, payload map[string]interface{}, alg SignatureAlgorithm) (string, error) {
	canonical, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("webhook.Sign: %w", err)
	}
	var mac hash.Hash
	switch alg {
	case SignatureHMACSHA1:
		mac = hmac.New(sha1.New, []byte(secret))
	case SignatureHMACSHA256, "":
		mac = hmac.New(sha256.New, []byte(secret))
	default:
		return "", fmt.Errorf("webhook.Sign: unsupported algorithm %q: %w", alg, core.ErrInvalidConfiguration)
	}
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// verifySignature checks the delivery signature in constant time.
// GitHub-style "sha256=" and "sha1=" prefixes are accepted.
func verifySignature(cfg WebhookConfig, payload map[string]interface{}, signature string) error {
	expected, err := Sign(cfg.Secret, payload, cfg.Algorithm)
	if err != nil {
		return err
	}
	got := strings.TrimPrefix(strings.TrimPrefix(signature, "sha256="), "sha1=")
	if !hmac.Equal([]byte(expected), []byte(got)) {
		return fmt.Errorf("webhook [%s]: signature mismatch: %w", cfg.EventType, core.ErrInvalidSignature)
	}
	return nil
}

// Receive verifies and enqueues one delivery, returning the event id.
// With the KV store down, the event lands on the bounded in-process
// queue; when that is full too, the delivery is refused.
func (m *Manager) Receive(ctx context.Context, eventType, source string, headers map[string]string, payload map[string]interface{}, signature string) (string, error) {
	m.mu.RLock()
	cfg, known := m.configs[eventType]
	m.mu.RUnlock()
	if !known {
		return "", fmt.Errorf("webhook.Receive [%s]: %w", eventType, core.ErrUnknownEventType)
	}

	if cfg.Secret != "" {
		if err := verifySignature(cfg, payload, signature); err != nil {
			m.bump(func() { m.rejected++ })
			m.metrics.RecordCounter("webhook.rejected", 1, map[string]string{"event_type": eventType})
			return "", err
		}
	}

	event := &WebhookEvent{
		ID:        uuid.NewString(),
		EventType: eventType,
		Source:    source,
		Headers:   headers,
		Payload:   payload,
		Signature: signature,
		Timestamp: time.Now().UTC(),
		Status:    EventPending,
	}

	if err := m.enqueue(ctx, event); err != nil {
		return "", err
	}
	m.bump(func() { m.received++ })
	m.metrics.RecordCounter("webhook.received", 1, map[string]string{"event_type": eventType})
	return event.ID, nil
}

func (m *Manager) enqueue(ctx context.Context, event *WebhookEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook.enqueue [%s]: %w", event.ID, err)
	}
	if err := m.kv.LPush(ctx, queueKey, string(data)); err != nil {
		select {
		case m.fallback <- event:
			m.logger.Warn("KV enqueue failed, event held in process", map[string]interface{}{
				"event_id": event.ID,
				"error":    err.Error(),
			})
			return nil
		default:
			return fmt.Errorf("webhook.enqueue [%s]: store down and overflow full: %w", event.ID, core.ErrQueueFull)
		}
	}
	return nil
}

// Start launches the dispatch worker pool
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < m.workers; i++ {
			worker := i
			g.Go(func() error {
				m.runWorker(gctx, worker)
				return nil
			})
		}
		g.Wait()
	}()
}

// Stop halts the worker pool and waits for in-flight dispatch
func (m *Manager) Stop() {
	m.stopped.Do(func() { close(m.stop) })
	m.wg.Wait()
}

func (m *Manager) runWorker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case event := <-m.fallback:
			m.process(ctx, event)
			continue
		default:
		}

		raw, found, err := m.kv.BRPop(ctx, popTimeout, queueKey)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Error("Queue pop failed", map[string]interface{}{"worker": id, "error": err.Error()})
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-time.After(popTimeout):
			}
			continue
		}
		if !found {
			continue
		}

		var event WebhookEvent
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			m.logger.Error("Dropping undecodable event", map[string]interface{}{"worker": id, "error": err.Error()})
			continue
		}
		m.process(ctx, &event)
	}
}

// process runs the handler chain for one event and settles its fate
func (m *Manager) process(ctx context.Context, event *WebhookEvent) {
	m.mu.RLock()
	cfg, known := m.configs[event.EventType]
	chain := append([]Handler(nil), m.handlers[event.EventType]...)
	limiter := m.limiters[event.EventType]
	m.mu.RUnlock()
	if !known {
		m.logger.Warn("Dropping event with unregistered type", map[string]interface{}{"event_id": event.ID, "event_type": event.EventType})
		return
	}

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
	}

	event.Status = EventProcessing
	start := time.Now()
	var firstErr error
	for _, h := range chain {
		if err := h.Fn(ctx, event); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			m.logger.Warn("Handler failed", map[string]interface{}{
				"event_id": event.ID,
				"handler":  h.Name,
				"error":    err.Error(),
			})
			if cfg.StopOnFailure {
				break
			}
		}
	}
	event.ProcessingTime = time.Since(start).Seconds()

	if firstErr == nil {
		event.Status = EventCompleted
		m.bump(func() { m.completed++ })
		m.metrics.RecordCounter("webhook.completed", 1, map[string]string{"event_type": event.EventType})
		return
	}

	event.Status = EventFailed
	event.LastError = fmt.Errorf("%v: %w", firstErr, core.ErrHandlerFailed).Error()

	if event.RetryCount < cfg.MaxRetries && event.RetryCount < cfg.DeadLetterThreshold {
		event.RetryCount++
		event.Status = EventRetrying
		m.bump(func() { m.retried++ })
		m.scheduleRetry(event, retryDelay(cfg, event.RetryCount))
		return
	}

	m.deadLetter(ctx, event, "max_retries_exceeded")
}

// retryDelay is retry_delay scaled by backoff^retry_count
func retryDelay(cfg WebhookConfig, retryCount int) time.Duration {
	delay := float64(cfg.RetryDelay)
	for i := 0; i < retryCount; i++ {
		delay *= cfg.RetryBackoff
	}
	return time.Duration(delay)
}

func (m *Manager) scheduleRetry(event *WebhookEvent, delay time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-m.stop:
			return
		case <-timer.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.enqueue(ctx, event); err != nil {
			m.logger.Error("Retry enqueue failed", map[string]interface{}{
				"event_id": event.ID,
				"error":    err.Error(),
			})
		}
	}()
}

func (m *Manager) deadLetter(ctx context.Context, event *WebhookEvent, reason string) {
	event.Status = EventDeadLetter
	envelope := DeadLetterEnvelope{Event: event, Reason: reason, DeadLetterAt: time.Now().UTC()}
	data, err := json.Marshal(envelope)
	if err == nil {
		err = m.kv.LPush(ctx, deadLetterKey, string(data))
	}
	if err != nil {
		m.logger.Error("Dead-letter write failed", map[string]interface{}{"event_id": event.ID, "error": err.Error()})
	}
	m.bump(func() { m.failed++; m.deadLettered++ })
	m.metrics.RecordCounter("webhook.dead_letter", 1, map[string]string{"event_type": event.EventType})
	m.logger.Warn("Event dead-lettered", map[string]interface{}{
		"event_id": event.ID,
		"reason":   reason,
	})
}

// DeadLetters peeks at the most recent dead-lettered events
func (m *Manager) DeadLetters(ctx context.Context, limit int64) ([]DeadLetterEnvelope, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := m.kv.LRange(ctx, deadLetterKey, 0, limit-1)
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetterEnvelope, 0, len(raws))
	for _, raw := range raws {
		var env DeadLetterEnvelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

func (m *Manager) bump(fn func()) {
	m.statsMu.Lock()
	fn()
	m.statsMu.Unlock()
}

// Stats returns a snapshot of manager counters and queue depths
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	depth, err := m.kv.LLen(ctx, queueKey)
	if err != nil {
		return nil, err
	}
	dead, err := m.kv.LLen(ctx, deadLetterKey)
	if err != nil {
		return nil, err
	}

	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return &Stats{
		Received:     m.received,
		Completed:    m.completed,
		Failed:       m.failed,
		Retried:      m.retried,
		DeadLettered: m.deadLettered,
		Rejected:     m.rejected,
		QueueDepth:   depth + int64(len(m.fallback)),
		DeadLetters:  dead,
	}, nil
}

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/revoagent/fabric/core"
)

const (
	messagesKey   = "messages"
	deadLetterKey = "queue:dead_letter"
	dedupIndexKey = "dedup:index"

	// priorityBand separates priorities in inbox delivery scores; the
	// sequence counter never approaches it.
	priorityBand = 1e12

	// receivePollInterval paces blocking Receive calls between pops
	receivePollInterval = 20 * time.Millisecond
)

func inboxKey(agentID string) string     { return "agent:" + agentID }
func priorityKey(p Priority) string      { return fmt.Sprintf("queue:%d", p) }
func topicKey(topic string) string       { return "topic:" + topic }
func dedupKey(hash string) string        { return "dedup:" + hash }
func archiveKey(messageID string) string { return "archive:" + messageID }

// AgentCandidate is a live agent eligible to receive routed messages
type AgentCandidate struct {
	ID          string
	CurrentLoad int
}

// AgentResolver resolves an agent-type name to its live, eligible
// agents. The registry provides the production implementation.
type AgentResolver interface {
	ResolveType(ctx context.Context, agentType string) ([]AgentCandidate, error)
}

// DeadLetterEnvelope wraps a message moved to the dead-letter queue
type DeadLetterEnvelope struct {
	Message      *Message  `json:"message"`
	Reason       string    `json:"reason"`
	DeadLetterAt time.Time `json:"dead_letter_at"`
}

// QueueStats is a point-in-time snapshot of queue activity
type QueueStats struct {
	Sent              uint64           `json:"sent"`
	Received          uint64           `json:"received"`
	Completed         uint64           `json:"completed"`
	Retried           uint64           `json:"retried"`
	Deduplicated      uint64           `json:"deduplicated"`
	DeadLettered      uint64           `json:"dead_lettered"`
	UnknownRecipients uint64           `json:"unknown_recipients"`
	PendingByPriority map[string]int64 `json:"pending_by_priority"`
	DeadLetterDepth   int64            `json:"dead_letter_depth"`
}

// Queue is the durable message transport between agents.
// Delivery is at-least-once: callers must Acknowledge every received
// message, and retries re-enqueue with exponential backoff until the
// retry budget is exhausted and the message is dead-lettered.
type Queue struct {
	kv       core.KV
	resolver AgentResolver
	cfg      core.QueueConfig
	logger   core.Logger
	metrics  core.MetricsCollector

	// RetryBackoffBase scales the retry delay min(cap, base * 2^n).
	// Defaults to one second; tests shorten it.
	retryBase time.Duration

	mu         sync.Mutex
	rrCounters map[string]int

	// seq stamps each enqueue so inbox pops stay FIFO inside one
	// priority bucket.
	seq atomic.Uint64

	sent              atomic.Uint64
	received          atomic.Uint64
	completed         atomic.Uint64
	retried           atomic.Uint64
	deduplicated      atomic.Uint64
	deadLettered      atomic.Uint64
	unknownRecipients atomic.Uint64

	closed chan struct{}
	wg     sync.WaitGroup
}

// QueueOption customizes queue construction
type QueueOption func(*Queue)

// WithRetryBackoffBase overrides the base retry delay
func WithRetryBackoffBase(d time.Duration) QueueOption {
	return func(q *Queue) { q.retryBase = d }
}

// WithMetrics attaches a metrics collector
func WithMetrics(m core.MetricsCollector) QueueOption {
	return func(q *Queue) { q.metrics = m }
}

// NewQueue creates a message queue over the given KV adapter.
// The resolver may be nil when only DIRECT and TOPIC routing are used.
func NewQueue(kv core.KV, resolver AgentResolver, cfg core.QueueConfig, opts ...QueueOption) *Queue {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 5 * time.Minute
	}
	if cfg.DedupCapacity <= 0 {
		cfg.DedupCapacity = 10000
	}
	if cfg.CompletedRetention <= 0 {
		cfg.CompletedRetention = time.Hour
	}
	if cfg.MaxRetryBackoff <= 0 {
		cfg.MaxRetryBackoff = 300 * time.Second
	}

	q := &Queue{
		kv:         kv,
		resolver:   resolver,
		cfg:        cfg,
		logger:     &core.NoOpLogger{},
		metrics:    &core.NoOpMetrics{},
		retryBase:  time.Second,
		rrCounters: make(map[string]int),
		closed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SetLogger sets the logger for queue operations
func (q *Queue) SetLogger(logger core.Logger) {
	if logger != nil {
		q.logger = logger
	}
}

// Send routes and enqueues a single message.
// A duplicate send (same sender, type and content within the dedup
// window) returns success without enqueuing.
func (q *Queue) Send(ctx context.Context, m *Message) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("queue.Send: %v: %w", err, core.ErrInvalidConfiguration)
	}

	hash := m.contentHash()
	dup, err := q.kv.Exists(ctx, dedupKey(hash))
	if err != nil {
		return err
	}
	if dup {
		q.deduplicated.Add(1)
		q.logger.Debug("Duplicate message suppressed", map[string]interface{}{
			"message_id": m.ID,
			"sender":     m.Sender,
			"type":       m.Type,
		})
		return nil
	}

	copies, err := q.route(ctx, m)
	if err != nil {
		return err
	}

	if err := q.kv.TxPipeline(ctx, func(p core.Pipe) error {
		for _, c := range copies {
			q.enqueueOnPipe(p, c)
		}
		return nil
	}); err != nil {
		return err
	}

	q.sent.Add(uint64(len(copies)))
	q.metrics.RecordCounter("queue.sent", float64(len(copies)), map[string]string{"type": m.Type})
	q.recordDedup(ctx, hash)

	q.logger.Debug("Message sent", map[string]interface{}{
		"message_id": m.ID,
		"type":       m.Type,
		"routing":    string(m.Routing),
		"copies":     len(copies),
	})
	return nil
}

// SendBatch enqueues many messages in a single pipelined transaction.
// Per-message outcomes are returned keyed by message ID; a malformed
// item never aborts its siblings.
func (q *Queue) SendBatch(ctx context.Context, messages []*Message) (map[string]error, error) {
	outcomes := make(map[string]error, len(messages))
	var deliverable []*Message
	var hashes []string
	seen := make(map[string]struct{}, len(messages))

	for i, m := range messages {
		key := m.ID
		if key == "" {
			key = fmt.Sprintf("index:%d", i)
		}
		if err := m.Validate(); err != nil {
			outcomes[key] = fmt.Errorf("queue.SendBatch: %v: %w", err, core.ErrInvalidConfiguration)
			continue
		}

		hash := m.contentHash()
		if _, dup := seen[hash]; dup {
			q.deduplicated.Add(1)
			outcomes[key] = nil
			continue
		}
		dup, err := q.kv.Exists(ctx, dedupKey(hash))
		if err != nil {
			outcomes[key] = err
			continue
		}
		if dup {
			q.deduplicated.Add(1)
			outcomes[key] = nil
			continue
		}

		copies, err := q.route(ctx, m)
		if err != nil {
			outcomes[key] = err
			continue
		}
		seen[hash] = struct{}{}
		deliverable = append(deliverable, copies...)
		hashes = append(hashes, hash)
		outcomes[key] = nil
	}

	if len(deliverable) > 0 {
		if err := q.kv.TxPipeline(ctx, func(p core.Pipe) error {
			for _, c := range deliverable {
				q.enqueueOnPipe(p, c)
			}
			return nil
		}); err != nil {
			// The batch shares one transaction: a store failure fails
			// every message that was headed into it.
			for _, m := range messages {
				if outcomes[m.ID] == nil {
					outcomes[m.ID] = err
				}
			}
			return outcomes, err
		}
		q.sent.Add(uint64(len(deliverable)))
		// Hashes are recorded only once the batch has landed so a
		// failed transaction never suppresses the caller's retry.
		for _, h := range hashes {
			q.recordDedup(ctx, h)
		}
	}

	return outcomes, nil
}

// route expands a message into its per-recipient copies
func (q *Queue) route(ctx context.Context, m *Message) ([]*Message, error) {
	switch m.Routing {
	case RouteDirect, "":
		return []*Message{m}, nil

	case RouteRoundRobin:
		candidates, err := q.resolveCandidates(ctx, m)
		if err != nil {
			return nil, err
		}
		pick := q.nextRoundRobin(m.Recipient, len(candidates))
		return []*Message{m.copyFor(candidates[pick].ID)}, nil

	case RouteLeastBusy:
		candidates, err := q.resolveCandidates(ctx, m)
		if err != nil {
			return nil, err
		}
		best := leastBusy(candidates)
		if len(best) > 1 {
			// Ties break by round robin
			pick := q.nextRoundRobin(m.Recipient+":ties", len(best))
			return []*Message{m.copyFor(best[pick].ID)}, nil
		}
		return []*Message{m.copyFor(best[0].ID)}, nil

	case RouteBroadcast:
		candidates, err := q.resolveCandidates(ctx, m)
		if err != nil {
			return nil, err
		}
		copies := make([]*Message, 0, len(candidates))
		for _, c := range candidates {
			copies = append(copies, m.copyFor(c.ID))
		}
		return copies, nil

	case RouteTopic:
		subscribers, err := q.kv.SMembers(ctx, topicKey(m.Topic))
		if err != nil {
			return nil, err
		}
		copies := make([]*Message, 0, len(subscribers))
		for _, s := range subscribers {
			copies = append(copies, m.copyFor(s))
		}
		return copies, nil

	default:
		return nil, fmt.Errorf("queue.route: unsupported routing strategy %q: %w", m.Routing, core.ErrInvalidConfiguration)
	}
}

func (q *Queue) resolveCandidates(ctx context.Context, m *Message) ([]AgentCandidate, error) {
	if q.resolver == nil {
		q.unknownRecipients.Add(1)
		return nil, fmt.Errorf("queue.route [%s]: no resolver configured: %w", m.Recipient, core.ErrUnknownRecipient)
	}
	candidates, err := q.resolver.ResolveType(ctx, m.Recipient)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		q.unknownRecipients.Add(1)
		return nil, fmt.Errorf("queue.route [%s]: no live agents of type: %w", m.Recipient, core.ErrUnknownRecipient)
	}
	return candidates, nil
}

func (q *Queue) nextRoundRobin(key string, n int) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.rrCounters[key] % n
	q.rrCounters[key]++
	return idx
}

func leastBusy(candidates []AgentCandidate) []AgentCandidate {
	min := candidates[0].CurrentLoad
	for _, c := range candidates[1:] {
		if c.CurrentLoad < min {
			min = c.CurrentLoad
		}
	}
	var best []AgentCandidate
	for _, c := range candidates {
		if c.CurrentLoad == min {
			best = append(best, c)
		}
	}
	return best
}

// enqueueOnPipe stages the full storage layout for one message: body in
// the messages hash, a slot in the recipient's delivery-ordered inbox,
// membership in the per-priority set.
func (q *Queue) enqueueOnPipe(p core.Pipe, m *Message) {
	m.Status = StatusPending
	data, _ := json.Marshal(m)
	p.HSet(messagesKey, m.ID, string(data))
	p.ZAdd(inboxKey(m.Recipient), q.deliveryScore(m.Priority), m.ID)
	p.ZAdd(priorityKey(m.Priority), m.score(), m.ID)
}

// deliveryScore ranks an inbox entry for popping: lower pops first.
// The priority term dominates so urgent messages overtake, and the
// sequence counter keeps arrival order within one priority.
func (q *Queue) deliveryScore(p Priority) float64 {
	return float64(q.seq.Add(1)) - float64(p)*priorityBand
}

// popNext removes and returns the lowest-scored inbox entry
func (q *Queue) popNext(ctx context.Context, agentID string) (string, bool, error) {
	ids, err := q.kv.ZRangeByScore(ctx, inboxKey(agentID), math.Inf(-1), math.Inf(1), 1)
	if err != nil {
		return "", false, err
	}
	if len(ids) == 0 {
		return "", false, nil
	}
	if err := q.kv.ZRem(ctx, inboxKey(agentID), ids[0]); err != nil {
		return "", false, err
	}
	return ids[0], true, nil
}

// recordDedup stores the content hash and prunes the dedup index above
// capacity. Pruning failures are logged, never surfaced.
func (q *Queue) recordDedup(ctx context.Context, hash string) {
	if err := q.kv.Set(ctx, dedupKey(hash), "1", q.cfg.DedupTTL); err != nil {
		q.logger.Warn("Failed to record dedup key", map[string]interface{}{"error": err})
		return
	}
	if err := q.kv.ZAdd(ctx, dedupIndexKey, float64(time.Now().UnixNano()), hash); err != nil {
		return
	}
	card, err := q.kv.ZCard(ctx, dedupIndexKey)
	if err != nil || card <= int64(q.cfg.DedupCapacity) {
		return
	}
	overflow := card - int64(q.cfg.DedupCapacity)
	oldest, err := q.kv.ZRangeByScore(ctx, dedupIndexKey, math.Inf(-1), math.Inf(1), overflow)
	if err != nil || len(oldest) == 0 {
		return
	}
	keys := make([]string, len(oldest))
	for i, h := range oldest {
		keys[i] = dedupKey(h)
	}
	_ = q.kv.Del(ctx, keys...)
	_ = q.kv.ZRem(ctx, dedupIndexKey, oldest...)
}

// Receive pops the next message for an agent: highest priority first,
// FIFO by arrival within a priority. A zero timeout returns immediately
// when the inbox is empty; otherwise the call polls up to timeout.
// Expired messages are dead-lettered and skipped.
func (q *Queue) Receive(ctx context.Context, agentID string, timeout time.Duration) (*Message, error) {
	id, found, err := q.popNext(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !found && timeout > 0 {
		deadline := time.Now().Add(timeout)
		ticker := time.NewTicker(receivePollInterval)
		defer ticker.Stop()
		for !found {
			if !time.Now().Before(deadline) {
				return nil, nil
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-q.closed:
				return nil, nil
			case <-ticker.C:
			}
			id, found, err = q.popNext(ctx, agentID)
			if err != nil {
				return nil, err
			}
		}
	}
	if !found {
		return nil, nil
	}

	raw, ok, err := q.kv.HGet(ctx, messagesKey, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		q.logger.Warn("Inbox referenced missing message body", map[string]interface{}{
			"message_id": id,
			"agent_id":   agentID,
		})
		return nil, nil
	}

	var m Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		q.logger.Error("Failed to decode message body", map[string]interface{}{
			"message_id": id,
			"error":      err.Error(),
		})
		_ = q.kv.HDel(ctx, messagesKey, id)
		return nil, nil
	}

	if m.Expired(time.Now()) {
		if err := q.moveToDeadLetter(ctx, &m, "expired"); err != nil {
			return nil, err
		}
		return nil, nil
	}

	now := time.Now().UTC()
	m.Status = StatusProcessing
	m.ProcessedAt = &now
	data, _ := json.Marshal(&m)
	if err := q.kv.HSet(ctx, messagesKey, m.ID, string(data)); err != nil {
		return nil, err
	}

	q.received.Add(1)
	return &m, nil
}

// Acknowledge finishes processing of a received message. On success the
// body is archived with a short retention TTL. On failure the message
// is re-enqueued after exponential backoff until its retry budget is
// spent, then dead-lettered.
func (q *Queue) Acknowledge(ctx context.Context, m *Message, success bool) error {
	if m == nil || m.ID == "" {
		return fmt.Errorf("queue.Acknowledge: message required: %w", core.ErrInvalidConfiguration)
	}

	if success {
		m.Status = StatusCompleted
		data, _ := json.Marshal(m)
		err := q.kv.TxPipeline(ctx, func(p core.Pipe) error {
			p.HDel(messagesKey, m.ID)
			p.ZRem(priorityKey(m.Priority), m.ID)
			p.Set(archiveKey(m.ID), string(data), q.cfg.CompletedRetention)
			return nil
		})
		if err != nil {
			return err
		}
		q.completed.Add(1)
		q.metrics.RecordCounter("queue.completed", 1, map[string]string{"type": m.Type})
		return nil
	}

	if m.RetryCount >= m.MaxRetries {
		return q.moveToDeadLetter(ctx, m, "max_retries_exceeded")
	}

	m.RetryCount++
	m.Status = StatusRetry
	m.ProcessedAt = nil
	data, _ := json.Marshal(m)
	if err := q.kv.HSet(ctx, messagesKey, m.ID, string(data)); err != nil {
		return err
	}

	q.retried.Add(1)
	delay := q.retryDelay(m.RetryCount)
	q.logger.Info("Message scheduled for retry", map[string]interface{}{
		"message_id":  m.ID,
		"retry_count": m.RetryCount,
		"max_retries": m.MaxRetries,
		"delay":       delay.String(),
	})

	q.wg.Add(1)
	go func(msg Message) {
		defer q.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-q.closed:
			return
		case <-timer.C:
		}
		rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := q.kv.TxPipeline(rctx, func(p core.Pipe) error {
			q.enqueueOnPipe(p, &msg)
			return nil
		})
		if err != nil {
			q.logger.Error("Failed to re-enqueue message for retry", map[string]interface{}{
				"message_id": msg.ID,
				"error":      err.Error(),
			})
		}
	}(*m)

	return nil
}

// retryDelay computes min(cap, base * 2^retryCount)
func (q *Queue) retryDelay(retryCount int) time.Duration {
	d := q.retryBase * time.Duration(math.Pow(2, float64(retryCount)))
	if d > q.cfg.MaxRetryBackoff || d <= 0 {
		d = q.cfg.MaxRetryBackoff
	}
	return d
}

func (q *Queue) moveToDeadLetter(ctx context.Context, m *Message, reason string) error {
	m.Status = StatusDeadLetter
	envelope, _ := json.Marshal(&DeadLetterEnvelope{
		Message:      m,
		Reason:       reason,
		DeadLetterAt: time.Now().UTC(),
	})
	err := q.kv.TxPipeline(ctx, func(p core.Pipe) error {
		p.LPush(deadLetterKey, string(envelope))
		p.HDel(messagesKey, m.ID)
		p.ZRem(priorityKey(m.Priority), m.ID)
		return nil
	})
	if err != nil {
		return err
	}
	q.deadLettered.Add(1)
	q.metrics.RecordCounter("queue.dead_lettered", 1, map[string]string{"reason": reason})
	q.logger.Warn("Message dead-lettered", map[string]interface{}{
		"message_id": m.ID,
		"reason":     reason,
	})
	return nil
}

// Subscribe adds an agent to a topic
func (q *Queue) Subscribe(ctx context.Context, agentID, topic string) error {
	return q.kv.SAdd(ctx, topicKey(topic), agentID)
}

// Unsubscribe removes an agent from a topic
func (q *Queue) Unsubscribe(ctx context.Context, agentID, topic string) error {
	return q.kv.SRem(ctx, topicKey(topic), agentID)
}

// Stats returns a snapshot of queue counters and backlog depths
func (q *Queue) Stats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{
		Sent:              q.sent.Load(),
		Received:          q.received.Load(),
		Completed:         q.completed.Load(),
		Retried:           q.retried.Load(),
		Deduplicated:      q.deduplicated.Load(),
		DeadLettered:      q.deadLettered.Load(),
		UnknownRecipients: q.unknownRecipients.Load(),
		PendingByPriority: make(map[string]int64, 5),
	}
	for p := PriorityLow; p <= PriorityCritical; p++ {
		n, err := q.kv.ZCard(ctx, priorityKey(p))
		if err != nil {
			return nil, err
		}
		stats.PendingByPriority[p.String()] = n
	}
	depth, err := q.kv.LLen(ctx, deadLetterKey)
	if err != nil {
		return nil, err
	}
	stats.DeadLetterDepth = depth
	return stats, nil
}

// DeadLetters returns up to limit entries from the dead-letter queue
// without removing them.
func (q *Queue) DeadLetters(ctx context.Context, limit int64) ([]*DeadLetterEnvelope, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := q.kv.LRange(ctx, deadLetterKey, 0, limit-1)
	if err != nil {
		return nil, err
	}
	out := make([]*DeadLetterEnvelope, 0, len(raw))
	for _, r := range raw {
		var env DeadLetterEnvelope
		if err := json.Unmarshal([]byte(r), &env); err != nil {
			continue
		}
		out = append(out, &env)
	}
	return out, nil
}

// Close stops pending retry timers and waits for them to drain
func (q *Queue) Close() error {
	select {
	case <-q.closed:
	default:
		close(q.closed)
	}
	q.wg.Wait()
	return nil
}

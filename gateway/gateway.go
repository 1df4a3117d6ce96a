package gateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/revoagent/fabric/core"
)

// integration bundles the per-upstream machinery
type integration struct {
	cfg     IntegrationConfig
	limiter *rateLimiter
	breaker *circuitBreaker
	cache   *responseCache

	mu             sync.Mutex
	totalRequests  uint64
	totalSuccesses uint64
	totalErrors    uint64
	totalDuration  time.Duration
}

// Gateway routes outbound requests through per-integration rate
// limiting, circuit breaking, retries, and caching.
type Gateway struct {
	client  *http.Client
	logger  core.Logger
	metrics core.MetricsCollector

	mu           sync.RWMutex
	integrations map[string]*integration

	rngMu sync.Mutex
	rng   *rand.Rand

	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// GatewayOption customizes gateway construction
type GatewayOption func(*Gateway)

// WithHTTPClient replaces the transport, mainly for tests
func WithHTTPClient(client *http.Client) GatewayOption {
	return func(g *Gateway) {
		if client != nil {
			g.client = client
		}
	}
}

// WithMetrics installs a metrics collector
func WithMetrics(m core.MetricsCollector) GatewayOption {
	return func(g *Gateway) {
		if m != nil {
			g.metrics = m
		}
	}
}

// NewGateway creates an API gateway
func NewGateway(opts ...GatewayOption) *Gateway {
	g := &Gateway{
		client:       &http.Client{},
		logger:       &core.NoOpLogger{},
		metrics:      &core.NoOpMetrics{},
		integrations: make(map[string]*integration),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		stop:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetLogger sets the logger for gateway operations
func (g *Gateway) SetLogger(logger core.Logger) {
	if logger != nil {
		g.logger = logger
	}
}

// RegisterIntegration installs or replaces an upstream configuration
func (g *Gateway) RegisterIntegration(cfg IntegrationConfig) error {
	if cfg.Kind == "" || cfg.BaseURL == "" {
		return fmt.Errorf("gateway.RegisterIntegration: kind and base URL required: %w", core.ErrInvalidConfiguration)
	}
	cfg = cfg.withDefaults()

	g.mu.Lock()
	g.integrations[cfg.Kind] = &integration{
		cfg:     cfg,
		limiter: newRateLimiter(cfg.RequestsPerMinute, cfg.BurstLimit, cfg.Window),
		breaker: newCircuitBreaker(cfg.FailureThreshold, cfg.SuccessThreshold, cfg.RecoveryTimeout),
		cache:   newResponseCache(),
	}
	g.mu.Unlock()

	g.logger.Info("Integration registered", map[string]interface{}{
		"kind":     cfg.Kind,
		"base_url": cfg.BaseURL,
	})
	return nil
}

func (g *Gateway) integration(kind string) (*integration, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	in, ok := g.integrations[kind]
	if !ok {
		return nil, fmt.Errorf("gateway [%s]: integration not registered: %w", kind, core.ErrMissingConfiguration)
	}
	return in, nil
}

// MakeRequest performs one guarded call against an integration. Client
// errors (4xx) come back as regular responses; rate limiting, open
// circuits, exhausted retries against 5xx, and transport failures come
// back as errors.
func (g *Gateway) MakeRequest(ctx context.Context, kind string, req *Request) (*Response, error) {
	in, err := g.integration(kind)
	if err != nil {
		return nil, err
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	now := time.Now()

	cacheKey := req.CacheKey
	if cacheKey == "" {
		cacheKey = requestFingerprint(kind, req)
	}
	if !req.SkipCache {
		if cached, ok := in.cache.Get(cacheKey, now); ok {
			cached.Cached = true
			g.metrics.RecordCounter("gateway.cache.hit", 1, map[string]string{"integration": kind})
			return cached, nil
		}
	}

	if ok, wait := in.limiter.Allow(now); !ok {
		g.metrics.RecordCounter("gateway.rate_limited", 1, map[string]string{"integration": kind})
		return nil, fmt.Errorf("gateway [%s]: retry in %s: %w", kind, wait.Round(time.Millisecond), core.ErrRateLimited)
	}

	if err := in.breaker.Allow(now); err != nil {
		g.metrics.RecordCounter("gateway.circuit_open", 1, map[string]string{"integration": kind})
		return nil, fmt.Errorf("gateway [%s]: %w", kind, err)
	}

	resp, err := g.attemptWithRetries(ctx, in, kind, req)
	g.recordOutcome(in, kind, resp, err)
	if err != nil {
		return resp, err
	}
	if resp.StatusCode < 400 {
		ttl := req.CacheTTL
		if ttl <= 0 {
			ttl = in.cfg.CacheTTL
		}
		in.cache.Put(cacheKey, *resp, ttl, time.Now())
	}
	return resp, nil
}

func (g *Gateway) recordOutcome(in *integration, kind string, resp *Response, err error) {
	var elapsed time.Duration
	if resp != nil {
		elapsed = time.Duration(resp.ResponseTime * float64(time.Second))
	}
	in.mu.Lock()
	in.totalRequests++
	in.totalDuration += elapsed
	if err != nil {
		in.totalErrors++
	} else {
		in.totalSuccesses++
	}
	in.mu.Unlock()

	status := "success"
	if err != nil {
		status = "error"
	}
	g.metrics.RecordCounter("gateway.request", 1, map[string]string{"integration": kind, "status": status})
	g.metrics.RecordDuration("gateway.request.duration", elapsed, map[string]string{"integration": kind})
}

// attemptWithRetries runs the attempt loop. Status < 500 is final;
// status >= 500 and transport errors consume retry budget.
func (g *Gateway) attemptWithRetries(ctx context.Context, in *integration, kind string, req *Request) (*Response, error) {
	attempts := req.MaxAttempts
	if attempts <= 0 {
		attempts = in.cfg.MaxAttempts
	}
	if in.cfg.RetryStrategy == RetryNone {
		attempts = 1
	}

	var lastErr error
	var lastResp *Response
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := g.retryDelay(in.cfg, attempt-1)
			select {
			case <-ctx.Done():
				return lastResp, fmt.Errorf("gateway [%s]: %v: %w", kind, ctx.Err(), core.ErrTimeout)
			case <-time.After(delay):
			}
		}

		resp, err := g.doAttempt(ctx, in, kind, req)
		if resp != nil {
			resp.RetryCount = attempt
		}
		switch {
		case err != nil:
			in.breaker.RecordFailure(time.Now())
			lastErr = err
			lastResp = resp
			g.logger.Warn("Upstream attempt failed", map[string]interface{}{
				"integration": kind,
				"endpoint":    req.Endpoint,
				"attempt":     attempt + 1,
				"error":       err.Error(),
			})
		case resp.StatusCode >= http.StatusInternalServerError:
			in.breaker.RecordFailure(time.Now())
			lastErr = fmt.Errorf("gateway [%s]: upstream returned %d: %w", kind, resp.StatusCode, core.ErrUpstreamServerError)
			lastResp = resp
		default:
			in.breaker.RecordSuccess()
			return resp, nil
		}
	}
	return lastResp, lastErr
}

func (g *Gateway) doAttempt(ctx context.Context, in *integration, kind string, req *Request) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = in.cfg.Timeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target, err := url.Parse(strings.TrimRight(in.cfg.BaseURL, "/") + "/" + strings.TrimLeft(req.Endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("gateway [%s]: bad endpoint %q: %w", kind, req.Endpoint, core.ErrInvalidConfiguration)
	}
	if len(req.Params) > 0 {
		q := target.Query()
		for k, v := range req.Params {
			q.Set(k, v)
		}
		target.RawQuery = q.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		data, merr := json.Marshal(req.Body)
		if merr != nil {
			return nil, fmt.Errorf("gateway [%s]: unserializable body: %v", kind, merr)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("gateway [%s]: %v: %w", kind, err, core.ErrTransportError)
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range in.cfg.AuthHeaders {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	httpResp, err := g.client.Do(httpReq)
	elapsed := time.Since(start)
	if err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("gateway [%s]: attempt deadline exceeded: %w", kind, core.ErrTimeout)
		}
		return nil, fmt.Errorf("gateway [%s]: %v: %w", kind, err, core.ErrTransportError)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("gateway [%s]: reading body: %v: %w", kind, err, core.ErrTransportError)
	}

	var decoded interface{}
	if len(raw) > 0 {
		if jerr := json.Unmarshal(raw, &decoded); jerr != nil {
			decoded = string(raw)
		}
	}

	return &Response{
		StatusCode:   httpResp.StatusCode,
		Headers:      httpResp.Header,
		Body:         decoded,
		ResponseTime: elapsed.Seconds(),
		Integration:  kind,
		Endpoint:     req.Endpoint,
		Timestamp:    time.Now().UTC(),
	}, nil
}

// retryDelay computes the pause before retry number attempt+1
func (g *Gateway) retryDelay(cfg IntegrationConfig, attempt int) time.Duration {
	var delay time.Duration
	switch cfg.RetryStrategy {
	case RetryExponential:
		delay = cfg.BaseDelay
		for i := 0; i < attempt; i++ {
			delay = time.Duration(float64(delay) * cfg.Multiplier)
			if delay > cfg.MaxDelay {
				break
			}
		}
	case RetryLinear:
		delay = cfg.BaseDelay * time.Duration(attempt+1)
	case RetryFixed:
		delay = cfg.BaseDelay
	case RetryImmediate, RetryNone:
		return 0
	default:
		delay = cfg.BaseDelay
	}
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.Jitter {
		g.rngMu.Lock()
		factor := 0.5 + g.rng.Float64()*0.5
		g.rngMu.Unlock()
		delay = time.Duration(float64(delay) * factor)
	}
	return delay
}

// requestFingerprint derives the cache key from the request shape
func requestFingerprint(kind string, req *Request) string {
	var sb strings.Builder
	sb.WriteString(kind)
	sb.WriteByte('|')
	sb.WriteString(req.Method)
	sb.WriteByte('|')
	sb.WriteString(req.Endpoint)
	sb.WriteByte('|')
	keys := make([]string, 0, len(req.Params))
	for k := range req.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(req.Params[k])
		sb.WriteByte('&')
	}
	if req.Body != nil {
		data, _ := json.Marshal(req.Body)
		sb.Write(data)
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return kind + ":" + hex.EncodeToString(sum[:])
}

// IntegrationHealth reports one integration's health view
func (g *Gateway) IntegrationHealth(kind string) (*IntegrationHealth, error) {
	in, err := g.integration(kind)
	if err != nil {
		return nil, err
	}
	return in.health(), nil
}

func (in *integration) health() *IntegrationHealth {
	in.mu.Lock()
	defer in.mu.Unlock()

	h := &IntegrationHealth{
		Kind:            in.cfg.Kind,
		CircuitState:    in.breaker.State(),
		TotalRequests:   in.totalRequests,
		TotalSuccesses:  in.totalSuccesses,
		TotalErrors:     in.totalErrors,
		TokensRemaining: in.limiter.Tokens(),
		CachedResponses: in.cache.Len(),
	}
	if in.totalRequests > 0 {
		h.ErrorRate = float64(in.totalErrors) / float64(in.totalRequests)
		h.AvgResponseTime = in.totalDuration.Seconds() / float64(in.totalRequests)
	}
	return h
}

// SystemHealth aggregates every integration; the system is healthy
// when no breaker is open.
func (g *Gateway) SystemHealth() *SystemHealth {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := &SystemHealth{
		Healthy:      true,
		Integrations: make(map[string]*IntegrationHealth, len(g.integrations)),
		Timestamp:    time.Now().UTC(),
	}
	for kind, in := range g.integrations {
		h := in.health()
		out.Integrations[kind] = h
		if h.CircuitState == CircuitOpen {
			out.Healthy = false
		}
	}
	return out
}

// ResetBreaker forces an integration's breaker closed
func (g *Gateway) ResetBreaker(kind string) error {
	in, err := g.integration(kind)
	if err != nil {
		return err
	}
	in.breaker.Reset()
	g.logger.Info("Circuit breaker reset", map[string]interface{}{"integration": kind})
	return nil
}

// ClearCache removes cached responses matching the glob pattern across
// all integrations and returns the number removed.
func (g *Gateway) ClearCache(pattern string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	removed := 0
	for _, in := range g.integrations {
		removed += in.cache.Clear(pattern)
	}
	return removed
}

// Integrations lists the registered integration kinds
func (g *Gateway) Integrations() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.integrations))
	for kind := range g.integrations {
		out = append(out, kind)
	}
	sort.Strings(out)
	return out
}

// Start launches the cache expiry sweep
func (g *Gateway) Start(ctx context.Context) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-g.stop:
				return
			case <-ticker.C:
				now := time.Now()
				g.mu.RLock()
				for _, in := range g.integrations {
					in.cache.sweep(now)
				}
				g.mu.RUnlock()
			}
		}
	}()
}

// Stop halts the cache sweep and waits for it to exit
func (g *Gateway) Stop() {
	g.stopped.Do(func() { close(g.stop) })
	g.wg.Wait()
}

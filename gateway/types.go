// Package gateway fronts outbound HTTP integrations with rate
// limiting, circuit breaking, retries, and response caching.
package gateway

import (
	"net/http"
	"time"
)

// RetryStrategy shapes the delay between request attempts
type RetryStrategy string

const (
	RetryExponential RetryStrategy = "exponential_backoff"
	RetryLinear      RetryStrategy = "linear_backoff"
	RetryFixed       RetryStrategy = "fixed_delay"
	RetryImmediate   RetryStrategy = "immediate"
	RetryNone        RetryStrategy = "no_retry"
)

// IntegrationConfig describes one upstream service
type IntegrationConfig struct {
	Kind        string            `json:"kind" yaml:"kind"`
	BaseURL     string            `json:"base_url" yaml:"base_url"`
	AuthHeaders map[string]string `json:"auth_headers,omitempty" yaml:"auth_headers"`

	RequestsPerMinute int           `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstLimit        int           `json:"burst_limit" yaml:"burst_limit"`
	Window            time.Duration `json:"window" yaml:"window"`

	MaxAttempts   int           `json:"max_attempts" yaml:"max_attempts"`
	RetryStrategy RetryStrategy `json:"retry_strategy" yaml:"retry_strategy"`
	BaseDelay     time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay      time.Duration `json:"max_delay" yaml:"max_delay"`
	Multiplier    float64       `json:"multiplier" yaml:"multiplier"`
	Jitter        bool          `json:"jitter" yaml:"jitter"`

	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold"`

	CacheTTL time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
}

// withDefaults fills unset fields with workable values
func (c IntegrationConfig) withDefaults() IntegrationConfig {
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = 600
	}
	if c.BurstLimit <= 0 {
		c.BurstLimit = 10
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryStrategy == "" {
		c.RetryStrategy = RetryExponential
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	return c
}

// Request is a canonical outbound call
type Request struct {
	Method   string            `json:"method"`
	Endpoint string            `json:"endpoint"`
	Headers  map[string]string `json:"headers,omitempty"`
	Params   map[string]string `json:"params,omitempty"`
	Body     interface{}       `json:"body,omitempty"`

	Timeout     time.Duration `json:"timeout,omitempty"`
	MaxAttempts int           `json:"max_attempts,omitempty"`
	CacheKey    string        `json:"cache_key,omitempty"`
	CacheTTL    time.Duration `json:"cache_ttl,omitempty"`
	SkipCache   bool          `json:"skip_cache,omitempty"`
}

// Response is a canonical upstream reply. Body holds parsed JSON when
// the payload decodes, otherwise the raw text.
type Response struct {
	StatusCode   int         `json:"status_code"`
	Headers      http.Header `json:"headers,omitempty"`
	Body         interface{} `json:"body,omitempty"`
	ResponseTime float64     `json:"response_time"`
	RetryCount   int         `json:"retry_count"`
	Cached       bool        `json:"cached"`
	Integration  string      `json:"integration"`
	Endpoint     string      `json:"endpoint"`
	Timestamp    time.Time   `json:"timestamp"`
}

// IntegrationHealth is the per-integration health view
type IntegrationHealth struct {
	Kind            string       `json:"kind"`
	CircuitState    CircuitState `json:"circuit_state"`
	TotalRequests   uint64       `json:"total_requests"`
	TotalSuccesses  uint64       `json:"total_successes"`
	TotalErrors     uint64       `json:"total_errors"`
	ErrorRate       float64      `json:"error_rate"`
	AvgResponseTime float64      `json:"avg_response_time"`
	TokensRemaining float64      `json:"tokens_remaining"`
	CachedResponses int          `json:"cached_responses"`
}

// SystemHealth aggregates all integrations
type SystemHealth struct {
	Healthy      bool                          `json:"healthy"`
	Integrations map[string]*IntegrationHealth `json:"integrations"`
	Timestamp    time.Time                     `json:"timestamp"`
}

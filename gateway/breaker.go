package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/revoagent/fabric/core"
)

// CircuitState is the breaker's position
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// circuitBreaker guards one integration. Consecutive failures trip it
// OPEN; after the recovery timeout it admits probes in HALF_OPEN, and
// enough consecutive probe successes close it again. A single probe
// failure reopens it.
type circuitBreaker struct {
	mu sync.Mutex

	state                CircuitState
	failureThreshold     int
	successThreshold     int
	recoveryTimeout      time.Duration
	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailure          time.Time
	openedAt             time.Time
}

func newCircuitBreaker(failureThreshold, successThreshold int, recoveryTimeout time.Duration) *circuitBreaker {
	return &circuitBreaker{
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		recoveryTimeout:  recoveryTimeout,
	}
}

// Allow reports whether a call may proceed, failing fast when OPEN
func (cb *circuitBreaker) Allow(now time.Time) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed, CircuitHalfOpen:
		return nil
	case CircuitOpen:
		if now.Sub(cb.openedAt) >= cb.recoveryTimeout {
			cb.state = CircuitHalfOpen
			cb.consecutiveSuccesses = 0
			return nil
		}
		wait := cb.recoveryTimeout - now.Sub(cb.openedAt)
		return fmt.Errorf("circuit open, retry in %s: %w", wait.Round(time.Millisecond), core.ErrCircuitOpen)
	}
	return nil
}

func (cb *circuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	if cb.state == CircuitHalfOpen {
		cb.consecutiveSuccesses++
		if cb.consecutiveSuccesses >= cb.successThreshold {
			cb.state = CircuitClosed
			cb.consecutiveSuccesses = 0
		}
	}
}

func (cb *circuitBreaker) RecordFailure(now time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = now
	cb.consecutiveSuccesses = 0
	switch cb.state {
	case CircuitHalfOpen:
		// one probe failure reopens
		cb.state = CircuitOpen
		cb.openedAt = now
		cb.consecutiveFailures = 0
	case CircuitClosed:
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.failureThreshold {
			cb.state = CircuitOpen
			cb.openedAt = now
			cb.consecutiveFailures = 0
		}
	}
}

func (cb *circuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker closed and clears its counters
func (cb *circuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
}

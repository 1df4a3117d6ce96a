package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Store errors
	ErrKVUnavailable = errors.New("kv store unavailable")

	// Routing errors
	ErrUnknownRecipient = errors.New("unknown recipient")
	ErrUnknownEventType = errors.New("unknown event type")

	// Admission errors
	ErrRateLimited = errors.New("rate limited")
	ErrCircuitOpen = errors.New("circuit breaker open")
	ErrQueueFull   = errors.New("queue full")

	// Deadline errors
	ErrTimeout         = errors.New("operation timeout")
	ErrTaskTimeout     = errors.New("task timeout")
	ErrWorkflowTimeout = errors.New("workflow timeout")
	ErrLockTimeout     = errors.New("lock acquisition timeout")

	// Upstream errors
	ErrUpstreamServerError = errors.New("upstream server error")
	ErrTransportError      = errors.New("transport error")

	// Webhook errors
	ErrInvalidSignature = errors.New("invalid signature")
	ErrHandlerFailed    = errors.New("handler failed")

	// Memory coordination errors
	ErrLockNotHeld        = errors.New("lock not held")
	ErrConflictUnresolved = errors.New("conflict unresolved")
	ErrKeyNotFound        = errors.New("key not found")

	// Scheduling errors
	ErrNoEligibleAgent    = errors.New("no eligible agent")
	ErrAgentNotFound      = errors.New("agent not found")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// State errors
	ErrAlreadyStarted   = errors.New("already started")
	ErrNotStarted       = errors.New("not started")
	ErrConnectionFailed = errors.New("connection failed")
)

// FabricError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type FabricError struct {
	Op      string // Operation that failed (e.g., "queue.Send")
	Kind    string // Error kind (e.g., "messaging", "memory", "gateway")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *FabricError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *FabricError) Unwrap() error {
	return e.Err
}

// NewFabricError creates a new FabricError
func NewFabricError(op, kind string, err error) *FabricError {
	return &FabricError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsRetryable checks if an error is retryable.
// Retryable errors are typically transient availability issues.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrKVUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrUpstreamServerError) ||
		errors.Is(err, ErrTransportError) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrRateLimited)
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAgentNotFound) ||
		errors.Is(err, ErrKeyNotFound) ||
		errors.Is(err, ErrUnknownRecipient) ||
		errors.Is(err, ErrUnknownEventType)
}

// IsDeadline checks if an error is a deadline expiry of any flavor
func IsDeadline(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrTaskTimeout) ||
		errors.Is(err, ErrWorkflowTimeout) ||
		errors.Is(err, ErrLockTimeout)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}

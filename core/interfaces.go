package core

import (
	"context"
	"time"
)

// Logger interface - minimal logging interface
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// Telemetry interface - optional metrics support. Only the counter contract
// is part of the pipeline's observable surface; exposition is left to the
// implementation.
type Telemetry interface {
	Counter(name string, delta int64, labels map[string]string)
}

// CircuitBreaker provides circuit breaker functionality for fault tolerance.
// Implementations should protect against cascading failures by temporarily
// blocking requests when a threshold of failures is reached.
type CircuitBreaker interface {
	// Execute runs the provided function with circuit breaker protection.
	// If the circuit is open, it returns ErrCircuitBreakerOpen immediately.
	Execute(ctx context.Context, fn func() error) error

	// CanExecute returns true if the circuit breaker would allow execution.
	CanExecute() bool

	// GetState returns the current state: "closed", "open" or "half-open".
	GetState() string

	// Reset manually resets the circuit breaker to closed state.
	Reset()
}

// Substrate is the uniform interface over the event-log substrate. It is the
// single choke point for all persistence: no other component talks to Redis
// streams directly.
type Substrate interface {
	// Publish appends an entry carrying payload under the single "data"
	// field, trimming the stream to approximately maxLenApprox entries.
	// Returns the substrate-assigned entry id.
	Publish(ctx context.Context, stream string, payload []byte, maxLenApprox int64) (string, error)

	// ReadGroup blocks up to block for up to count entries not yet delivered
	// to this group. The group is created lazily; "group already exists" is
	// not an error.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamEntry, error)

	// Ack marks entries acknowledged. Idempotent.
	Ack(ctx context.Context, stream, group string, ids ...string) error

	// Pending inspects the pending-entry list of a consumer group.
	Pending(ctx context.Context, stream, group string) (*PendingSummary, error)

	// Claim transfers ownership of long-idle pending entries to consumer.
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]StreamEntry, error)

	// Tail returns the most recent count entries of a stream, newest first.
	// Used by observers (the health monitor) that read without a group.
	Tail(ctx context.Context, stream string, count int64) ([]StreamEntry, error)

	// MoveToDLQ publishes the failing entry plus reason to a dead-letter
	// stream, then acknowledges the source.
	MoveToDLQ(ctx context.Context, stream, group string, entry StreamEntry, dlqStream, reason string) error
}

// LockManager grants short-TTL exclusive ownership of named resources.
type LockManager interface {
	// Acquire attempts atomic set-if-absent. Returns false when another
	// owner holds the lock.
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)

	// Release deletes the lock only if this instance still owns it.
	Release(ctx context.Context, name string) error
}

// Default no-op implementations

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// NoOpTelemetry provides a no-op telemetry implementation
type NoOpTelemetry struct{}

func (n *NoOpTelemetry) Counter(name string, delta int64, labels map[string]string) {}

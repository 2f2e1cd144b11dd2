// Package resilience provides fault-tolerance primitives for the pipeline:
// capped-exponential retry and a circuit breaker implementing
// core.CircuitBreaker.
//
// The circuit breaker protects the Redis substrate from retry storms: after
// a threshold of consecutive failures the circuit opens and callers fail
// fast with core.ErrCircuitBreakerOpen until a sleep window elapses, then a
// limited number of half-open probes decide between recovery and re-opening.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quantrelay/arbcore/core"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows limited requests for testing
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrorClassifier determines which errors should count toward circuit breaker thresholds
type ErrorClassifier func(error) bool

// DefaultErrorClassifier only counts infrastructure errors, not user errors
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}

	// Configuration errors - DON'T count (user error)
	if core.IsConfigurationError(err) {
		return false
	}

	// State errors - DON'T count (programming error)
	if core.IsStateError(err) {
		return false
	}

	// Context cancellation - DON'T count (client gave up)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// All other errors count as failures (network, timeout, connection issues)
	return true
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name identifies the circuit breaker (for logging/metrics)
	Name string

	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold int

	// SleepWindow is how long to wait before entering half-open state
	SleepWindow time.Duration

	// HalfOpenRequests is the number of test requests in half-open state
	HalfOpenRequests int

	// ErrorClassifier determines which errors count as failures
	ErrorClassifier ErrorClassifier

	// Logger for circuit breaker events
	Logger core.Logger

	// Telemetry for state-transition counters
	Telemetry core.Telemetry
}

// DefaultCircuitBreakerConfig returns a production-ready default configuration
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		SleepWindow:      30 * time.Second,
		HalfOpenRequests: 3,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           &core.NoOpLogger{},
		Telemetry:        &core.NoOpTelemetry{},
	}
}

// CircuitBreaker implements core.CircuitBreaker with consecutive-failure
// tripping and half-open probing.
type CircuitBreaker struct {
	config *CircuitBreakerConfig

	mu               sync.Mutex
	state            CircuitState
	stateChangedAt   time.Time
	failures         int
	halfOpenInFlight int
	halfOpenSuccess  int
}

// NewCircuitBreaker creates a circuit breaker, applying defaults for any
// unset config field.
func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig("default")
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SleepWindow <= 0 {
		config.SleepWindow = 30 * time.Second
	}
	if config.HalfOpenRequests <= 0 {
		config.HalfOpenRequests = 3
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Telemetry == nil {
		config.Telemetry = &core.NoOpTelemetry{}
	}

	return &CircuitBreaker{
		config:         config,
		state:          StateClosed,
		stateChangedAt: time.Now(),
	}
}

// Execute runs the given function with circuit breaker protection.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if !cb.beginExecution() {
		return fmt.Errorf("circuit breaker '%s' is open: %w", cb.config.Name, core.ErrCircuitBreakerOpen)
	}

	err := fn()
	cb.endExecution(err)
	return err
}

// CanExecute returns true if the circuit breaker would allow execution.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.evaluateLocked() {
	case StateClosed:
		return true
	case StateHalfOpen:
		return cb.halfOpenInFlight < cb.config.HalfOpenRequests
	default:
		return false
	}
}

// GetState returns the current circuit breaker state as a string.
func (cb *CircuitBreaker) GetState() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.evaluateLocked().String()
}

// Reset manually resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(StateClosed, "manual reset")
	cb.failures = 0
	cb.halfOpenInFlight = 0
	cb.halfOpenSuccess = 0
}

// beginExecution reserves an execution slot, returning false on rejection.
func (cb *CircuitBreaker) beginExecution() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.evaluateLocked() {
	case StateClosed:
		return true
	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.config.HalfOpenRequests {
			return false
		}
		cb.halfOpenInFlight++
		return true
	default:
		return false
	}
}

// endExecution records the outcome and drives state transitions.
func (cb *CircuitBreaker) endExecution(err error) {
	counts := err != nil && cb.config.ErrorClassifier(err)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.halfOpenInFlight--
		if counts {
			cb.transitionLocked(StateOpen, "half-open probe failed")
			return
		}
		if err == nil {
			cb.halfOpenSuccess++
			if cb.halfOpenSuccess >= cb.config.HalfOpenRequests {
				cb.transitionLocked(StateClosed, "half-open probes succeeded")
				cb.failures = 0
			}
		}
	default:
		if counts {
			cb.failures++
			if cb.failures >= cb.config.FailureThreshold {
				cb.transitionLocked(StateOpen, "failure threshold reached")
			}
		} else if err == nil {
			cb.failures = 0
		}
	}
}

// evaluateLocked promotes open → half-open after the sleep window. Callers
// must hold cb.mu.
func (cb *CircuitBreaker) evaluateLocked() CircuitState {
	if cb.state == StateOpen && time.Since(cb.stateChangedAt) >= cb.config.SleepWindow {
		cb.transitionLocked(StateHalfOpen, "sleep window elapsed")
	}
	return cb.state
}

// transitionLocked changes state and emits logging/telemetry. Callers must
// hold cb.mu.
func (cb *CircuitBreaker) transitionLocked(to CircuitState, reason string) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.stateChangedAt = time.Now()
	if to == StateHalfOpen {
		cb.halfOpenInFlight = 0
		cb.halfOpenSuccess = 0
	}

	cb.config.Logger.Info("Circuit breaker state changed", map[string]interface{}{
		"name":   cb.config.Name,
		"from":   from.String(),
		"to":     to.String(),
		"reason": reason,
	})
	cb.config.Telemetry.Counter("arbcore.circuit.transitions", 1, map[string]string{
		"name": cb.config.Name,
		"to":   to.String(),
	})
}

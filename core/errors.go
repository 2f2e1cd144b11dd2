package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is().
// These are generic errors that can be wrapped with additional context.
var (
	// Substrate errors
	ErrSubstrateUnavailable = errors.New("substrate unavailable")
	ErrConnectionFailed     = errors.New("connection failed")
	ErrStreamNotFound       = errors.New("stream not found")

	// Leadership errors
	ErrNotLeader    = errors.New("not leader")
	ErrLeaseLost    = errors.New("leader lease lost")
	ErrLeaseHeld    = errors.New("leader lease held by another instance")
	ErrRenewTooSlow = errors.New("lease renewal exceeded safety window")

	// Execution errors
	ErrLockHeld           = errors.New("opportunity lock held by another executor")
	ErrNoStrategy         = errors.New("no strategy registered")
	ErrDeadlineExceeded   = errors.New("opportunity deadline exceeded")
	ErrInvalidOpportunity = errors.New("invalid opportunity")
	ErrMissingID          = errors.New("missing opportunity id")
	ErrMalformedPayload   = errors.New("malformed stream payload")

	// Strategy errors
	ErrGasSpike         = errors.New("gas price above opportunity ceiling")
	ErrSimulationReject = errors.New("pre-flight simulation rejected transaction")
	ErrRevert           = errors.New("transaction reverted on chain")
	ErrPathInvalid      = errors.New("swap path invalid")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// State errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotInitialized = errors.New("not initialized")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
)

// PipelineError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type PipelineError struct {
	Op      string // Operation that failed (e.g., "substrate.Publish")
	Kind    string // Error kind (e.g., "substrate", "election", "executor")
	ID      string // Optional ID of the entity involved (opportunity id, stream name)
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error.
func (e *PipelineError) Error() string {
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

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewPipelineError creates a new PipelineError.
func NewPipelineError(op, kind string, err error) *PipelineError {
	return &PipelineError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsRetryable checks if an error is retryable.
// Retryable errors are typically transient network or availability issues.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSubstrateUnavailable) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrTimeout)
}

// IsConfigurationError checks if an error is configuration-related.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}

// IsStateError checks if an error is related to invalid state transitions.
func IsStateError(err error) bool {
	return errors.Is(err, ErrAlreadyStarted) ||
		errors.Is(err, ErrNotInitialized)
}

// ClassifyExecutionError maps an error surfaced by a strategy to the tagged
// kind carried in an ExecutionResult. Strategies return sentinel-wrapped
// errors; anything unrecognized is "unknown".
func ClassifyExecutionError(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDeadlineExceeded), errors.Is(err, ErrTimeout):
		return ErrKindTimeout
	case errors.Is(err, ErrLockHeld):
		return ErrKindLockConflict
	case errors.Is(err, ErrNoStrategy):
		return ErrKindNoStrategy
	case errors.Is(err, ErrGasSpike):
		return ErrKindGasSpike
	case errors.Is(err, ErrSimulationReject):
		return ErrKindSimulationReject
	case errors.Is(err, ErrRevert):
		return ErrKindRevert
	case errors.Is(err, ErrSubstrateUnavailable), errors.Is(err, ErrConnectionFailed):
		return ErrKindSubstrateUnavailable
	case errors.Is(err, ErrInvalidOpportunity), errors.Is(err, ErrMissingID), errors.Is(err, ErrPathInvalid):
		return ErrKindPathInvalid
	default:
		return ErrKindUnknown
	}
}

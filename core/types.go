package core

import (
	"fmt"
	"time"
)

// OpportunityType classifies a detected arbitrage opportunity.
type OpportunityType string

const (
	OpportunityCrossDex    OpportunityType = "cross-dex"
	OpportunityTriangular  OpportunityType = "triangular"
	OpportunityMultiLeg    OpportunityType = "multi-leg"
	OpportunityCrossChain  OpportunityType = "cross-chain"
	OpportunityFlashLoan   OpportunityType = "flash-loan"
	OpportunityBackrun     OpportunityType = "backrun"
	OpportunityStatistical OpportunityType = "statistical"
	OpportunitySolana      OpportunityType = "solana"
)

// KnownOpportunityTypes lists every type the pipeline routes.
var KnownOpportunityTypes = []OpportunityType{
	OpportunityCrossDex,
	OpportunityTriangular,
	OpportunityMultiLeg,
	OpportunityCrossChain,
	OpportunityFlashLoan,
	OpportunityBackrun,
	OpportunityStatistical,
	OpportunitySolana,
}

// IsKnownOpportunityType reports whether t is a type the pipeline routes.
func IsKnownOpportunityType(t OpportunityType) bool {
	for _, known := range KnownOpportunityTypes {
		if t == known {
			return true
		}
	}
	return false
}

// SwapHop is one leg of a swap path.
// MinOut is kept as a decimal string because token amounts in the smallest
// unit overflow int64 on 18-decimal chains.
type SwapHop struct {
	Venue    string `json:"venue"`
	TokenIn  string `json:"tokenIn"`
	TokenOut string `json:"tokenOut"`
	MinOut   string `json:"minOut,omitempty"`
}

// PipelineTimestamps records when each stage of the pipeline touched an
// opportunity. All values are unix milliseconds.
type PipelineTimestamps struct {
	DetectedAt    int64 `json:"detectedAt,omitempty"`
	CoordinatorAt int64 `json:"coordinatorAt,omitempty"`
	ExecutedAt    int64 `json:"executedAt,omitempty"`
}

// Opportunity is a detected, candidate-profitable trade. It is created by a
// detector, immutable thereafter, and consumed at most once by the executor.
type Opportunity struct {
	ID                string             `json:"id"`
	Type              OpportunityType    `json:"type"`
	Chain             string             `json:"chain"`
	BuyVenue          string             `json:"buyVenue,omitempty"`
	SellVenue         string             `json:"sellVenue,omitempty"`
	ExpectedProfitUSD float64            `json:"expectedProfitUsd"`
	Confidence        float64            `json:"confidence"`
	AmountIn          string             `json:"amountIn,omitempty"`
	SwapPath          []SwapHop          `json:"swapPath,omitempty"`
	Deadline          int64              `json:"deadline"` // unix milliseconds, absolute
	Timestamps        PipelineTimestamps `json:"pipelineTimestamps"`
}

// Validate checks the minimal shape every pipeline stage relies on.
func (o *Opportunity) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("opportunity missing id: %w", ErrMissingID)
	}
	if o.Type == "" {
		return fmt.Errorf("opportunity %s missing type: %w", o.ID, ErrInvalidOpportunity)
	}
	if o.Confidence < 0 || o.Confidence > 1 {
		return fmt.Errorf("opportunity %s confidence %f out of range: %w", o.ID, o.Confidence, ErrInvalidOpportunity)
	}
	return nil
}

// Expired reports whether the opportunity deadline has passed at the given
// instant. A zero deadline never expires; detectors that omit it accept
// executor-side latency.
func (o *Opportunity) Expired(now time.Time) bool {
	if o.Deadline == 0 {
		return false
	}
	return now.UnixMilli() >= o.Deadline
}

// ExecutionRequest is an opportunity annotated with coordinator metadata.
// Identity is inherited from the opportunity id.
type ExecutionRequest struct {
	Opportunity

	ForwardedBy  string `json:"forwardedBy"`
	ForwardedAt  int64  `json:"forwardedAt"` // unix milliseconds
	StrategyHint string `json:"strategyHint,omitempty"`
}

// ErrorKind tags the failure mode carried in an ExecutionResult.
type ErrorKind string

const (
	ErrKindGasSpike             ErrorKind = "gas-spike"
	ErrKindNoStrategy           ErrorKind = "no-strategy"
	ErrKindLockConflict         ErrorKind = "lock-conflict"
	ErrKindPathInvalid          ErrorKind = "path-invalid"
	ErrKindSimulationReject     ErrorKind = "simulation-reject"
	ErrKindRevert               ErrorKind = "revert"
	ErrKindTimeout              ErrorKind = "timeout"
	ErrKindSubstrateUnavailable ErrorKind = "substrate-unavailable"
	ErrKindUnknown              ErrorKind = "unknown"
)

// ExecutionResult is the outcome record published for every opportunity that
// reaches the executor, success or terminal failure.
type ExecutionResult struct {
	OpportunityID     string    `json:"opportunityId"`
	Success           bool      `json:"success"`
	Chain             string    `json:"chain,omitempty"`
	Venue             string    `json:"venue,omitempty"`
	TxHash            string    `json:"txHash,omitempty"`
	Error             ErrorKind `json:"error,omitempty"`
	RealizedProfitUSD float64   `json:"realizedProfitUsd,omitempty"`
	Timestamp         int64     `json:"timestamp"` // unix milliseconds
}

// ServiceRole identifies what a heartbeating service does in the pipeline.
type ServiceRole string

const (
	RoleCoordinator ServiceRole = "coordinator"
	RolePartition   ServiceRole = "partition"
	RoleExecutor    ServiceRole = "executor"
	RoleDetector    ServiceRole = "detector"
)

// CriticalRole reports whether staleness of this role alone forces the
// region to critical.
func (r ServiceRole) CriticalRole() bool {
	return r == RoleExecutor || r == RoleCoordinator
}

// ReportedState is the state a service claims about itself in heartbeats.
type ReportedState string

const (
	StateStarting ReportedState = "starting"
	StateHealthy  ReportedState = "healthy"
	StateDegraded ReportedState = "degraded"
	StateFailed   ReportedState = "failed"
)

// HeartbeatCounters carries per-service throughput counters used by the
// degradation classifier (pipeline starvation detection).
type HeartbeatCounters struct {
	MessagesProcessed int64 `json:"messagesProcessedTotal"`
	Errors            int64 `json:"errorsTotal"`
	QueueDepth        int64 `json:"queueDepth"`
}

// Heartbeat is the per-service liveness record published to the heartbeat
// stream at a fixed cadence. LastBeatAt is monotone per ServiceID.
type Heartbeat struct {
	ServiceID     string            `json:"serviceId"`
	Role          ServiceRole       `json:"role"`
	LastBeatAt    int64             `json:"lastBeatAt"` // unix milliseconds
	ReportedState ReportedState     `json:"reportedState"`
	Counters      HeartbeatCounters `json:"counters"`
}

// DegradationLevel classifies regional health as derived from observed
// heartbeats.
type DegradationLevel string

const (
	DegradationNormal         DegradationLevel = "normal"
	DegradationPartial        DegradationLevel = "partial"
	DegradationCritical       DegradationLevel = "critical"
	DegradationCompleteOutage DegradationLevel = "complete-outage"
)

// Rank orders degradation levels from healthiest (0) to worst (3).
func (d DegradationLevel) Rank() int {
	switch d {
	case DegradationNormal:
		return 0
	case DegradationPartial:
		return 1
	case DegradationCritical:
		return 2
	case DegradationCompleteOutage:
		return 3
	default:
		return 0
	}
}

// PendingSummary describes the pending-entry list of a consumer group.
type PendingSummary struct {
	Count         int64            `json:"count"`
	MinIdle       time.Duration    `json:"minIdle"`
	OldestEntryID string           `json:"oldestEntryId,omitempty"`
	Consumers     map[string]int64 `json:"consumers,omitempty"`
}

// StreamEntry is one substrate-delivered stream entry. Data is the raw value
// of the single "data" field of the envelope.
type StreamEntry struct {
	ID   string
	Data []byte
}

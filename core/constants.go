package core

import "fmt"

// Stream topology. The stream names and consumer groups are the system's
// public API; detectors, observers and operators address them directly.
const (
	StreamOpportunities     = "stream:opportunities"
	StreamExecutionRequests = "stream:execution-requests"
	StreamExecutionResults  = "stream:execution-results"
	StreamServiceHeartbeats = "stream:service-heartbeats"
	StreamCoordinatorEvents = "stream:coordinator-events"
	StreamForwardingDLQ     = "stream:forwarding-dlq"
	StreamExecutionDLQ      = "stream:execution-dlq"
)

// Consumer groups.
const (
	GroupCoordinator     = "coordinator-group"
	GroupExecutionEngine = "execution-engine-group"
)

// Approximate retention caps per stream (MAXLEN ~).
const (
	MaxLenOpportunities     = 10000
	MaxLenExecutionRequests = 5000
	MaxLenExecutionResults  = 5000
	MaxLenServiceHeartbeats = 1000
	MaxLenCoordinatorEvents = 5000
	MaxLenDLQ               = 10000
)

// LeaderKey returns the singleton lease key for a region.
func LeaderKey(region string) string {
	return fmt.Sprintf("leader:%s", region)
}

// OpportunityLockKey returns the per-opportunity distributed lock key.
func OpportunityLockKey(id string) string {
	return fmt.Sprintf("lock:opp:%s", id)
}

// Process exit codes.
const (
	ExitOK               = 0 // normal shutdown
	ExitSubstrateDown    = 1 // substrate unreachable at startup
	ExitBadConfig        = 2 // invalid configuration
	ExitShutdownExceeded = 3 // supervisor-requested abort after shutdown budget exceeded
)

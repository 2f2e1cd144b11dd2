package executor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrelay/arbcore/core"
	"github.com/quantrelay/arbcore/resilience"
	"github.com/quantrelay/arbcore/substrate"
)

func newTestSubstrate(t *testing.T) (*redis.Client, core.Substrate) {
	t.Helper()
	_, client := setupTestRedis(t)
	return client, substrate.NewAdapter(client, &substrate.AdapterConfig{
		Retry: &resilience.RetryConfig{
			MaxAttempts:   2,
			InitialDelay:  time.Millisecond,
			MaxDelay:      5 * time.Millisecond,
			BackoffFactor: 2.0,
		},
	})
}

func newTestDispatcher(t *testing.T, client *redis.Client, sub core.Substrate, registry *Registry, mutate func(*DispatcherConfig, *StrategyContext)) *Dispatcher {
	t.Helper()

	locks, err := NewOpportunityLock(client, "exec-1", nil)
	require.NoError(t, err)

	config := DispatcherConfig{
		ConsumerID:           "exec-1",
		BlockTime:            10 * time.Millisecond,
		WorkerShutdownBudget: time.Second,
	}
	sctx := &StrategyContext{
		Simulation: core.SimulationConfig{Enabled: true, SuccessRate: 1.0, ProfitVariance: 0.1},
	}
	if mutate != nil {
		mutate(&config, sctx)
	}

	d, err := NewDispatcher(sub, locks, registry, sctx, config)
	require.NoError(t, err)
	return d
}

// startDispatcher runs d until test cleanup.
func startDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { d.Run(ctx); close(done) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func publishRequest(t *testing.T, sub core.Substrate, req *core.ExecutionRequest) {
	t.Helper()
	req.ForwardedBy = "coord-1"
	req.ForwardedAt = time.Now().UnixMilli()
	payload, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = sub.Publish(context.Background(), core.StreamExecutionRequests, payload, 100)
	require.NoError(t, err)
}

func readResults(t *testing.T, sub core.Substrate) []core.ExecutionResult {
	t.Helper()
	entries, err := sub.Tail(context.Background(), core.StreamExecutionResults, 32)
	require.NoError(t, err)
	out := make([]core.ExecutionResult, 0, len(entries))
	for _, e := range entries {
		var r core.ExecutionResult
		require.NoError(t, json.Unmarshal(e.Data, &r))
		out = append(out, r)
	}
	return out
}

func pendingCount(t *testing.T, sub core.Substrate) int64 {
	t.Helper()
	summary, err := sub.Pending(context.Background(), core.StreamExecutionRequests, core.GroupExecutionEngine)
	require.NoError(t, err)
	return summary.Count
}

func TestNewDispatcherValidation(t *testing.T) {
	client, sub := newTestSubstrate(t)
	locks, err := NewOpportunityLock(client, "exec-1", nil)
	require.NoError(t, err)
	registry := DefaultRegistry(newSimulator(1))

	_, err = NewDispatcher(sub, locks, registry, nil, DispatcherConfig{})
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)

	_, err = NewDispatcher(sub, locks, nil, nil, DispatcherConfig{ConsumerID: "exec-1"})
	assert.ErrorIs(t, err, core.ErrMissingConfiguration)

	_, err = NewDispatcher(sub, nil, registry, nil, DispatcherConfig{ConsumerID: "exec-1"})
	assert.ErrorIs(t, err, core.ErrMissingConfiguration)

	d, err := NewDispatcher(sub, locks, registry, nil, DispatcherConfig{ConsumerID: "exec-1"})
	require.NoError(t, err)
	assert.Equal(t, 16, d.config.MaxInFlight)
	assert.Equal(t, 60*time.Second, d.config.LockTTL)
}

func TestSimulatedExecutionEndToEnd(t *testing.T) {
	client, sub := newTestSubstrate(t)
	d := newTestDispatcher(t, client, sub, DefaultRegistry(newSimulator(42)), nil)

	publishRequest(t, sub, pathRequest("opp-1"))
	startDispatcher(t, d)

	require.Eventually(t, func() bool {
		return len(readResults(t, sub)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	result := readResults(t, sub)[0]
	assert.True(t, result.Success)
	assert.Equal(t, "opp-1", result.OpportunityID)
	assert.Equal(t, "ethereum", result.Chain)
	assert.Len(t, result.TxHash, 66)

	// Entry acked, lock released
	require.Eventually(t, func() bool { return pendingCount(t, sub) == 0 },
		2*time.Second, 10*time.Millisecond)
	exists, err := client.Exists(context.Background(), core.OpportunityLockKey("opp-1")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists)
}

func TestDuplicateRedeliverySameInstance(t *testing.T) {
	client, sub := newTestSubstrate(t)
	d := newTestDispatcher(t, client, sub, DefaultRegistry(newSimulator(42)), nil)

	// Three copies of the same request: one executes, one yields a single
	// lock-conflict record, the third is acknowledged silently.
	for i := 0; i < 3; i++ {
		publishRequest(t, sub, pathRequest("opp-1"))
	}
	startDispatcher(t, d)

	require.Eventually(t, func() bool { return pendingCount(t, sub) == 0 },
		2*time.Second, 10*time.Millisecond)

	results := readResults(t, sub)
	require.Len(t, results, 2)

	var successes, conflicts int
	for _, r := range results {
		assert.Equal(t, "opp-1", r.OpportunityID)
		if r.Success {
			successes++
		} else if r.Error == core.ErrKindLockConflict {
			conflicts++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, conflicts)
}

func TestPeerContentionAcksSilently(t *testing.T) {
	client, sub := newTestSubstrate(t)
	ctx := context.Background()

	// A peer instance already holds the opportunity lock
	require.NoError(t, client.Set(ctx, core.OpportunityLockKey("opp-1"), "exec-peer", time.Minute).Err())

	d := newTestDispatcher(t, client, sub, DefaultRegistry(newSimulator(42)), nil)
	publishRequest(t, sub, pathRequest("opp-1"))
	startDispatcher(t, d)

	require.Eventually(t, func() bool { return pendingCount(t, sub) == 0 },
		2*time.Second, 10*time.Millisecond)

	// The lock winner publishes the result, not this instance
	assert.Empty(t, readResults(t, sub))

	// The id is not remembered locally: a post-contention redelivery is
	// fresh work, bounded by the lock
	assert.Equal(t, 0, d.cache.Len())
}

func TestExpiredDeadlineYieldsTimeout(t *testing.T) {
	client, sub := newTestSubstrate(t)
	d := newTestDispatcher(t, client, sub, DefaultRegistry(newSimulator(42)), nil)

	req := pathRequest("opp-1")
	req.Deadline = time.Now().Add(-time.Second).UnixMilli()
	publishRequest(t, sub, req)
	startDispatcher(t, d)

	require.Eventually(t, func() bool { return len(readResults(t, sub)) == 1 },
		2*time.Second, 10*time.Millisecond)

	result := readResults(t, sub)[0]
	assert.False(t, result.Success)
	assert.Equal(t, core.ErrKindTimeout, result.Error)
}

func TestUnroutableTypeYieldsNoStrategy(t *testing.T) {
	client, sub := newTestSubstrate(t)
	d := newTestDispatcher(t, client, sub, NewRegistry(), nil) // nothing registered

	publishRequest(t, sub, pathRequest("opp-1"))
	startDispatcher(t, d)

	require.Eventually(t, func() bool { return len(readResults(t, sub)) == 1 },
		2*time.Second, 10*time.Millisecond)

	result := readResults(t, sub)[0]
	assert.False(t, result.Success)
	assert.Equal(t, core.ErrKindNoStrategy, result.Error)
}

func TestInvalidEntryAckedWithoutResult(t *testing.T) {
	client, sub := newTestSubstrate(t)
	d := newTestDispatcher(t, client, sub, DefaultRegistry(newSimulator(42)), nil)

	_, err := sub.Publish(context.Background(), core.StreamExecutionRequests, []byte("{{{garbage"), 100)
	require.NoError(t, err)
	startDispatcher(t, d)

	require.Eventually(t, func() bool { return pendingCount(t, sub) == 0 },
		2*time.Second, 10*time.Millisecond)
	assert.Empty(t, readResults(t, sub))
}

func TestClaimSweepAdoptsAbandonedWork(t *testing.T) {
	client, sub := newTestSubstrate(t)
	ctx := context.Background()

	publishRequest(t, sub, pathRequest("opp-1"))

	// A crashed peer read the entry but never acked it
	entries, err := sub.ReadGroup(ctx, core.StreamExecutionRequests, core.GroupExecutionEngine, "exec-ghost", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	d := newTestDispatcher(t, client, sub, DefaultRegistry(newSimulator(42)), func(cfg *DispatcherConfig, _ *StrategyContext) {
		cfg.ClaimInterval = 20 * time.Millisecond
		cfg.ClaimMinIdle = 0
	})
	startDispatcher(t, d)

	require.Eventually(t, func() bool { return len(readResults(t, sub)) == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.True(t, readResults(t, sub)[0].Success)

	require.Eventually(t, func() bool { return pendingCount(t, sub) == 0 },
		2*time.Second, 10*time.Millisecond)
}

// countingStrategy records peak concurrent executions.
type countingStrategy struct {
	mu      sync.Mutex
	current int
	peak    int
}

func (s *countingStrategy) Name() string { return "counting" }

func (s *countingStrategy) Execute(ctx context.Context, sctx *StrategyContext, req *core.ExecutionRequest) (*core.ExecutionResult, error) {
	s.mu.Lock()
	s.current++
	if s.current > s.peak {
		s.peak = s.current
	}
	s.mu.Unlock()

	time.Sleep(30 * time.Millisecond)

	s.mu.Lock()
	s.current--
	s.mu.Unlock()

	return &core.ExecutionResult{OpportunityID: req.ID, Success: true}, nil
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	client, sub := newTestSubstrate(t)

	counting := &countingStrategy{}
	registry := NewRegistry()
	registry.Register(core.OpportunityCrossDex, counting)

	d := newTestDispatcher(t, client, sub, registry, func(cfg *DispatcherConfig, _ *StrategyContext) {
		cfg.MaxInFlight = 2
		cfg.BatchSize = 8
	})

	for i := 0; i < 8; i++ {
		publishRequest(t, sub, pathRequest("opp-"+string(rune('a'+i))))
	}
	startDispatcher(t, d)

	require.Eventually(t, func() bool { return len(readResults(t, sub)) == 8 },
		5*time.Second, 10*time.Millisecond)

	counting.mu.Lock()
	peak := counting.peak
	counting.mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
}

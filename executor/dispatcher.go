package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/quantrelay/arbcore/core"
	"github.com/quantrelay/arbcore/election"
)

// DispatcherConfig configures the execution dispatcher.
type DispatcherConfig struct {
	// ConsumerID identifies this consumer inside execution-engine-group.
	ConsumerID string

	// MaxInFlight bounds worker concurrency (default 16). The read loop
	// waits for pool capacity before reading more; this is the system's
	// backpressure boundary.
	MaxInFlight int

	// BatchSize is the per-read entry cap (default 10).
	BatchSize int64

	// BlockTime is the blocking read window (default 100ms).
	BlockTime time.Duration

	// LockTTL is the per-opportunity lock lifetime (default 60s). It must
	// exceed typical execution latency so a crash, not a slow strategy,
	// is what frees the lock.
	LockTTL time.Duration

	// ResultMaxLen caps the execution-results stream (default 5000).
	ResultMaxLen int64

	// DuplicateCacheSize bounds the local duplicate-id LRU (default 10000).
	DuplicateCacheSize int

	// ClaimInterval and ClaimMinIdle control the sweep that adopts pending
	// entries abandoned by crashed group peers. Zero ClaimInterval
	// disables the sweep.
	ClaimInterval time.Duration
	ClaimMinIdle  time.Duration

	// WorkerShutdownBudget bounds the wait for in-flight workers at
	// shutdown (default 5s). Entries still running past the budget stay
	// un-acked and redeliver.
	WorkerShutdownBudget time.Duration

	Logger    core.Logger    `json:"-"`
	Telemetry core.Telemetry `json:"-"`

	// Heartbeat, when set, receives throughput, error and queue-depth
	// updates.
	Heartbeat *election.HeartbeatPublisher `json:"-"`
}

// Dispatcher drains the execution-request stream through a bounded worker
// pool and runs each request through the per-entry lifecycle: lock, deadline
// check, strategy dispatch, result publication, lock release, deferred ack.
type Dispatcher struct {
	substrate core.Substrate
	locks     core.LockManager
	registry  *Registry
	sctx      *StrategyContext
	config    DispatcherConfig
	logger    core.Logger
	telemetry core.Telemetry

	slots chan struct{}
	cache *duplicateCache
	wg    sync.WaitGroup
}

// NewDispatcher creates an execution dispatcher.
func NewDispatcher(sub core.Substrate, locks core.LockManager, registry *Registry, sctx *StrategyContext, config DispatcherConfig) (*Dispatcher, error) {
	if config.ConsumerID == "" {
		return nil, fmt.Errorf("dispatcher consumer id is required: %w", core.ErrInvalidConfiguration)
	}
	if registry == nil {
		return nil, fmt.Errorf("strategy registry is required: %w", core.ErrMissingConfiguration)
	}
	if locks == nil {
		return nil, fmt.Errorf("lock manager is required: %w", core.ErrMissingConfiguration)
	}
	if sctx == nil {
		sctx = &StrategyContext{}
	}
	if config.MaxInFlight <= 0 {
		config.MaxInFlight = 16
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 10
	}
	if config.BlockTime <= 0 {
		config.BlockTime = 100 * time.Millisecond
	}
	if config.LockTTL <= 0 {
		config.LockTTL = 60 * time.Second
	}
	if config.ResultMaxLen <= 0 {
		config.ResultMaxLen = core.MaxLenExecutionResults
	}
	if config.WorkerShutdownBudget <= 0 {
		config.WorkerShutdownBudget = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Telemetry == nil {
		config.Telemetry = &core.NoOpTelemetry{}
	}
	if sctx.Logger == nil {
		sctx.Logger = config.Logger
	}

	return &Dispatcher{
		substrate: sub,
		locks:     locks,
		registry:  registry,
		sctx:      sctx,
		config:    config,
		logger:    config.Logger,
		telemetry: config.Telemetry,
		slots:     make(chan struct{}, config.MaxInFlight),
		cache:     newDuplicateCache(config.DuplicateCacheSize),
	}, nil
}

// InFlight returns the number of entries currently in worker execution.
func (d *Dispatcher) InFlight() int {
	return len(d.slots)
}

// Run consumes execution requests until ctx is cancelled, then waits for
// in-flight workers up to the shutdown budget.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("Execution dispatcher starting", map[string]interface{}{
		"consumer_id":   d.config.ConsumerID,
		"max_in_flight": d.config.MaxInFlight,
		"batch_size":    d.config.BatchSize,
		"lock_ttl":      d.config.LockTTL.String(),
		"simulation":    d.sctx.Simulation.Enabled,
	})

	if d.config.ClaimInterval > 0 {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.claimLoop(ctx)
		}()
	}

	for ctx.Err() == nil {
		reserved, ok := d.reserveSlots(ctx)
		if !ok {
			break
		}

		entries, err := d.substrate.ReadGroup(ctx, core.StreamExecutionRequests,
			core.GroupExecutionEngine, d.config.ConsumerID, int64(reserved), d.config.BlockTime)
		if err != nil {
			d.returnSlots(reserved)
			if ctx.Err() != nil {
				break
			}
			d.logger.Error("Execution request read failed", map[string]interface{}{
				"error": err.Error(),
			})
			d.signalDegraded()
			continue
		}

		for _, entry := range entries {
			entry := entry
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				defer d.returnSlots(1)
				d.handle(ctx, entry)
			}()
		}
		d.returnSlots(reserved - len(entries))
	}

	d.drain()
}

// reserveSlots blocks until at least one worker slot is free, then grabs as
// many free slots as the batch size allows. The caller must return every
// reserved slot.
func (d *Dispatcher) reserveSlots(ctx context.Context) (int, bool) {
	select {
	case d.slots <- struct{}{}:
	case <-ctx.Done():
		return 0, false
	}

	reserved := 1
	for int64(reserved) < d.config.BatchSize {
		select {
		case d.slots <- struct{}{}:
			reserved++
		default:
			return reserved, true
		}
	}
	return reserved, true
}

func (d *Dispatcher) returnSlots(n int) {
	for i := 0; i < n; i++ {
		<-d.slots
	}
	if d.config.Heartbeat != nil {
		d.config.Heartbeat.SetQueueDepth(int64(len(d.slots)))
	}
}

// drain waits for in-flight workers up to the shutdown budget. Entries still
// running past the budget remain un-acked and redeliver.
func (d *Dispatcher) drain() {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Execution dispatcher stopped", map[string]interface{}{
			"consumer_id": d.config.ConsumerID,
		})
	case <-time.After(d.config.WorkerShutdownBudget):
		d.logger.Warn("Shutdown budget exhausted with workers in flight", map[string]interface{}{
			"consumer_id": d.config.ConsumerID,
			"in_flight":   d.InFlight(),
			"budget":      d.config.WorkerShutdownBudget.String(),
		})
	}
}

// handle runs one entry through the per-entry lifecycle.
func (d *Dispatcher) handle(ctx context.Context, entry core.StreamEntry) {
	var req core.ExecutionRequest
	if err := json.Unmarshal(entry.Data, &req); err != nil || req.ID == "" {
		// The forwarder filters malformed entries; anything reaching here
		// is acknowledged without a result.
		d.logger.Warn("Dropping invalid execution request", map[string]interface{}{
			"entry_id": entry.ID,
		})
		d.ack(ctx, entry.ID)
		d.count("arbcore.executions.invalid", nil)
		return
	}

	if d.cache.Seen(req.ID) {
		// Redelivery of an id this instance already handled. At most one
		// lock-conflict result is published per id; later duplicates are
		// acknowledged silently.
		if d.cache.FirstConflict(req.ID) {
			d.publishResult(ctx, &core.ExecutionResult{
				OpportunityID: req.ID,
				Success:       false,
				Chain:         req.Chain,
				Error:         core.ErrKindLockConflict,
				Timestamp:     time.Now().UnixMilli(),
			})
		}
		d.ack(ctx, entry.ID)
		d.count("arbcore.executions.duplicates", map[string]string{"source": "cache"})
		return
	}

	lockKey := core.OpportunityLockKey(req.ID)
	acquired, err := d.locks.Acquire(ctx, lockKey, d.config.LockTTL)
	if err != nil {
		// Lock state unknown: leave the entry pending so it redelivers.
		d.cache.Forget(req.ID)
		d.logger.Error("Lock acquisition failed", map[string]interface{}{
			"opportunity_id": req.ID,
			"error":          err.Error(),
		})
		d.signalDegraded()
		return
	}
	if !acquired {
		// Contention with a peer instance; the winner publishes the result.
		d.cache.Forget(req.ID)
		d.ack(ctx, entry.ID)
		d.count("arbcore.executions.duplicates", map[string]string{"source": "lock"})
		d.logger.Debug("Opportunity locked by peer, acknowledging", map[string]interface{}{
			"opportunity_id": req.ID,
		})
		return
	}

	result := d.execute(ctx, &req)

	if !d.publishResult(ctx, result) {
		// No result means no ack: release the lock so the redelivered
		// entry can be retried once the substrate recovers.
		d.cache.Forget(req.ID)
		d.releaseLock(lockKey, req.ID)
		d.signalDegraded()
		return
	}

	d.releaseLock(lockKey, req.ID)
	d.ack(ctx, entry.ID)

	if d.config.Heartbeat != nil {
		d.config.Heartbeat.AddProcessed(1)
	}
	d.count("arbcore.executions.completed", map[string]string{
		"success": fmt.Sprintf("%t", result.Success),
		"error":   string(result.Error),
	})
}

// execute turns one validated request into a result, mapping strategy errors
// to tagged kinds. No error escapes the strategy boundary.
func (d *Dispatcher) execute(ctx context.Context, req *core.ExecutionRequest) *core.ExecutionResult {
	now := time.Now()
	if req.Expired(now) {
		d.logger.Debug("Opportunity deadline already passed", map[string]interface{}{
			"opportunity_id": req.ID,
			"deadline":       req.Deadline,
		})
		return d.failure(req, core.ErrKindTimeout)
	}

	strategy := d.registry.Resolve(req)
	if strategy == nil {
		d.logger.Warn("No strategy for opportunity", map[string]interface{}{
			"opportunity_id": req.ID,
			"type":           string(req.Type),
			"chain":          req.Chain,
		})
		return d.failure(req, core.ErrKindNoStrategy)
	}

	execCtx := ctx
	if req.Deadline > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithDeadline(ctx, time.UnixMilli(req.Deadline))
		defer cancel()
	}

	result, err := strategy.Execute(execCtx, d.sctx, req)
	if err != nil {
		kind := core.ClassifyExecutionError(err)
		d.logger.Info("Strategy execution failed", map[string]interface{}{
			"opportunity_id": req.ID,
			"strategy":       strategy.Name(),
			"error_kind":     string(kind),
			"error":          err.Error(),
			"error_type":     fmt.Sprintf("%T", err),
		})
		return d.failure(req, kind)
	}

	result.OpportunityID = req.ID
	result.Timestamp = time.Now().UnixMilli()
	req.Timestamps.ExecutedAt = result.Timestamp

	d.logger.Info("Opportunity executed", map[string]interface{}{
		"opportunity_id": req.ID,
		"strategy":       strategy.Name(),
		"chain":          result.Chain,
		"tx_hash":        result.TxHash,
		"profit_usd":     result.RealizedProfitUSD,
	})
	return result
}

func (d *Dispatcher) failure(req *core.ExecutionRequest, kind core.ErrorKind) *core.ExecutionResult {
	return &core.ExecutionResult{
		OpportunityID: req.ID,
		Success:       false,
		Chain:         req.Chain,
		Venue:         req.BuyVenue,
		Error:         kind,
		Timestamp:     time.Now().UnixMilli(),
	}
}

// publishResult writes a result to the results stream. Returns false when the
// publish did not land; the caller must then skip the ack.
func (d *Dispatcher) publishResult(ctx context.Context, result *core.ExecutionResult) bool {
	payload, err := json.Marshal(result)
	if err != nil {
		d.logger.Error("Failed to marshal execution result", map[string]interface{}{
			"opportunity_id": result.OpportunityID,
			"error":          err.Error(),
		})
		return false
	}

	if _, err := d.substrate.Publish(ctx, core.StreamExecutionResults, payload, d.config.ResultMaxLen); err != nil {
		d.logger.Error("Failed to publish execution result", map[string]interface{}{
			"opportunity_id": result.OpportunityID,
			"error":          err.Error(),
		})
		return false
	}
	return true
}

// releaseLock uses a background context so demotion or shutdown cannot strand
// a lock for its full TTL.
func (d *Dispatcher) releaseLock(lockKey, oppID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.locks.Release(ctx, lockKey); err != nil {
		d.logger.Warn("Failed to release opportunity lock", map[string]interface{}{
			"opportunity_id": oppID,
			"error":          err.Error(),
		})
	}
}

func (d *Dispatcher) ack(ctx context.Context, entryID string) {
	if err := d.substrate.Ack(ctx, core.StreamExecutionRequests, core.GroupExecutionEngine, entryID); err != nil {
		// The entry redelivers; the duplicate cache and lock absorb it.
		d.logger.Warn("Failed to ack execution request", map[string]interface{}{
			"entry_id": entryID,
			"error":    err.Error(),
		})
	}
}

func (d *Dispatcher) count(name string, labels map[string]string) {
	d.telemetry.Counter(name, 1, labels)
}

func (d *Dispatcher) signalDegraded() {
	if d.config.Heartbeat != nil {
		d.config.Heartbeat.AddError(1)
		d.config.Heartbeat.SetState(core.StateDegraded)
	}
}

// claimLoop periodically adopts pending entries whose owning consumer went
// quiet, so a crashed peer's in-flight work resumes after the lock TTL.
func (d *Dispatcher) claimLoop(ctx context.Context) {
	ticker := time.NewTicker(d.config.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweepAbandoned(ctx)
		}
	}
}

func (d *Dispatcher) sweepAbandoned(ctx context.Context) {
	summary, err := d.substrate.Pending(ctx, core.StreamExecutionRequests, core.GroupExecutionEngine)
	if err != nil {
		d.logger.Warn("Pending inspection failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if summary.Count == 0 {
		return
	}

	entries, err := d.substrate.Claim(ctx, core.StreamExecutionRequests, core.GroupExecutionEngine,
		d.config.ConsumerID, d.config.ClaimMinIdle)
	if err != nil {
		d.logger.Warn("Claim of idle pending entries failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if len(entries) == 0 {
		return
	}

	d.logger.Info("Adopted abandoned execution requests", map[string]interface{}{
		"count":       len(entries),
		"consumer_id": d.config.ConsumerID,
	})
	d.telemetry.Counter("arbcore.executions.claimed", int64(len(entries)), nil)

	for _, entry := range entries {
		entry := entry
		select {
		case d.slots <- struct{}{}:
		case <-ctx.Done():
			return
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer d.returnSlots(1)
			d.handle(ctx, entry)
		}()
	}
}

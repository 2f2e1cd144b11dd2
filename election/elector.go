// Package election provides per-region leader election over a Redis lease
// key, plus the per-service heartbeat publisher.
//
// Leadership model:
//   - Acquisition: atomic set-if-absent on leader:{region} with a TTL
//   - Renewal: compare-and-set (Lua) that refreshes the TTL only while the
//     key still holds our instance id
//   - Release: compare-and-delete, so a successor's lease is never stolen
//   - Split-brain: the TTL is the sole fencing mechanism; brief overlap
//     between a stale active and a new active is tolerated because the
//     forwarder's writes are deduplicated downstream by the per-opportunity
//     lock
package election

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/quantrelay/arbcore/core"
)

// Role is the elector's view of this instance.
type Role int32

const (
	// RoleStandby polls for the lease at RetryInterval.
	RoleStandby Role = iota
	// RoleActive holds the lease and renews it at RenewInterval.
	RoleActive
)

// String returns the string representation of the role.
func (r Role) String() string {
	if r == RoleActive {
		return "active"
	}
	return "standby"
}

// renewScript refreshes the lease TTL only while we still own the key.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the lease only while we still own the key.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// ElectorConfig configures the leader elector.
type ElectorConfig struct {
	// Region scopes the lease key: leader:{region}.
	Region string

	// InstanceID is this coordinator's identity, stored as the lease value.
	InstanceID string

	// LeaseTTL is the lease duration (default 30s).
	LeaseTTL time.Duration

	// RenewInterval is the active-side renewal cadence (default LeaseTTL/3).
	RenewInterval time.Duration

	// RetryInterval is the standby-side acquisition cadence (default 5s).
	RetryInterval time.Duration

	// Logger is an optional logger for election events.
	Logger core.Logger `json:"-"`

	// Telemetry receives leadership transition counters.
	Telemetry core.Telemetry `json:"-"`
}

// Elector runs the acquire/renew/release lifecycle for one instance.
type Elector struct {
	client *redis.Client
	config ElectorConfig
	logger core.Logger

	role     atomic.Int32
	renewals atomic.Int64

	mu        sync.Mutex
	onPromote []func(ctx context.Context)
	onDemote  []func(reason string)
}

// NewElector creates a leader elector, applying defaults for unset config.
func NewElector(client *redis.Client, config ElectorConfig) (*Elector, error) {
	if config.Region == "" {
		return nil, fmt.Errorf("elector region is required: %w", core.ErrInvalidConfiguration)
	}
	if config.InstanceID == "" {
		return nil, fmt.Errorf("elector instance id is required: %w", core.ErrInvalidConfiguration)
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = 30 * time.Second
	}
	if config.RenewInterval <= 0 {
		config.RenewInterval = config.LeaseTTL / 3
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Telemetry == nil {
		config.Telemetry = &core.NoOpTelemetry{}
	}

	return &Elector{
		client: client,
		config: config,
		logger: config.Logger,
	}, nil
}

// OnPromote registers a hook invoked when this instance becomes active. The
// context passed to the hook is cancelled at demotion.
func (e *Elector) OnPromote(fn func(ctx context.Context)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onPromote = append(e.onPromote, fn)
}

// OnDemote registers a hook invoked when this instance loses the lease. Hooks
// shut down active-only subsystems (forwarder loop, alert dispatch).
func (e *Elector) OnDemote(fn func(reason string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onDemote = append(e.onDemote, fn)
}

// IsLeader reports whether this instance currently believes it holds the
// lease. Bounded by lease-expiry clock skew; never use it as the sole fence.
func (e *Elector) IsLeader() bool {
	return Role(e.role.Load()) == RoleActive
}

// Role returns the current role.
func (e *Elector) Role() Role {
	return Role(e.role.Load())
}

// RenewalCount returns how many successful renewals the current or most
// recent leadership term performed.
func (e *Elector) RenewalCount() int64 {
	return e.renewals.Load()
}

// LeaderKey returns the lease key this elector contends on.
func (e *Elector) LeaderKey() string {
	return core.LeaderKey(e.config.Region)
}

// Run drives the election loop until ctx is cancelled. On graceful shutdown
// an active instance releases the lease via compare-and-delete.
func (e *Elector) Run(ctx context.Context) {
	e.logger.Info("Leader elector starting", map[string]interface{}{
		"region":         e.config.Region,
		"instance_id":    e.config.InstanceID,
		"lease_ttl":      e.config.LeaseTTL.String(),
		"renew_interval": e.config.RenewInterval.String(),
	})

	var termCancel context.CancelFunc

	demote := func(reason string) {
		if termCancel != nil {
			termCancel()
			termCancel = nil
		}
		e.role.Store(int32(RoleStandby))
		e.logger.Warn("Demoted to standby", map[string]interface{}{
			"region":      e.config.Region,
			"instance_id": e.config.InstanceID,
			"reason":      reason,
			"renewals":    e.renewals.Load(),
		})
		e.config.Telemetry.Counter("arbcore.leader.transitions", 1, map[string]string{
			"region": e.config.Region,
			"to":     "standby",
		})
		e.mu.Lock()
		hooks := append([]func(string){}, e.onDemote...)
		e.mu.Unlock()
		for _, fn := range hooks {
			fn(reason)
		}
	}

	for {
		if ctx.Err() != nil {
			break
		}

		if !e.IsLeader() {
			acquired, err := e.tryAcquire(ctx)
			if err != nil {
				e.logger.Debug("Lease acquisition attempt failed", map[string]interface{}{
					"region": e.config.Region,
					"error":  err.Error(),
				})
			}
			if acquired {
				e.renewals.Store(0)
				e.role.Store(int32(RoleActive))
				e.logger.Info("Promoted to active leader", map[string]interface{}{
					"region":      e.config.Region,
					"instance_id": e.config.InstanceID,
				})
				e.config.Telemetry.Counter("arbcore.leader.transitions", 1, map[string]string{
					"region": e.config.Region,
					"to":     "active",
				})

				var termCtx context.Context
				termCtx, termCancel = context.WithCancel(ctx)
				e.mu.Lock()
				hooks := append([]func(context.Context){}, e.onPromote...)
				e.mu.Unlock()
				for _, fn := range hooks {
					fn(termCtx)
				}
				continue
			}

			if !sleepCtx(ctx, e.config.RetryInterval) {
				break
			}
			continue
		}

		// Active: renew after the renewal interval
		if !sleepCtx(ctx, e.config.RenewInterval) {
			break
		}

		start := time.Now()
		renewed, err := e.renew(ctx)
		rtt := time.Since(start)

		switch {
		case err != nil:
			demote(fmt.Sprintf("renewal failed: %v", err))
		case !renewed:
			demote("lease held by another instance")
		case rtt > e.config.LeaseTTL/2:
			// Cannot safely assume the lease is still ours after a slow
			// round trip
			demote(core.ErrRenewTooSlow.Error())
		default:
			e.renewals.Add(1)
			e.logger.Debug("Lease renewed", map[string]interface{}{
				"region":   e.config.Region,
				"renewals": e.renewals.Load(),
				"rtt_ms":   rtt.Milliseconds(),
			})
		}
	}

	// Graceful shutdown: release only if still ours
	if e.IsLeader() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := e.Release(releaseCtx); err != nil {
			e.logger.Warn("Failed to release lease at shutdown", map[string]interface{}{
				"region": e.config.Region,
				"error":  err.Error(),
			})
		}
		demote("shutdown")
	}
}

// tryAcquire attempts atomic set-if-absent with the lease TTL.
func (e *Elector) tryAcquire(ctx context.Context) (bool, error) {
	ok, err := e.client.SetNX(ctx, e.LeaderKey(), e.config.InstanceID, e.config.LeaseTTL).Result()
	if err != nil {
		return false, fmt.Errorf("lease acquisition failed: %w", err)
	}
	return ok, nil
}

// renew refreshes the TTL only while the key still equals our instance id.
func (e *Elector) renew(ctx context.Context) (bool, error) {
	res, err := renewScript.Run(ctx, e.client,
		[]string{e.LeaderKey()},
		e.config.InstanceID,
		e.config.LeaseTTL.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("lease renewal failed: %w", err)
	}
	return res == 1, nil
}

// Release deletes the lease if and only if it still equals our instance id,
// to avoid stealing a successor's lease.
func (e *Elector) Release(ctx context.Context) error {
	res, err := releaseScript.Run(ctx, e.client,
		[]string{e.LeaderKey()},
		e.config.InstanceID,
	).Int()
	if err != nil {
		return fmt.Errorf("lease release failed: %w", err)
	}
	if res == 1 {
		e.logger.Info("Lease released", map[string]interface{}{
			"region":      e.config.Region,
			"instance_id": e.config.InstanceID,
		})
	}
	return nil
}

// sleepCtx sleeps for d or until ctx is done; returns false when cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

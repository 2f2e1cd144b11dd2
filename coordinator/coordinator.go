package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/quantrelay/arbcore/core"
	"github.com/quantrelay/arbcore/election"
	"github.com/quantrelay/arbcore/health"
)

// Coordinator composes the leader elector, the degradation monitor, the
// forwarder and the heartbeat publisher into one region coordinator service.
// Exactly one instance per region is active at a time; standbys poll for the
// lease and keep their active-only subsystems idle.
type Coordinator struct {
	config    *core.Config
	logger    core.Logger
	telemetry core.Telemetry

	elector   *election.Elector
	monitor   *health.Monitor
	forwarder *Forwarder
	heartbeat *election.HeartbeatPublisher
	events    *EventPublisher

	mu      sync.Mutex
	started bool
}

// New creates a coordinator. The Redis client backs the lease; all stream
// traffic goes through the substrate adapter.
func New(client *redis.Client, sub core.Substrate, cfg *core.Config, logger core.Logger, telemetry core.Telemetry) (*Coordinator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required: %w", core.ErrMissingConfiguration)
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = fmt.Sprintf("coordinator-%s", uuid.New().String()[:8])
	}

	elector, err := election.NewElector(client, election.ElectorConfig{
		Region:        cfg.Region,
		InstanceID:    instanceID,
		LeaseTTL:      cfg.Election.LeaseTTL,
		RenewInterval: cfg.Election.RenewInterval,
		RetryInterval: cfg.Election.RetryInterval,
		Logger:        logger,
		Telemetry:     telemetry,
	})
	if err != nil {
		return nil, err
	}

	heartbeat, err := election.NewHeartbeatPublisher(sub, election.HeartbeatConfig{
		ServiceID: instanceID,
		Role:      core.RoleCoordinator,
		Interval:  cfg.Election.HeartbeatInterval,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	forwarder, err := NewForwarder(sub, ForwarderConfig{
		InstanceID:    instanceID,
		BatchSize:     cfg.Forwarder.BatchSize,
		BlockTime:     cfg.Forwarder.BlockTime,
		RequestMaxLen: cfg.MaxLenFor(core.StreamExecutionRequests),
		Logger:        logger,
		Telemetry:     telemetry,
		Heartbeat:     heartbeat,
	})
	if err != nil {
		return nil, err
	}

	monitor := health.NewMonitor(sub, health.MonitorConfig{
		Region:             cfg.Region,
		StaleThreshold:     cfg.Health.StaleThreshold,
		StartupGracePeriod: cfg.Health.StartupGracePeriod,
		EvalInterval:       cfg.Health.EvalInterval,
		HysteresisCount:    cfg.Health.HysteresisCount,
		Logger:             logger,
		Telemetry:          telemetry,
	})

	events := NewEventPublisher(sub, cfg.Region, instanceID,
		cfg.MaxLenFor(core.StreamCoordinatorEvents), logger, telemetry)

	c := &Coordinator{
		config:    cfg,
		logger:    logger,
		telemetry: telemetry,
		elector:   elector,
		monitor:   monitor,
		forwarder: forwarder,
		heartbeat: heartbeat,
		events:    events,
	}

	monitor.OnTransition(func(ctx context.Context, t health.Transition) {
		// Alert dispatch is active-only; the monitor itself only runs on
		// the active leader, so this cannot fire from a standby.
		events.PublishDegradation(ctx, t)
	})

	elector.OnPromote(func(termCtx context.Context) {
		heartbeat.SetState(core.StateHealthy)
		events.PublishLeadership(termCtx, EventLeaderElected, "lease acquired")
		go forwarder.Run(termCtx)
		go monitor.Run(termCtx)
	})

	elector.OnDemote(func(reason string) {
		// The term context is already cancelled; journal with a short
		// standalone deadline so the event still lands.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if reason == "shutdown" {
			events.PublishLeadership(ctx, EventLeaderReleased, reason)
		} else {
			events.PublishLeadership(ctx, EventLeaderDemoted, reason)
		}
	})

	return c, nil
}

// InstanceID returns this coordinator's identity.
func (c *Coordinator) InstanceID() string {
	return c.forwarder.config.InstanceID
}

// IsLeader reports whether this instance currently holds the region lease.
func (c *Coordinator) IsLeader() bool {
	return c.elector.IsLeader()
}

// Monitor exposes the degradation monitor for service registration.
func (c *Coordinator) Monitor() *health.Monitor {
	return c.monitor
}

// Heartbeat exposes the coordinator's own heartbeat publisher.
func (c *Coordinator) Heartbeat() *election.HeartbeatPublisher {
	return c.heartbeat
}

// Run starts the heartbeat publisher and drives the election loop until ctx
// is cancelled. It blocks for the lifetime of the service.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return core.ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	c.logger.Info("Coordinator starting", map[string]interface{}{
		"instance_id": c.InstanceID(),
		"region":      c.config.Region,
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.heartbeat.Run(ctx)
	}()

	c.elector.Run(ctx)
	wg.Wait()

	c.logger.Info("Coordinator stopped", map[string]interface{}{
		"instance_id": c.InstanceID(),
	})
	return nil
}

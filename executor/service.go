package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/quantrelay/arbcore/core"
	"github.com/quantrelay/arbcore/election"
)

// Service composes the execution engine: heartbeat publisher, distributed
// lock manager, strategy registry and dispatcher. One Service per process;
// the dispatcher's worker pool provides the intra-process concurrency.
type Service struct {
	config     *core.Config
	logger     core.Logger
	dispatcher *Dispatcher
	heartbeat  *election.HeartbeatPublisher
	registry   *Registry

	mu      sync.Mutex
	started bool
}

// NewService wires an execution engine from configuration. chain may be nil
// in simulation mode; live mode without a chain client fails every strategy
// with a not-initialized error.
func NewService(client *redis.Client, sub core.Substrate, cfg *core.Config, chain ChainClient, logger core.Logger, telemetry core.Telemetry) (*Service, error) {
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
		instanceID = fmt.Sprintf("executor-%s", uuid.New().String()[:8])
	}

	heartbeat, err := election.NewHeartbeatPublisher(sub, election.HeartbeatConfig{
		ServiceID: instanceID,
		Role:      core.RoleExecutor,
		Interval:  cfg.Election.HeartbeatInterval,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	locks, err := NewOpportunityLock(client, instanceID, logger)
	if err != nil {
		return nil, err
	}

	sim := newSimulator(cfg.Executor.Simulation.Seed)
	registry := DefaultRegistry(sim)

	sctx := &StrategyContext{
		Chain:      chain,
		Simulation: cfg.Executor.Simulation,
		Logger:     logger,
	}

	dispatcher, err := NewDispatcher(sub, locks, registry, sctx, DispatcherConfig{
		ConsumerID:           instanceID,
		MaxInFlight:          cfg.Executor.MaxInFlight,
		BatchSize:            cfg.Streams.BatchSize,
		BlockTime:            cfg.Streams.BlockTime,
		LockTTL:              cfg.Executor.OpportunityLockTTL,
		ResultMaxLen:         cfg.MaxLenFor(core.StreamExecutionResults),
		DuplicateCacheSize:   cfg.Executor.DuplicateCacheSize,
		ClaimInterval:        cfg.Executor.ClaimInterval,
		ClaimMinIdle:         cfg.Executor.ClaimMinIdle,
		WorkerShutdownBudget: cfg.Shutdown.WorkerBudget,
		Logger:               logger,
		Telemetry:            telemetry,
		Heartbeat:            heartbeat,
	})
	if err != nil {
		return nil, err
	}

	return &Service{
		config:     cfg,
		logger:     logger,
		dispatcher: dispatcher,
		heartbeat:  heartbeat,
		registry:   registry,
	}, nil
}

// InstanceID returns this executor's identity.
func (s *Service) InstanceID() string {
	return s.dispatcher.config.ConsumerID
}

// Registry exposes the strategy registry so callers can override bindings
// before Run.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Heartbeat exposes the executor's heartbeat publisher.
func (s *Service) Heartbeat() *election.HeartbeatPublisher {
	return s.heartbeat
}

// Run starts the heartbeat publisher and the dispatcher, blocking until ctx
// is cancelled and in-flight work drains or the shutdown budget lapses.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return core.ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info("Execution engine starting", map[string]interface{}{
		"instance_id": s.InstanceID(),
		"simulation":  s.config.Executor.Simulation.Enabled,
		"strategies":  len(s.registry.Types()),
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.heartbeat.Run(ctx)
	}()

	s.heartbeat.SetState(core.StateHealthy)
	s.dispatcher.Run(ctx)
	wg.Wait()

	s.logger.Info("Execution engine stopped", map[string]interface{}{
		"instance_id": s.InstanceID(),
	})
	return nil
}

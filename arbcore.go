// Package arbcore wires the execution-coordination pipeline: a Redis-Streams
// substrate carrying detected arbitrage opportunities through a leader-elected
// coordinator into an execution engine with at-most-once semantics.
//
// Services import the sub-packages directly; this package provides the
// composition root that builds a whole coordinator or executor process from
// one Config.
package arbcore

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/quantrelay/arbcore/coordinator"
	"github.com/quantrelay/arbcore/core"
	"github.com/quantrelay/arbcore/executor"
	"github.com/quantrelay/arbcore/resilience"
	"github.com/quantrelay/arbcore/substrate"
	"github.com/quantrelay/arbcore/telemetry"
)

// Pipeline is the composition root for one process. Depending on role it
// hosts a coordinator, an executor, or both (useful for single-node staging
// and the integration tests).
type Pipeline struct {
	Config      *core.Config
	Logger      core.Logger
	Telemetry   core.Telemetry
	Client      *redis.Client
	Substrate   core.Substrate
	Coordinator *coordinator.Coordinator
	Executor    *executor.Service
}

// PipelineOptions selects which services the process hosts and supplies the
// optional live-chain boundary.
type PipelineOptions struct {
	RunCoordinator bool
	RunExecutor    bool

	// Chain is the on-chain execution boundary; nil is valid in simulation
	// mode.
	Chain executor.ChainClient

	// Logger and Telemetry override the defaults built from the config.
	Logger    core.Logger
	Telemetry core.Telemetry
}

// NewPipeline builds a process from configuration. Connection failure maps to
// exit code ExitSubstrateDown, configuration failure to ExitBadConfig; see
// ExitCodeFor.
func NewPipeline(cfg *core.Config, opts PipelineOptions) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required: %w", core.ErrMissingConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !opts.RunCoordinator && !opts.RunExecutor {
		return nil, fmt.Errorf("pipeline hosts no services: %w", core.ErrInvalidConfiguration)
	}

	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewPipelineLogger(serviceName(opts))
	}
	sink := opts.Telemetry
	if sink == nil {
		sink = telemetry.NewCounterSink(nil)
	}

	client, err := core.NewRedisClient(cfg.Redis.URL, logger)
	if err != nil {
		return nil, err
	}

	breaker := resilience.NewCircuitBreaker(&resilience.CircuitBreakerConfig{
		Name:      "substrate",
		Logger:    logger,
		Telemetry: sink,
	})

	sub := substrate.NewAdapter(client, &substrate.AdapterConfig{
		CircuitBreaker: breaker,
		Logger:         logger,
		Telemetry:      sink,
	})

	p := &Pipeline{
		Config:    cfg,
		Logger:    logger,
		Telemetry: sink,
		Client:    client,
		Substrate: sub,
	}

	if opts.RunCoordinator {
		coord, err := coordinator.New(client, sub, cfg, logger, sink)
		if err != nil {
			return nil, err
		}
		p.Coordinator = coord
	}

	if opts.RunExecutor {
		exec, err := executor.NewService(client, sub, cfg, opts.Chain, logger, sink)
		if err != nil {
			return nil, err
		}
		p.Executor = exec
	}

	return p, nil
}

// Run starts every hosted service and blocks until ctx is cancelled and they
// drain.
func (p *Pipeline) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	running := 0

	if p.Coordinator != nil {
		running++
		go func() { errCh <- p.Coordinator.Run(ctx) }()
	}
	if p.Executor != nil {
		running++
		go func() { errCh <- p.Executor.Run(ctx) }()
	}

	var firstErr error
	for i := 0; i < running; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := p.Client.Close(); err != nil {
		p.Logger.Warn("Failed to close substrate connection", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return firstErr
}

// ExitCodeFor maps a startup or shutdown error to the process exit code
// contract: 0 clean, 1 substrate unreachable, 2 invalid configuration,
// 3 shutdown budget exceeded.
func ExitCodeFor(err error) int {
	switch {
	case err == nil:
		return core.ExitOK
	case core.IsConfigurationError(err):
		return core.ExitBadConfig
	case core.IsRetryable(err):
		return core.ExitSubstrateDown
	default:
		return core.ExitSubstrateDown
	}
}

func serviceName(opts PipelineOptions) string {
	switch {
	case opts.RunCoordinator && opts.RunExecutor:
		return "arbcore"
	case opts.RunCoordinator:
		return "arbcore-coordinator"
	default:
		return "arbcore-executor"
	}
}

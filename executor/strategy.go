// Package executor implements the execution engine: a consumer-group member
// that drains the execution-request stream, deduplicates redeliveries with
// per-opportunity distributed locks, dispatches to a per-type strategy, and
// publishes an outcome record for every request it owns.
package executor

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/quantrelay/arbcore/core"
)

// ChainClient is the boundary to on-chain execution. Strategies call it to
// submit transactions; simulation mode never reaches it.
type ChainClient interface {
	// SubmitSwapPath executes the hops atomically and returns the tx hash.
	SubmitSwapPath(ctx context.Context, chain string, path []core.SwapHop, amountIn string) (string, error)

	// GasPriceGwei returns the current gas price estimate for a chain.
	GasPriceGwei(ctx context.Context, chain string) (float64, error)
}

// StrategyContext carries the shared execution environment into strategies.
type StrategyContext struct {
	// Chain is the on-chain boundary; nil in simulation mode.
	Chain ChainClient

	// WalletID identifies the signing wallet used for submissions.
	WalletID string

	// GasCeilingGwei aborts execution with a gas-spike error when the
	// current estimate exceeds it. Zero disables the check.
	GasCeilingGwei float64

	// Simulation holds the synthetic-outcome knobs; consulted only when
	// Simulation.Enabled.
	Simulation core.SimulationConfig

	Logger core.Logger
}

// Strategy executes one opportunity type. Implementations return a result for
// success and a sentinel-wrapped error for every terminal failure; the
// dispatcher maps the error to the tagged kind on the outcome record.
type Strategy interface {
	// Name identifies the strategy in logs and results.
	Name() string

	// Execute runs the opportunity to completion or terminal failure. ctx
	// carries the opportunity deadline when one is set.
	Execute(ctx context.Context, sctx *StrategyContext, req *core.ExecutionRequest) (*core.ExecutionResult, error)
}

// simulator produces synthetic execution outcomes. One instance is shared by
// every strategy in the process so seeded sequences are stable regardless of
// which types arrive.
type simulator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newSimulator(seed int64) *simulator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &simulator{rng: rand.New(rand.NewSource(seed))}
}

// run produces a synthetic outcome for a validated request. It sleeps for the
// configured latency (honoring ctx) and flips a weighted coin for success.
func (s *simulator) run(ctx context.Context, cfg core.SimulationConfig, req *core.ExecutionRequest) (*core.ExecutionResult, error) {
	if cfg.Latency > 0 {
		select {
		case <-time.After(cfg.Latency):
		case <-ctx.Done():
			return nil, core.ErrDeadlineExceeded
		}
	}

	s.mu.Lock()
	roll := s.rng.Float64()
	variance := (s.rng.Float64()*2 - 1) * cfg.ProfitVariance
	s.mu.Unlock()

	if roll >= cfg.SuccessRate {
		return nil, core.ErrSimulationReject
	}

	return &core.ExecutionResult{
		OpportunityID:     req.ID,
		Success:           true,
		Chain:             req.Chain,
		Venue:             req.BuyVenue,
		TxHash:            syntheticTxHash(req.ID),
		RealizedProfitUSD: req.ExpectedProfitUSD * (1 + variance),
		Timestamp:         time.Now().UnixMilli(),
	}, nil
}

// syntheticTxHash derives a stable fake tx hash from the opportunity id so
// simulated results are traceable back to their source.
func syntheticTxHash(id string) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 0, 66)
	out = append(out, '0', 'x')
	for i := 0; len(out) < 66; i++ {
		if i < len(id) {
			c := id[i]
			out = append(out, hexDigits[c&0x0f])
		} else {
			out = append(out, hexDigits[(i*7)&0x0f])
		}
	}
	return string(out)
}

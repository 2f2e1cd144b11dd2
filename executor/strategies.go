package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/quantrelay/arbcore/core"
)

// validateSwapPath checks that consecutive hops are contiguous: each hop's
// input token must be the previous hop's output token.
func validateSwapPath(path []core.SwapHop) error {
	if len(path) == 0 {
		return fmt.Errorf("empty swap path: %w", core.ErrPathInvalid)
	}
	for i, hop := range path {
		if hop.Venue == "" || hop.TokenIn == "" || hop.TokenOut == "" {
			return fmt.Errorf("hop %d incomplete: %w", i, core.ErrPathInvalid)
		}
		if i > 0 && !strings.EqualFold(path[i-1].TokenOut, hop.TokenIn) {
			return fmt.Errorf("hop %d input %s does not chain from %s: %w",
				i, hop.TokenIn, path[i-1].TokenOut, core.ErrPathInvalid)
		}
	}
	return nil
}

// checkGasCeiling aborts when the current gas estimate exceeds the per-context
// ceiling. Gas spikes between detection and execution are the most common
// profitability killer on EVM chains.
func checkGasCeiling(ctx context.Context, sctx *StrategyContext, chain string) error {
	if sctx.GasCeilingGwei <= 0 || sctx.Chain == nil {
		return nil
	}
	gwei, err := sctx.Chain.GasPriceGwei(ctx, chain)
	if err != nil {
		return fmt.Errorf("gas estimate on %s failed: %w", chain, err)
	}
	if gwei > sctx.GasCeilingGwei {
		return fmt.Errorf("gas %0.1f gwei above ceiling %0.1f on %s: %w",
			gwei, sctx.GasCeilingGwei, chain, core.ErrGasSpike)
	}
	return nil
}

// submitPath runs the common live-execution tail: gas check, on-chain
// submission, result assembly. Submission errors are classified by message
// shape when the chain client does not wrap sentinels.
func submitPath(ctx context.Context, sctx *StrategyContext, req *core.ExecutionRequest) (*core.ExecutionResult, error) {
	if err := checkGasCeiling(ctx, sctx, req.Chain); err != nil {
		return nil, err
	}
	if sctx.Chain == nil {
		return nil, fmt.Errorf("no chain client configured: %w", core.ErrNotInitialized)
	}

	txHash, err := sctx.Chain.SubmitSwapPath(ctx, req.Chain, req.SwapPath, req.AmountIn)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("submission interrupted: %w", core.ErrDeadlineExceeded)
		}
		if strings.Contains(strings.ToLower(err.Error()), "revert") {
			return nil, fmt.Errorf("submission on %s: %w", req.Chain, core.ErrRevert)
		}
		return nil, fmt.Errorf("submission on %s failed: %w", req.Chain, err)
	}

	return &core.ExecutionResult{
		OpportunityID:     req.ID,
		Success:           true,
		Chain:             req.Chain,
		Venue:             req.BuyVenue,
		TxHash:            txHash,
		RealizedProfitUSD: req.ExpectedProfitUSD,
		Timestamp:         time.Now().UnixMilli(),
	}, nil
}

// SwapPathStrategy executes path-shaped opportunities: cross-dex, triangular,
// multi-leg and cross-chain. All four share the same mechanics; they differ
// only in how the detector built the path.
type SwapPathStrategy struct {
	sim *simulator
}

func (s *SwapPathStrategy) Name() string { return "swap-path" }

func (s *SwapPathStrategy) Execute(ctx context.Context, sctx *StrategyContext, req *core.ExecutionRequest) (*core.ExecutionResult, error) {
	if err := validateSwapPath(req.SwapPath); err != nil {
		return nil, err
	}
	if sctx.Simulation.Enabled {
		return s.sim.run(ctx, sctx.Simulation, req)
	}
	return submitPath(ctx, sctx, req)
}

// FlashLoanStrategy executes opportunities funded by a same-block flash loan.
// The loan premium is baked into the detector's expected profit; execution
// reverts atomically when repayment would fail.
type FlashLoanStrategy struct {
	sim *simulator
}

func (s *FlashLoanStrategy) Name() string { return "flash-loan" }

func (s *FlashLoanStrategy) Execute(ctx context.Context, sctx *StrategyContext, req *core.ExecutionRequest) (*core.ExecutionResult, error) {
	if err := validateSwapPath(req.SwapPath); err != nil {
		return nil, err
	}
	if req.AmountIn == "" {
		return nil, fmt.Errorf("flash loan requires principal amount: %w", core.ErrPathInvalid)
	}
	if sctx.Simulation.Enabled {
		return s.sim.run(ctx, sctx.Simulation, req)
	}
	return submitPath(ctx, sctx, req)
}

// BackrunStrategy places a trade immediately behind an observed pending
// transaction. Latency budget is tighter than path arbitrage; a deadline on
// the request is effectively mandatory and expiry dominates its failure mode.
type BackrunStrategy struct {
	sim *simulator
}

func (s *BackrunStrategy) Name() string { return "backrun" }

func (s *BackrunStrategy) Execute(ctx context.Context, sctx *StrategyContext, req *core.ExecutionRequest) (*core.ExecutionResult, error) {
	if len(req.SwapPath) == 0 {
		return nil, fmt.Errorf("backrun requires a swap path: %w", core.ErrPathInvalid)
	}
	if err := validateSwapPath(req.SwapPath); err != nil {
		return nil, err
	}
	if sctx.Simulation.Enabled {
		return s.sim.run(ctx, sctx.Simulation, req)
	}
	return submitPath(ctx, sctx, req)
}

// StatisticalStrategy executes mean-reversion positions flagged by the
// statistical detector. Unlike path arbitrage the position is one-sided, so
// the swap path is a single hop.
type StatisticalStrategy struct {
	sim *simulator
}

func (s *StatisticalStrategy) Name() string { return "statistical" }

func (s *StatisticalStrategy) Execute(ctx context.Context, sctx *StrategyContext, req *core.ExecutionRequest) (*core.ExecutionResult, error) {
	if len(req.SwapPath) != 1 {
		return nil, fmt.Errorf("statistical position must be a single hop, got %d: %w",
			len(req.SwapPath), core.ErrPathInvalid)
	}
	if err := validateSwapPath(req.SwapPath); err != nil {
		return nil, err
	}
	if sctx.Simulation.Enabled {
		return s.sim.run(ctx, sctx.Simulation, req)
	}
	return submitPath(ctx, sctx, req)
}

// SolanaStrategy handles the solana chain family. It is also the fallback for
// any opportunity whose chain is solana but whose type has no dedicated
// strategy, since Solana venue mechanics differ from EVM regardless of shape.
type SolanaStrategy struct {
	sim *simulator
}

func (s *SolanaStrategy) Name() string { return "solana" }

func (s *SolanaStrategy) Execute(ctx context.Context, sctx *StrategyContext, req *core.ExecutionRequest) (*core.ExecutionResult, error) {
	if req.Chain != "solana" {
		return nil, fmt.Errorf("solana strategy got chain %q: %w", req.Chain, core.ErrPathInvalid)
	}
	if len(req.SwapPath) > 0 {
		if err := validateSwapPath(req.SwapPath); err != nil {
			return nil, err
		}
	}
	if sctx.Simulation.Enabled {
		return s.sim.run(ctx, sctx.Simulation, req)
	}
	// Gas ceilings are an EVM concept; Solana priority fees are budgeted by
	// the detector, so submission goes straight through.
	if sctx.Chain == nil {
		return nil, fmt.Errorf("no chain client configured: %w", core.ErrNotInitialized)
	}
	txHash, err := sctx.Chain.SubmitSwapPath(ctx, req.Chain, req.SwapPath, req.AmountIn)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("submission interrupted: %w", core.ErrDeadlineExceeded)
		}
		return nil, fmt.Errorf("solana submission failed: %w", err)
	}
	return &core.ExecutionResult{
		OpportunityID:     req.ID,
		Success:           true,
		Chain:             req.Chain,
		Venue:             req.BuyVenue,
		TxHash:            txHash,
		RealizedProfitUSD: req.ExpectedProfitUSD,
		Timestamp:         time.Now().UnixMilli(),
	}, nil
}

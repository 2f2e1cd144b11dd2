package executor

import (
	"sync"

	"github.com/quantrelay/arbcore/core"
)

// Registry maps opportunity types to strategies. Resolution falls back to the
// chain family when no exact type match exists: any opportunity on the solana
// chain routes to the solana strategy regardless of its declared type.
type Registry struct {
	mu         sync.RWMutex
	strategies map[core.OpportunityType]Strategy
}

// NewRegistry creates an empty strategy registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[core.OpportunityType]Strategy)}
}

// Register binds a strategy to an opportunity type, replacing any previous
// binding.
func (r *Registry) Register(t core.OpportunityType, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[t] = s
}

// Resolve returns the strategy for a request, or nil when none applies.
// Exact type match wins; otherwise chain-family dispatch applies.
func (r *Registry) Resolve(req *core.ExecutionRequest) Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.strategies[req.Type]; ok {
		return s
	}
	if req.Chain == "solana" {
		if s, ok := r.strategies[core.OpportunitySolana]; ok {
			return s
		}
	}
	return nil
}

// Types returns the registered opportunity types.
func (r *Registry) Types() []core.OpportunityType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.OpportunityType, 0, len(r.strategies))
	for t := range r.strategies {
		out = append(out, t)
	}
	return out
}

// DefaultRegistry returns a registry with every built-in strategy bound to
// its opportunity type.
func DefaultRegistry(sim *simulator) *Registry {
	r := NewRegistry()
	swap := &SwapPathStrategy{sim: sim}
	r.Register(core.OpportunityCrossDex, swap)
	r.Register(core.OpportunityTriangular, swap)
	r.Register(core.OpportunityMultiLeg, swap)
	r.Register(core.OpportunityCrossChain, swap)
	r.Register(core.OpportunityFlashLoan, &FlashLoanStrategy{sim: sim})
	r.Register(core.OpportunityBackrun, &BackrunStrategy{sim: sim})
	r.Register(core.OpportunityStatistical, &StatisticalStrategy{sim: sim})
	r.Register(core.OpportunitySolana, &SolanaStrategy{sim: sim})
	return r
}

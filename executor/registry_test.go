package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrelay/arbcore/core"
)

func TestRegistryExactMatch(t *testing.T) {
	r := NewRegistry()
	swap := &SwapPathStrategy{sim: newSimulator(1)}
	r.Register(core.OpportunityCrossDex, swap)

	req := &core.ExecutionRequest{Opportunity: core.Opportunity{
		ID: "opp-1", Type: core.OpportunityCrossDex, Chain: "ethereum",
	}}
	assert.Same(t, Strategy(swap), r.Resolve(req))
}

func TestRegistryChainFamilyFallback(t *testing.T) {
	r := NewRegistry()
	sol := &SolanaStrategy{sim: newSimulator(1)}
	r.Register(core.OpportunitySolana, sol)

	// Unbound type on the solana chain routes to the solana strategy
	req := &core.ExecutionRequest{Opportunity: core.Opportunity{
		ID: "opp-1", Type: core.OpportunityCrossDex, Chain: "solana",
	}}
	assert.Same(t, Strategy(sol), r.Resolve(req))

	// The same type off-chain has no route
	req.Chain = "ethereum"
	assert.Nil(t, r.Resolve(req))
}

func TestRegistryExactMatchBeatsFallback(t *testing.T) {
	r := NewRegistry()
	sim := newSimulator(1)
	swap := &SwapPathStrategy{sim: sim}
	sol := &SolanaStrategy{sim: sim}
	r.Register(core.OpportunityCrossDex, swap)
	r.Register(core.OpportunitySolana, sol)

	req := &core.ExecutionRequest{Opportunity: core.Opportunity{
		ID: "opp-1", Type: core.OpportunityCrossDex, Chain: "solana",
	}}
	assert.Same(t, Strategy(swap), r.Resolve(req))
}

func TestDefaultRegistryCoversAllTypes(t *testing.T) {
	r := DefaultRegistry(newSimulator(1))

	for _, typ := range core.KnownOpportunityTypes {
		req := &core.ExecutionRequest{Opportunity: core.Opportunity{
			ID: "opp-1", Type: typ, Chain: "ethereum",
		}}
		if typ == core.OpportunitySolana {
			req.Chain = "solana"
		}
		require.NotNil(t, r.Resolve(req), "type %s must resolve", typ)
	}
	assert.Len(t, r.Types(), len(core.KnownOpportunityTypes))
}

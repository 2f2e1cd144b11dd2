package coordinator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrelay/arbcore/core"
	"github.com/quantrelay/arbcore/election"
	"github.com/quantrelay/arbcore/resilience"
	"github.com/quantrelay/arbcore/substrate"
)

// setupTestRedis creates a miniredis instance for testing
func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, client
}

func newTestSubstrate(t *testing.T) (*miniredis.Miniredis, core.Substrate) {
	t.Helper()
	mr, client := setupTestRedis(t)
	return mr, substrate.NewAdapter(client, &substrate.AdapterConfig{
		Retry: &resilience.RetryConfig{
			MaxAttempts:   2,
			InitialDelay:  time.Millisecond,
			MaxDelay:      5 * time.Millisecond,
			BackoffFactor: 2.0,
		},
	})
}

func validOpportunity(id string) core.Opportunity {
	return core.Opportunity{
		ID:                id,
		Type:              core.OpportunityCrossDex,
		Chain:             "ethereum",
		BuyVenue:          "uniswap-v3",
		SellVenue:         "sushiswap",
		ExpectedProfitUSD: 12.5,
		Confidence:        0.9,
		Timestamps:        core.PipelineTimestamps{DetectedAt: time.Now().UnixMilli()},
	}
}

func publishOpportunity(t *testing.T, sub core.Substrate, payload []byte) {
	t.Helper()
	_, err := sub.Publish(context.Background(), core.StreamOpportunities, payload, 100)
	require.NoError(t, err)
}

func TestNewForwarderValidation(t *testing.T) {
	_, sub := newTestSubstrate(t)

	_, err := NewForwarder(sub, ForwarderConfig{})
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)

	f, err := NewForwarder(sub, ForwarderConfig{InstanceID: "coord-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(10), f.config.BatchSize)
	assert.Equal(t, 100*time.Millisecond, f.config.BlockTime)
	assert.Equal(t, int64(core.MaxLenExecutionRequests), f.config.RequestMaxLen)
}

func TestForwardEnrichesAndAcks(t *testing.T) {
	_, sub := newTestSubstrate(t)
	ctx := context.Background()

	hb, err := election.NewHeartbeatPublisher(sub, election.HeartbeatConfig{
		ServiceID: "coord-1", Role: core.RoleCoordinator,
	})
	require.NoError(t, err)

	f, err := NewForwarder(sub, ForwarderConfig{
		InstanceID: "coord-1",
		BlockTime:  10 * time.Millisecond,
		Heartbeat:  hb,
	})
	require.NoError(t, err)

	opp := validOpportunity("opp-1")
	payload, err := json.Marshal(&opp)
	require.NoError(t, err)
	publishOpportunity(t, sub, payload)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() { f.Run(runCtx); close(done) }()

	require.Eventually(t, func() bool {
		entries, err := sub.Tail(ctx, core.StreamExecutionRequests, 1)
		return err == nil && len(entries) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	entries, err := sub.Tail(ctx, core.StreamExecutionRequests, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var req core.ExecutionRequest
	require.NoError(t, json.Unmarshal(entries[0].Data, &req))
	assert.Equal(t, "opp-1", req.ID)
	assert.Equal(t, core.OpportunityCrossDex, req.Type)
	assert.Equal(t, "ethereum", req.Chain)
	assert.Equal(t, "coord-1", req.ForwardedBy)
	assert.Greater(t, req.ForwardedAt, int64(0))
	assert.Greater(t, req.Timestamps.CoordinatorAt, int64(0))
	assert.Equal(t, opp.Timestamps.DetectedAt, req.Timestamps.DetectedAt)

	// Source entry is acknowledged after the durable publish
	summary, err := sub.Pending(ctx, core.StreamOpportunities, core.GroupCoordinator)
	require.NoError(t, err)
	assert.Equal(t, int64(0), summary.Count)

	assert.Equal(t, int64(1), hb.Snapshot().Counters.MessagesProcessed)
}

func TestDeadLetterReasons(t *testing.T) {
	cases := []struct {
		name    string
		payload []byte
		reason  string
	}{
		{"malformed json", []byte("{{{not json"), ReasonMalformedJSON},
		{"missing id", []byte(`{"type":"cross-dex","confidence":0.5}`), ReasonMissingID},
		{"invalid shape", []byte(`{"id":"opp-1","type":"cross-dex","confidence":3.0}`), ReasonInvalidShape},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, sub := newTestSubstrate(t)
			ctx := context.Background()

			f, err := NewForwarder(sub, ForwarderConfig{InstanceID: "coord-1"})
			require.NoError(t, err)

			publishOpportunity(t, sub, tc.payload)

			entries, err := sub.ReadGroup(ctx, core.StreamOpportunities, core.GroupCoordinator, "coord-1", 10, 10*time.Millisecond)
			require.NoError(t, err)
			require.Len(t, entries, 1)

			f.forward(ctx, entries[0])

			// Nothing forwarded, nothing left pending
			requests, err := sub.Tail(ctx, core.StreamExecutionRequests, 1)
			require.NoError(t, err)
			assert.Empty(t, requests)

			summary, err := sub.Pending(ctx, core.StreamOpportunities, core.GroupCoordinator)
			require.NoError(t, err)
			assert.Equal(t, int64(0), summary.Count)

			// The DLQ envelope preserves the original payload and reason
			dlq, err := sub.Tail(ctx, core.StreamForwardingDLQ, 1)
			require.NoError(t, err)
			require.Len(t, dlq, 1)

			var envelope substrate.DLQEnvelope
			require.NoError(t, json.Unmarshal(dlq[0].Data, &envelope))
			assert.Equal(t, tc.reason, envelope.Reason)
			assert.Equal(t, core.StreamOpportunities, envelope.SourceStream)
			assert.Equal(t, entries[0].ID, envelope.SourceEntryID)
		})
	}
}

func TestPublishFailureSignalsDegraded(t *testing.T) {
	mr, sub := newTestSubstrate(t)
	ctx := context.Background()

	hb, err := election.NewHeartbeatPublisher(sub, election.HeartbeatConfig{
		ServiceID: "coord-1", Role: core.RoleCoordinator,
	})
	require.NoError(t, err)
	hb.SetState(core.StateHealthy)

	f, err := NewForwarder(sub, ForwarderConfig{InstanceID: "coord-1", Heartbeat: hb})
	require.NoError(t, err)

	opp := validOpportunity("opp-1")
	payload, err := json.Marshal(&opp)
	require.NoError(t, err)
	publishOpportunity(t, sub, payload)

	entries, err := sub.ReadGroup(ctx, core.StreamOpportunities, core.GroupCoordinator, "coord-1", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// Substrate goes away between read and forward
	mr.Close()
	f.forward(ctx, entries[0])

	snapshot := hb.Snapshot()
	assert.Equal(t, core.StateDegraded, snapshot.ReportedState)
	assert.Equal(t, int64(1), snapshot.Counters.Errors)
	assert.Equal(t, int64(0), snapshot.Counters.MessagesProcessed)
}

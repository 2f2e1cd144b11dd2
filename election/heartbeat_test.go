package election

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrelay/arbcore/core"
	"github.com/quantrelay/arbcore/resilience"
	"github.com/quantrelay/arbcore/substrate"
)

func newTestSubstrate(t *testing.T) core.Substrate {
	t.Helper()
	_, client := setupTestRedis(t)
	return substrate.NewAdapter(client, &substrate.AdapterConfig{
		Retry: &resilience.RetryConfig{
			MaxAttempts:   2,
			InitialDelay:  time.Millisecond,
			MaxDelay:      5 * time.Millisecond,
			BackoffFactor: 2.0,
		},
	})
}

func TestNewHeartbeatPublisherValidation(t *testing.T) {
	sub := newTestSubstrate(t)

	_, err := NewHeartbeatPublisher(sub, HeartbeatConfig{Role: core.RoleExecutor})
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)

	_, err = NewHeartbeatPublisher(sub, HeartbeatConfig{ServiceID: "exec-1"})
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)

	p, err := NewHeartbeatPublisher(sub, HeartbeatConfig{ServiceID: "exec-1", Role: core.RoleExecutor})
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, p.config.Interval)
}

func TestHeartbeatSnapshot(t *testing.T) {
	sub := newTestSubstrate(t)
	p, err := NewHeartbeatPublisher(sub, HeartbeatConfig{
		ServiceID: "exec-1",
		Role:      core.RoleExecutor,
	})
	require.NoError(t, err)

	// Fresh publisher reports starting
	hb := p.Snapshot()
	assert.Equal(t, "exec-1", hb.ServiceID)
	assert.Equal(t, core.RoleExecutor, hb.Role)
	assert.Equal(t, core.StateStarting, hb.ReportedState)

	p.SetState(core.StateHealthy)
	p.AddProcessed(3)
	p.AddProcessed(2)
	p.AddError(1)
	p.SetQueueDepth(7)

	hb = p.Snapshot()
	assert.Equal(t, core.StateHealthy, hb.ReportedState)
	assert.Equal(t, int64(5), hb.Counters.MessagesProcessed)
	assert.Equal(t, int64(1), hb.Counters.Errors)
	assert.Equal(t, int64(7), hb.Counters.QueueDepth)
	assert.Greater(t, hb.LastBeatAt, int64(0))
}

func TestHeartbeatPublication(t *testing.T) {
	sub := newTestSubstrate(t)
	p, err := NewHeartbeatPublisher(sub, HeartbeatConfig{
		ServiceID: "coord-1",
		Role:      core.RoleCoordinator,
		Interval:  20 * time.Millisecond,
	})
	require.NoError(t, err)
	p.SetState(core.StateHealthy)
	p.AddProcessed(42)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()

	// First beat is immediate; more follow on the jittered cadence
	require.Eventually(t, func() bool {
		entries, err := sub.Tail(context.Background(), core.StreamServiceHeartbeats, 10)
		return err == nil && len(entries) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	entries, err := sub.Tail(context.Background(), core.StreamServiceHeartbeats, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var hb core.Heartbeat
	require.NoError(t, json.Unmarshal(entries[0].Data, &hb))
	assert.Equal(t, "coord-1", hb.ServiceID)
	assert.Equal(t, core.RoleCoordinator, hb.Role)
	assert.Equal(t, core.StateHealthy, hb.ReportedState)
	assert.Equal(t, int64(42), hb.Counters.MessagesProcessed)
}

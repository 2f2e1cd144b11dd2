package election

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrelay/arbcore/core"
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

func testElector(t *testing.T, client *redis.Client, instanceID string) *Elector {
	t.Helper()
	e, err := NewElector(client, ElectorConfig{
		Region:        "us-east",
		InstanceID:    instanceID,
		LeaseTTL:      200 * time.Millisecond,
		RenewInterval: 50 * time.Millisecond,
		RetryInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	return e
}

func TestNewElectorValidation(t *testing.T) {
	_, client := setupTestRedis(t)

	_, err := NewElector(client, ElectorConfig{InstanceID: "i-1"})
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)

	_, err = NewElector(client, ElectorConfig{Region: "us-east"})
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)

	e, err := NewElector(client, ElectorConfig{Region: "us-east", InstanceID: "i-1"})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, e.config.LeaseTTL)
	assert.Equal(t, 10*time.Second, e.config.RenewInterval)
	assert.Equal(t, 5*time.Second, e.config.RetryInterval)
}

func TestAcquireAndRenewLease(t *testing.T) {
	_, client := setupTestRedis(t)
	e := testElector(t, client, "coord-1")

	promoted := make(chan struct{})
	var once sync.Once
	e.OnPromote(func(ctx context.Context) { once.Do(func() { close(promoted) }) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { e.Run(ctx); close(done) }()

	select {
	case <-promoted:
	case <-time.After(2 * time.Second):
		t.Fatal("elector never promoted")
	}
	assert.True(t, e.IsLeader())

	val, err := client.Get(context.Background(), e.LeaderKey()).Result()
	require.NoError(t, err)
	assert.Equal(t, "coord-1", val)

	// Renewal keeps the lease alive well past one TTL
	assert.Eventually(t, func() bool { return e.RenewalCount() >= 2 },
		2*time.Second, 10*time.Millisecond)
	assert.True(t, e.IsLeader())

	cancel()
	<-done
}

func TestStandbyUntilLeaseExpires(t *testing.T) {
	mr, client := setupTestRedis(t)
	require.NoError(t, client.Set(context.Background(), "leader:us-east", "other-coord", 200*time.Millisecond).Err())

	e := testElector(t, client, "coord-2")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { e.Run(ctx); close(done) }()

	// Holder alive: stays standby
	time.Sleep(100 * time.Millisecond)
	assert.False(t, e.IsLeader())

	// Holder dies silently; TTL expiry hands the lease over
	mr.FastForward(300 * time.Millisecond)

	assert.Eventually(t, func() bool { return e.IsLeader() },
		2*time.Second, 10*time.Millisecond)

	val, err := client.Get(context.Background(), e.LeaderKey()).Result()
	require.NoError(t, err)
	assert.Equal(t, "coord-2", val)

	cancel()
	<-done
}

func TestDemoteWhenLeaseStolen(t *testing.T) {
	_, client := setupTestRedis(t)
	e := testElector(t, client, "coord-1")

	var mu sync.Mutex
	var demoteReason string
	var termCtx context.Context
	promoted := make(chan struct{})
	demoted := make(chan struct{})
	var promoteOnce, demoteOnce sync.Once

	e.OnPromote(func(ctx context.Context) {
		mu.Lock()
		termCtx = ctx
		mu.Unlock()
		promoteOnce.Do(func() { close(promoted) })
	})
	e.OnDemote(func(reason string) {
		mu.Lock()
		demoteReason = reason
		mu.Unlock()
		demoteOnce.Do(func() { close(demoted) })
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { e.Run(ctx); close(done) }()

	select {
	case <-promoted:
	case <-time.After(2 * time.Second):
		t.Fatal("elector never promoted")
	}

	// Another instance takes the key; the compare-and-set renewal must fail
	require.NoError(t, client.Set(context.Background(), e.LeaderKey(), "usurper", 0).Err())

	select {
	case <-demoted:
	case <-time.After(2 * time.Second):
		t.Fatal("elector never demoted")
	}
	assert.False(t, e.IsLeader())

	mu.Lock()
	assert.Contains(t, demoteReason, "another instance")
	require.NotNil(t, termCtx)
	assert.Error(t, termCtx.Err(), "term context must be cancelled at demotion")
	mu.Unlock()

	cancel()
	<-done
}

func TestGracefulShutdownReleasesLease(t *testing.T) {
	_, client := setupTestRedis(t)
	e := testElector(t, client, "coord-1")

	var mu sync.Mutex
	var demoteReason string
	promoted := make(chan struct{})
	var once sync.Once
	e.OnPromote(func(ctx context.Context) { once.Do(func() { close(promoted) }) })
	e.OnDemote(func(reason string) {
		mu.Lock()
		demoteReason = reason
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { e.Run(ctx); close(done) }()

	select {
	case <-promoted:
	case <-time.After(2 * time.Second):
		t.Fatal("elector never promoted")
	}

	cancel()
	<-done

	// Lease is gone, not left to expire
	err := client.Get(context.Background(), e.LeaderKey()).Err()
	assert.Equal(t, redis.Nil, err)

	mu.Lock()
	assert.Equal(t, "shutdown", demoteReason)
	mu.Unlock()
}

func TestReleaseNeverStealsSuccessor(t *testing.T) {
	_, client := setupTestRedis(t)
	e := testElector(t, client, "coord-1")
	ctx := context.Background()

	// A successor already owns the key
	require.NoError(t, client.Set(ctx, e.LeaderKey(), "successor", 0).Err())

	require.NoError(t, e.Release(ctx))

	val, err := client.Get(ctx, e.LeaderKey()).Result()
	require.NoError(t, err)
	assert.Equal(t, "successor", val)
}

func TestLeaseSingleton(t *testing.T) {
	_, client := setupTestRedis(t)
	e1 := testElector(t, client, "coord-1")
	e2 := testElector(t, client, "coord-2")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); e1.Run(ctx) }()
	go func() { defer wg.Done(); e2.Run(ctx) }()

	// Exactly one of the two may be active at any observation point
	require.Eventually(t, func() bool { return e1.IsLeader() || e2.IsLeader() },
		2*time.Second, 10*time.Millisecond)
	for i := 0; i < 20; i++ {
		leaders := 0
		if e1.IsLeader() {
			leaders++
		}
		if e2.IsLeader() {
			leaders++
		}
		assert.LessOrEqual(t, leaders, 1)
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	wg.Wait()
}

package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/quantrelay/arbcore/core"
)

// releaseLockScript deletes a lock key only while this instance owns it.
// Unconditional DEL could release a lock that already expired and was
// re-acquired by a peer.
var releaseLockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// OpportunityLock grants per-opportunity exclusive execution rights across
// every executor instance in the region. Acquisition is atomic set-if-absent
// with a TTL; an executor crash mid-execution frees the resource when the
// TTL lapses.
type OpportunityLock struct {
	client  *redis.Client
	ownerID string
	logger  core.Logger
}

// NewOpportunityLock creates a lock manager owned by one executor instance.
func NewOpportunityLock(client *redis.Client, ownerID string, logger core.Logger) (*OpportunityLock, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required: %w", core.ErrMissingConfiguration)
	}
	if ownerID == "" {
		return nil, fmt.Errorf("lock owner id is required: %w", core.ErrInvalidConfiguration)
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &OpportunityLock{client: client, ownerID: ownerID, logger: logger}, nil
}

// Acquire attempts set-if-absent on the named lock. Returns false when
// another owner currently holds it.
func (l *OpportunityLock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, name, l.ownerID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	return ok, nil
}

// Release deletes the lock only if this instance still owns it. Releasing a
// lock that expired or belongs to a peer is a silent no-op.
func (l *OpportunityLock) Release(ctx context.Context, name string) error {
	released, err := releaseLockScript.Run(ctx, l.client, []string{name}, l.ownerID).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	if released == 0 {
		l.logger.Debug("Lock already expired or owned by peer", map[string]interface{}{
			"lock":  name,
			"owner": l.ownerID,
		})
	}
	return nil
}

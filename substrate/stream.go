// Package substrate provides the stream substrate adapter: a small, uniform
// interface over Redis Streams. It is the single choke point for all
// persistence — no other component in the pipeline talks to the stream
// substrate directly.
//
// Purpose:
// - Publish with bounded (approximate) stream length
// - Consumer-group reads with blocking and lazy group creation
// - Acknowledgement, pending-entry inspection, and crash-recovery claims
// - Dead-letter routing for malformed entries
//
// Contract:
// - Every entry carries a single "data" field whose value is JSON
// - All operations except Publish are idempotent under retry
// - Transient connection failures are retried with capped exponential
//   backoff (100ms doubling to 30s, 20 attempts, ~5 minute budget); only
//   after the budget is exhausted does an operation surface
//   core.ErrSubstrateUnavailable
package substrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/quantrelay/arbcore/core"
	"github.com/quantrelay/arbcore/resilience"
)

// dataField is the single envelope field every stream entry carries.
const dataField = "data"

// Adapter implements core.Substrate over a Redis client.
type Adapter struct {
	client *redis.Client
	config AdapterConfig
	logger core.Logger

	retry *resilience.RetryConfig
}

// AdapterConfig configures the stream substrate adapter.
type AdapterConfig struct {
	// CircuitBreaker is an optional circuit breaker for substrate operations.
	// If nil, operations rely on the retry budget alone.
	CircuitBreaker core.CircuitBreaker `json:"-"`

	// Logger is an optional logger for substrate operations.
	Logger core.Logger `json:"-"`

	// Telemetry receives per-operation counters.
	Telemetry core.Telemetry `json:"-"`

	// Retry overrides the default substrate retry budget. Tests shrink it.
	Retry *resilience.RetryConfig `json:"-"`
}

// NewAdapter creates a stream substrate adapter. The client should already be
// connected to Redis.
func NewAdapter(client *redis.Client, config *AdapterConfig) *Adapter {
	cfg := AdapterConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = &core.NoOpTelemetry{}
	}

	retry := cfg.Retry
	if retry == nil {
		retry = resilience.SubstrateRetryConfig()
	}

	return &Adapter{
		client: client,
		config: cfg,
		logger: cfg.Logger,
		retry:  retry,
	}
}

// Publish appends an entry carrying payload under the "data" field, trimming
// the stream to approximately maxLenApprox entries. Publish is NOT idempotent
// under retry: each successful invocation produces a new entry, so callers
// crossing request boundaries must deduplicate on the id inside the payload.
func (a *Adapter) Publish(ctx context.Context, stream string, payload []byte, maxLenApprox int64) (string, error) {
	var entryID string

	err := a.execute(ctx, func() error {
		id, err := a.client.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			MaxLen: maxLenApprox,
			Approx: true,
			Values: map[string]interface{}{dataField: string(payload)},
		}).Result()
		if err != nil {
			return err
		}
		entryID = id
		return nil
	})
	if err != nil {
		return "", a.unavailable("substrate.Publish", stream, err)
	}

	a.config.Telemetry.Counter("arbcore.substrate.published", 1, map[string]string{"stream": stream})
	return entryID, nil
}

// ReadGroup blocks up to block for up to count entries not yet delivered to
// this group. The group is created lazily at the start of the stream; a
// "group already exists" condition is not an error.
func (a *Adapter) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]core.StreamEntry, error) {
	if err := a.ensureGroup(ctx, stream, group); err != nil {
		return nil, err
	}

	var entries []core.StreamEntry
	err := a.execute(ctx, func() error {
		streams, err := a.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    count,
			Block:    block,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				// Block window elapsed with nothing to deliver
				entries = nil
				return nil
			}
			return err
		}
		entries = flattenStreams(streams)
		return nil
	})
	if err != nil {
		return nil, a.unavailable("substrate.ReadGroup", stream, err)
	}
	return entries, nil
}

// Ack marks entries acknowledged. Idempotent: acknowledging an unknown or
// already-acknowledged entry succeeds.
func (a *Adapter) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	err := a.execute(ctx, func() error {
		return a.client.XAck(ctx, stream, group, ids...).Err()
	})
	if err != nil {
		return a.unavailable("substrate.Ack", stream, err)
	}
	return nil
}

// Pending inspects the pending-entry list of a consumer group.
func (a *Adapter) Pending(ctx context.Context, stream, group string) (*core.PendingSummary, error) {
	var summary *core.PendingSummary

	err := a.execute(ctx, func() error {
		p, err := a.client.XPending(ctx, stream, group).Result()
		if err != nil {
			if isNoGroup(err) {
				summary = &core.PendingSummary{}
				return nil
			}
			return err
		}

		summary = &core.PendingSummary{
			Count:         p.Count,
			OldestEntryID: p.Lower,
			Consumers:     p.Consumers,
		}
		if p.Count == 0 {
			return nil
		}

		// Idle of the least-idle entry; the sweep uses it to decide whether
		// anything is worth claiming yet.
		ext, err := a.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  group,
			Start:  "-",
			End:    "+",
			Count:  p.Count,
		}).Result()
		if err != nil {
			return err
		}
		for i, e := range ext {
			if i == 0 || e.Idle < summary.MinIdle {
				summary.MinIdle = e.Idle
			}
		}
		return nil
	})
	if err != nil {
		return nil, a.unavailable("substrate.Pending", stream, err)
	}
	return summary, nil
}

// Claim transfers ownership of long-idle pending entries to consumer. When no
// ids are given it discovers every pending entry idle for at least minIdle
// and claims those, which is how crashed peers' work is adopted.
func (a *Adapter) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]core.StreamEntry, error) {
	var claimed []core.StreamEntry

	err := a.execute(ctx, func() error {
		targets := ids
		if len(targets) == 0 {
			ext, err := a.client.XPendingExt(ctx, &redis.XPendingExtArgs{
				Stream: stream,
				Group:  group,
				Start:  "-",
				End:    "+",
				Count:  1000,
			}).Result()
			if err != nil {
				if isNoGroup(err) {
					claimed = nil
					return nil
				}
				return err
			}
			for _, e := range ext {
				if e.Idle >= minIdle {
					targets = append(targets, e.ID)
				}
			}
		}
		if len(targets) == 0 {
			claimed = nil
			return nil
		}

		msgs, err := a.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: consumer,
			MinIdle:  minIdle,
			Messages: targets,
		}).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		claimed = flattenMessages(msgs)
		return nil
	})
	if err != nil {
		return nil, a.unavailable("substrate.Claim", stream, err)
	}

	if len(claimed) > 0 {
		a.logger.Warn("Claimed idle pending entries", map[string]interface{}{
			"stream":   stream,
			"group":    group,
			"consumer": consumer,
			"claimed":  len(claimed),
			"min_idle": minIdle.String(),
		})
	}
	return claimed, nil
}

// Tail returns the most recent count entries of a stream, newest first.
func (a *Adapter) Tail(ctx context.Context, stream string, count int64) ([]core.StreamEntry, error) {
	var entries []core.StreamEntry

	err := a.execute(ctx, func() error {
		msgs, err := a.client.XRevRangeN(ctx, stream, "+", "-", count).Result()
		if err != nil {
			return err
		}
		entries = flattenMessages(msgs)
		return nil
	})
	if err != nil {
		return nil, a.unavailable("substrate.Tail", stream, err)
	}
	return entries, nil
}

// DLQEnvelope wraps a dead-lettered payload with routing metadata. The
// original payload is preserved verbatim so operators can replay it.
type DLQEnvelope struct {
	SourceStream  string          `json:"sourceStream"`
	SourceEntryID string          `json:"sourceEntryId"`
	Group         string          `json:"group"`
	Reason        string          `json:"reason"`
	Payload       json.RawMessage `json:"payload"`
	DeadAt        int64           `json:"deadAt"` // unix milliseconds
}

// MoveToDLQ publishes the failing entry plus reason to a dead-letter stream,
// then acknowledges the source. The DLQ entry keeps the original payload
// verbatim under "payload"; non-JSON payloads are string-encoded first.
func (a *Adapter) MoveToDLQ(ctx context.Context, stream, group string, entry core.StreamEntry, dlqStream, reason string) error {
	payload := entry.Data
	if !json.Valid(payload) {
		encoded, err := json.Marshal(string(entry.Data))
		if err != nil {
			return fmt.Errorf("failed to encode DLQ payload for %s: %w", entry.ID, err)
		}
		payload = encoded
	}

	envelope, err := json.Marshal(DLQEnvelope{
		SourceStream:  stream,
		SourceEntryID: entry.ID,
		Group:         group,
		Reason:        reason,
		Payload:       payload,
		DeadAt:        time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal DLQ envelope for %s: %w", entry.ID, err)
	}

	if _, err := a.Publish(ctx, dlqStream, envelope, core.MaxLenDLQ); err != nil {
		return err
	}
	if err := a.Ack(ctx, stream, group, entry.ID); err != nil {
		return err
	}

	a.logger.Warn("Entry moved to dead-letter stream", map[string]interface{}{
		"stream":     stream,
		"group":      group,
		"entry_id":   entry.ID,
		"dlq_stream": dlqStream,
		"reason":     reason,
	})
	a.config.Telemetry.Counter("arbcore.dlq.total", 1, map[string]string{
		"stream": stream,
		"reason": reason,
	})
	return nil
}

// ensureGroup creates the consumer group at the start of the stream if it
// does not exist yet. BUSYGROUP means another consumer won the race.
func (a *Adapter) ensureGroup(ctx context.Context, stream, group string) error {
	err := a.execute(ctx, func() error {
		err := a.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return err
		}
		return nil
	})
	if err != nil {
		return a.unavailable("substrate.EnsureGroup", stream, err)
	}
	return nil
}

// execute runs fn through the retry budget and the optional circuit breaker.
// Non-transient errors abort the retry loop immediately and are carried out
// of band so they surface unwrapped.
func (a *Adapter) execute(ctx context.Context, fn func() error) error {
	var terminal error
	capture := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			terminal = err
			return nil
		}
		return err
	}

	var err error
	if a.config.CircuitBreaker != nil {
		err = resilience.RetryWithCircuitBreaker(ctx, a.retry, a.config.CircuitBreaker, capture)
	} else {
		err = resilience.Retry(ctx, a.retry, capture)
	}
	if terminal != nil {
		return terminal
	}
	return err
}

// unavailable wraps a retry-exhausted failure as substrate-unavailable.
// Non-transient failures pass through untouched.
func (a *Adapter) unavailable(op, stream string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, core.ErrMaxRetriesExceeded) || errors.Is(err, core.ErrCircuitBreakerOpen) {
		a.logger.Error("Substrate operation exhausted retry budget", map[string]interface{}{
			"op":         op,
			"stream":     stream,
			"error":      err.Error(),
			"error_type": fmt.Sprintf("%T", err),
		})
		return &core.PipelineError{
			Op:   op,
			Kind: "substrate",
			ID:   stream,
			Err:  fmt.Errorf("%v: %w", err, core.ErrSubstrateUnavailable),
		}
	}
	return &core.PipelineError{Op: op, Kind: "substrate", ID: stream, Err: err}
}

// isTransient reports whether an error is worth retrying: connection-level
// failures are, protocol-level responses are not.
func isTransient(err error) bool {
	if err == nil || err == redis.Nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := err.Error()
	// Redis replies with an uppercase error code prefix for protocol errors
	// (BUSYGROUP, NOGROUP, WRONGTYPE ...); those never heal by retrying.
	for _, code := range []string{"BUSYGROUP", "NOGROUP", "WRONGTYPE", "ERR "} {
		if strings.Contains(msg, code) {
			return false
		}
	}
	return true
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

func isNoGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}

// flattenStreams converts XReadGroup output into substrate entries, keeping
// only the "data" envelope field.
func flattenStreams(streams []redis.XStream) []core.StreamEntry {
	var entries []core.StreamEntry
	for _, s := range streams {
		entries = append(entries, flattenMessages(s.Messages)...)
	}
	return entries
}

func flattenMessages(msgs []redis.XMessage) []core.StreamEntry {
	entries := make([]core.StreamEntry, 0, len(msgs))
	for _, m := range msgs {
		entry := core.StreamEntry{ID: m.ID}
		if v, ok := m.Values[dataField]; ok {
			if s, ok := v.(string); ok {
				entry.Data = []byte(s)
			}
		}
		entries = append(entries, entry)
	}
	return entries
}

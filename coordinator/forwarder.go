// Package coordinator implements the region coordinator: a leader-elected
// service whose active instance forwards detected opportunities to the
// execution-request stream, classifies regional health, and journals
// leadership and degradation events.
//
// Forwarding contract: the source entry is acknowledged only after the
// enriched request is durably published. A crash between publish and ack
// yields a duplicate execution request, which the executor absorbs through
// the per-opportunity distributed lock.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quantrelay/arbcore/core"
	"github.com/quantrelay/arbcore/election"
)

// DLQ reasons for unroutable opportunity entries.
const (
	ReasonMalformedJSON = "malformed-json"
	ReasonMissingID     = "missing-id"
	ReasonInvalidShape  = "invalid-shape"
)

// ForwarderConfig configures the opportunity forwarder.
type ForwarderConfig struct {
	// InstanceID stamps forwardedBy on every request.
	InstanceID string

	// BatchSize is the per-read entry cap (default 10).
	BatchSize int64

	// BlockTime is the blocking read window (default 100ms).
	BlockTime time.Duration

	// RequestMaxLen caps the execution-request stream (default 5000).
	RequestMaxLen int64

	// Logger is an optional logger.
	Logger core.Logger `json:"-"`

	// Telemetry receives forwarding counters.
	Telemetry core.Telemetry `json:"-"`

	// Heartbeat, when set, receives throughput and error counts and the
	// degradation signal on publish failure.
	Heartbeat *election.HeartbeatPublisher `json:"-"`
}

// Forwarder consumes the opportunity stream as coordinator-group and moves
// entries to the execution-request stream, enriched with coordinator
// metadata. It runs only while this instance holds the leader lease.
type Forwarder struct {
	substrate core.Substrate
	config    ForwarderConfig
	logger    core.Logger
	telemetry core.Telemetry
}

// NewForwarder creates an opportunity forwarder.
func NewForwarder(sub core.Substrate, config ForwarderConfig) (*Forwarder, error) {
	if config.InstanceID == "" {
		return nil, fmt.Errorf("forwarder instance id is required: %w", core.ErrInvalidConfiguration)
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 10
	}
	if config.BlockTime <= 0 {
		config.BlockTime = 100 * time.Millisecond
	}
	if config.RequestMaxLen <= 0 {
		config.RequestMaxLen = core.MaxLenExecutionRequests
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Telemetry == nil {
		config.Telemetry = &core.NoOpTelemetry{}
	}

	return &Forwarder{
		substrate: sub,
		config:    config,
		logger:    config.Logger,
		telemetry: config.Telemetry,
	}, nil
}

// Run consumes and forwards until ctx is cancelled (leader demotion or
// shutdown).
func (f *Forwarder) Run(ctx context.Context) {
	f.logger.Info("Forwarder loop starting", map[string]interface{}{
		"instance_id": f.config.InstanceID,
		"batch_size":  f.config.BatchSize,
		"block_ms":    f.config.BlockTime.Milliseconds(),
	})

	for ctx.Err() == nil {
		entries, err := f.substrate.ReadGroup(ctx, core.StreamOpportunities, core.GroupCoordinator,
			f.config.InstanceID, f.config.BatchSize, f.config.BlockTime)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			f.logger.Error("Opportunity read failed", map[string]interface{}{
				"error": err.Error(),
			})
			f.signalDegraded()
			continue
		}

		for _, entry := range entries {
			if ctx.Err() != nil {
				return
			}
			f.forward(ctx, entry)
		}
	}

	f.logger.Info("Forwarder loop stopped", map[string]interface{}{
		"instance_id": f.config.InstanceID,
	})
}

// forward handles one opportunity entry end to end.
func (f *Forwarder) forward(ctx context.Context, entry core.StreamEntry) {
	var opp core.Opportunity
	if err := json.Unmarshal(entry.Data, &opp); err != nil {
		f.deadLetter(ctx, entry, ReasonMalformedJSON)
		return
	}
	if opp.ID == "" {
		f.deadLetter(ctx, entry, ReasonMissingID)
		return
	}
	if err := opp.Validate(); err != nil {
		f.deadLetter(ctx, entry, ReasonInvalidShape)
		return
	}

	now := time.Now().UnixMilli()
	opp.Timestamps.CoordinatorAt = now
	req := core.ExecutionRequest{
		Opportunity: opp,
		ForwardedBy: f.config.InstanceID,
		ForwardedAt: now,
	}

	payload, err := json.Marshal(&req)
	if err != nil {
		// Opportunity decoded from JSON cannot fail to re-encode; treat as
		// unroutable rather than blocking the stream.
		f.deadLetter(ctx, entry, ReasonInvalidShape)
		return
	}

	if _, err := f.substrate.Publish(ctx, core.StreamExecutionRequests, payload, f.config.RequestMaxLen); err != nil {
		// Do not acknowledge: the entry redelivers once the substrate
		// recovers, and the duplicate is absorbed downstream.
		f.logger.Error("Failed to publish execution request", map[string]interface{}{
			"opportunity_id": opp.ID,
			"entry_id":       entry.ID,
			"error":          err.Error(),
			"will_redeliver": errors.Is(err, core.ErrSubstrateUnavailable),
		})
		f.signalDegraded()
		return
	}

	if err := f.substrate.Ack(ctx, core.StreamOpportunities, core.GroupCoordinator, entry.ID); err != nil {
		// Publish succeeded but the ack did not: the entry redelivers and a
		// duplicate request is produced. Logged for the duplicate audit
		// trail; the lock downstream makes it a no-op.
		f.logger.Warn("Forwarded but failed to ack source entry", map[string]interface{}{
			"opportunity_id": opp.ID,
			"entry_id":       entry.ID,
			"error":          err.Error(),
		})
		return
	}

	f.telemetry.Counter("arbcore.opportunities.forwarded", 1, map[string]string{
		"type":  string(opp.Type),
		"chain": opp.Chain,
	})
	if f.config.Heartbeat != nil {
		f.config.Heartbeat.AddProcessed(1)
	}

	f.logger.Debug("Opportunity forwarded", map[string]interface{}{
		"opportunity_id": opp.ID,
		"type":           string(opp.Type),
		"chain":          opp.Chain,
		"entry_id":       entry.ID,
	})
}

// deadLetter routes an unroutable entry to the forwarding DLQ.
func (f *Forwarder) deadLetter(ctx context.Context, entry core.StreamEntry, reason string) {
	err := f.substrate.MoveToDLQ(ctx, core.StreamOpportunities, core.GroupCoordinator,
		entry, core.StreamForwardingDLQ, reason)
	if err != nil {
		f.logger.Error("Failed to dead-letter entry", map[string]interface{}{
			"entry_id": entry.ID,
			"reason":   reason,
			"error":    err.Error(),
		})
		f.signalDegraded()
		return
	}
	if f.config.Heartbeat != nil {
		f.config.Heartbeat.AddError(1)
	}
}

// signalDegraded reflects substrate trouble in this service's own heartbeat.
func (f *Forwarder) signalDegraded() {
	if f.config.Heartbeat != nil {
		f.config.Heartbeat.AddError(1)
		f.config.Heartbeat.SetState(core.StateDegraded)
	}
}

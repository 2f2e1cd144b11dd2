package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/quantrelay/arbcore/core"
	"github.com/quantrelay/arbcore/health"
)

// Event kinds published to the coordinator-events stream.
const (
	EventLeaderElected     = "leader-elected"
	EventLeaderDemoted     = "leader-demoted"
	EventLeaderReleased    = "leader-released"
	EventDegradationChange = "degradation-change"
	EventAlert             = "alert"
)

// Event is the journal record for leadership and degradation transitions.
// Observers consume the coordinator-events stream without a group.
type Event struct {
	Kind       string                `json:"event"`
	Region     string                `json:"region"`
	InstanceID string                `json:"instanceId"`
	Level      core.DegradationLevel `json:"level,omitempty"`
	From       core.DegradationLevel `json:"from,omitempty"`
	Reason     string                `json:"reason,omitempty"`
	Stale      []string              `json:"staleServices,omitempty"`
	AlertID    string                `json:"alertId,omitempty"`
	Message    string                `json:"message,omitempty"`
	At         int64                 `json:"at"` // unix milliseconds
}

// EventPublisher writes coordinator events and alerts to the events stream.
// Alert dispatch is an active-leader-only subsystem; the coordinator stops
// calling into it on demotion.
type EventPublisher struct {
	substrate core.Substrate
	region    string
	instance  string
	maxLen    int64
	logger    core.Logger
	telemetry core.Telemetry
}

// NewEventPublisher creates an event publisher for one coordinator instance.
func NewEventPublisher(sub core.Substrate, region, instanceID string, maxLen int64, logger core.Logger, telemetry core.Telemetry) *EventPublisher {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}
	if maxLen <= 0 {
		maxLen = core.MaxLenCoordinatorEvents
	}
	return &EventPublisher{
		substrate: sub,
		region:    region,
		instance:  instanceID,
		maxLen:    maxLen,
		logger:    logger,
		telemetry: telemetry,
	}
}

// PublishLeadership journals a leadership transition.
func (p *EventPublisher) PublishLeadership(ctx context.Context, kind, reason string) {
	p.publish(ctx, Event{
		Kind:       kind,
		Region:     p.region,
		InstanceID: p.instance,
		Reason:     reason,
		At:         time.Now().UnixMilli(),
	})
}

// PublishDegradation journals a degradation transition and, for levels worse
// than normal, dispatches an alert record.
func (p *EventPublisher) PublishDegradation(ctx context.Context, t health.Transition) {
	p.publish(ctx, Event{
		Kind:       EventDegradationChange,
		Region:     t.Region,
		InstanceID: p.instance,
		Level:      t.To,
		From:       t.From,
		Reason:     t.Reason,
		Stale:      t.StaleServices,
		At:         t.At,
	})

	if t.To.Rank() > core.DegradationNormal.Rank() {
		p.publish(ctx, Event{
			Kind:       EventAlert,
			Region:     t.Region,
			InstanceID: p.instance,
			Level:      t.To,
			AlertID:    uuid.New().String(),
			Message:    t.Reason,
			Stale:      t.StaleServices,
			At:         time.Now().UnixMilli(),
		})
	}
}

func (p *EventPublisher) publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("Failed to marshal coordinator event", map[string]interface{}{
			"event": ev.Kind,
			"error": err.Error(),
		})
		return
	}

	if _, err := p.substrate.Publish(ctx, core.StreamCoordinatorEvents, payload, p.maxLen); err != nil {
		p.logger.Error("Failed to publish coordinator event", map[string]interface{}{
			"event": ev.Kind,
			"error": err.Error(),
		})
		return
	}

	p.telemetry.Counter("arbcore.coordinator.events", 1, map[string]string{
		"event":  ev.Kind,
		"region": p.region,
	})
}

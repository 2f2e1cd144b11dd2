package election

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantrelay/arbcore/core"
)

// heartbeatStats tracks publication statistics for periodic summaries.
type heartbeatStats struct {
	SuccessCount  int64
	FailureCount  int64
	LastSuccess   time.Time
	LastFailure   time.Time
	StartedAt     time.Time
	LastSummaryAt time.Time
}

// HeartbeatConfig configures the per-service heartbeat publisher.
type HeartbeatConfig struct {
	// ServiceID identifies this service in heartbeat records.
	ServiceID string

	// Role is what this service does in the pipeline.
	Role core.ServiceRole

	// Interval is the publication cadence (default 5s). A small jitter is
	// added to distribute load across services.
	Interval time.Duration

	// Logger is an optional logger.
	Logger core.Logger `json:"-"`
}

// HeartbeatPublisher publishes per-service liveness records to the heartbeat
// stream at a fixed cadence. Counters are updated by the owning service via
// the atomic mutators and ride along on every beat.
type HeartbeatPublisher struct {
	substrate core.Substrate
	config    HeartbeatConfig
	logger    core.Logger

	processed  atomic.Int64
	errors     atomic.Int64
	queueDepth atomic.Int64
	state      atomic.Value // core.ReportedState

	statsMu sync.Mutex
	stats   heartbeatStats
}

// NewHeartbeatPublisher creates a heartbeat publisher for one service.
func NewHeartbeatPublisher(sub core.Substrate, config HeartbeatConfig) (*HeartbeatPublisher, error) {
	if config.ServiceID == "" {
		return nil, fmt.Errorf("heartbeat service id is required: %w", core.ErrInvalidConfiguration)
	}
	if config.Role == "" {
		return nil, fmt.Errorf("heartbeat role is required: %w", core.ErrInvalidConfiguration)
	}
	if config.Interval <= 0 {
		config.Interval = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}

	p := &HeartbeatPublisher{
		substrate: sub,
		config:    config,
		logger:    config.Logger,
	}
	p.state.Store(core.StateStarting)
	return p, nil
}

// SetState updates the state this service reports about itself.
func (p *HeartbeatPublisher) SetState(state core.ReportedState) {
	p.state.Store(state)
}

// AddProcessed increments the messages-processed counter.
func (p *HeartbeatPublisher) AddProcessed(n int64) {
	p.processed.Add(n)
}

// AddError increments the errors counter.
func (p *HeartbeatPublisher) AddError(n int64) {
	p.errors.Add(n)
}

// SetQueueDepth records the current in-process queue depth.
func (p *HeartbeatPublisher) SetQueueDepth(depth int64) {
	p.queueDepth.Store(depth)
}

// Snapshot returns the heartbeat record that would be published now.
func (p *HeartbeatPublisher) Snapshot() core.Heartbeat {
	return core.Heartbeat{
		ServiceID:     p.config.ServiceID,
		Role:          p.config.Role,
		LastBeatAt:    time.Now().UnixMilli(),
		ReportedState: p.state.Load().(core.ReportedState),
		Counters: core.HeartbeatCounters{
			MessagesProcessed: p.processed.Load(),
			Errors:            p.errors.Load(),
			QueueDepth:        p.queueDepth.Load(),
		},
	}
}

// Run publishes heartbeats until ctx is cancelled. A final summary is logged
// at shutdown.
func (p *HeartbeatPublisher) Run(ctx context.Context) {
	p.statsMu.Lock()
	p.stats = heartbeatStats{StartedAt: time.Now(), LastSummaryAt: time.Now()}
	p.statsMu.Unlock()

	// Jitter the cadence to distribute load across services
	maxJitter := p.config.Interval.Milliseconds() / 4
	if maxJitter < 1 {
		maxJitter = 1
	}
	jitterMs, _ := rand.Int(rand.Reader, big.NewInt(maxJitter))
	interval := p.config.Interval + time.Duration(jitterMs.Int64())*time.Millisecond

	p.logger.Info("Heartbeat publisher starting", map[string]interface{}{
		"service_id": p.config.ServiceID,
		"role":       string(p.config.Role),
		"interval":   interval.String(),
	})

	// First beat immediately so the monitor sees us before one full interval
	p.beat(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logSummary(true)
			return
		case <-ticker.C:
			p.beat(ctx)
			p.maybeLogSummary()
		}
	}
}

// beat publishes one heartbeat record.
func (p *HeartbeatPublisher) beat(ctx context.Context) {
	hb := p.Snapshot()
	payload, err := json.Marshal(hb)
	if err != nil {
		p.logger.Error("Failed to marshal heartbeat", map[string]interface{}{
			"service_id": p.config.ServiceID,
			"error":      err.Error(),
		})
		return
	}

	_, err = p.substrate.Publish(ctx, core.StreamServiceHeartbeats, payload, core.MaxLenServiceHeartbeats)

	p.statsMu.Lock()
	if err == nil {
		p.stats.SuccessCount++
		p.stats.LastSuccess = time.Now()
	} else {
		p.stats.FailureCount++
		p.stats.LastFailure = time.Now()
	}
	failures := p.stats.FailureCount
	p.statsMu.Unlock()

	if err != nil {
		p.logger.Error("Failed to publish heartbeat", map[string]interface{}{
			"service_id":     p.config.ServiceID,
			"error":          err.Error(),
			"total_failures": failures,
		})
	}
}

// maybeLogSummary logs heartbeat health every 5 minutes.
func (p *HeartbeatPublisher) maybeLogSummary() {
	p.statsMu.Lock()
	shouldLog := time.Since(p.stats.LastSummaryAt) >= 5*time.Minute
	if shouldLog {
		p.stats.LastSummaryAt = time.Now()
	}
	p.statsMu.Unlock()

	if shouldLog {
		p.logSummary(false)
	}
}

// logSummary logs heartbeat statistics.
func (p *HeartbeatPublisher) logSummary(isFinal bool) {
	p.statsMu.Lock()
	snapshot := p.stats
	p.statsMu.Unlock()

	uptime := time.Since(snapshot.StartedAt)
	total := snapshot.SuccessCount + snapshot.FailureCount
	successRate := float64(0)
	if total > 0 {
		successRate = float64(snapshot.SuccessCount) / float64(total) * 100
	}

	logData := map[string]interface{}{
		"service_id":     p.config.ServiceID,
		"role":           string(p.config.Role),
		"success_count":  snapshot.SuccessCount,
		"failure_count":  snapshot.FailureCount,
		"success_rate":   fmt.Sprintf("%.2f%%", successRate),
		"uptime_minutes": int(uptime.Minutes()),
	}
	if !snapshot.LastSuccess.IsZero() {
		logData["time_since_last_success_sec"] = int(time.Since(snapshot.LastSuccess).Seconds())
	}
	if snapshot.FailureCount > 0 && !snapshot.LastFailure.IsZero() {
		logData["time_since_last_failure_sec"] = int(time.Since(snapshot.LastFailure).Seconds())
	}

	if isFinal {
		p.logger.Info("Heartbeat final summary (service shutting down)", logData)
	} else {
		p.logger.Info("Heartbeat health summary", logData)
	}
}

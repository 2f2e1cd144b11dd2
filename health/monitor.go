// Package health classifies regional pipeline health from observed service
// heartbeats. The monitor runs on the active coordinator only; standbys keep
// it idle.
//
// Classification per evaluation:
//   - normal: all registered services fresh, none reporting degraded/failed
//   - partial: at least one but no more than half the services stale or
//     reporting degraded
//   - critical: more than half stale, or any critical-role service
//     (executor, coordinator) stale
//   - complete-outage: every service stale, outside the startup grace window
//
// Transitions in either direction require HysteresisCount consecutive
// evaluations of the same observed level, which suppresses flapping. During
// a substrate outage evaluation halts and the level freezes at its last
// value.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/quantrelay/arbcore/core"
)

// tailDepth is how many heartbeat entries each evaluation folds. With a 1000
// entry retention cap and 5s cadence this always covers the stale window.
const tailDepth = 512

// Transition describes one degradation-level change.
type Transition struct {
	Region        string                `json:"region"`
	From          core.DegradationLevel `json:"from"`
	To            core.DegradationLevel `json:"to"`
	StaleServices []string              `json:"staleServices,omitempty"`
	Reason        string                `json:"reason"`
	At            int64                 `json:"at"` // unix milliseconds
}

// MonitorConfig configures the degradation monitor.
type MonitorConfig struct {
	// Region labels transitions.
	Region string

	// StaleThreshold is the idle duration after which a service is stale
	// (default 30s).
	StaleThreshold time.Duration

	// StartupGracePeriod is the window after activation in which services
	// that have never heartbeated are "starting", not failed (default 120s).
	StartupGracePeriod time.Duration

	// EvalInterval is the evaluation cadence (default 5s).
	EvalInterval time.Duration

	// HysteresisCount is the number of consecutive evaluations required for
	// a level transition in either direction (default 3).
	HysteresisCount int

	// Logger is an optional logger.
	Logger core.Logger `json:"-"`

	// Telemetry receives transition counters.
	Telemetry core.Telemetry `json:"-"`

	// Now overrides the clock for tests.
	Now func() time.Time `json:"-"`
}

// Monitor evaluates registered services' heartbeats and derives the regional
// degradation level.
type Monitor struct {
	substrate core.Substrate
	config    MonitorConfig
	logger    core.Logger
	now       func() time.Time

	mu          sync.Mutex
	services    map[string]core.ServiceRole
	latest      map[string]core.Heartbeat
	warnedIdle  map[string]time.Duration
	prevCounter map[string]core.HeartbeatCounters

	level          core.DegradationLevel
	candidate      core.DegradationLevel
	candidateCount int
	candidateStale []string
	candidateWhy   string

	activatedAt  time.Time
	onTransition []func(ctx context.Context, t Transition)
}

// NewMonitor creates a degradation monitor.
func NewMonitor(sub core.Substrate, config MonitorConfig) *Monitor {
	if config.StaleThreshold <= 0 {
		config.StaleThreshold = 30 * time.Second
	}
	if config.StartupGracePeriod <= 0 {
		config.StartupGracePeriod = 120 * time.Second
	}
	if config.EvalInterval <= 0 {
		config.EvalInterval = 5 * time.Second
	}
	if config.HysteresisCount < 1 {
		config.HysteresisCount = 3
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Telemetry == nil {
		config.Telemetry = &core.NoOpTelemetry{}
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}

	return &Monitor{
		substrate:   sub,
		config:      config,
		logger:      config.Logger,
		now:         now,
		services:    make(map[string]core.ServiceRole),
		latest:      make(map[string]core.Heartbeat),
		warnedIdle:  make(map[string]time.Duration),
		prevCounter: make(map[string]core.HeartbeatCounters),
		level:       core.DegradationNormal,
		candidate:   core.DegradationNormal,
		activatedAt: now(),
	}
}

// RegisterService registers a service the monitor expects heartbeats from.
func (m *Monitor) RegisterService(serviceID string, role core.ServiceRole) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[serviceID] = role
}

// OnTransition registers a hook fired for every level change.
func (m *Monitor) OnTransition(fn func(ctx context.Context, t Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTransition = append(m.onTransition, fn)
}

// Level returns the current classified degradation level.
func (m *Monitor) Level() core.DegradationLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Run evaluates at the configured cadence until ctx is cancelled. The grace
// window restarts at every activation.
func (m *Monitor) Run(ctx context.Context) {
	m.mu.Lock()
	m.activatedAt = m.now()
	m.mu.Unlock()

	m.logger.Info("Degradation monitor starting", map[string]interface{}{
		"region":          m.config.Region,
		"stale_threshold": m.config.StaleThreshold.String(),
		"eval_interval":   m.config.EvalInterval.String(),
		"hysteresis":      m.config.HysteresisCount,
	})

	ticker := time.NewTicker(m.config.EvalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Evaluate(ctx)
		}
	}
}

// Evaluate performs one classification round. On substrate failure the
// current level is frozen and the hysteresis cycle restarts at reconnect.
func (m *Monitor) Evaluate(ctx context.Context) {
	entries, err := m.substrate.Tail(ctx, core.StreamServiceHeartbeats, tailDepth)
	if err != nil {
		m.logger.Warn("Heartbeat read failed, freezing degradation level", map[string]interface{}{
			"region": m.config.Region,
			"level":  string(m.Level()),
			"error":  err.Error(),
		})
		m.mu.Lock()
		m.candidateCount = 0
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.foldHeartbeats(entries)

	now := m.now()
	inGrace := now.Sub(m.activatedAt) < m.config.StartupGracePeriod

	var stale, degraded []string
	starting := 0
	criticalStale := false
	for id, role := range m.services {
		hb, seen := m.latest[id]
		if !seen {
			if inGrace {
				starting++
				continue
			}
			stale = append(stale, id)
			if role.CriticalRole() {
				criticalStale = true
			}
			m.warnStale(id, m.config.StaleThreshold)
			continue
		}

		idle := now.Sub(time.UnixMilli(hb.LastBeatAt))
		if idle > m.config.StaleThreshold {
			stale = append(stale, id)
			if role.CriticalRole() {
				criticalStale = true
			}
			m.warnStale(id, idle)
			continue
		}

		delete(m.warnedIdle, id)
		if hb.ReportedState == core.StateDegraded || hb.ReportedState == core.StateFailed {
			degraded = append(degraded, id)
		}
	}
	sort.Strings(stale)

	observed, reason := m.classify(len(stale), len(degraded), starting, criticalStale, inGrace)

	if starved, why := m.detectStarvation(); starved && observed.Rank() < core.DegradationPartial.Rank() {
		observed = core.DegradationPartial
		reason = why
	}

	m.applyHysteresis(ctx, observed, stale, reason)
}

// foldHeartbeats merges tail entries into the latest-per-service view,
// enforcing monotone lastBeatAt.
func (m *Monitor) foldHeartbeats(entries []core.StreamEntry) {
	for _, e := range entries {
		var hb core.Heartbeat
		if err := json.Unmarshal(e.Data, &hb); err != nil || hb.ServiceID == "" {
			continue
		}
		if prev, ok := m.latest[hb.ServiceID]; !ok || hb.LastBeatAt > prev.LastBeatAt {
			m.latest[hb.ServiceID] = hb
		}
	}
}

// classify maps observed staleness onto the degradation table.
func (m *Monitor) classify(staleCount, degradedCount, starting int, criticalStale, inGrace bool) (core.DegradationLevel, string) {
	total := len(m.services)
	if total == 0 {
		return core.DegradationNormal, "no services registered"
	}

	// complete-outage is unreachable during the grace window
	if staleCount == total && !inGrace {
		return core.DegradationCompleteOutage, "all services stale"
	}

	half := int(math.Ceil(float64(total) / 2))
	impaired := staleCount + degradedCount

	switch {
	case staleCount > half || criticalStale:
		return core.DegradationCritical, fmt.Sprintf("%d/%d services stale (critical role stale: %t)", staleCount, total, criticalStale)
	case impaired >= 1:
		return core.DegradationPartial, fmt.Sprintf("%d/%d services stale or degraded", impaired, total)
	default:
		return core.DegradationNormal, "all services fresh"
	}
}

// detectStarvation reports pipeline starvation: detector counters advancing
// while executor throughput is flat across an evaluation window.
func (m *Monitor) detectStarvation() (bool, string) {
	detectorAdvanced := false
	executorAdvanced := false
	executorSeen := false

	for id, role := range m.services {
		hb, ok := m.latest[id]
		if !ok {
			continue
		}
		prev, hadPrev := m.prevCounter[id]
		m.prevCounter[id] = hb.Counters
		if !hadPrev {
			continue
		}
		delta := hb.Counters.MessagesProcessed - prev.MessagesProcessed
		switch role {
		case core.RoleDetector, core.RolePartition:
			if delta > 0 {
				detectorAdvanced = true
			}
		case core.RoleExecutor:
			executorSeen = true
			if delta > 0 {
				executorAdvanced = true
			}
		}
	}

	if detectorAdvanced && executorSeen && !executorAdvanced {
		return true, "pipeline starvation: detectors advancing, executor throughput flat"
	}
	return false, ""
}

// warnStale logs a stale-service warning, throttled: first detection warns,
// then again only when idle age crosses doubling thresholds of the stale
// threshold (30s, 60s, 120s, ...). Intermediate evaluations log at debug.
func (m *Monitor) warnStale(serviceID string, idle time.Duration) {
	threshold := m.config.StaleThreshold
	for threshold*2 <= idle {
		threshold *= 2
	}

	if last, warned := m.warnedIdle[serviceID]; !warned || threshold > last {
		m.warnedIdle[serviceID] = threshold
		m.logger.Warn("Service heartbeat stale", map[string]interface{}{
			"region":     m.config.Region,
			"service_id": serviceID,
			"idle":       idle.String(),
			"threshold":  threshold.String(),
		})
		return
	}

	m.logger.Debug("Service heartbeat still stale", map[string]interface{}{
		"region":     m.config.Region,
		"service_id": serviceID,
		"idle":       idle.String(),
	})
}

// applyHysteresis requires HysteresisCount consecutive observations of a
// level before committing the transition. Callers must hold m.mu.
func (m *Monitor) applyHysteresis(ctx context.Context, observed core.DegradationLevel, stale []string, reason string) {
	if observed == m.level {
		m.candidate = m.level
		m.candidateCount = 0
		return
	}

	if observed == m.candidate {
		m.candidateCount++
	} else {
		m.candidate = observed
		m.candidateCount = 1
		m.candidateStale = stale
		m.candidateWhy = reason
	}

	if m.candidateCount < m.config.HysteresisCount {
		m.logger.Debug("Degradation transition pending hysteresis", map[string]interface{}{
			"region":    m.config.Region,
			"current":   string(m.level),
			"candidate": string(observed),
			"count":     m.candidateCount,
			"required":  m.config.HysteresisCount,
		})
		return
	}

	t := Transition{
		Region:        m.config.Region,
		From:          m.level,
		To:            observed,
		StaleServices: stale,
		Reason:        reason,
		At:            m.now().UnixMilli(),
	}
	m.level = observed
	m.candidateCount = 0

	m.logger.Warn("Degradation level changed", map[string]interface{}{
		"region": t.Region,
		"from":   string(t.From),
		"to":     string(t.To),
		"reason": t.Reason,
		"stale":  t.StaleServices,
	})
	m.config.Telemetry.Counter("arbcore.degradation.transitions", 1, map[string]string{
		"region": m.config.Region,
		"to":     string(observed),
	})

	hooks := append([]func(context.Context, Transition){}, m.onTransition...)

	// Fire hooks without holding the lock
	m.mu.Unlock()
	for _, fn := range hooks {
		fn(ctx, t)
	}
	m.mu.Lock()
}

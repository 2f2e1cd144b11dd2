package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"encoding/json"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the pipeline services.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
//
// Example usage:
//
//	cfg, err := NewConfig(
//	    WithRegion("us-east"),
//	    WithRedisURL("redis://localhost:6379"),
//	    WithSimulationMode(true),
//	)
type Config struct {
	// Core identity
	InstanceID string `json:"instance_id" yaml:"instance_id"`
	Region     string `json:"region" yaml:"region"`

	Redis     RedisConfig     `json:"redis" yaml:"redis"`
	Streams   StreamsConfig   `json:"streams" yaml:"streams"`
	Election  ElectionConfig  `json:"election" yaml:"election"`
	Health    HealthConfig    `json:"health" yaml:"health"`
	Forwarder ForwarderConfig `json:"forwarder" yaml:"forwarder"`
	Executor  ExecutorConfig  `json:"executor" yaml:"executor"`
	Shutdown  ShutdownConfig  `json:"shutdown" yaml:"shutdown"`

	// fileErr defers a WithConfigFile failure so NewConfig can surface it
	// after all options run.
	fileErr error
}

// RedisConfig contains substrate connection settings.
type RedisConfig struct {
	URL string `json:"url" yaml:"url"`
}

// StreamsConfig contains reader and retention settings shared by every
// consumer loop.
type StreamsConfig struct {
	BlockTime time.Duration `json:"block_ms" yaml:"block_ms"`
	BatchSize int64         `json:"batch_size" yaml:"batch_size"`

	// MaxLen overrides the per-stream retention caps; zero keeps the
	// topology defaults from constants.go.
	MaxLen map[string]int64 `json:"max_len,omitempty" yaml:"max_len,omitempty"`
}

// ElectionConfig contains leader-lease settings.
type ElectionConfig struct {
	LeaseTTL      time.Duration `json:"lease_ttl_ms" yaml:"lease_ttl_ms"`
	RenewInterval time.Duration `json:"lease_renew_interval_ms" yaml:"lease_renew_interval_ms"`
	RetryInterval time.Duration `json:"retry_interval_ms" yaml:"retry_interval_ms"`

	// HeartbeatInterval is the per-service heartbeat publication cadence.
	HeartbeatInterval time.Duration `json:"heartbeat_interval_ms" yaml:"heartbeat_interval_ms"`
}

// HealthConfig contains degradation-classifier settings.
type HealthConfig struct {
	StaleThreshold     time.Duration `json:"stale_heartbeat_threshold_ms" yaml:"stale_heartbeat_threshold_ms"`
	StartupGracePeriod time.Duration `json:"startup_grace_period_ms" yaml:"startup_grace_period_ms"`
	EvalInterval       time.Duration `json:"eval_interval_ms" yaml:"eval_interval_ms"`
	HysteresisCount    int           `json:"hysteresis_count" yaml:"hysteresis_count"`
}

// ForwarderConfig contains coordinator-forwarder settings.
type ForwarderConfig struct {
	BatchSize int64         `json:"batch_size" yaml:"batch_size"`
	BlockTime time.Duration `json:"block_ms" yaml:"block_ms"`
}

// ExecutorConfig contains execution-dispatcher settings.
type ExecutorConfig struct {
	MaxInFlight        int           `json:"max_in_flight" yaml:"max_in_flight"`
	OpportunityLockTTL time.Duration `json:"opportunity_lock_ttl_ms" yaml:"opportunity_lock_ttl_ms"`
	DuplicateCacheSize int           `json:"duplicate_cache_size" yaml:"duplicate_cache_size"`

	// ClaimInterval and ClaimMinIdle control the sweep that adopts pending
	// entries abandoned by crashed peers.
	ClaimInterval time.Duration `json:"claim_interval_ms" yaml:"claim_interval_ms"`
	ClaimMinIdle  time.Duration `json:"claim_min_idle_ms" yaml:"claim_min_idle_ms"`

	Simulation SimulationConfig `json:"simulation" yaml:"simulation"`
}

// SimulationConfig contains the process-wide simulation-mode knobs. When
// Enabled, every strategy short-circuits to a synthetic result after shape
// validation: no RPC, no on-chain effects.
type SimulationConfig struct {
	Enabled        bool          `json:"enabled" yaml:"enabled"`
	SuccessRate    float64       `json:"success_rate" yaml:"success_rate"`
	Latency        time.Duration `json:"latency_ms" yaml:"latency_ms"`
	ProfitVariance float64       `json:"profit_variance" yaml:"profit_variance"`

	// Seed pins the synthetic outcome sequence for tests; zero seeds from
	// entropy.
	Seed int64 `json:"seed,omitempty" yaml:"seed,omitempty"`
}

// ShutdownConfig contains per-task shutdown budgets.
type ShutdownConfig struct {
	WorkerBudget    time.Duration `json:"worker_budget_ms" yaml:"worker_budget_ms"`
	ReaderBudget    time.Duration `json:"reader_budget_ms" yaml:"reader_budget_ms"`
	HeartbeatBudget time.Duration `json:"heartbeat_budget_ms" yaml:"heartbeat_budget_ms"`
}

// Option is a functional option for Config.
type Option func(*Config)

// WithInstanceID sets the service instance id.
func WithInstanceID(id string) Option {
	return func(c *Config) { c.InstanceID = id }
}

// WithRegion sets the coordination region.
func WithRegion(region string) Option {
	return func(c *Config) { c.Region = region }
}

// WithRedisURL sets the substrate connection URL.
func WithRedisURL(url string) Option {
	return func(c *Config) { c.Redis.URL = url }
}

// WithSimulationMode toggles the process-wide simulation flag.
func WithSimulationMode(enabled bool) Option {
	return func(c *Config) { c.Executor.Simulation.Enabled = enabled }
}

// WithMaxInFlight sets the executor worker-pool size.
func WithMaxInFlight(n int) Option {
	return func(c *Config) { c.Executor.MaxInFlight = n }
}

// WithConfigFile loads a JSON or YAML configuration file over the defaults.
// Later options still win over file values.
func WithConfigFile(path string) Option {
	return func(c *Config) {
		// Errors surface at Validate time via the sentinel below.
		if err := c.loadFile(path); err != nil {
			c.fileErr = err
		}
	}
}

// DefaultConfig returns the documented defaults for every option.
func DefaultConfig() *Config {
	return &Config{
		Region: "default",
		Streams: StreamsConfig{
			BlockTime: 100 * time.Millisecond,
			BatchSize: 10,
		},
		Election: ElectionConfig{
			LeaseTTL:          30 * time.Second,
			RenewInterval:     10 * time.Second,
			RetryInterval:     5 * time.Second,
			HeartbeatInterval: 5 * time.Second,
		},
		Health: HealthConfig{
			StaleThreshold:     30 * time.Second,
			StartupGracePeriod: 120 * time.Second,
			EvalInterval:       5 * time.Second,
			HysteresisCount:    3,
		},
		Forwarder: ForwarderConfig{
			BatchSize: 10,
			BlockTime: 100 * time.Millisecond,
		},
		Executor: ExecutorConfig{
			MaxInFlight:        16,
			OpportunityLockTTL: 60 * time.Second,
			DuplicateCacheSize: 10000,
			ClaimInterval:      30 * time.Second,
			ClaimMinIdle:       90 * time.Second,
			Simulation: SimulationConfig{
				SuccessRate:    1.0,
				Latency:        50 * time.Millisecond,
				ProfitVariance: 0.1,
			},
		},
		Shutdown: ShutdownConfig{
			WorkerBudget:    5 * time.Second,
			ReaderBudget:    2 * time.Second,
			HeartbeatBudget: 1 * time.Second,
		},
	}
}

// NewConfig builds a Config from defaults, environment and options, then
// validates it.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	cfg.applyEnvironment()

	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.fileErr != nil {
		return nil, fmt.Errorf("failed to load config file: %w", cfg.fileErr)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvironment overlays ARBCORE_* environment variables.
func (c *Config) applyEnvironment() {
	if v := os.Getenv("ARBCORE_INSTANCE_ID"); v != "" {
		c.InstanceID = v
	}
	if v := os.Getenv("ARBCORE_REGION"); v != "" {
		c.Region = v
	}
	if v := os.Getenv("ARBCORE_REDIS_URL"); v != "" {
		c.Redis.URL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}

	envDuration("ARBCORE_LEASE_TTL_MS", &c.Election.LeaseTTL)
	envDuration("ARBCORE_LEASE_RENEW_INTERVAL_MS", &c.Election.RenewInterval)
	envDuration("ARBCORE_LEASE_RETRY_INTERVAL_MS", &c.Election.RetryInterval)
	envDuration("ARBCORE_HEARTBEAT_INTERVAL_MS", &c.Election.HeartbeatInterval)
	envDuration("ARBCORE_STALE_HEARTBEAT_THRESHOLD_MS", &c.Health.StaleThreshold)
	envDuration("ARBCORE_STARTUP_GRACE_PERIOD_MS", &c.Health.StartupGracePeriod)
	envDuration("ARBCORE_EVAL_INTERVAL_MS", &c.Health.EvalInterval)
	envInt("ARBCORE_HYSTERESIS_COUNT", &c.Health.HysteresisCount)
	envInt("ARBCORE_MAX_IN_FLIGHT", &c.Executor.MaxInFlight)
	envDuration("ARBCORE_OPPORTUNITY_LOCK_TTL_MS", &c.Executor.OpportunityLockTTL)
	envDuration("ARBCORE_STREAM_BLOCK_MS", &c.Streams.BlockTime)
	envInt64("ARBCORE_STREAM_BATCH_SIZE", &c.Streams.BatchSize)

	if v := os.Getenv("ARBCORE_SIMULATION_MODE"); v != "" {
		c.Executor.Simulation.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("ARBCORE_SIMULATION_SUCCESS_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Executor.Simulation.SuccessRate = f
		}
	}
	envDuration("ARBCORE_SIMULATION_LATENCY_MS", &c.Executor.Simulation.Latency)
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			*dst = time.Duration(ms) * time.Millisecond
		}
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func envInt64(name string, dst *int64) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			*dst = n
		}
	}
}

// loadFile overlays values from a JSON or YAML file.
func (c *Config) loadFile(path string) error {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config file extension %q: %w", ext, ErrInvalidConfiguration)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	switch ext {
	case ".json":
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse JSON config %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse YAML config %s: %w", path, err)
		}
	}
	return nil
}

// Validate checks cross-field constraints. Invalid configuration maps to
// process exit code ExitBadConfig.
func (c *Config) Validate() error {
	if c.Redis.URL == "" {
		return fmt.Errorf("redis URL is required: %w", ErrMissingConfiguration)
	}
	if c.Region == "" {
		return fmt.Errorf("region is required: %w", ErrMissingConfiguration)
	}
	if c.Election.LeaseTTL <= 0 {
		return fmt.Errorf("lease TTL must be positive: %w", ErrInvalidConfiguration)
	}
	if c.Election.RenewInterval >= c.Election.LeaseTTL {
		return fmt.Errorf("renew interval %v must be below lease TTL %v: %w",
			c.Election.RenewInterval, c.Election.LeaseTTL, ErrInvalidConfiguration)
	}
	if c.Health.HysteresisCount < 1 {
		return fmt.Errorf("hysteresis count must be at least 1: %w", ErrInvalidConfiguration)
	}
	if c.Executor.MaxInFlight < 1 {
		return fmt.Errorf("max in-flight must be at least 1: %w", ErrInvalidConfiguration)
	}
	if sr := c.Executor.Simulation.SuccessRate; sr < 0 || sr > 1 {
		return fmt.Errorf("simulation success rate %f out of range [0,1]: %w", sr, ErrInvalidConfiguration)
	}
	return nil
}

// MaxLenFor returns the retention cap for a stream, honoring per-stream
// overrides.
func (c *Config) MaxLenFor(stream string) int64 {
	if c.Streams.MaxLen != nil {
		if v, ok := c.Streams.MaxLen[stream]; ok && v > 0 {
			return v
		}
	}
	switch stream {
	case StreamOpportunities:
		return MaxLenOpportunities
	case StreamExecutionRequests:
		return MaxLenExecutionRequests
	case StreamExecutionResults:
		return MaxLenExecutionResults
	case StreamServiceHeartbeats:
		return MaxLenServiceHeartbeats
	case StreamCoordinatorEvents:
		return MaxLenCoordinatorEvents
	case StreamForwardingDLQ, StreamExecutionDLQ:
		return MaxLenDLQ
	default:
		return MaxLenExecutionResults
	}
}

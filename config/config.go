// Package config loads mcpbusd configuration from a TOML file with
// environment overrides.
//
// Values are resolved in three layers: built-in defaults, the TOML file,
// then MCPBUS_-prefixed environment variables. Section names in the file
// match the environment prefixes, so [store] path is MCPBUS_STORE_PATH.
package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"github.com/vinayprograms/mcpbus/agent"
	"github.com/vinayprograms/mcpbus/breaker"
	"github.com/vinayprograms/mcpbus/bus"
	"github.com/vinayprograms/mcpbus/coordinator"
	"github.com/vinayprograms/mcpbus/heartbeat"
	"github.com/vinayprograms/mcpbus/idempotency"
	"github.com/vinayprograms/mcpbus/logging"
	"github.com/vinayprograms/mcpbus/mcp"
	"github.com/vinayprograms/mcpbus/ratelimit"
	"github.com/vinayprograms/mcpbus/retry"
	"github.com/vinayprograms/mcpbus/store"
	"github.com/vinayprograms/mcpbus/telemetry"
	"github.com/vinayprograms/mcpbus/workflow"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MCPBUS_"

// ErrInvalidConfig indicates invalid configuration.
var ErrInvalidConfig = stderrors.New("invalid configuration")

// Store backends.
const (
	BackendMemory    = "memory"
	BackendBolt      = "bolt"
	BackendPostgres  = "postgres"
	BackendRedis     = "redis"
	BackendJetStream = "jetstream"
)

// Config is the complete daemon configuration.
type Config struct {
	Bus         BusSection         `toml:"bus" envPrefix:"BUS_"`
	Breaker     BreakerSection     `toml:"breaker" envPrefix:"BREAKER_"`
	RateLimit   RateLimitSection   `toml:"ratelimit" envPrefix:"RATELIMIT_"`
	Retry       RetrySection       `toml:"retry" envPrefix:"RETRY_"`
	Idempotency IdempotencySection `toml:"idempotency" envPrefix:"IDEMPOTENCY_"`
	Store       StoreSection       `toml:"store" envPrefix:"STORE_"`
	Mirror      MirrorSection      `toml:"mirror" envPrefix:"MIRROR_"`
	Telemetry   TelemetrySection   `toml:"telemetry" envPrefix:"TELEMETRY_"`
	Monitor     MonitorSection     `toml:"monitor" envPrefix:"MONITOR_"`
	Log         logging.Config     `toml:"log" envPrefix:"LOG_"`
	Workflow    WorkflowSection    `toml:"workflow" envPrefix:"WORKFLOW_"`
	Coordinator CoordinatorSection `toml:"coordinator" envPrefix:"COORDINATOR_"`
}

// BusSection extends the bus settings with heartbeat tracking.
type BusSection struct {
	bus.Config

	// HeartbeatTimeout marks agents offline after this much silence.
	// Default: 15 seconds
	HeartbeatTimeout time.Duration `toml:"heartbeat_timeout" env:"HEARTBEAT_TIMEOUT"`

	// HeartbeatCheck is how often liveness is evaluated.
	// Default: 1 second
	HeartbeatCheck time.Duration `toml:"heartbeat_check" env:"HEARTBEAT_CHECK"`
}

// BreakerSection configures per-target circuit breakers.
type BreakerSection struct {
	FailureThreshold uint32        `toml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	Cooldown         time.Duration `toml:"cooldown" env:"COOLDOWN"`
}

// RateLimitSection configures per-target token buckets.
type RateLimitSection struct {
	Rate     float64       `toml:"rate" env:"RATE"`
	Capacity int           `toml:"capacity" env:"CAPACITY"`
	MaxWait  time.Duration `toml:"max_wait" env:"MAX_WAIT"`

	// Costs maps priority names to token cost.
	Costs map[string]int `toml:"costs" env:"COSTS"`
}

// RetrySection is the default retry policy for agent commands.
type RetrySection struct {
	MaxRetries int           `toml:"max_retries" env:"MAX_RETRIES"`
	BaseDelay  time.Duration `toml:"base_delay" env:"BASE_DELAY"`
	MaxDelay   time.Duration `toml:"max_delay" env:"MAX_DELAY"`
	Jitter     float64       `toml:"jitter" env:"JITTER"`
}

// IdempotencySection configures agent outcome caches.
type IdempotencySection struct {
	Retention     time.Duration `toml:"retention" env:"RETENTION"`
	SweepInterval time.Duration `toml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

// StoreSection selects and configures the message store.
type StoreSection struct {
	// Backend is memory, bolt, postgres, redis or jetstream.
	// Default: bolt
	Backend string `toml:"backend" env:"BACKEND"`

	// Path is the bbolt database file.
	Path string `toml:"path" env:"PATH"`

	// DSN is the Postgres connection string.
	DSN string `toml:"dsn" env:"DSN"`

	// RedisAddr is the Redis server address.
	RedisAddr string `toml:"redis_addr" env:"REDIS_ADDR"`

	// NATSURL is the NATS server for the JetStream backend.
	NATSURL string `toml:"nats_url" env:"NATS_URL"`

	// Bucket is the JetStream KV bucket or the Redis key prefix.
	Bucket string `toml:"bucket" env:"BUCKET"`

	// MinPriority persists messages at or above this priority.
	MinPriority string `toml:"min_priority" env:"MIN_PRIORITY"`

	// Types are persisted regardless of priority.
	Types []string `toml:"types" env:"TYPES"`
}

// MirrorSection configures optional copies of bus traffic.
type MirrorSection struct {
	// NATSURL enables the NATS mirror when set.
	NATSURL string `toml:"nats_url" env:"NATS_URL"`

	// SubjectPrefix prefixes mirrored subjects.
	SubjectPrefix string `toml:"subject_prefix" env:"SUBJECT_PREFIX"`

	// RedisAddr enables the Redis stream mirror when set.
	RedisAddr string `toml:"redis_addr" env:"REDIS_ADDR"`

	// RedisStream is the stream key.
	RedisStream string `toml:"redis_stream" env:"REDIS_STREAM"`

	// RedisMaxLen trims the stream approximately (0 keeps everything).
	RedisMaxLen int64 `toml:"redis_max_len" env:"REDIS_MAX_LEN"`
}

// TelemetrySection configures OpenTelemetry export.
type TelemetrySection struct {
	telemetry.ProviderConfig

	// Enabled turns on span export.
	Enabled bool `toml:"enabled" env:"ENABLED"`

	// Audit writes a record of every admitted or rejected message.
	Audit telemetry.AuditConfig `toml:"audit" envPrefix:"AUDIT_"`
}

// MonitorSection configures the HTTP monitor.
type MonitorSection struct {
	// Addr is the listen address. Empty disables the monitor.
	// Default: ":8080"
	Addr string `toml:"addr" env:"ADDR"`
}

// WorkflowSection configures the workflow engine.
type WorkflowSection struct {
	// ArchiveSize bounds retained terminal workflows.
	ArchiveSize int `toml:"archive_size" env:"ARCHIVE_SIZE"`

	// Checkpoints is memory, bolt or jetstream.
	// Default: bolt
	Checkpoints string `toml:"checkpoints" env:"CHECKPOINTS"`

	// CheckpointPath is the bbolt file for checkpoints.
	CheckpointPath string `toml:"checkpoint_path" env:"CHECKPOINT_PATH"`

	// StageRetries is the number of retries per failed stage.
	StageRetries int `toml:"stage_retries" env:"STAGE_RETRIES"`

	// StageRetryDelay is the delay before the first stage retry.
	StageRetryDelay time.Duration `toml:"stage_retry_delay" env:"STAGE_RETRY_DELAY"`
}

// CoordinatorSection configures the central agent.
type CoordinatorSection struct {
	// ID is the coordinator's bus address.
	// Default: "central"
	ID string `toml:"id" env:"ID"`

	// HeartbeatInterval for every agent the daemon hosts.
	HeartbeatInterval time.Duration `toml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`

	// RequestTimeout bounds each command sent by an agent.
	RequestTimeout time.Duration `toml:"request_timeout" env:"REQUEST_TIMEOUT"`

	// Pipeline replaces the default content pipeline when set.
	Pipeline []coordinator.StageSpec `toml:"pipeline"`

	// DemoAgents starts echo agents for every pipeline stage.
	DemoAgents bool `toml:"demo_agents" env:"DEMO_AGENTS"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	bc := breaker.DefaultConfig()
	rc := ratelimit.DefaultConfig()
	rp := retry.DefaultPolicy()
	ic := idempotency.DefaultConfig()
	mc := heartbeat.DefaultMonitorConfig()
	wc := workflow.DefaultConfig()
	ac := agent.DefaultConfig()

	costs := make(map[string]int, len(rc.Costs))
	for p, n := range rc.Costs {
		costs[string(p)] = n
	}

	return &Config{
		Bus: BusSection{
			Config:           bus.DefaultConfig(),
			HeartbeatTimeout: mc.Timeout,
			HeartbeatCheck:   mc.CheckInterval,
		},
		Breaker: BreakerSection{
			FailureThreshold: bc.FailureThreshold,
			Cooldown:         bc.Cooldown,
		},
		RateLimit: RateLimitSection{
			Rate:     rc.Rate,
			Capacity: rc.Capacity,
			MaxWait:  rc.MaxWait,
			Costs:    costs,
		},
		Retry: RetrySection{
			MaxRetries: rp.MaxRetries,
			BaseDelay:  rp.BaseDelay,
			MaxDelay:   rp.MaxDelay,
			Jitter:     rp.Jitter,
		},
		Idempotency: IdempotencySection{
			Retention:     ic.Retention,
			SweepInterval: ic.SweepInterval,
		},
		Store: StoreSection{
			Backend:     BackendBolt,
			Path:        store.DefaultBoltConfig().Path,
			Bucket:      store.DefaultJetStreamConfig().Bucket,
			MinPriority: string(store.DefaultPolicy().MinPriority),
			Types:       []string{string(mcp.TypeCommand)},
		},
		Mirror: MirrorSection{
			SubjectPrefix: bus.DefaultNATSConfig().SubjectPrefix,
			RedisStream:   "mcp:stream",
		},
		Monitor: MonitorSection{Addr: ":8080"},
		Log:     logging.Config{Level: "info", Format: "console"},
		Workflow: WorkflowSection{
			ArchiveSize:     wc.ArchiveSize,
			Checkpoints:     BackendBolt,
			CheckpointPath:  workflow.DefaultBoltCheckpointsConfig().Path,
			StageRetries:    wc.Retry.MaxRetries,
			StageRetryDelay: wc.Retry.BaseDelay,
		},
		Coordinator: CoordinatorSection{
			ID:                coordinator.DefaultConfig().Agent.ID,
			HeartbeatInterval: ac.HeartbeatInterval,
			RequestTimeout:    ac.RequestTimeout,
		},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.decode(string(content)); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse reads TOML content over the defaults without consulting the
// environment.
func Parse(content string) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(content); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(content string) error {
	md, err := toml.Decode(content, c)
	if err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("%w: unknown key %q", ErrInvalidConfig, undecoded[0].String())
	}
	return nil
}

// ApplyEnv overrides fields from MCPBUS_ environment variables.
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	return nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendBolt:
	case BackendPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("%w: store.dsn required for postgres", ErrInvalidConfig)
		}
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("%w: store.redis_addr required for redis", ErrInvalidConfig)
		}
	case BackendJetStream:
		if c.Store.NATSURL == "" {
			return fmt.Errorf("%w: store.nats_url required for jetstream", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, c.Store.Backend)
	}

	switch c.Workflow.Checkpoints {
	case BackendMemory, BackendBolt:
	case BackendJetStream:
		if c.Store.NATSURL == "" && c.Mirror.NATSURL == "" {
			return fmt.Errorf("%w: jetstream checkpoints need store.nats_url or mirror.nats_url", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown checkpoint store %q", ErrInvalidConfig, c.Workflow.Checkpoints)
	}

	if err := c.Telemetry.Audit.Validate(); err != nil {
		return fmt.Errorf("%w: telemetry.audit: %v", ErrInvalidConfig, err)
	}

	if c.Store.MinPriority != "" && !mcp.Priority(c.Store.MinPriority).Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidConfig, c.Store.MinPriority)
	}
	for _, t := range c.Store.Types {
		if !mcp.MessageType(t).Valid() {
			return fmt.Errorf("%w: unknown message type %q in store.types", ErrInvalidConfig, t)
		}
	}
	for name := range c.RateLimit.Costs {
		if !mcp.Priority(name).Valid() {
			return fmt.Errorf("%w: unknown priority %q in ratelimit.costs", ErrInvalidConfig, name)
		}
	}
	if mode := ratelimit.ParseMode(string(c.Bus.RateLimitMode)); mode != c.Bus.RateLimitMode {
		return fmt.Errorf("%w: unknown rate_limit_mode %q", ErrInvalidConfig, c.Bus.RateLimitMode)
	}
	if _, ok := logging.ParseLevel(c.Log.Level); !ok {
		return fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, c.Log.Level)
	}

	rl := c.RateLimitConfig()
	if err := rl.Validate(); err != nil {
		return err
	}
	wc := c.WorkflowConfig()
	if err := wc.Validate(); err != nil {
		return err
	}
	cc := c.CoordinatorConfig()
	return cc.Validate()
}

// BusConfig returns the bus configuration including the persistence policy.
func (c *Config) BusConfig() bus.Config {
	bc := c.Bus.Config
	bc.Persist = c.StorePolicy()
	return bc
}

// MonitorConfig returns the heartbeat monitor configuration for b.
func (c *Config) MonitorConfig(b heartbeat.Bus, log *logging.Logger) heartbeat.MonitorConfig {
	return heartbeat.MonitorConfig{
		Bus:           b,
		Timeout:       c.Bus.HeartbeatTimeout,
		CheckInterval: c.Bus.HeartbeatCheck,
		Logger:        log,
	}
}

// BreakerConfig returns the breaker set configuration.
func (c *Config) BreakerConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold: c.Breaker.FailureThreshold,
		Cooldown:         c.Breaker.Cooldown,
	}
}

// RateLimitConfig returns the limiter configuration.
func (c *Config) RateLimitConfig() ratelimit.Config {
	rc := ratelimit.DefaultConfig()
	rc.Rate = c.RateLimit.Rate
	rc.Capacity = c.RateLimit.Capacity
	rc.MaxWait = c.RateLimit.MaxWait
	for name, n := range c.RateLimit.Costs {
		rc.Costs[mcp.Priority(name)] = n
	}
	return rc
}

// RetryPolicy returns the default command retry policy.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries: c.Retry.MaxRetries,
		BaseDelay:  c.Retry.BaseDelay,
		MaxDelay:   c.Retry.MaxDelay,
		Jitter:     c.Retry.Jitter,
	}
}

// IdempotencyConfig returns the outcome cache configuration.
func (c *Config) IdempotencyConfig() idempotency.Config {
	return idempotency.Config{
		Retention:     c.Idempotency.Retention,
		SweepInterval: c.Idempotency.SweepInterval,
	}
}

// StorePolicy returns the persistence policy.
func (c *Config) StorePolicy() store.Policy {
	p := store.Policy{MinPriority: mcp.Priority(c.Store.MinPriority)}
	for _, t := range c.Store.Types {
		p.Types = append(p.Types, mcp.MessageType(t))
	}
	return p
}

// WorkflowConfig returns the engine configuration.
func (c *Config) WorkflowConfig() workflow.Config {
	wc := workflow.DefaultConfig()
	wc.ArchiveSize = c.Workflow.ArchiveSize
	wc.Retry.MaxRetries = c.Workflow.StageRetries
	wc.Retry.BaseDelay = c.Workflow.StageRetryDelay
	return wc
}

// AgentConfig returns configuration for a hosted agent with the given ID.
func (c *Config) AgentConfig(id string) agent.Config {
	ac := agent.DefaultConfig()
	ac.ID = id
	ac.HeartbeatInterval = c.Coordinator.HeartbeatInterval
	ac.RequestTimeout = c.Coordinator.RequestTimeout
	ac.Retry = c.RetryPolicy()
	return ac
}

// CoordinatorConfig returns the central agent configuration.
func (c *Config) CoordinatorConfig() coordinator.Config {
	cc := coordinator.DefaultConfig()
	cc.Agent = c.AgentConfig(c.Coordinator.ID)
	if len(c.Coordinator.Pipeline) > 0 {
		cc.Pipeline = c.Coordinator.Pipeline
	}
	return cc
}

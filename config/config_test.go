package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/mcpbus/mcp"
	"github.com/vinayprograms/mcpbus/ratelimit"
)

const sample = `
[bus]
history_size = 50
command_timeout = "10s"
rate_limit_mode = "block"
heartbeat_timeout = "45s"

[breaker]
failure_threshold = 3
cooldown = "1m"

[ratelimit]
rate = 5.0
capacity = 20
max_wait = "500ms"

[ratelimit.costs]
low = 8

[store]
backend = "memory"
min_priority = "critical"
types = ["command", "state_update"]

[workflow]
checkpoints = "memory"
stage_retries = 1
stage_retry_delay = "250ms"

[coordinator]
id = "hub"

[[coordinator.pipeline]]
name = "script_creation"
agent = "writer"
action = "write"
timeout = "30s"

[telemetry.audit]
protocol = "file"
endpoint = "/var/log/mcpbusd/audit.jsonl"
flush_interval = "2s"

[log]
level = "debug"
format = "json"
`

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, BackendBolt, cfg.Store.Backend)
	assert.Equal(t, ratelimit.ModeFailFast, cfg.BusConfig().RateLimitMode)
	assert.Equal(t, "central", cfg.CoordinatorConfig().Agent.ID)
	assert.Len(t, cfg.CoordinatorConfig().Pipeline, 5)
}

func TestParse(t *testing.T) {
	cfg, err := Parse(sample)
	require.NoError(t, err)

	bc := cfg.BusConfig()
	assert.Equal(t, 50, bc.HistorySize)
	assert.Equal(t, 10*time.Second, bc.CommandTimeout)
	assert.Equal(t, ratelimit.ModeBlock, bc.RateLimitMode)
	assert.Equal(t, 256, bc.LaneBuffer, "unset keys keep defaults")
	assert.Equal(t, mcp.PriorityCritical, bc.Persist.MinPriority)
	assert.Equal(t, []mcp.MessageType{mcp.TypeCommand, mcp.TypeStateUpdate}, bc.Persist.Types)

	assert.Equal(t, 45*time.Second, cfg.Bus.HeartbeatTimeout)
	assert.Equal(t, uint32(3), cfg.BreakerConfig().FailureThreshold)
	assert.Equal(t, time.Minute, cfg.BreakerConfig().Cooldown)

	rl := cfg.RateLimitConfig()
	assert.Equal(t, 5.0, rl.Rate)
	assert.Equal(t, 20, rl.Capacity)
	assert.Equal(t, 8, rl.Costs[mcp.PriorityLow])
	assert.Equal(t, 2, rl.Costs[mcp.PriorityNormal])

	wc := cfg.WorkflowConfig()
	assert.Equal(t, 1, wc.Retry.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, wc.Retry.BaseDelay)

	cc := cfg.CoordinatorConfig()
	assert.Equal(t, "hub", cc.Agent.ID)
	require.Len(t, cc.Pipeline, 1)
	assert.Equal(t, "writer", cc.Pipeline[0].Agent)
	assert.Equal(t, 30*time.Second, cc.Pipeline[0].Timeout)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	assert.Equal(t, "file", cfg.Telemetry.Audit.Protocol)
	assert.Equal(t, "/var/log/mcpbusd/audit.jsonl", cfg.Telemetry.Audit.Endpoint)
	assert.Equal(t, 2*time.Second, cfg.Telemetry.Audit.FlushInterval)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown key", "[bus]\nhistroy_size = 5\n"},
		{"unknown backend", "[store]\nbackend = \"sqlite\"\n"},
		{"postgres without dsn", "[store]\nbackend = \"postgres\"\n"},
		{"redis without addr", "[store]\nbackend = \"redis\"\n"},
		{"jetstream checkpoints without nats", "[workflow]\ncheckpoints = \"jetstream\"\n"},
		{"bad priority", "[store]\nmin_priority = \"urgent\"\n"},
		{"bad cost priority", "[ratelimit.costs]\nurgent = 1\n"},
		{"bad mode", "[bus]\nrate_limit_mode = \"queue\"\n"},
		{"bad level", "[log]\nlevel = \"loud\"\n"},
		{"audit without endpoint", "[telemetry.audit]\nprotocol = \"http\"\n"},
		{"unknown audit protocol", "[telemetry.audit]\nprotocol = \"syslog\"\n"},
		{"inverted costs", "[ratelimit.costs]\ncritical = 9\n"},
		{"empty stage", "[[coordinator.pipeline]]\nname = \"x\"\n"},
		{"syntax", "[bus\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.content)
			assert.Error(t, err)
		})
	}
}

func TestLoadAppliesEnvOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcpbusd.toml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	t.Setenv("MCPBUS_BUS_HISTORY_SIZE", "75")
	t.Setenv("MCPBUS_STORE_BACKEND", "redis")
	t.Setenv("MCPBUS_STORE_REDIS_ADDR", "localhost:6379")
	t.Setenv("MCPBUS_RATELIMIT_COSTS", "low:6,normal:3")
	t.Setenv("MCPBUS_LOG_LEVEL", "warn")
	t.Setenv("MCPBUS_TELEMETRY_ENABLED", "true")
	t.Setenv("MCPBUS_TELEMETRY_ENDPOINT", "collector:4317")
	t.Setenv("MCPBUS_TELEMETRY_AUDIT_PROTOCOL", "http")
	t.Setenv("MCPBUS_TELEMETRY_AUDIT_ENDPOINT", "http://audit:8081/records")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 75, cfg.Bus.HistorySize)
	assert.Equal(t, 10*time.Second, cfg.Bus.CommandTimeout, "file value survives")
	assert.Equal(t, BackendRedis, cfg.Store.Backend)
	assert.Equal(t, "localhost:6379", cfg.Store.RedisAddr)
	assert.Equal(t, 6, cfg.RateLimitConfig().Costs[mcp.PriorityLow])
	assert.Equal(t, 3, cfg.RateLimitConfig().Costs[mcp.PriorityNormal])
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "collector:4317", cfg.Telemetry.Endpoint)
	assert.Equal(t, "http", cfg.Telemetry.Audit.Protocol)
	assert.Equal(t, "http://audit:8081/records", cfg.Telemetry.Audit.Endpoint)
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("MCPBUS_MONITOR_ADDR", "127.0.0.1:9000")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Monitor.Addr)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestAgentConfig(t *testing.T) {
	cfg := Default()
	cfg.Coordinator.HeartbeatInterval = 2 * time.Second
	cfg.Retry.MaxRetries = 7

	ac := cfg.AgentConfig("visual-agent")
	assert.Equal(t, "visual-agent", ac.ID)
	assert.Equal(t, 2*time.Second, ac.HeartbeatInterval)
	assert.Equal(t, 7, ac.Retry.MaxRetries)
}

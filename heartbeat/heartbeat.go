package heartbeat

import (
	"context"
	"errors"
	"time"

	"github.com/vinayprograms/mcpbus/bus"
	"github.com/vinayprograms/mcpbus/logging"
	"github.com/vinayprograms/mcpbus/mcp"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("heartbeat already started")
	ErrNotStarted     = errors.New("heartbeat not started")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

const (
	// Topic is the default target of heartbeat messages.
	Topic = "heartbeat"

	// SystemTopic receives agent liveness events.
	SystemTopic = "system"

	// MonitorID is the source of liveness events.
	MonitorID = "heartbeat-monitor"

	EventAgentOffline = "agent_offline"
	EventAgentOnline  = "agent_online"

	StatusOffline = "offline"
)

// Publisher publishes messages on the bus.
type Publisher interface {
	Publish(ctx context.Context, m *mcp.Message) (string, error)
}

// Bus is the part of the message bus a Monitor needs.
type Bus interface {
	Publisher
	SubscribeType(t mcp.MessageType, h bus.Handler) (*bus.Subscription, error)
}

// AgentStatus is the last known liveness of an agent.
type AgentStatus struct {
	AgentID       string            `json:"agent_id"`
	Status        string            `json:"status"`
	Load          float64           `json:"load"`
	Version       string            `json:"version,omitempty"`
	UptimeSeconds int64             `json:"uptime_seconds,omitempty"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	Online        bool              `json:"online"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Sender sends periodic heartbeats.
type Sender interface {
	// Start begins sending heartbeats at the configured interval.
	// Returns ErrAlreadyStarted if already running.
	Start(ctx context.Context) error

	// SetStatus updates the status included in heartbeats.
	SetStatus(status string)

	// SetLoad updates the load metric (0.0 to 1.0).
	SetLoad(load float64)

	// SetMetadata updates a metadata field.
	SetMetadata(key, value string)

	// Stop stops sending heartbeats.
	// Returns ErrNotStarted if not running.
	Stop() error
}

// Monitor tracks agent heartbeats and detects silent agents.
type Monitor interface {
	// Start subscribes to heartbeats and starts the offline checker.
	Start(ctx context.Context) error

	// IsAlive reports whether the agent sent a heartbeat within the timeout.
	IsAlive(agentID string) bool

	// Agent returns the status of one agent.
	Agent(agentID string) (AgentStatus, bool)

	// Agents returns every known agent ordered by ID.
	Agents() []AgentStatus

	// OnOffline registers a callback for agents presumed dead.
	OnOffline(callback func(agentID string))

	// Stop stops monitoring.
	Stop() error
}

// SenderConfig configures a heartbeat sender.
type SenderConfig struct {
	// Bus publishes the heartbeats.
	Bus Publisher

	// AgentID is the unique identifier for this agent.
	AgentID string

	// Target is the heartbeat destination.
	// Default: "heartbeat"
	Target string

	// Interval between heartbeats.
	// Default: 5 seconds
	Interval time.Duration

	// InitialStatus is the starting status.
	// Default: "idle"
	InitialStatus string

	// Version is reported in every heartbeat.
	Version string

	// Logger receives send failures. Default: logging.New().
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *SenderConfig) Validate() error {
	if c.Bus == nil {
		return ErrInvalidConfig
	}
	if c.AgentID == "" {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultSenderConfig returns configuration with sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		Target:        Topic,
		Interval:      5 * time.Second,
		InitialStatus: "idle",
	}
}

// MonitorConfig configures a heartbeat monitor.
type MonitorConfig struct {
	// Bus delivers heartbeats and receives liveness events.
	Bus Bus

	// Timeout for considering an agent offline.
	// Should be 2-3x the expected heartbeat interval.
	// Default: 15 seconds
	Timeout time.Duration

	// CheckInterval for the offline checker.
	// Default: 1 second
	CheckInterval time.Duration

	// Logger receives liveness changes. Default: logging.New().
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *MonitorConfig) Validate() error {
	if c.Bus == nil {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultMonitorConfig returns configuration with sensible defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Timeout:       15 * time.Second,
		CheckInterval: 1 * time.Second,
	}
}

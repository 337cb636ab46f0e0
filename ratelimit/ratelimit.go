package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/vinayprograms/mcpbus/mcp"
)

// Common errors.
var (
	ErrClosed        = errors.New("limiter closed")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Mode selects what happens when a publish cannot afford its cost.
type Mode string

const (
	// ModeBlock waits up to MaxWait for tokens.
	ModeBlock Mode = "block"
	// ModeFailFast rejects immediately.
	ModeFailFast Mode = "fail_fast"
)

// ParseMode converts a string to a Mode, defaulting to fail fast.
func ParseMode(s string) Mode {
	if Mode(s) == ModeBlock {
		return ModeBlock
	}
	return ModeFailFast
}

// RateLimiter admits traffic per target.
type RateLimiter interface {
	// Acquire consumes the cost for priority, waiting up to MaxWait.
	// Returns a RATE_LIMITED error if the wait would exceed MaxWait.
	Acquire(ctx context.Context, target string, priority mcp.Priority) error

	// TryAcquire consumes the cost without waiting.
	// Returns a RATE_LIMITED error carrying the suggested retry delay.
	TryAcquire(target string, priority mcp.Priority) error

	// SetCapacity overrides rate (tokens/second) and capacity for one target.
	SetCapacity(target string, rate float64, capacity int)

	// Reduce lowers the target's rate after it pushed back.
	Reduce(target string, reason string)

	// GetCapacity returns the current state for a target, nil if unseen.
	GetCapacity(target string) *Capacity

	// Close stops background recovery.
	Close() error
}

// Capacity describes one target's bucket.
type Capacity struct {
	Target   string  `json:"target"`
	Tokens   float64 `json:"tokens"`
	Capacity int     `json:"capacity"`
	Rate     float64 `json:"rate"`
	BaseRate float64 `json:"base_rate"`
	Rejected int64   `json:"rejected"`
}

// Config configures a Limiter.
type Config struct {
	// Rate is the refill rate in tokens per second.
	// Default: 50
	Rate float64

	// Capacity is the bucket size.
	// Default: 100
	Capacity int

	// MaxWait bounds how long Acquire may block.
	// Default: 2 seconds
	MaxWait time.Duration

	// Costs maps priority to tokens consumed. Higher priority must not cost
	// more than lower priority.
	// Default: critical 1, high 1, normal 2, low 4
	Costs map[mcp.Priority]int

	// ReduceFactor multiplies the rate when a target pushes back (0-1).
	// Default: 0.5
	ReduceFactor float64

	// RecoveryInterval is how often reduced rates recover.
	// Default: 30 seconds
	RecoveryInterval time.Duration

	// RecoveryFactor multiplies a reduced rate on each recovery (>1).
	// Default: 1.1
	RecoveryFactor float64
}

// DefaultCosts returns the default cost table.
func DefaultCosts() map[mcp.Priority]int {
	return map[mcp.Priority]int{
		mcp.PriorityCritical: 1,
		mcp.PriorityHigh:     1,
		mcp.PriorityNormal:   2,
		mcp.PriorityLow:      4,
	}
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Rate:             50,
		Capacity:         100,
		MaxWait:          2 * time.Second,
		Costs:            DefaultCosts(),
		ReduceFactor:     0.5,
		RecoveryInterval: 30 * time.Second,
		RecoveryFactor:   1.1,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Rate < 0 || c.Capacity < 0 || c.MaxWait < 0 {
		return ErrInvalidConfig
	}
	if c.ReduceFactor < 0 || c.ReduceFactor > 1 {
		return ErrInvalidConfig
	}
	if c.RecoveryFactor != 0 && c.RecoveryFactor < 1 {
		return ErrInvalidConfig
	}
	order := []mcp.Priority{mcp.PriorityCritical, mcp.PriorityHigh, mcp.PriorityNormal, mcp.PriorityLow}
	for i := 1; i < len(order); i++ {
		hi, okHi := c.Costs[order[i-1]]
		lo, okLo := c.Costs[order[i]]
		if okHi && okLo && hi > lo {
			return ErrInvalidConfig
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Rate == 0 {
		c.Rate = d.Rate
	}
	if c.Capacity == 0 {
		c.Capacity = d.Capacity
	}
	if c.MaxWait == 0 {
		c.MaxWait = d.MaxWait
	}
	if len(c.Costs) == 0 {
		c.Costs = d.Costs
	}
	if c.ReduceFactor == 0 {
		c.ReduceFactor = d.ReduceFactor
	}
	if c.RecoveryInterval == 0 {
		c.RecoveryInterval = d.RecoveryInterval
	}
	if c.RecoveryFactor == 0 {
		c.RecoveryFactor = d.RecoveryFactor
	}
}

// cost returns tokens consumed for priority, never above capacity.
func (c *Config) cost(p mcp.Priority, capacity int) int {
	n, ok := c.Costs[p]
	if !ok {
		n = c.Costs[mcp.PriorityNormal]
	}
	if n < 1 {
		n = 1
	}
	if n > capacity {
		n = capacity
	}
	return n
}

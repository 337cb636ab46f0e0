package shutdown

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/vinayprograms/mcpbus/logging"
)

// Common errors.
var (
	// ErrTimeout indicates shutdown did not complete within the timeout.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed indicates one or more handlers failed during shutdown.
	ErrHandlerFailed = errors.New("one or more handlers failed")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Phases for the daemon's components. Producers of traffic stop before
// the bus, the bus before what it writes to.
const (
	// PhaseAgents stops agents so no new commands enter the bus.
	PhaseAgents = 10

	// PhaseWorkflow stops job drivers and the workflow engine.
	PhaseWorkflow = 20

	// PhaseBus drains lanes and releases waiters.
	PhaseBus = 30

	// PhaseEdges closes mirrors, the monitor and the heartbeat monitor.
	PhaseEdges = 40

	// PhaseStore closes the message and checkpoint stores.
	PhaseStore = 50

	// PhaseTelemetry flushes spans last so shutdown itself is traced.
	PhaseTelemetry = 60
)

// Handler is implemented by components that need graceful shutdown.
// The context is cancelled when the shutdown timeout is reached.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

// Func adapts a function to Handler.
type Func func(ctx context.Context) error

// OnShutdown implements Handler.
func (f Func) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// Stopper is the Stop(ctx) shape shared by agents, the coordinator and
// the monitor.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Closer adapts an io.Closer such as a store or the bus. Close ignores the
// context, so a Closer that hangs holds its phase until the timeout.
func Closer(c io.Closer) Handler {
	return Func(func(context.Context) error { return c.Close() })
}

// Stop adapts a Stopper.
func Stop(s Stopper) Handler {
	return Func(s.Stop)
}

// HandlerResult contains the result of a single handler's shutdown.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result contains the complete shutdown result.
type Result struct {
	TotalDuration time.Duration
	Results       []HandlerResult

	// Err is nil if all handlers succeeded.
	Err error
}

// Failed returns true if any handler failed.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that failed.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures the shutdown coordinator.
type Config struct {
	// Timeout bounds a signal-triggered or ShutdownWithTimeout(0) shutdown.
	// Default: 30 seconds
	Timeout time.Duration

	// DefaultPhase is assigned to handlers registered without a phase.
	// Default: 100
	DefaultPhase int

	// ContinueOnError keeps running later phases after a handler fails.
	// Default: true
	ContinueOnError bool

	// Logger records each handler's outcome. Default: logging.New().
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Timeout < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		DefaultPhase:    100,
		ContinueOnError: true,
	}
}

type registration struct {
	name    string
	handler Handler
	phase   int
}

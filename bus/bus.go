package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/mcpbus/breaker"
	"github.com/vinayprograms/mcpbus/errors"
	"github.com/vinayprograms/mcpbus/logging"
	"github.com/vinayprograms/mcpbus/mcp"
	"github.com/vinayprograms/mcpbus/ratelimit"
	"github.com/vinayprograms/mcpbus/store"
	"github.com/vinayprograms/mcpbus/telemetry"
)

// Config holds bus configuration.
type Config struct {
	// LaneBuffer is the queue length of each (source, target) lane.
	// Default: 256
	LaneBuffer int `toml:"lane_buffer" env:"LANE_BUFFER"`

	// HistorySize bounds the in-memory message history.
	// Default: 1000
	HistorySize int `toml:"history_size" env:"HISTORY_SIZE"`

	// CommandTimeout applies to commands without timeout_seconds. It bounds
	// handler execution and how long the bus waits for a reply before
	// counting a breaker failure.
	// Default: 60 seconds
	CommandTimeout time.Duration `toml:"command_timeout" env:"COMMAND_TIMEOUT"`

	// ReplyCacheTTL is how long replies are kept for waiters that register
	// after the reply arrived.
	// Default: 30 seconds
	ReplyCacheTTL time.Duration `toml:"reply_cache_ttl" env:"REPLY_CACHE_TTL"`

	// SweepInterval is how often expired messages, overdue commands and
	// stale cached replies are swept.
	// Default: 1 second
	SweepInterval time.Duration `toml:"sweep_interval" env:"SWEEP_INTERVAL"`

	// RateLimitMode applies when a message does not set rate_limit_mode.
	// Default: fail_fast
	RateLimitMode ratelimit.Mode `toml:"rate_limit_mode" env:"RATE_LIMIT_MODE"`

	// Persist selects the messages written to the store.
	Persist store.Policy `toml:"-"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		LaneBuffer:     256,
		HistorySize:    1000,
		CommandTimeout: 60 * time.Second,
		ReplyCacheTTL:  30 * time.Second,
		SweepInterval:  time.Second,
		RateLimitMode:  ratelimit.ModeFailFast,
		Persist:        store.DefaultPolicy(),
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.LaneBuffer <= 0 {
		c.LaneBuffer = def.LaneBuffer
	}
	if c.HistorySize <= 0 {
		c.HistorySize = def.HistorySize
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = def.CommandTimeout
	}
	if c.ReplyCacheTTL <= 0 {
		c.ReplyCacheTTL = def.ReplyCacheTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.RateLimitMode == "" {
		c.RateLimitMode = def.RateLimitMode
	}
	if c.Persist.MinPriority == "" && len(c.Persist.Types) == 0 {
		c.Persist = def.Persist
	}
}

// Option configures a Bus.
type Option func(*Bus)

// WithStore persists admitted messages that match the persistence policy.
func WithStore(s store.Store) Option {
	return func(b *Bus) { b.store = s }
}

// WithBreakers replaces the default breaker set.
func WithBreakers(s *breaker.Set) Option {
	return func(b *Bus) { b.breakers = s }
}

// WithLimiter replaces the default rate limiter.
func WithLimiter(l ratelimit.RateLimiter) Option {
	return func(b *Bus) { b.limiter = l }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(b *Bus) { b.log = l.WithComponent("bus") }
}

// WithTracer sets the tracer used for publish and deliver spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(b *Bus) { b.tracer = t }
}

// WithInstruments records bus metrics into OpenTelemetry instruments.
func WithInstruments(in *telemetry.Instruments) Option {
	return func(b *Bus) { b.instruments = in }
}

// WithExporter writes an audit record for every admitted message.
func WithExporter(e telemetry.Exporter) Option {
	return func(b *Bus) { b.exporter = e }
}

// WithMirror copies every admitted message to m.
func WithMirror(m Mirror) Option {
	return func(b *Bus) { b.mirrors = append(b.mirrors, m) }
}

// Bus routes MCP messages between in-process agents. It is safe for
// concurrent use. Handlers are never invoked while a bus lock is held.
type Bus struct {
	config      Config
	log         *logging.Logger
	store       store.Store
	breakers    *breaker.Set
	limiter     ratelimit.RateLimiter
	ownLimiter  bool
	tracer      *telemetry.Tracer
	instruments *telemetry.Instruments
	exporter    telemetry.Exporter
	mirrors     []Mirror
	nowFunc     func() time.Time // for testing

	subMu  sync.RWMutex
	subs   []*Subscription
	subSeq uint64

	laneMu sync.Mutex
	lanes  map[laneKey]*lane

	waitMu  sync.Mutex
	waiters map[string][]*waiter
	replies map[string]cachedReply
	pending map[string]*pendingCommand

	history *history
	stats   *stats

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

// New creates a bus. Lanes start delivering immediately; Start replays
// persisted messages and starts the sweeper.
func New(cfg Config, opts ...Option) (*Bus, error) {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		config:  cfg,
		log:     logging.New().WithComponent("bus"),
		nowFunc: time.Now,
		lanes:   make(map[laneKey]*lane),
		waiters: make(map[string][]*waiter),
		replies: make(map[string]cachedReply),
		pending: make(map[string]*pendingCommand),
		history: newHistory(cfg.HistorySize),
		stats:   newStats(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.breakers == nil {
		b.breakers = breaker.New(breaker.DefaultConfig())
	}
	if b.limiter == nil {
		l, err := ratelimit.New(ratelimit.DefaultConfig())
		if err != nil {
			cancel()
			return nil, errors.Wrap(err, "creating rate limiter")
		}
		b.limiter = l
		b.ownLimiter = true
	}
	if b.tracer == nil {
		b.tracer = telemetry.GetTracer()
	}
	if b.exporter == nil {
		b.exporter = telemetry.NewNoopExporter()
	}
	return b, nil
}

// Start replays persisted undelivered messages and starts the sweeper.
// Subscriptions that should receive replayed messages must be registered
// first. Start is a no-op after the first call.
func (b *Bus) Start(ctx context.Context) error {
	if b.closed.Load() {
		return errors.System("bus closed")
	}
	if b.started.Swap(true) {
		return nil
	}
	b.wg.Add(1)
	go b.sweepLoop()

	if b.store == nil {
		return nil
	}
	if _, err := b.Replay(ctx); err != nil {
		return err
	}
	return nil
}

// Close stops every lane, releases waiters and closes mirrors. Messages
// still queued are left undelivered; persisted ones are replayed on the
// next Start. The store is not closed.
func (b *Bus) Close() error {
	var errs []error
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		// No lane or helper goroutine starts once closed is visible under laneMu.
		b.laneMu.Lock()
		b.laneMu.Unlock()
		b.cancel()
		b.wg.Wait()

		b.waitMu.Lock()
		pending := b.pending
		b.pending = make(map[string]*pendingCommand)
		b.waitMu.Unlock()
		for _, p := range pending {
			p.done(false)
		}

		for _, m := range b.mirrors {
			if err := m.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if b.ownLimiter {
			if err := b.limiter.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		b.log.Info("bus closed")
	})
	return errors.Join(errs...)
}

// Breakers returns the breaker set.
func (b *Bus) Breakers() *breaker.Set { return b.breakers }

// Limiter returns the rate limiter.
func (b *Bus) Limiter() ratelimit.RateLimiter { return b.limiter }

// Done is closed when the bus is closed.
func (b *Bus) Done() <-chan struct{} { return b.ctx.Done() }

func (b *Bus) now() time.Time { return b.nowFunc() }

// commandTimeout is how long a command may run before it is overdue.
func (b *Bus) commandTimeout(m *mcp.Message) time.Duration {
	if cmd, ok := m.Command(); ok && cmd.TimeoutSeconds > 0 {
		return time.Duration(cmd.TimeoutSeconds) * time.Second
	}
	return b.config.CommandTimeout
}

package agent

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/mcpbus/bus"
	"github.com/vinayprograms/mcpbus/errors"
	"github.com/vinayprograms/mcpbus/heartbeat"
	"github.com/vinayprograms/mcpbus/idempotency"
	"github.com/vinayprograms/mcpbus/logging"
	"github.com/vinayprograms/mcpbus/mcp"
	"github.com/vinayprograms/mcpbus/retry"
)

// Lifecycle errors.
var (
	ErrAlreadyInitialized = stderrors.New("agent already initialized")
	ErrNotInitialized     = stderrors.New("agent not initialized")
	ErrAlreadyStarted     = stderrors.New("agent already started")
	ErrInvalidConfig      = stderrors.New("invalid configuration")
)

// HandlerFunc performs one command action. A returned error becomes an
// ERROR reply; a nil response becomes an empty successful RESPONSE.
type HandlerFunc func(ctx context.Context, params mcp.Params, msg *mcp.Message) (*mcp.Response, error)

// EventFunc handles an EVENT delivered to the agent or one of its topics.
type EventFunc func(ctx context.Context, ev *mcp.Event, msg *mcp.Message) error

// Config configures an agent.
type Config struct {
	// ID is the agent's direct address on the bus.
	ID string

	// Topics are subscribed in addition to the direct address.
	Topics []string

	// Version is reported in heartbeats.
	Version string

	// HeartbeatInterval between heartbeats. Zero disables heartbeats.
	// Default: 5 seconds
	HeartbeatInterval time.Duration

	// MaxConcurrent is the number of in-flight commands reported as full load.
	// Default: 4
	MaxConcurrent int

	// RequestTimeout bounds each SendCommand attempt.
	// Default: 30 seconds
	RequestTimeout time.Duration

	// Retry applies to SendCommand unless overridden per call.
	Retry retry.Policy
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.ID == "" {
		return ErrInvalidConfig
	}
	if c.MaxConcurrent < 0 || c.RequestTimeout < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 5 * time.Second,
		MaxConcurrent:     4,
		RequestTimeout:    30 * time.Second,
		Retry:             retry.DefaultPolicy(),
	}
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(a *Agent) { a.log = l }
}

// WithIdempotency shares an idempotency cache. By default each agent owns one.
func WithIdempotency(c *idempotency.Cache) Option {
	return func(a *Agent) { a.idem = c }
}

// Agent is a worker on the bus. Commands addressed to its ID are dispatched
// to handlers by action name.
type Agent struct {
	id      string
	config  Config
	bus     *bus.Bus
	log     *logging.Logger
	idem    *idempotency.Cache
	ownIdem bool

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	events   map[string][]EventFunc
	subs     []*bus.Subscription
	sender   *heartbeat.BusSender

	initialized atomic.Bool
	started     atomic.Bool
	inflight    atomic.Int64
	seq         atomic.Int64
}

// New creates an agent bound to b.
func New(cfg Config, b *bus.Bus, opts ...Option) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrInvalidConfig
	}
	def := DefaultConfig()
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}

	a := &Agent{
		id:       cfg.ID,
		config:   cfg,
		bus:      b,
		log:      logging.New(),
		handlers: make(map[string]HandlerFunc),
		events:   make(map[string][]EventFunc),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.WithComponent("agent:" + cfg.ID)
	if a.idem == nil {
		a.idem = idempotency.New(idempotency.DefaultConfig())
		a.ownIdem = true
	}
	return a, nil
}

// ID returns the agent's bus address.
func (a *Agent) ID() string { return a.id }

// Handle registers the handler for action, replacing any previous one.
func (a *Agent) Handle(action string, fn HandlerFunc) {
	a.mu.Lock()
	a.handlers[action] = fn
	a.mu.Unlock()
}

// Actions returns the registered action names.
func (a *Agent) Actions() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.handlers))
	for action := range a.handlers {
		out = append(out, action)
	}
	return out
}

// OnEvent registers fn for events of eventType. "*" matches every event.
func (a *Agent) OnEvent(eventType string, fn EventFunc) {
	a.mu.Lock()
	a.events[eventType] = append(a.events[eventType], fn)
	a.mu.Unlock()
}

// Initialize subscribes the agent to its direct address and topics.
func (a *Agent) Initialize(ctx context.Context) error {
	if a.initialized.Swap(true) {
		return ErrAlreadyInitialized
	}

	sub, err := a.bus.SubscribeDirect(a.id, a.dispatch)
	if err != nil {
		a.initialized.Store(false)
		return errors.Wrap(err, "subscribing agent")
	}
	subs := []*bus.Subscription{sub}
	for _, topic := range a.config.Topics {
		sub, err := a.bus.SubscribeTopic(topic, a.dispatch)
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			a.initialized.Store(false)
			return errors.Wrap(err, "subscribing topic", errors.WithDetail("topic", topic))
		}
		subs = append(subs, sub)
	}

	a.mu.Lock()
	a.subs = subs
	a.mu.Unlock()

	a.log.Info("agent initialized", map[string]interface{}{
		"topics":  a.config.Topics,
		"actions": len(a.Actions()),
	})
	return nil
}

// Start begins the heartbeat loop.
func (a *Agent) Start(ctx context.Context) error {
	if !a.initialized.Load() {
		return ErrNotInitialized
	}
	if a.started.Swap(true) {
		return ErrAlreadyStarted
	}
	if a.config.HeartbeatInterval <= 0 {
		return nil
	}

	sender, err := heartbeat.NewBusSender(heartbeat.SenderConfig{
		Bus:      a.bus,
		AgentID:  a.id,
		Interval: a.config.HeartbeatInterval,
		Version:  a.config.Version,
		Logger:   a.log,
	})
	if err != nil {
		a.started.Store(false)
		return err
	}
	a.mu.Lock()
	a.sender = sender
	a.mu.Unlock()
	a.reportLoad()
	return sender.Start(ctx)
}

// Stop stops heartbeats and removes the agent's subscriptions.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	sender := a.sender
	subs := a.subs
	a.sender = nil
	a.subs = nil
	a.mu.Unlock()

	if sender != nil {
		if err := sender.Stop(); err != nil && err != heartbeat.ErrNotStarted {
			return err
		}
	}
	for _, s := range subs {
		s.Unsubscribe()
	}
	if a.ownIdem {
		a.idem.Close()
	}
	a.started.Store(false)
	a.initialized.Store(false)
	a.log.Info("agent stopped")
	return nil
}

// dispatch is the bus handler for every subscription of the agent.
func (a *Agent) dispatch(ctx context.Context, msg *mcp.Message) error {
	switch msg.Type() {
	case mcp.TypeCommand:
		if msg.Header.Target != a.id {
			return nil
		}
		reply, err := a.HandleCommand(ctx, msg)
		if err != nil {
			return err
		}
		_, err = a.bus.Publish(ctx, reply)
		return err
	case mcp.TypeEvent:
		ev, _ := msg.Event()
		return a.handleEvent(ctx, ev, msg)
	}
	// Replies are consumed by waiters on the bus.
	return nil
}

func (a *Agent) handleEvent(ctx context.Context, ev *mcp.Event, msg *mcp.Message) error {
	a.mu.RLock()
	fns := append(append([]EventFunc(nil), a.events[ev.EventType]...), a.events["*"]...)
	a.mu.RUnlock()

	var errs []error
	for _, fn := range fns {
		if err := fn(ctx, ev, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HandleCommand runs the handler for msg's action and returns the reply to
// publish: a RESPONSE on success, otherwise an ERROR. Unknown actions fail
// with a permanent PROCESSING error. Commands carrying an idempotency key
// execute once; duplicates get the recorded outcome.
func (a *Agent) HandleCommand(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	cmd, ok := msg.Command()
	if !ok {
		return nil, errors.Validation("message_type", "not a command")
	}

	a.mu.RLock()
	fn, ok := a.handlers[cmd.Action]
	a.mu.RUnlock()
	if !ok {
		return msg.FailWith(errors.Processing("unknown action",
			errors.WithCategory(errors.CategoryPermanent),
			errors.WithDetail("action", cmd.Action),
			errors.WithDetail("agent_id", a.id)))
	}

	a.inflight.Add(1)
	a.reportLoad()
	defer func() {
		a.inflight.Add(-1)
		a.reportLoad()
	}()

	run := func(ctx context.Context) (*mcp.Response, error) {
		return a.run(ctx, fn, cmd, msg)
	}

	var o idempotency.Outcome
	if key := cmd.IdempotencyKey; key != "" {
		var replayed bool
		o, replayed = a.idem.Do(ctx, key, run)
		if replayed {
			a.log.Debug("duplicate command", map[string]interface{}{
				"message_id":      msg.ID(),
				"action":          cmd.Action,
				"idempotency_key": key,
			})
		}
	} else {
		resp, err := run(ctx)
		o = idempotency.Outcome{Response: resp}
		if err != nil {
			o = idempotency.Outcome{Err: asError(err)}
		}
	}

	if o.Err != nil {
		return msg.FailWith(o.Err)
	}
	return msg.ReplyWith(o.Response)
}

// run invokes fn and times it. Panics become PROCESSING errors.
func (a *Agent) run(ctx context.Context, fn HandlerFunc, cmd *mcp.Command, msg *mcp.Message) (resp *mcp.Response, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, errors.RecoverPanic(r).With(errors.WithDetail("action", cmd.Action))
		}
		if err != nil {
			a.log.Warn("command failed", map[string]interface{}{
				"message_id": msg.ID(),
				"action":     cmd.Action,
				"error":      err.Error(),
			})
		}
	}()

	resp, err = fn(ctx, cmd.Parameters, msg)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		resp = &mcp.Response{Success: true, Message: cmd.Action + " completed"}
	}
	resp.ExecutionTimeMS = time.Since(start).Milliseconds()
	return resp, nil
}

func asError(err error) *errors.Error {
	if e, ok := errors.As(err); ok {
		return e
	}
	return errors.Processing(err.Error(), errors.WithCause(err))
}

// reportLoad publishes the in-flight ratio through the heartbeat sender.
func (a *Agent) reportLoad() {
	a.mu.RLock()
	sender := a.sender
	a.mu.RUnlock()
	if sender == nil {
		return
	}
	n := a.inflight.Load()
	sender.SetLoad(float64(n) / float64(a.config.MaxConcurrent))
	if n > 0 {
		sender.SetStatus("busy")
	} else {
		sender.SetStatus("idle")
	}
}

// Load returns the current in-flight ratio, clamped to [0, 1].
func (a *Agent) Load() float64 {
	l := float64(a.inflight.Load()) / float64(a.config.MaxConcurrent)
	if l > 1 {
		return 1
	}
	return l
}

// SendOption customizes SendCommand.
type SendOption func(*sendOptions)

type sendOptions struct {
	policy  retry.Policy
	timeout time.Duration
	key     string
	msgOpts []mcp.Option
	onRetry func(retry.Attempt)
}

// WithRetry overrides the agent's retry policy for one call.
func WithRetry(p retry.Policy) SendOption {
	return func(o *sendOptions) { o.policy = p }
}

// WithRequestTimeout bounds each attempt.
func WithRequestTimeout(d time.Duration) SendOption {
	return func(o *sendOptions) { o.timeout = d }
}

// WithKey sets the idempotency key used for every attempt.
func WithKey(key string) SendOption {
	return func(o *sendOptions) { o.key = key }
}

// WithMessageOptions applies mcp options to every attempt's command.
func WithMessageOptions(opts ...mcp.Option) SendOption {
	return func(o *sendOptions) { o.msgOpts = append(o.msgOpts, opts...) }
}

// OnRetry registers a hook called before each retry.
func OnRetry(fn func(retry.Attempt)) SendOption {
	return func(o *sendOptions) { o.onRetry = fn }
}

// SendCommand sends action to target and waits for its reply. Temporary
// failures and timeouts are retried under the retry policy with the same
// idempotency key, so the target executes the action at most once. The
// last reply is returned with the final error, if any.
func (a *Agent) SendCommand(ctx context.Context, target, action string, params mcp.Params, opts ...SendOption) (*mcp.Message, error) {
	o := sendOptions{policy: a.config.Retry, timeout: a.config.RequestTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.key == "" {
		o.key = uuid.NewString()
	}

	var last *mcp.Message
	retryOpts := []retry.Option{}
	if o.onRetry != nil {
		retryOpts = append(retryOpts, retry.OnRetry(o.onRetry))
	}
	err := retry.Do(ctx, o.policy, func(ctx context.Context, attempt int) error {
		msgOpts := append([]mcp.Option{mcp.WithIdempotencyKey(o.key)}, o.msgOpts...)
		if attempt > 0 {
			msgOpts = append(msgOpts, mcp.WithMetadata(mcp.MetaRetryCount, attempt))
		}
		cmd, err := mcp.NewCommand(a.id, target, action, params, msgOpts...)
		if err != nil {
			return err
		}

		reply, err := a.bus.Request(ctx, cmd, o.timeout)
		if reply != nil {
			last = reply
		}
		if err != nil {
			return err
		}
		if f, ok := reply.Failure(); ok {
			return f.AsError()
		}
		return nil
	}, retryOpts...)
	return last, err
}

// SendEvent publishes an event to target with the agent's next sequence
// number.
func (a *Agent) SendEvent(ctx context.Context, target, eventType string, data map[string]any, opts ...mcp.Option) (string, error) {
	opts = append(opts, mcp.WithSequence(a.seq.Add(1)))
	m, err := mcp.NewEvent(a.id, target, eventType, data, opts...)
	if err != nil {
		return "", err
	}
	return a.bus.Publish(ctx, m)
}

package agent

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/mcpbus/bus"
	"github.com/vinayprograms/mcpbus/errors"
	"github.com/vinayprograms/mcpbus/logging"
	"github.com/vinayprograms/mcpbus/mcp"
	"github.com/vinayprograms/mcpbus/retry"
)

func newBus(t *testing.T) *bus.Bus {
	t.Helper()
	b, err := bus.New(bus.DefaultConfig(), bus.WithLogger(logging.Nop()))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func newAgent(t *testing.T, b *bus.Bus, id string, mutate ...func(*Config)) *Agent {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ID = id
	cfg.HeartbeatInterval = 0
	cfg.RequestTimeout = time.Second
	cfg.Retry = retry.Policy{MaxRetries: 2, BaseDelay: time.Millisecond}
	for _, m := range mutate {
		m(&cfg)
	}
	a, err := New(cfg, b, WithLogger(logging.Nop()))
	require.NoError(t, err)
	t.Cleanup(func() { a.Stop(context.Background()) })
	return a
}

func start(t *testing.T, a *Agent) {
	t.Helper()
	require.NoError(t, a.Initialize(context.Background()))
	require.NoError(t, a.Start(context.Background()))
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
	cfg.ID = "a"
	assert.NoError(t, cfg.Validate())
	cfg.MaxConcurrent = -1
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	_, err := New(Config{ID: "a"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLifecycle(t *testing.T) {
	b := newBus(t)
	a := newAgent(t, b, "worker")

	assert.ErrorIs(t, a.Start(context.Background()), ErrNotInitialized)
	require.NoError(t, a.Initialize(context.Background()))
	assert.ErrorIs(t, a.Initialize(context.Background()), ErrAlreadyInitialized)
	require.NoError(t, a.Start(context.Background()))
	assert.ErrorIs(t, a.Start(context.Background()), ErrAlreadyStarted)
	assert.Equal(t, 1, b.SubscriptionCount())

	require.NoError(t, a.Stop(context.Background()))
	assert.Equal(t, 0, b.SubscriptionCount())
}

func TestSendCommandRoundTrip(t *testing.T) {
	b := newBus(t)
	worker := newAgent(t, b, "script-agent")
	worker.Handle("create_script", func(_ context.Context, p mcp.Params, _ *mcp.Message) (*mcp.Response, error) {
		topic, ok := p.String("topic")
		if !ok {
			return nil, errors.Validation("topic", "topic is required")
		}
		return &mcp.Response{Success: true, Message: "script ready", Data: map[string]any{"title": topic}}, nil
	})
	start(t, worker)
	caller := newAgent(t, b, "central")
	start(t, caller)

	reply, err := caller.SendCommand(context.Background(), "script-agent", "create_script", mcp.Params{"topic": "otters"})
	require.NoError(t, err)
	resp, ok := reply.Response()
	require.True(t, ok)
	assert.True(t, resp.Success)
	assert.Equal(t, "otters", resp.Data["title"])
	assert.GreaterOrEqual(t, resp.ExecutionTimeMS, int64(0))
}

func TestUnknownActionIsPermanent(t *testing.T) {
	b := newBus(t)
	a := newAgent(t, b, "worker")

	cmd, err := mcp.NewCommand("central", "worker", "dance", nil)
	require.NoError(t, err)
	reply, err := a.HandleCommand(context.Background(), cmd)
	require.NoError(t, err)

	f, ok := reply.Failure()
	require.True(t, ok)
	assert.Equal(t, string(errors.ErrCodeProcessing), f.ErrorCode)
	assert.Equal(t, errors.CategoryPermanent, f.Category)
	assert.Contains(t, f.ErrorMessage, "unknown action")
	assert.Equal(t, cmd.ID(), reply.Header.CorrelationID)
}

func TestHandleCommandRejectsOtherTypes(t *testing.T) {
	a := newAgent(t, newBus(t), "worker")
	ev, err := mcp.NewEvent("central", "worker", "e", nil)
	require.NoError(t, err)
	_, err = a.HandleCommand(context.Background(), ev)
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))
}

func TestHandlerPanicBecomesErrorReply(t *testing.T) {
	a := newAgent(t, newBus(t), "worker")
	a.Handle("explode", func(context.Context, mcp.Params, *mcp.Message) (*mcp.Response, error) {
		panic("kaboom")
	})

	cmd, err := mcp.NewCommand("central", "worker", "explode", nil)
	require.NoError(t, err)
	reply, err := a.HandleCommand(context.Background(), cmd)
	require.NoError(t, err)
	f, ok := reply.Failure()
	require.True(t, ok)
	assert.Equal(t, string(errors.ErrCodeProcessing), f.ErrorCode)
	assert.Contains(t, f.ErrorMessage, "kaboom")
}

func TestIdempotentExecution(t *testing.T) {
	a := newAgent(t, newBus(t), "worker")
	var calls atomic.Int32
	a.Handle("charge", func(context.Context, mcp.Params, *mcp.Message) (*mcp.Response, error) {
		n := calls.Add(1)
		return &mcp.Response{Success: true, Message: "charged", Data: map[string]any{"n": n}}, nil
	})

	var replies []*mcp.Response
	for i := 0; i < 3; i++ {
		cmd, err := mcp.NewCommand("central", "worker", "charge", nil, mcp.WithIdempotencyKey("order-42"))
		require.NoError(t, err)
		reply, err := a.HandleCommand(context.Background(), cmd)
		require.NoError(t, err)
		resp, ok := reply.Response()
		require.True(t, ok)
		assert.Equal(t, cmd.ID(), reply.Header.CorrelationID)
		replies = append(replies, resp)
	}

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range replies {
		assert.Equal(t, int32(1), r.Data["n"])
	}
}

func TestSendCommandRetriesTemporaryErrors(t *testing.T) {
	b := newBus(t)
	worker := newAgent(t, b, "video-agent")
	var calls atomic.Int32
	var keys []string
	worker.Handle("render", func(_ context.Context, _ mcp.Params, m *mcp.Message) (*mcp.Response, error) {
		cmd, _ := m.Command()
		keys = append(keys, cmd.IdempotencyKey)
		if calls.Add(1) == 1 {
			return nil, errors.Processing("gpu busy", errors.WithCategory(errors.CategoryTemporary))
		}
		return &mcp.Response{Success: true, Message: "rendered"}, nil
	})
	start(t, worker)
	caller := newAgent(t, b, "central")

	var retries []retry.Attempt
	reply, err := caller.SendCommand(context.Background(), "video-agent", "render", nil,
		OnRetry(func(at retry.Attempt) { retries = append(retries, at) }))
	require.NoError(t, err)
	assert.Equal(t, mcp.TypeResponse, reply.Type())
	assert.Equal(t, int32(2), calls.Load())
	require.Len(t, keys, 2)
	assert.Equal(t, keys[0], keys[1], "idempotency key is stable across attempts")
	require.Len(t, retries, 1)
	assert.Equal(t, 1, retries[0].Number)
}

func TestSendCommandStopsOnPermanentError(t *testing.T) {
	b := newBus(t)
	worker := newAgent(t, b, "audio-agent")
	var calls atomic.Int32
	worker.Handle("narrate", func(context.Context, mcp.Params, *mcp.Message) (*mcp.Response, error) {
		calls.Add(1)
		return nil, errors.Validation("voice", "unknown voice")
	})
	start(t, worker)
	caller := newAgent(t, b, "central")

	reply, err := caller.SendCommand(context.Background(), "audio-agent", "narrate", nil, WithKey("narration-1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))
	assert.Equal(t, int32(1), calls.Load())
	require.NotNil(t, reply)
	assert.Equal(t, mcp.TypeError, reply.Type())
}

func TestRetryAfterTimeoutExecutesOnce(t *testing.T) {
	b := newBus(t)
	worker := newAgent(t, b, "slow-agent")
	var calls atomic.Int32
	worker.Handle("publish", func(context.Context, mcp.Params, *mcp.Message) (*mcp.Response, error) {
		calls.Add(1)
		time.Sleep(120 * time.Millisecond)
		return &mcp.Response{Success: true, Message: "published"}, nil
	})
	start(t, worker)
	caller := newAgent(t, b, "central")

	reply, err := caller.SendCommand(context.Background(), "slow-agent", "publish", nil,
		WithRequestTimeout(80*time.Millisecond),
		WithRetry(retry.Policy{MaxRetries: 3, BaseDelay: time.Millisecond}))
	require.NoError(t, err)
	assert.Equal(t, mcp.TypeResponse, reply.Type())
	assert.Equal(t, int32(1), calls.Load(), "duplicate attempt served from the idempotency cache")
}

func TestSendCommandNoRoute(t *testing.T) {
	caller := newAgent(t, newBus(t), "central")
	reply, err := caller.SendCommand(context.Background(), "ghost", "anything", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeRouting))
	require.NotNil(t, reply)
}

func TestSendEventSequence(t *testing.T) {
	b := newBus(t)
	got := make(chan int64, 3)
	_, err := b.SubscribeTopic("progress", func(_ context.Context, m *mcp.Message) error {
		ev, _ := m.Event()
		got <- ev.SequenceNumber
		return nil
	})
	require.NoError(t, err)

	a := newAgent(t, b, "worker")
	for i := 0; i < 3; i++ {
		_, err := a.SendEvent(context.Background(), "progress", "tick", map[string]any{"i": i})
		require.NoError(t, err)
	}
	for want := int64(1); want <= 3; want++ {
		select {
		case seq := <-got:
			assert.Equal(t, want, seq)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestTopicEvents(t *testing.T) {
	b := newBus(t)
	a := newAgent(t, b, "worker", func(c *Config) { c.Topics = []string{"workflow"} })
	seen := make(chan string, 2)
	a.OnEvent("stage_started", func(_ context.Context, ev *mcp.Event, _ *mcp.Message) error {
		seen <- "specific"
		return nil
	})
	a.OnEvent("*", func(_ context.Context, ev *mcp.Event, _ *mcp.Message) error {
		seen <- "wildcard"
		return nil
	})
	start(t, a)

	ev, err := mcp.NewEvent("central", "workflow", "stage_started", nil)
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, "specific", <-seen)
	assert.Equal(t, "wildcard", <-seen)
}

func TestStartSendsHeartbeats(t *testing.T) {
	b := newBus(t)
	beats := make(chan *mcp.Message, 4)
	_, err := b.SubscribeType(mcp.TypeHeartbeat, func(_ context.Context, m *mcp.Message) error {
		select {
		case beats <- m:
		default:
		}
		return nil
	})
	require.NoError(t, err)

	a := newAgent(t, b, "worker", func(c *Config) {
		c.HeartbeatInterval = 10 * time.Millisecond
		c.Version = "2.0.0"
	})
	start(t, a)

	select {
	case m := <-beats:
		hb, ok := m.Heartbeat()
		require.True(t, ok)
		assert.Equal(t, "worker", hb.AgentID)
		assert.Equal(t, "2.0.0", hb.Version)
		assert.Equal(t, "idle", hb.Status)
	case <-time.After(time.Second):
		t.Fatal("no heartbeat")
	}
}

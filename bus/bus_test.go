package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/mcpbus/breaker"
	"github.com/vinayprograms/mcpbus/errors"
	"github.com/vinayprograms/mcpbus/logging"
	"github.com/vinayprograms/mcpbus/mcp"
	"github.com/vinayprograms/mcpbus/ratelimit"
	"github.com/vinayprograms/mcpbus/store"
)

func newTestBus(t *testing.T, opts ...Option) *Bus {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SweepInterval = 10 * time.Millisecond
	b, err := New(cfg, append([]Option{WithLogger(logging.Nop())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func command(t *testing.T, source, target, action string, opts ...mcp.Option) *mcp.Message {
	t.Helper()
	m, err := mcp.NewCommand(source, target, action, mcp.Params{"n": 1}, opts...)
	require.NoError(t, err)
	return m
}

func event(t *testing.T, source, target, eventType string) *mcp.Message {
	t.Helper()
	m, err := mcp.NewEvent(source, target, eventType, map[string]any{"k": "v"})
	require.NoError(t, err)
	return m
}

// replier answers every command with a successful response.
func replier(b *Bus) Handler {
	return func(ctx context.Context, m *mcp.Message) error {
		if m.Type() != mcp.TypeCommand {
			return nil
		}
		reply, err := m.Reply(true, "done", map[string]any{"action": commandAction(m)})
		if err != nil {
			return err
		}
		_, err = b.Publish(ctx, reply)
		return err
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

// --- Request/Reply ---

func TestRequestCorrelatesReply(t *testing.T) {
	b := newTestBus(t)
	_, err := b.SubscribeDirect("content", replier(b))
	require.NoError(t, err)

	cmd := command(t, "central", "content", "create_script")
	reply, err := b.Request(context.Background(), cmd, time.Second)
	require.NoError(t, err)

	assert.Equal(t, mcp.TypeResponse, reply.Type())
	assert.Equal(t, cmd.ID(), reply.Header.CorrelationID)
	assert.Equal(t, "content", reply.Header.Source)
	assert.Equal(t, "central", reply.Header.Target)
	resp, ok := reply.Response()
	require.True(t, ok)
	assert.True(t, resp.Success)

	status, ok := b.Status(cmd.ID())
	require.True(t, ok)
	assert.Equal(t, mcp.StatusCompleted, status)
}

func TestRequestResentCommandServedFromCache(t *testing.T) {
	b := newTestBus(t)
	var calls atomic.Int32
	_, err := b.SubscribeDirect("content", func(ctx context.Context, m *mcp.Message) error {
		calls.Add(1)
		return replier(b)(ctx, m)
	})
	require.NoError(t, err)

	cmd := command(t, "central", "content", "create_script")
	first, err := b.Request(context.Background(), cmd, time.Second)
	require.NoError(t, err)

	second, err := b.Request(context.Background(), cmd, time.Second)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ID(), second.ID())
	assert.Equal(t, int32(1), calls.Load(), "cached reply answers the resend")
}

func TestWaitForResponseServesEarlyReply(t *testing.T) {
	b := newTestBus(t)
	replied := make(chan struct{})
	_, err := b.SubscribeDirect("content", func(ctx context.Context, m *mcp.Message) error {
		defer close(replied)
		return replier(b)(ctx, m)
	})
	require.NoError(t, err)

	cmd := command(t, "central", "content", "create_script")
	_, err = b.Publish(context.Background(), cmd)
	require.NoError(t, err)
	<-replied

	reply, err := b.WaitForResponse(context.Background(), cmd.ID(), time.Second, "content")
	require.NoError(t, err)
	assert.Equal(t, cmd.ID(), reply.Header.CorrelationID)
}

func TestWaitForResponseIgnoresOtherSources(t *testing.T) {
	b := newTestBus(t)
	cmd := command(t, "central", "content", "create_script")
	_, err := b.SubscribeDirect("content", func(context.Context, *mcp.Message) error { return nil })
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), cmd)
	require.NoError(t, err)

	done := make(chan *mcp.Message, 1)
	go func() {
		reply, _ := b.WaitForResponse(context.Background(), cmd.ID(), time.Second, "content")
		done <- reply
	}()
	// Give the waiter time to register.
	time.Sleep(20 * time.Millisecond)

	impostor, err := mcp.New("video", "central", &mcp.Response{Success: true, Message: "not me"},
		mcp.WithCorrelation(cmd.ID()))
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), impostor)
	require.NoError(t, err)

	select {
	case <-done:
		t.Fatal("waiter released by a reply from the wrong source")
	case <-time.After(50 * time.Millisecond):
	}

	genuine, err := cmd.Reply(true, "ok", nil)
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), genuine)
	require.NoError(t, err)

	select {
	case reply := <-done:
		assert.Equal(t, genuine.ID(), reply.ID())
	case <-time.After(time.Second):
		t.Fatal("waiter not released")
	}
}

func TestWaitForResponseTimeout(t *testing.T) {
	b := newTestBus(t)
	_, err := b.SubscribeDirect("content", func(context.Context, *mcp.Message) error { return nil })
	require.NoError(t, err)

	cmd := command(t, "central", "content", "create_script")
	reply, err := b.Request(context.Background(), cmd, 30*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeTimeout))

	require.NotNil(t, reply)
	assert.Equal(t, mcp.TypeError, reply.Type())
	assert.Equal(t, cmd.ID(), reply.Header.CorrelationID)
	f, ok := reply.Failure()
	require.True(t, ok)
	assert.Equal(t, string(errors.ErrCodeTimeout), f.ErrorCode)

	status, _ := b.Status(cmd.ID())
	assert.Equal(t, mcp.StatusTimeout, status)
	assert.Equal(t, uint32(1), b.Breakers().Snapshot()["content"].ConsecutiveFailures)
}

func TestAllWaitersReleasedByFirstReply(t *testing.T) {
	b := newTestBus(t)
	release := make(chan struct{})
	_, err := b.SubscribeDirect("content", func(ctx context.Context, m *mcp.Message) error {
		<-release
		return replier(b)(ctx, m)
	})
	require.NoError(t, err)

	cmd := command(t, "central", "content", "create_script")
	_, err = b.Publish(context.Background(), cmd)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var released atomic.Int32
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.WaitForResponse(context.Background(), cmd.ID(), time.Second, ""); err == nil {
				released.Add(1)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(3), released.Load())
}

// --- Routing ---

func TestCommandWithoutRouteFails(t *testing.T) {
	b := newTestBus(t)

	cmd := command(t, "central", "nobody", "create_script")
	reply, err := b.Request(context.Background(), cmd, time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeRouting))
	assert.True(t, errors.IsPermanent(err))

	require.NotNil(t, reply)
	f, ok := reply.Failure()
	require.True(t, ok)
	assert.Equal(t, string(errors.ErrCodeRouting), f.ErrorCode)

	status, _ := b.Status(cmd.ID())
	assert.Equal(t, mcp.StatusFailed, status)
}

func TestFanOutInRegistrationOrder(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	var order []string
	record := func(name string) Handler {
		return func(context.Context, *mcp.Message) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}
	_, err := b.SubscribeType(mcp.TypeEvent, record("type"))
	require.NoError(t, err)
	_, err = b.SubscribeTopic("workflow", record("topic-1"))
	require.NoError(t, err)
	_, err = b.SubscribeTopic("workflow", record("topic-2"))
	require.NoError(t, err)
	_, err = b.SubscribeTopic("other", record("other"))
	require.NoError(t, err)

	_, err = b.Publish(context.Background(), event(t, "central", "workflow", "stage_started"))
	require.NoError(t, err)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})
	mu.Lock()
	assert.Equal(t, []string{"type", "topic-1", "topic-2"}, order)
	mu.Unlock()
}

func TestPerPairFIFO(t *testing.T) {
	const n = 100
	lim, err := ratelimit.New(ratelimit.Config{Rate: 1, Capacity: 4 * n})
	require.NoError(t, err)
	t.Cleanup(func() { lim.Close() })
	b := newTestBus(t, WithLimiter(lim))

	got := make(chan int64, n)
	_, err = b.SubscribeTopic("audio", func(_ context.Context, m *mcp.Message) error {
		ev, _ := m.Event()
		got <- ev.SequenceNumber
		return nil
	})
	require.NoError(t, err)

	for i := int64(1); i <= n; i++ {
		m, err := mcp.NewEvent("central", "audio", "tick", nil, mcp.WithSequence(i))
		require.NoError(t, err)
		_, err = b.Publish(context.Background(), m)
		require.NoError(t, err)
	}

	for i := int64(1); i <= n; i++ {
		select {
		case seq := <-got:
			require.Equal(t, i, seq)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}

func TestHandlersGetIndependentCopies(t *testing.T) {
	b := newTestBus(t)
	seen := make(chan string, 2)
	_, err := b.SubscribeTopic("t", func(_ context.Context, m *mcp.Message) error {
		ev, _ := m.Event()
		ev.Data["k"] = "mutated"
		return nil
	})
	require.NoError(t, err)
	_, err = b.SubscribeTopic("t", func(_ context.Context, m *mcp.Message) error {
		ev, _ := m.Event()
		seen <- ev.Data["k"].(string)
		return nil
	})
	require.NoError(t, err)

	_, err = b.Publish(context.Background(), event(t, "a", "t", "e"))
	require.NoError(t, err)
	assert.Equal(t, "v", <-seen)
}

func TestUnsubscribe(t *testing.T) {
	b := newTestBus(t)
	var calls atomic.Int32
	sub, err := b.SubscribeTopic("t", func(context.Context, *mcp.Message) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, b.SubscriptionCount())

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 0, b.SubscriptionCount())

	_, err = b.Publish(context.Background(), event(t, "a", "t", "e"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

// --- Handler failures ---

func TestHandlerPanicBecomesProcessingError(t *testing.T) {
	b := newTestBus(t)
	observed := make(chan string, 1)
	_, err := b.SubscribeDirect("content", func(context.Context, *mcp.Message) error {
		panic("boom")
	})
	require.NoError(t, err)
	_, err = b.SubscribeType(mcp.TypeCommand, func(_ context.Context, m *mcp.Message) error {
		observed <- m.ID()
		return nil
	})
	require.NoError(t, err)

	cmd := command(t, "central", "content", "create_script")
	reply, err := b.Request(context.Background(), cmd, time.Second)
	require.NoError(t, err)

	f, ok := reply.Failure()
	require.True(t, ok, "expected an ERROR reply, got %s", reply.Type())
	assert.Equal(t, string(errors.ErrCodeProcessing), f.ErrorCode)
	assert.Equal(t, cmd.ID(), reply.Header.CorrelationID)
	assert.Contains(t, f.ErrorMessage, "boom")

	select {
	case id := <-observed:
		assert.Equal(t, cmd.ID(), id, "other subscribers still receive the message")
	case <-time.After(time.Second):
		t.Fatal("type subscriber not invoked")
	}
}

func TestEventHandlerErrorNotifiesSource(t *testing.T) {
	b := newTestBus(t)
	notices := make(chan *mcp.Message, 1)
	_, err := b.SubscribeDirect("central", func(_ context.Context, m *mcp.Message) error {
		if m.Type() == mcp.TypeError {
			notices <- m
		}
		return nil
	})
	require.NoError(t, err)
	_, err = b.SubscribeTopic("video", func(context.Context, *mcp.Message) error {
		return errors.Processing("render failed")
	})
	require.NoError(t, err)

	ev := event(t, "central", "video", "asset_ready")
	_, err = b.Publish(context.Background(), ev)
	require.NoError(t, err)

	select {
	case n := <-notices:
		assert.Equal(t, ev.ID(), n.Header.CorrelationID)
		assert.Equal(t, "video", n.Header.Source)
	case <-time.After(time.Second):
		t.Fatal("no error notice")
	}
	waitFor(t, func() bool {
		s, _ := b.Status(ev.ID())
		return s == mcp.StatusFailed
	})
}

// --- Breaker ---

func TestBreakerTripsOnHandlerFailures(t *testing.T) {
	b := newTestBus(t, WithBreakers(breaker.New(breaker.Config{FailureThreshold: 3, Cooldown: time.Minute})))
	var calls atomic.Int32
	_, err := b.SubscribeDirect("content", func(context.Context, *mcp.Message) error {
		calls.Add(1)
		return errors.Processing("script generator unavailable")
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		reply, err := b.Request(context.Background(), command(t, "central", "content", "create_script"), time.Second)
		require.NoError(t, err)
		assert.Equal(t, mcp.TypeError, reply.Type())
	}
	assert.Equal(t, breaker.StateOpen, b.Breakers().State("content"))

	reply, err := b.Request(context.Background(), command(t, "central", "content", "create_script"), time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeCircuitOpen))
	assert.True(t, errors.IsTemporary(err))
	require.NotNil(t, reply)
	f, _ := reply.Failure()
	assert.Equal(t, string(errors.ErrCodeCircuitOpen), f.ErrorCode)
	assert.Equal(t, int32(3), calls.Load(), "no handler invocation while open")
}

func TestForcedOpenBreakerRejectsWithoutDelivery(t *testing.T) {
	b := newTestBus(t)
	var calls atomic.Int32
	_, err := b.SubscribeDirect("content", func(context.Context, *mcp.Message) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)

	b.Breakers().ForceOpen("content")
	cmd := command(t, "central", "content", "create_script")
	_, err = b.Publish(context.Background(), cmd)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeCircuitOpen))

	reply, err := b.WaitForResponse(context.Background(), cmd.ID(), time.Second, "")
	require.NoError(t, err, "rejection reply is cached for late waiters")
	assert.Equal(t, mcp.TypeError, reply.Type())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, int64(1), b.Metrics().MessagesRejected)

	b.Breakers().Reset("content")
	_, err = b.Publish(context.Background(), command(t, "central", "content", "create_script"))
	require.NoError(t, err)
}

func TestHalfOpenTrialClosesBreaker(t *testing.T) {
	b := newTestBus(t, WithBreakers(breaker.New(breaker.Config{FailureThreshold: 1, Cooldown: 40 * time.Millisecond})))
	var fail atomic.Bool
	fail.Store(true)
	_, err := b.SubscribeDirect("content", func(ctx context.Context, m *mcp.Message) error {
		if fail.Load() {
			return errors.Processing("down")
		}
		return replier(b)(ctx, m)
	})
	require.NoError(t, err)

	_, err = b.Request(context.Background(), command(t, "central", "content", "a"), time.Second)
	require.NoError(t, err)
	require.Equal(t, breaker.StateOpen, b.Breakers().State("content"))

	time.Sleep(60 * time.Millisecond)
	fail.Store(false)
	reply, err := b.Request(context.Background(), command(t, "central", "content", "a"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, mcp.TypeResponse, reply.Type())
	assert.Equal(t, breaker.StateClosed, b.Breakers().State("content"))
}

func TestPermanentErrorReplyDoesNotTrip(t *testing.T) {
	b := newTestBus(t, WithBreakers(breaker.New(breaker.Config{FailureThreshold: 1, Cooldown: time.Minute})))
	_, err := b.SubscribeDirect("content", func(ctx context.Context, m *mcp.Message) error {
		reply, err := m.FailWith(errors.Validation("topic", "topic is required"))
		if err != nil {
			return err
		}
		_, err = b.Publish(ctx, reply)
		return err
	})
	require.NoError(t, err)

	_, err = b.Request(context.Background(), command(t, "central", "content", "a"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, breaker.StateClosed, b.Breakers().State("content"))
}

// --- Rate limiting ---

func TestRateLimitRejectsWhenBucketEmpty(t *testing.T) {
	lim, err := ratelimit.New(ratelimit.Config{Rate: 0.001, Capacity: 2})
	require.NoError(t, err)
	t.Cleanup(func() { lim.Close() })
	b := newTestBus(t, WithLimiter(lim))
	_, err = b.SubscribeTopic("audio", func(context.Context, *mcp.Message) error { return nil })
	require.NoError(t, err)

	_, err = b.Publish(context.Background(), event(t, "central", "audio", "e"))
	require.NoError(t, err)

	m := event(t, "central", "audio", "e")
	_, err = b.Publish(context.Background(), m)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeRateLimited))
	status, _ := b.Status(m.ID())
	assert.Equal(t, mcp.StatusFailed, status)

	// Critical costs one token, still nothing left.
	crit, err := mcp.NewEvent("central", "audio", "e", nil, mcp.WithPriority(mcp.PriorityCritical))
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), crit)
	assert.True(t, errors.Is(err, errors.ErrCodeRateLimited))

	// Other targets have their own bucket.
	_, err = b.Publish(context.Background(), event(t, "central", "video", "e"))
	require.NoError(t, err)
}

func TestRepliesBypassAdmission(t *testing.T) {
	lim, err := ratelimit.New(ratelimit.Config{Rate: 0.001, Capacity: 2})
	require.NoError(t, err)
	t.Cleanup(func() { lim.Close() })
	b := newTestBus(t, WithLimiter(lim))
	_, err = b.SubscribeDirect("content", replier(b))
	require.NoError(t, err)

	reply, err := b.Request(context.Background(), command(t, "central", "content", "a"), time.Second)
	require.NoError(t, err, "reply to central must not need tokens")
	assert.Equal(t, mcp.TypeResponse, reply.Type())
}

func TestStateUpdatesBypassAdmission(t *testing.T) {
	lim, err := ratelimit.New(ratelimit.Config{Rate: 0.001, Capacity: 2})
	require.NoError(t, err)
	t.Cleanup(func() { lim.Close() })
	b := newTestBus(t,
		WithLimiter(lim),
		WithBreakers(breaker.New(breaker.Config{FailureThreshold: 1, Cooldown: time.Minute})))

	var delivered atomic.Int32
	_, err = b.SubscribeTopic("workflow", func(context.Context, *mcp.Message) error {
		delivered.Add(1)
		return errors.Processing("observer down")
	})
	require.NoError(t, err)

	const n = 10
	for i := 0; i < n; i++ {
		m, err := mcp.NewStateUpdate("workflow-engine", "workflow", &mcp.StateUpdate{
			EntityID:     "wf-1",
			EntityType:   "workflow",
			CurrentState: map[string]any{"step": i},
		})
		require.NoError(t, err)
		_, err = b.Publish(context.Background(), m)
		require.NoError(t, err, "update %d", i)
	}
	waitFor(t, func() bool { return delivered.Load() == n })
	assert.Equal(t, breaker.StateClosed, b.Breakers().State("workflow"))
	assert.Equal(t, int64(0), b.Metrics().MessagesRejected)
}

// --- TTL ---

func TestExpiredMessageTimesOut(t *testing.T) {
	b := newTestBus(t)
	_, err := b.SubscribeTopic("t", func(context.Context, *mcp.Message) error { return nil })
	require.NoError(t, err)

	m := event(t, "a", "t", "e")
	m.Header.TTL = 1
	m.Header.Timestamp = time.Now().Add(-2 * time.Second)

	_, err = b.Publish(context.Background(), m)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeTimeout))
	assert.Equal(t, mcp.StatusTimeout, m.Header.Status)
}

func TestInvalidMessageRejected(t *testing.T) {
	b := newTestBus(t)
	m := event(t, "a", "t", "e")
	m.Header.Source = ""
	_, err := b.Publish(context.Background(), m)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))
}

// --- History & metrics ---

func TestHistoryMostRecentFirst(t *testing.T) {
	b := newTestBus(t)
	_, err := b.SubscribeTopic("t", func(context.Context, *mcp.Message) error { return nil })
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 3; i++ {
		m := event(t, "a", "t", "e")
		m.Header.SessionID = "s1"
		_, err := b.Publish(context.Background(), m)
		require.NoError(t, err)
		ids = append(ids, m.ID())
	}
	_, err = b.Publish(context.Background(), event(t, "b", "t", "e"))
	require.NoError(t, err)

	got := b.History(HistoryFilter{SessionID: "s1", Limit: 2})
	require.Len(t, got, 2)
	assert.Equal(t, ids[2], got[0].ID())
	assert.Equal(t, ids[1], got[1].ID())

	assert.Len(t, b.History(HistoryFilter{AgentID: "b"}), 1)
	assert.Len(t, b.History(HistoryFilter{Type: mcp.TypeCommand}), 0)

	m, ok := b.MessageByID(ids[0])
	require.True(t, ok)
	assert.Equal(t, ids[0], m.ID())
	_, ok = b.MessageByID("mcp_missing")
	assert.False(t, ok)
}

func TestHistoryIsBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistorySize = 3
	b, err := New(cfg, WithLogger(logging.Nop()))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	var last string
	for i := 0; i < 5; i++ {
		m := event(t, "a", "t", "e")
		_, err := b.Publish(context.Background(), m)
		require.NoError(t, err)
		last = m.ID()
	}
	got := b.History(HistoryFilter{})
	require.Len(t, got, 3)
	assert.Equal(t, last, got[0].ID())
}

func TestMetrics(t *testing.T) {
	b := newTestBus(t)
	_, err := b.SubscribeDirect("content", replier(b))
	require.NoError(t, err)

	_, err = b.Request(context.Background(), command(t, "central", "content", "a"), time.Second)
	require.NoError(t, err)
	_, _ = b.Publish(context.Background(), command(t, "central", "nobody", "a"))

	waitFor(t, func() bool { return b.Metrics().QueueSize == 0 })
	m := b.Metrics()
	assert.Equal(t, int64(3), m.MessagesPublished, "command, response and routing error reply")
	assert.Equal(t, int64(1), m.MessagesRejected)
	assert.Equal(t, int64(1), m.ByType[mcp.TypeCommand])
	assert.Equal(t, int64(1), m.ByTarget["content"])
	assert.Equal(t, int64(1), m.RejectedByTarget["nobody"])
	assert.GreaterOrEqual(t, m.MessagesProcessed, int64(1))
	assert.Equal(t, 1, m.Subscriptions)
	assert.Contains(t, m.Breakers, "content")
	assert.Contains(t, m.RateLimits, "content")
}

// --- Persistence & replay ---

func TestReplayDeliversUnprocessedMessages(t *testing.T) {
	s := store.NewMemoryStore()
	cmd := command(t, "central", "content", "create_script", mcp.WithPriority(mcp.PriorityHigh))
	require.NoError(t, s.Save(context.Background(), cmd))

	b := newTestBus(t, WithStore(s))
	got := make(chan *mcp.Message, 1)
	_, err := b.SubscribeDirect("content", func(_ context.Context, m *mcp.Message) error {
		got <- m
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))

	select {
	case m := <-got:
		assert.Equal(t, cmd.ID(), m.ID())
		replayed, _ := m.Meta(mcp.MetaReplayed)
		assert.Equal(t, true, replayed)
	case <-time.After(time.Second):
		t.Fatal("replayed message not delivered")
	}

	waitFor(t, func() bool {
		left, err := s.Query(context.Background(), store.Filter{})
		return err == nil && len(left) == 0
	})
}

func TestPublishPersistsByPolicy(t *testing.T) {
	s := store.NewMemoryStore()
	b := newTestBus(t, WithStore(s))
	_, err := b.SubscribeTopic("t", func(context.Context, *mcp.Message) error { return nil })
	require.NoError(t, err)

	hb, err := mcp.NewHeartbeat("content", "t", "online", 0.2, time.Minute)
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), hb)
	require.NoError(t, err)

	high, err := mcp.NewEvent("a", "t", "e", nil, mcp.WithPriority(mcp.PriorityHigh))
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), high)
	require.NoError(t, err)

	assert.Equal(t, 1, s.Len())
	waitFor(t, func() bool {
		left, _ := s.Query(context.Background(), store.Filter{})
		return len(left) == 0
	})
}

// --- Mirrors & lifecycle ---

type recordingMirror struct {
	mu     sync.Mutex
	ids    []string
	closed bool
}

func (r *recordingMirror) Mirror(_ context.Context, m *mcp.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, m.ID())
	return nil
}

func (r *recordingMirror) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func TestMirrorReceivesAdmittedMessages(t *testing.T) {
	rec := &recordingMirror{}
	b, err := New(DefaultConfig(), WithLogger(logging.Nop()), WithMirror(rec))
	require.NoError(t, err)

	m := event(t, "a", "t", "e")
	_, err = b.Publish(context.Background(), m)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{m.ID()}, rec.ids)
	assert.True(t, rec.closed)
}

func TestCloseReleasesWaiters(t *testing.T) {
	b, err := New(DefaultConfig(), WithLogger(logging.Nop()))
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := b.WaitForResponse(context.Background(), "mcp_never", time.Minute, "")
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Close())

	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, errors.ErrCodeSystem))
	case <-time.After(time.Second):
		t.Fatal("waiter not released on close")
	}

	_, err = b.Publish(context.Background(), event(t, "a", "t", "e"))
	assert.Error(t, err)
}

func TestSubjectToken(t *testing.T) {
	assert.Equal(t, "a_b_c", subjectToken("a.b*c"))
	assert.Equal(t, "_", subjectToken(""))

	n := NewNATSMirrorFromConn(nil, NATSConfig{})
	m := event(t, "a", "team.alpha", "e")
	assert.Equal(t, "mcp.event.team_alpha", n.Subject(m))
}

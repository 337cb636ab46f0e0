package shutdown

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vinayprograms/mcpbus/logging"
)

func newTestCoordinator(cfg Config) *Coordinator {
	cfg.Logger = logging.Nop()
	return NewCoordinator(cfg)
}

type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, name)
}

type fakeStopper struct{ stopped atomic.Bool }

func (f *fakeStopper) Stop(ctx context.Context) error {
	f.stopped.Store(true)
	return nil
}

type fakeCloser struct {
	closed atomic.Bool
	err    error
}

func (f *fakeCloser) Close() error {
	f.closed.Store(true)
	return f.err
}

func TestDaemonPhaseOrder(t *testing.T) {
	sd := newTestCoordinator(DefaultConfig())
	rec := &recorder{}

	// Registered out of order on purpose.
	for _, h := range []struct {
		name  string
		phase int
	}{
		{"telemetry", PhaseTelemetry},
		{"store", PhaseStore},
		{"bus", PhaseBus},
		{"monitor", PhaseEdges},
		{"agents", PhaseAgents},
		{"workflow", PhaseWorkflow},
	} {
		name := h.name
		sd.RegisterFunc(name, func(ctx context.Context) error {
			rec.add(name)
			return nil
		}, h.phase)
	}

	if err := sd.ShutdownWithTimeout(5 * time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"agents", "workflow", "bus", "monitor", "store", "telemetry"}
	if strings.Join(rec.order, ",") != strings.Join(want, ",") {
		t.Fatalf("order = %v, want %v", rec.order, want)
	}
}

func TestSamePhaseRunsConcurrently(t *testing.T) {
	sd := newTestCoordinator(DefaultConfig())
	var running, peak int32
	for _, name := range []string{"nats-mirror", "redis-mirror", "monitor"} {
		sd.RegisterFunc(name, func(ctx context.Context) error {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil
		}, PhaseEdges)
	}

	if err := sd.ShutdownWithTimeout(5 * time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if peak != 3 {
		t.Fatalf("peak concurrency = %d, want 3", peak)
	}
}

func TestCloserAndStopAdapters(t *testing.T) {
	sd := newTestCoordinator(DefaultConfig())
	st := &fakeStopper{}
	cl := &fakeCloser{}
	sd.RegisterWithPhase("coordinator", Stop(st), PhaseAgents)
	sd.RegisterWithPhase("store", Closer(cl), PhaseStore)

	if err := sd.ShutdownWithTimeout(time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !st.stopped.Load() {
		t.Fatal("stopper not stopped")
	}
	if !cl.closed.Load() {
		t.Fatal("closer not closed")
	}
}

func TestFailureNamesHandlers(t *testing.T) {
	sd := newTestCoordinator(DefaultConfig())
	var storeClosed atomic.Bool
	sd.RegisterWithPhase("bus", Closer(&fakeCloser{err: errors.New("drain failed")}), PhaseBus)
	sd.RegisterFunc("store", func(ctx context.Context) error {
		storeClosed.Store(true)
		return nil
	}, PhaseStore)

	err := sd.ShutdownWithTimeout(time.Second)
	if !errors.Is(err, ErrHandlerFailed) {
		t.Fatalf("expected ErrHandlerFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "bus") {
		t.Fatalf("error %q does not name the handler", err)
	}
	if !storeClosed.Load() {
		t.Fatal("later phase skipped with ContinueOnError")
	}
	failed := sd.Result().FailedHandlers()
	if len(failed) != 1 || failed[0] != "bus" {
		t.Fatalf("FailedHandlers = %v", failed)
	}
}

func TestStopOnFirstFailedPhase(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ContinueOnError = false
	sd := newTestCoordinator(cfg)
	var storeClosed atomic.Bool
	sd.RegisterFunc("bus", func(ctx context.Context) error {
		return errors.New("boom")
	}, PhaseBus)
	sd.RegisterFunc("store", func(ctx context.Context) error {
		storeClosed.Store(true)
		return nil
	}, PhaseStore)

	if err := sd.ShutdownWithTimeout(time.Second); !errors.Is(err, ErrHandlerFailed) {
		t.Fatalf("expected ErrHandlerFailed, got %v", err)
	}
	if storeClosed.Load() {
		t.Fatal("store phase ran after failure")
	}
}

func TestTimeoutSkipsLaterPhases(t *testing.T) {
	sd := newTestCoordinator(DefaultConfig())
	var telemetryRan atomic.Bool
	sd.RegisterFunc("agents", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, PhaseAgents)
	sd.RegisterFunc("telemetry", func(ctx context.Context) error {
		telemetryRan.Store(true)
		return nil
	}, PhaseTelemetry)

	err := sd.ShutdownWithTimeout(30 * time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if telemetryRan.Load() {
		t.Fatal("phase ran after timeout")
	}
}

func TestShutdownRunsOnce(t *testing.T) {
	sd := newTestCoordinator(DefaultConfig())
	var calls int32
	sd.RegisterFunc("bus", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, PhaseBus)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sd.ShutdownWithTimeout(time.Second)
		}()
	}
	wg.Wait()
	if calls != 1 {
		t.Fatalf("handler ran %d times", calls)
	}
}

func TestTriggerStartsShutdown(t *testing.T) {
	sd := newTestCoordinator(DefaultConfig())
	var ran atomic.Bool
	sd.RegisterFunc("bus", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}, PhaseBus)
	sd.HandleSignals()
	sd.Trigger()

	select {
	case <-sd.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown not triggered")
	}
	if !ran.Load() {
		t.Fatal("handler did not run")
	}
	if sd.Err() != nil {
		t.Fatalf("unexpected error: %v", sd.Err())
	}
}

func TestResultBeforeDone(t *testing.T) {
	sd := newTestCoordinator(DefaultConfig())
	if sd.Result() != nil || sd.Err() != nil {
		t.Fatal("result available before shutdown")
	}
}

func TestDefaultPhaseRunsLast(t *testing.T) {
	sd := newTestCoordinator(DefaultConfig())
	rec := &recorder{}
	sd.Register("extra", Func(func(ctx context.Context) error {
		rec.add("extra")
		return nil
	}))
	sd.RegisterFunc("telemetry", func(ctx context.Context) error {
		rec.add("telemetry")
		return nil
	}, PhaseTelemetry)

	if err := sd.ShutdownWithTimeout(time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Join(rec.order, ",") != "telemetry,extra" {
		t.Fatalf("order = %v", rec.order)
	}
	if got := sd.Result().Results[1].Phase; got != 100 {
		t.Fatalf("default phase = %d", got)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	cfg.Timeout = -time.Second
	if !errors.Is(cfg.Validate(), ErrInvalidConfig) {
		t.Fatal("negative timeout accepted")
	}
}

func TestGroupByPhase(t *testing.T) {
	if groups := groupByPhase(nil); len(groups) != 0 {
		t.Fatalf("expected no groups, got %d", len(groups))
	}
	groups := groupByPhase([]registration{
		{name: "a", phase: PhaseAgents},
		{name: "b", phase: PhaseAgents},
		{name: "c", phase: PhaseBus},
	})
	if len(groups) != 2 || len(groups[0]) != 2 || groups[1][0].name != "c" {
		t.Fatalf("unexpected grouping: %+v", groups)
	}
}

package retry

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/vinayprograms/mcpbus/errors"
)

func TestDelay_Exponential(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for attempt, w := range want {
		if got := p.Delay(attempt); got != w*time.Millisecond {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, w*time.Millisecond)
		}
	}
}

func TestDelay_JitterBounds(t *testing.T) {
	orig := randFunc
	defer func() { randFunc = orig }()

	p := Policy{BaseDelay: time.Second, MaxDelay: time.Minute, Jitter: 0.25}

	randFunc = func() float64 { return 0 }
	if got := p.Delay(0); got != 750*time.Millisecond {
		t.Errorf("low jitter = %v", got)
	}
	randFunc = func() float64 { return 0.999999 }
	if got := p.Delay(0); got < 1249*time.Millisecond || got > 1250*time.Millisecond {
		t.Errorf("high jitter = %v", got)
	}
	randFunc = func() float64 { return 0.5 }
	if got := p.Delay(0); got != time.Second {
		t.Errorf("mid jitter = %v", got)
	}
}

func TestDo_RetriesTemporary(t *testing.T) {
	p := Policy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	calls := 0
	var hooks []Attempt
	err := Do(context.Background(), p, func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 2 {
			return errors.Timeout("no reply")
		}
		return nil
	}, OnRetry(func(a Attempt) { hooks = append(hooks, a) }))

	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(hooks) != 2 || hooks[0].Number != 1 || hooks[1].Number != 2 {
		t.Errorf("hooks = %+v", hooks)
	}
}

func TestDo_StopsOnPermanent(t *testing.T) {
	p := Policy{MaxRetries: 5, BaseDelay: time.Millisecond}
	calls := 0
	err := Do(context.Background(), p, func(ctx context.Context, attempt int) error {
		calls++
		return errors.Validation("body.action", "missing")
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, errors.ErrCodeValidation) {
		t.Errorf("err = %v", err)
	}
}

func TestDo_Exhaustion(t *testing.T) {
	p := Policy{MaxRetries: 2, BaseDelay: time.Millisecond}
	calls := 0
	err := Do(context.Background(), p, func(ctx context.Context, attempt int) error {
		calls++
		return errors.CircuitOpen("content")
	})
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if !errors.Is(err, errors.ErrCodeCircuitOpen) {
		t.Errorf("final error should be surfaced, got %v", err)
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	p := Policy{MaxRetries: 10, BaseDelay: time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := Do(ctx, p, func(ctx context.Context, attempt int) error {
		return errors.Timeout("no reply")
	})
	if !stderrors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline in chain, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Do should stop waiting when ctx ends")
	}
}

func TestDo_HonorsSuggestedDelay(t *testing.T) {
	p := Policy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Second}
	var got time.Duration
	_ = Do(context.Background(), p, func(ctx context.Context, attempt int) error {
		return errors.RateLimited("x", errors.WithRetryDelay(30*time.Millisecond))
	}, OnRetry(func(a Attempt) { got = a.Delay }))
	if got != 30*time.Millisecond {
		t.Errorf("delay = %v, want suggested 30ms", got)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.Timeout("x"), true},
		{errors.RateLimited("x"), true},
		{errors.Routing("x"), false},
		{errors.New(errors.ErrCodeCanceled, "x"), false},
		{context.DeadlineExceeded, true},
		{stderrors.New("plain"), false},
	}
	for _, tt := range tests {
		if got := Retryable(tt.err); got != tt.want {
			t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

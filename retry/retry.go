// Package retry runs an operation with capped exponential backoff and jitter.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/vinayprograms/mcpbus/errors"
)

// Policy configures retries.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int `json:"max_retries" toml:"max_retries"`

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration `json:"base_delay" toml:"base_delay"`

	// MaxDelay caps any single delay.
	MaxDelay time.Duration `json:"max_delay" toml:"max_delay"`

	// Jitter randomizes each delay by up to this fraction in either direction.
	Jitter float64 `json:"jitter" toml:"jitter"`
}

// DefaultPolicy returns a policy with sensible defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Jitter:     0.2,
	}
}

// None never retries.
func None() Policy {
	return Policy{}
}

// randFunc returns a value in [0, 1). Tests replace it.
var randFunc = rand.Float64

// Delay returns the wait before retry number attempt (0-based):
// min(MaxDelay, BaseDelay * 2^attempt), scaled by 1 +/- Jitter.
func (p Policy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		d *= 1 + p.Jitter*(2*randFunc()-1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Retryable reports whether err warrants another attempt. Permanent errors
// and cancellation stop retrying; temporary errors and deadlines continue.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errors.ErrCodeCanceled) {
		return false
	}
	return errors.IsRetryable(err)
}

// Attempt describes one call for OnRetry hooks.
type Attempt struct {
	Number int           // 1-based retry number
	Err    error         // error from the previous attempt
	Delay  time.Duration // wait before this retry
}

// Option customizes Do.
type Option func(*options)

type options struct {
	onRetry   func(Attempt)
	retryable func(error) bool
}

// OnRetry registers a hook called before each retry.
func OnRetry(fn func(Attempt)) Option {
	return func(o *options) { o.onRetry = fn }
}

// If replaces the retryable classifier.
func If(fn func(error) bool) Option {
	return func(o *options) { o.retryable = fn }
}

// Do calls fn until it succeeds, returns a non-retryable error, the policy
// is exhausted, or ctx ends. The attempt number passed to fn starts at 0.
// A suggested retry delay on a structured error raises the computed delay.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error, opts ...Option) error {
	o := options{retryable: Retryable}
	for _, opt := range opts {
		opt(&o)
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if attempt >= p.MaxRetries || !o.retryable(err) {
			return err
		}

		delay := p.Delay(attempt)
		if mErr, ok := errors.As(err); ok && mErr.RetryDelay() > delay {
			delay = mErr.RetryDelay()
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}
		if o.onRetry != nil {
			o.onRetry(Attempt{Number: attempt + 1, Err: err, Delay: delay})
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
}

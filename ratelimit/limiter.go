package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vinayprograms/mcpbus/errors"
	"github.com/vinayprograms/mcpbus/mcp"
)

// bucket is one target's limiter plus bookkeeping for adaptive reduction.
type bucket struct {
	lim        *rate.Limiter
	baseRate   float64 // configured rate, the recovery ceiling
	capacity   int
	lastReduce time.Time
	rejected   int64
}

// Limiter is the in-process RateLimiter. It is safe for concurrent use.
type Limiter struct {
	config Config

	mu        sync.Mutex
	buckets   map[string]*bucket
	overrides map[string]Capacity
	closed    bool
	nowFunc   func() time.Time // for testing

	stopCh chan struct{}
	wg     sync.WaitGroup
}

var _ RateLimiter = (*Limiter)(nil)

// New creates a limiter and starts its recovery loop.
func New(cfg Config) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	l := &Limiter{
		config:    cfg,
		buckets:   make(map[string]*bucket),
		overrides: make(map[string]Capacity),
		nowFunc:   time.Now,
		stopCh:    make(chan struct{}),
	}
	l.wg.Add(1)
	go l.recoveryLoop()
	return l, nil
}

// getBucket returns the target's bucket, creating it full. Caller holds mu.
func (l *Limiter) getBucket(target string, now time.Time) *bucket {
	b, ok := l.buckets[target]
	if ok {
		return b
	}
	r, c := l.config.Rate, l.config.Capacity
	if o, ok := l.overrides[target]; ok {
		r, c = o.Rate, o.Capacity
	}
	lim := rate.NewLimiter(rate.Limit(r), c)
	lim.SetBurstAt(now, c) // anchor the limiter clock at now
	b = &bucket{lim: lim, baseRate: r, capacity: c}
	l.buckets[target] = b
	return b
}

func (l *Limiter) rejectErr(target string, b *bucket, delay time.Duration) error {
	b.rejected++
	return errors.RateLimited(target,
		errors.WithRetryDelay(delay),
		errors.WithDetail("tokens", b.lim.TokensAt(l.nowFunc())),
		errors.WithRecoveryStrategy("backoff"))
}

// TryAcquire consumes tokens for priority without waiting.
func (l *Limiter) TryAcquire(target string, priority mcp.Priority) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	now := l.nowFunc()
	b := l.getBucket(target, now)
	cost := l.config.cost(priority, b.capacity)
	if b.lim.AllowN(now, cost) {
		return nil
	}
	return l.rejectErr(target, b, l.deficitDelay(b, cost, now))
}

// deficitDelay estimates how long until cost tokens are available.
func (l *Limiter) deficitDelay(b *bucket, cost int, now time.Time) time.Duration {
	r := float64(b.lim.Limit())
	if r <= 0 {
		return l.config.MaxWait
	}
	missing := float64(cost) - b.lim.TokensAt(now)
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / r * float64(time.Second))
}

// Acquire consumes tokens for priority, waiting up to MaxWait.
func (l *Limiter) Acquire(ctx context.Context, target string, priority mcp.Priority) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	now := l.nowFunc()
	b := l.getBucket(target, now)
	cost := l.config.cost(priority, b.capacity)
	res := b.lim.ReserveN(now, cost)
	if !res.OK() {
		err := l.rejectErr(target, b, l.config.MaxWait)
		l.mu.Unlock()
		return err
	}
	delay := res.DelayFrom(now)
	if delay > l.config.MaxWait {
		res.CancelAt(now)
		err := l.rejectErr(target, b, delay)
		l.mu.Unlock()
		return err
	}
	l.mu.Unlock()

	if delay == 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		res.Cancel()
		return errors.Wrap(ctx.Err(), "waiting for rate limit tokens")
	}
}

// SetCapacity overrides rate and capacity for target.
func (l *Limiter) SetCapacity(target string, ratePerSec float64, capacity int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.overrides[target] = Capacity{Target: target, Rate: ratePerSec, Capacity: capacity}
	now := l.nowFunc()
	if b, ok := l.buckets[target]; ok {
		b.baseRate = ratePerSec
		b.capacity = capacity
		b.lim.SetLimitAt(now, rate.Limit(ratePerSec))
		b.lim.SetBurstAt(now, capacity)
	}
}

// Reduce lowers the target's rate by ReduceFactor.
func (l *Limiter) Reduce(target string, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	b := l.getBucket(target, now)
	reduced := float64(b.lim.Limit()) * l.config.ReduceFactor
	if floor := b.baseRate / 100; reduced < floor {
		reduced = floor
	}
	b.lim.SetLimitAt(now, rate.Limit(reduced))
	b.lastReduce = now
}

// GetCapacity reports the bucket for target, nil if never used.
func (l *Limiter) GetCapacity(target string) *Capacity {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[target]
	if !ok {
		return nil
	}
	return l.capacityOf(target, b)
}

func (l *Limiter) capacityOf(target string, b *bucket) *Capacity {
	return &Capacity{
		Target:   target,
		Tokens:   b.lim.TokensAt(l.nowFunc()),
		Capacity: b.capacity,
		Rate:     float64(b.lim.Limit()),
		BaseRate: b.baseRate,
		Rejected: b.rejected,
	}
}

// Snapshot returns every known bucket.
func (l *Limiter) Snapshot() map[string]Capacity {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]Capacity, len(l.buckets))
	for target, b := range l.buckets {
		out[target] = *l.capacityOf(target, b)
	}
	return out
}

// Close stops the recovery loop.
func (l *Limiter) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.stopCh)
	l.wg.Wait()
	return nil
}

func (l *Limiter) recoveryLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.recover()
		}
	}
}

// recover raises reduced rates toward their base rate.
func (l *Limiter) recover() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	for _, b := range l.buckets {
		current := float64(b.lim.Limit())
		if current >= b.baseRate {
			continue
		}
		if now.Sub(b.lastReduce) < l.config.RecoveryInterval {
			continue
		}
		next := current * l.config.RecoveryFactor
		if next > b.baseRate {
			next = b.baseRate
		}
		b.lim.SetLimitAt(now, rate.Limit(next))
	}
}

// Package idempotency remembers command outcomes by idempotency key so that a
// retried or duplicated command returns the recorded outcome instead of
// executing its side effects again.
package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/vinayprograms/mcpbus/errors"
	"github.com/vinayprograms/mcpbus/mcp"
)

// Outcome is the recorded result of one execution. Exactly one of Response
// and Err is set.
type Outcome struct {
	Response   *mcp.Response
	Err        *errors.Error
	RecordedAt time.Time
}

// Config configures a Cache.
type Config struct {
	// Retention is how long an outcome is remembered.
	// Default: 1 hour
	Retention time.Duration

	// SweepInterval is how often expired outcomes are removed.
	// Default: 1 minute
	SweepInterval time.Duration
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Retention:     time.Hour,
		SweepInterval: time.Minute,
	}
}

type call struct {
	done    chan struct{}
	outcome Outcome
}

// Cache maps idempotency keys to outcomes. It is safe for concurrent use.
type Cache struct {
	config Config

	mu       sync.Mutex
	records  map[string]Outcome
	inflight map[string]*call
	nowFunc  func() time.Time // for testing

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a cache and starts its sweep loop.
func New(cfg Config) *Cache {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	c := &Cache{
		config:   cfg,
		records:  make(map[string]Outcome),
		inflight: make(map[string]*call),
		nowFunc:  time.Now,
		stopCh:   make(chan struct{}),
	}
	c.wg.Add(1)
	go c.sweepLoop()
	return c
}

// Lookup returns the live outcome for key.
func (c *Cache) Lookup(key string) (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(key)
}

func (c *Cache) lookupLocked(key string) (Outcome, bool) {
	o, ok := c.records[key]
	if !ok {
		return Outcome{}, false
	}
	if c.nowFunc().Sub(o.RecordedAt) > c.config.Retention {
		delete(c.records, key)
		return Outcome{}, false
	}
	return o, true
}

// Record stores an outcome for key.
func (c *Cache) Record(key string, o Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o.RecordedAt.IsZero() {
		o.RecordedAt = c.nowFunc()
	}
	c.records[key] = o
}

// Do executes fn once per key. A recorded outcome is returned without
// calling fn; concurrent callers with the same key wait for the first
// execution and share its outcome. replayed is false only for the caller
// that actually ran fn.
//
// Successful outcomes and permanent errors are recorded. Temporary errors
// are shared with concurrent waiters but not recorded, so a later retry
// executes again.
func (c *Cache) Do(ctx context.Context, key string, fn func(ctx context.Context) (*mcp.Response, error)) (o Outcome, replayed bool) {
	c.mu.Lock()
	if rec, ok := c.lookupLocked(key); ok {
		c.mu.Unlock()
		return rec, true
	}
	if cl, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-cl.done:
			return cl.outcome, true
		case <-ctx.Done():
			return Outcome{Err: errors.Wrap(ctx.Err(), "waiting for duplicate command")}, true
		}
	}
	cl := &call{done: make(chan struct{})}
	c.inflight[key] = cl
	c.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			cl.outcome = Outcome{Err: errors.RecoverPanic(r), RecordedAt: c.nowFunc()}
			o = cl.outcome
		}
		c.mu.Lock()
		delete(c.inflight, key)
		if cl.outcome.Err == nil || !cl.outcome.Err.Retryable() {
			c.records[key] = cl.outcome
		}
		c.mu.Unlock()
		close(cl.done)
	}()

	resp, err := fn(ctx)
	cl.outcome = Outcome{Response: resp, RecordedAt: c.nowFunc()}
	if err != nil {
		mErr, ok := errors.As(err)
		if !ok {
			mErr = errors.Wrap(err, "command failed")
		}
		cl.outcome = Outcome{Err: mErr, RecordedAt: cl.outcome.RecordedAt}
	}
	return cl.outcome, false
}

// Sweep removes expired outcomes and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.nowFunc()
	removed := 0
	for key, o := range c.records {
		if now.Sub(o.RecordedAt) > c.config.Retention {
			delete(c.records, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored outcomes, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Close stops the sweep loop.
func (c *Cache) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return nil
}

func (c *Cache) sweepLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

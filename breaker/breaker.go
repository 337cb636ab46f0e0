// Package breaker keeps one circuit breaker per bus target.
//
// Breakers are sony/gobreaker two-step breakers: Allow admits a message and
// returns a Done callback that the bus invokes once the outcome is known
// (reply received, handler failed, or timeout). A target trips to OPEN after
// FailureThreshold consecutive failures, rejects everything for Cooldown,
// then admits exactly one trial in HALF_OPEN.
package breaker

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vinayprograms/mcpbus/errors"
)

// State is the breaker state for a target.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Done reports the outcome of an admitted message. Calls after the first
// are ignored.
type Done func(success bool)

// Config configures the breaker set.
type Config struct {
	// FailureThreshold is the consecutive failure count that trips a breaker.
	// Default: 5
	FailureThreshold uint32

	// Cooldown is how long a tripped breaker stays open.
	// Default: 30 seconds
	Cooldown time.Duration

	// OnStateChange is called on every transition.
	OnStateChange func(target string, from, to State)
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// Status is a read-only view of one target's breaker.
type Status struct {
	Target              string    `json:"target"`
	State               State     `json:"state"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	Requests            uint32    `json:"requests"`
	Forced              bool      `json:"forced,omitempty"`
	LastTransition      time.Time `json:"last_transition"`
}

type entry struct {
	cb             *gobreaker.TwoStepCircuitBreaker
	forced         bool
	lastTransition time.Time
}

// Set holds one breaker per target. It is safe for concurrent use.
type Set struct {
	config Config

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty breaker set.
func New(cfg Config) *Set {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	return &Set{config: cfg, entries: make(map[string]*entry)}
}

// get returns the target's entry, creating it closed. Caller holds mu.
func (s *Set) get(target string) *entry {
	if e, ok := s.entries[target]; ok {
		return e
	}
	e := &entry{lastTransition: time.Now()}
	threshold := s.config.FailureThreshold
	e.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        target,
		MaxRequests: 1,
		Timeout:     s.config.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.noteTransition(name, fromGobreaker(from), fromGobreaker(to))
		},
	})
	s.entries[target] = e
	return e
}

// noteTransition is called by gobreaker from Allow, State and Done. Those
// are never invoked while holding s.mu.
func (s *Set) noteTransition(target string, from, to State) {
	s.mu.Lock()
	if e, ok := s.entries[target]; ok {
		e.lastTransition = time.Now()
	}
	cb := s.config.OnStateChange
	s.mu.Unlock()
	if cb != nil {
		cb(target, from, to)
	}
}

func (s *Set) lookup(target string) (*gobreaker.TwoStepCircuitBreaker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(target)
	return e.cb, e.forced
}

// Allow admits one message to target. On rejection it returns a TEMPORARY
// CIRCUIT_OPEN error and a nil Done.
func (s *Set) Allow(target string) (Done, error) {
	cb, forced := s.lookup(target)
	if forced {
		return nil, s.openErr(target, "forced open")
	}
	done, err := cb.Allow()
	if err != nil {
		reason := "open"
		if err == gobreaker.ErrTooManyRequests {
			reason = "half-open trial in flight"
		}
		return nil, s.openErr(target, reason)
	}
	var once sync.Once
	return func(success bool) {
		once.Do(func() { done(success) })
	}, nil
}

func (s *Set) openErr(target, reason string) error {
	return errors.CircuitOpen(target,
		errors.WithRetryDelay(s.config.Cooldown),
		errors.WithDetail("reason", reason),
		errors.WithRecoveryStrategy("wait_for_cooldown"))
}

// Record reports an outcome that was not tied to an Allow, such as a reply
// observed for a message admitted earlier. It is dropped while open.
func (s *Set) Record(target string, success bool) {
	cb, forced := s.lookup(target)
	if forced {
		return
	}
	if done, err := cb.Allow(); err == nil {
		done(success)
	}
}

// Check returns the CIRCUIT_OPEN error Allow would return while target is
// open, without taking a half-open trial slot.
func (s *Set) Check(target string) error {
	cb, forced := s.lookup(target)
	if forced {
		return s.openErr(target, "forced open")
	}
	if cb.State() == gobreaker.StateOpen {
		return s.openErr(target, "open")
	}
	return nil
}

// State returns the breaker state for target.
func (s *Set) State(target string) State {
	cb, forced := s.lookup(target)
	if forced {
		return StateOpen
	}
	return fromGobreaker(cb.State())
}

// ForceOpen rejects all traffic to target until Reset.
func (s *Set) ForceOpen(target string) {
	s.mu.Lock()
	e := s.get(target)
	was := e.forced
	e.forced = true
	e.lastTransition = time.Now()
	cb := s.config.OnStateChange
	s.mu.Unlock()
	if !was && cb != nil {
		cb(target, fromGobreaker(e.cb.State()), StateOpen)
	}
}

// Reset clears any override and returns target to a fresh CLOSED breaker.
func (s *Set) Reset(target string) {
	s.mu.Lock()
	delete(s.entries, target)
	s.get(target)
	s.mu.Unlock()
}

// Snapshot returns the status of every known target.
func (s *Set) Snapshot() map[string]Status {
	s.mu.Lock()
	targets := make(map[string]*entry, len(s.entries))
	for t, e := range s.entries {
		targets[t] = e
	}
	s.mu.Unlock()

	out := make(map[string]Status, len(targets))
	for t, e := range targets {
		state := fromGobreaker(e.cb.State())
		counts := e.cb.Counts()
		s.mu.Lock()
		forced, last := e.forced, e.lastTransition
		s.mu.Unlock()
		if forced {
			state = StateOpen
		}
		out[t] = Status{
			Target:              t,
			State:               state,
			ConsecutiveFailures: counts.ConsecutiveFailures,
			Requests:            counts.Requests,
			Forced:              forced,
			LastTransition:      last,
		}
	}
	return out
}

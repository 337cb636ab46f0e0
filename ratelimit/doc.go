// Package ratelimit provides per-target token buckets for bus admission.
//
// Each target gets its own bucket built on golang.org/x/time/rate. Tokens
// refill continuously at Rate per second up to Capacity. A publish consumes
// tokens by priority: critical and high traffic costs less than normal,
// which costs less than low, so urgent traffic exhausts the budget last.
//
// # Blocking or failing fast
//
// Acquire waits up to MaxWait for tokens; TryAcquire rejects immediately.
// Both return a TEMPORARY RATE_LIMITED error carrying the suggested delay:
//
//	limiter, _ := ratelimit.New(ratelimit.DefaultConfig())
//	defer limiter.Close()
//
//	if err := limiter.TryAcquire("render", mcp.PriorityNormal); err != nil {
//	    // back off
//	}
//
// # Adaptive reduction
//
// When a target replies with RATE_LIMITED, Reduce multiplies its rate by
// ReduceFactor. A background loop multiplies reduced rates by
// RecoveryFactor every RecoveryInterval until the configured rate is reached.
package ratelimit

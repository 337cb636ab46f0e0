// Package bus routes MCP messages between agents in one process.
//
// # Overview
//
// Agents publish messages and register handlers. The bus admits each
// message (validation, TTL, circuit breaker, rate limit), optionally
// persists it, and delivers it to every matching subscription:
//
//   - Direct subscriptions match messages whose target is the agent ID
//   - Topic subscriptions match messages whose target is the topic
//   - Type subscriptions match every message of one type
//
// A message is delivered once per matching subscription, in registration
// order. Every handler gets its own copy.
//
// # Ordering
//
// Messages between one source and one target are delivered in publish
// order by a dedicated lane goroutine. Lanes drain independently, so there
// is no ordering across different pairs.
//
// # Request/Reply
//
//	reply, err := b.Request(ctx, cmd, 10*time.Second)
//
// or, when the command was published earlier:
//
//	reply, err := b.WaitForResponse(ctx, cmd.ID(), 10*time.Second, "content")
//
// Replies that arrive before the wait starts are kept for a short time. On
// timeout a synthetic TIMEOUT error message is returned with the error.
//
// # Reliability
//
// Command outcomes feed the target's breaker: a RESPONSE is a success; an
// ERROR reply of TEMPORARY category (or PROCESSING, TIMEOUT, SYSTEM,
// ROUTING) and a missing reply are failures. Other messages count as
// failures when a handler fails. A RATE_LIMITED reply from a target lowers
// its rate.
//
// # Mirrors
//
// NATSMirror and RedisMirror copy admitted messages to external systems
// for observers. They are outbound only.
package bus

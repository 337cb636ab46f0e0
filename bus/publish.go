package bus

import (
	"context"
	"fmt"

	"github.com/vinayprograms/mcpbus/breaker"
	"github.com/vinayprograms/mcpbus/errors"
	"github.com/vinayprograms/mcpbus/mcp"
	"github.com/vinayprograms/mcpbus/ratelimit"
	"github.com/vinayprograms/mcpbus/telemetry"
)

// Publish admits m and queues it for delivery. It returns the message ID.
//
// Admission validates the message, drops it with status TIMEOUT when its
// TTL has elapsed, and checks the circuit breaker and rate limit of the
// target. Replies, heartbeats and state updates bypass the breaker and
// limiter. A rejected message gets status FAILED and the TEMPORARY or
// PERMANENT error is returned; for commands the same error is also
// published back to the source so that waiters are released.
//
// Publish blocks only when the lane to the target is full.
func (b *Bus) Publish(ctx context.Context, m *mcp.Message) (string, error) {
	if m == nil {
		return "", errors.Validation("message", "message is required")
	}
	if b.closed.Load() {
		return m.ID(), errors.System("bus closed")
	}
	ctx, span := b.tracer.StartPublishSpan(ctx, m)
	id, err := b.admit(ctx, m, admitOpts{})
	telemetry.EndSpan(span, err)
	return id, err
}

// admitOpts marks messages that did not come from Publish.
type admitOpts struct {
	replayed bool // read back from the store
	internal bool // generated by the bus, possibly from a lane worker
}

func (b *Bus) admit(ctx context.Context, m *mcp.Message, o admitOpts) (string, error) {
	if m.Header.Status == "" {
		m.Header.Status = mcp.StatusPending
	}
	if err := m.Validate(); err != nil {
		b.stats.reject(m.Header.Target)
		b.instruments.Rejected(ctx, m.Header.Target, string(errors.Code(err)))
		return m.ID(), err
	}

	if m.Expired(b.now()) {
		err := errors.Timeout("message expired before delivery",
			errors.WithDetail("message_id", m.ID()),
			errors.WithDetail("ttl", m.Header.TTL))
		return b.reject(ctx, m, mcp.StatusTimeout, err)
	}

	var done breaker.Done
	if gated(m) {
		var err *errors.Error
		done, err = b.checkAdmission(ctx, m)
		if err != nil {
			return b.reject(ctx, m, mcp.StatusFailed, err)
		}
	}

	if b.store != nil && !o.replayed && b.config.Persist.ShouldPersist(m) {
		if err := b.store.Save(ctx, m); err != nil {
			b.log.Warn("persist failed", map[string]interface{}{
				"message_id": m.ID(),
				"error":      err.Error(),
			})
		}
	}

	msg := m.Clone()
	b.history.add(msg.Clone())
	b.stats.publish(msg)
	b.instruments.Published(ctx, string(msg.Type()), msg.Header.Target)
	b.exporter.LogMessage(telemetry.Summarize(msg))
	b.log.MessageEvent("published", msg.ID(), string(msg.Type()), msg.Header.Source, msg.Header.Target)

	for _, mirror := range b.mirrors {
		if err := mirror.Mirror(ctx, msg); err != nil {
			b.log.Warn("mirror failed", map[string]interface{}{
				"message_id": msg.ID(),
				"error":      err.Error(),
			})
		}
	}

	if msg.Type() == mcp.TypeCommand && done != nil {
		b.trackCommand(msg, done)
		done = nil
	}
	if msg.Type().IsReply() {
		b.resolveReply(msg)
	}

	d := delivery{msg: msg, done: done, persisted: b.persisted(msg, o.replayed)}
	if err := b.enqueue(ctx, d, o.internal); err != nil {
		b.history.setStatus(msg.ID(), mcp.StatusFailed)
		b.stats.unqueue()
		if done != nil {
			done(false)
		}
		return msg.ID(), err
	}
	return msg.ID(), nil
}

// gated reports whether m goes through breaker and rate limit admission.
func gated(m *mcp.Message) bool {
	t := m.Type()
	return !t.IsReply() && t != mcp.TypeHeartbeat && t != mcp.TypeStateUpdate
}

// checkAdmission runs routing, breaker and rate limit checks in that order.
// Tokens are not spent on a target whose breaker is open.
func (b *Bus) checkAdmission(ctx context.Context, m *mcp.Message) (breaker.Done, *errors.Error) {
	target := m.Header.Target

	if m.Type() == mcp.TypeCommand && !b.routable(target) {
		return nil, errors.Routing(target,
			errors.WithDetail("message_id", m.ID()),
			errors.WithDetail("action", commandAction(m)))
	}

	if err := b.breakers.Check(target); err != nil {
		return nil, asError(err)
	}

	if err := b.acquire(ctx, m); err != nil {
		return nil, asError(err)
	}

	done, err := b.breakers.Allow(target)
	if err != nil {
		return nil, asError(err)
	}
	return done, nil
}

func (b *Bus) acquire(ctx context.Context, m *mcp.Message) error {
	mode := b.config.RateLimitMode
	if v, ok := m.Meta(mcp.MetaRateLimitMode); ok {
		mode = ratelimit.ParseMode(fmt.Sprint(v))
	}
	if mode == ratelimit.ModeBlock {
		return b.limiter.Acquire(ctx, m.Header.Target, m.Header.Priority)
	}
	return b.limiter.TryAcquire(m.Header.Target, m.Header.Priority)
}

func asError(err error) *errors.Error {
	if e, ok := errors.As(err); ok {
		return e
	}
	return errors.Wrap(err, "admission failed", errors.WithCategory(errors.CategoryTemporary))
}

func commandAction(m *mcp.Message) string {
	if cmd, ok := m.Command(); ok {
		return cmd.Action
	}
	return ""
}

// reject finalizes a message refused at admission.
func (b *Bus) reject(ctx context.Context, m *mcp.Message, status mcp.Status, err *errors.Error) (string, error) {
	_ = m.Advance(status)
	b.history.add(m.Clone())
	b.stats.reject(m.Header.Target)
	b.instruments.Rejected(ctx, m.Header.Target, string(err.Code()))
	b.exporter.LogEvent("message_rejected", map[string]interface{}{
		"message_id": m.ID(),
		"target":     m.Header.Target,
		"code":       string(err.Code()),
	})
	b.log.Rejected(m.ID(), m.Header.Target, string(err.Code()), err.Error())

	if m.Type() == mcp.TypeCommand {
		if reply, rerr := m.FailWith(err); rerr == nil {
			b.publishInternal(reply)
		}
	}
	return m.ID(), err
}

// publishInternal publishes a bus-generated message such as an error reply.
func (b *Bus) publishInternal(m *mcp.Message) {
	if b.closed.Load() {
		return
	}
	if _, err := b.admit(b.ctx, m, admitOpts{internal: true}); err != nil {
		b.log.Warn("internal publish failed", map[string]interface{}{
			"message_id": m.ID(),
			"type":       string(m.Type()),
			"error":      err.Error(),
		})
	}
}

func (b *Bus) persisted(m *mcp.Message, replayed bool) bool {
	return b.store != nil && (replayed || b.config.Persist.ShouldPersist(m))
}

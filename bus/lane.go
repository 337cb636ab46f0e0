package bus

import (
	"context"
	"time"

	"github.com/vinayprograms/mcpbus/breaker"
	"github.com/vinayprograms/mcpbus/errors"
	"github.com/vinayprograms/mcpbus/mcp"
	"github.com/vinayprograms/mcpbus/store"
	"github.com/vinayprograms/mcpbus/telemetry"
)

// laneKey identifies the FIFO lane of one (source, target) pair.
type laneKey struct {
	source string
	target string
}

// lane delivers the messages of one pair in admission order. Lanes drain
// independently; there is no ordering across pairs.
type lane struct {
	key laneKey
	ch  chan delivery
}

type delivery struct {
	msg       *mcp.Message
	done      breaker.Done // nil for commands, replies and heartbeats
	persisted bool
}

func (b *Bus) lane(key laneKey) *lane {
	b.laneMu.Lock()
	defer b.laneMu.Unlock()
	if l, ok := b.lanes[key]; ok {
		return l
	}
	if b.closed.Load() {
		return nil
	}
	l := &lane{key: key, ch: make(chan delivery, b.config.LaneBuffer)}
	b.lanes[key] = l
	b.wg.Add(1)
	go b.runLane(l)
	return l
}

func (b *Bus) laneCount() int {
	b.laneMu.Lock()
	defer b.laneMu.Unlock()
	return len(b.lanes)
}

// enqueue appends d to its lane. A full lane blocks the publisher until ctx
// is done. Internal messages never block: they may be produced by the very
// worker that drains the lane.
func (b *Bus) enqueue(ctx context.Context, d delivery, internal bool) error {
	l := b.lane(laneKey{source: d.msg.Header.Source, target: d.msg.Header.Target})
	if l == nil {
		return errors.System("bus closed")
	}
	select {
	case l.ch <- d:
		return nil
	default:
	}

	if internal {
		b.laneMu.Lock()
		if b.closed.Load() {
			b.laneMu.Unlock()
			return errors.System("bus closed")
		}
		b.wg.Add(1)
		b.laneMu.Unlock()
		go func() {
			defer b.wg.Done()
			select {
			case l.ch <- d:
			case <-b.ctx.Done():
			}
		}()
		return nil
	}

	select {
	case l.ch <- d:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "lane full",
			errors.WithDetail("source", l.key.source),
			errors.WithDetail("target", l.key.target))
	case <-b.ctx.Done():
		return errors.System("bus closed")
	}
}

func (b *Bus) runLane(l *lane) {
	defer b.wg.Done()
	for {
		select {
		case d := <-l.ch:
			b.deliver(d)
		case <-b.ctx.Done():
			return
		}
	}
}

// deliver hands one message to every matching subscription, in
// registration order.
func (b *Bus) deliver(d delivery) {
	msg := d.msg
	defer b.stats.unqueue()
	defer b.instruments.Delivered(b.ctx)

	if msg.Expired(b.now()) {
		b.expire(msg, d.done)
		b.markProcessed(msg, d.persisted)
		return
	}
	b.history.setStatus(msg.ID(), mcp.StatusProcessing)

	subs := b.matching(msg)
	if len(subs) == 0 && msg.Type() == mcp.TypeCommand {
		// Subscriber went away after admission.
		b.failCommand(msg, errors.Routing(msg.Header.Target, errors.WithDetail("message_id", msg.ID())))
		b.markProcessed(msg, d.persisted)
		return
	}

	failed := false
	for _, sub := range subs {
		start := b.now()
		err := b.invoke(sub, msg)
		elapsed := b.now().Sub(start)
		ms := float64(elapsed.Microseconds()) / 1000
		b.stats.observe(ms, err != nil)
		b.instruments.Processed(b.ctx, string(msg.Type()), msg.Header.Target, ms, err != nil)
		if err != nil {
			failed = true
			b.handlerFailed(msg, sub, err)
		}
	}

	if msg.Type() != mcp.TypeCommand {
		status := mcp.StatusCompleted
		if failed {
			status = mcp.StatusFailed
		}
		b.history.setStatus(msg.ID(), status)
	}
	if d.done != nil {
		d.done(!failed)
	}
	b.markProcessed(msg, d.persisted)
}

// invoke runs one handler on its own copy of msg. Panics become errors.
func (b *Bus) invoke(sub *Subscription, msg *mcp.Message) (err error) {
	timeout := b.config.CommandTimeout
	if msg.Type() == mcp.TypeCommand {
		timeout = b.commandTimeout(msg)
	}
	ctx, cancel := context.WithTimeout(b.ctx, timeout)
	defer cancel()

	ctx, span := b.tracer.StartDeliverSpan(ctx, msg, sub.String())
	defer func() {
		if r := recover(); r != nil {
			err = errors.RecoverPanic(r).With(errors.WithDetail("subscription", sub.String()))
		}
		telemetry.EndSpan(span, err)
	}()

	own := msg.Clone()
	own.AddRoute(sub.String())
	return sub.handler(ctx, own)
}

// handlerFailed reports a handler error back to the message source.
func (b *Bus) handlerFailed(msg *mcp.Message, sub *Subscription, err error) {
	b.log.HandlerFailure(msg.ID(), sub.String(), err)

	e, ok := errors.As(err)
	if !ok {
		e = errors.Processing("handler failed", errors.WithCause(err))
	}
	e = e.With(errors.WithDetail("subscription", sub.String()))

	switch msg.Type() {
	case mcp.TypeError:
		// Never answer an error with an error.
		return
	case mcp.TypeCommand:
		b.failCommand(msg, e)
	default:
		notice, nerr := mcp.NewErrorNotice(msg.Header.Target, msg.Header.Source, e,
			mcp.WithCorrelation(msg.ID()),
			mcp.WithSession(msg.Header.SessionID),
			mcp.WithTrace(msg.Header.TraceID))
		if nerr != nil {
			b.log.Warn("building error notice failed", map[string]interface{}{"error": nerr.Error()})
			return
		}
		b.publishInternal(notice)
	}
}

// failCommand publishes an ERROR reply for cmd on behalf of its target.
func (b *Bus) failCommand(cmd *mcp.Message, e *errors.Error) {
	reply, err := cmd.FailWith(e)
	if err != nil {
		b.log.Warn("building error reply failed", map[string]interface{}{"error": err.Error()})
		return
	}
	b.publishInternal(reply)
}

// expire finalizes a message whose TTL elapsed while queued.
func (b *Bus) expire(msg *mcp.Message, done breaker.Done) {
	b.history.setStatus(msg.ID(), mcp.StatusTimeout)
	b.log.MessageEvent("expired", msg.ID(), string(msg.Type()), msg.Header.Source, msg.Header.Target)
	if done != nil {
		done(false)
	}
	if msg.Type() == mcp.TypeCommand {
		b.failCommand(msg, errors.Timeout("message expired before delivery",
			errors.WithDetail("message_id", msg.ID())))
	}
}

func (b *Bus) markProcessed(msg *mcp.Message, persisted bool) {
	if !persisted {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.store.MarkProcessed(ctx, msg.ID()); err != nil && !store.IsNotFound(err) {
		b.log.Warn("mark processed failed", map[string]interface{}{
			"message_id": msg.ID(),
			"error":      err.Error(),
		})
	}
}

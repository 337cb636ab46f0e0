package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/vinayprograms/mcpbus/breaker"
	"github.com/vinayprograms/mcpbus/errors"
	"github.com/vinayprograms/mcpbus/mcp"
)

// waiter is one caller blocked in WaitForResponse.
type waiter struct {
	source string // expected reply source, empty for any
	ch     chan *mcp.Message
}

type cachedReply struct {
	msg *mcp.Message
	at  time.Time
}

// pendingCommand is an admitted command whose breaker outcome is decided by
// its reply, or by its deadline when no reply comes.
type pendingCommand struct {
	target   string
	done     breaker.Done
	deadline time.Time
}

func (b *Bus) trackCommand(cmd *mcp.Message, done breaker.Done) {
	b.waitMu.Lock()
	b.pending[cmd.ID()] = &pendingCommand{
		target:   cmd.Header.Target,
		done:     done,
		deadline: b.now().Add(b.commandTimeout(cmd)),
	}
	b.waitMu.Unlock()
}

// failureReply reports whether an ERROR reply counts against the target's
// breaker. Permanent client errors such as VALIDATION do not.
func failureReply(f *mcp.Error) bool {
	if f.Category == errors.CategoryTemporary {
		return true
	}
	switch errors.ErrorCode(f.ErrorCode) {
	case errors.ErrCodeProcessing, errors.ErrCodeTimeout, errors.ErrCodeSystem, errors.ErrCodeRouting:
		return true
	}
	return false
}

// resolveReply releases waiters for the correlated command, settles its
// breaker outcome and updates its status.
func (b *Bus) resolveReply(reply *mcp.Message) {
	corr := reply.Header.CorrelationID
	if corr == "" {
		return
	}

	b.waitMu.Lock()
	// Only the command's target settles its breaker outcome.
	p := b.pending[corr]
	if p != nil && p.target == reply.Header.Source {
		delete(b.pending, corr)
	} else {
		p = nil
	}

	var release []*waiter
	if ws := b.waiters[corr]; len(ws) > 0 {
		var keep []*waiter
		for _, w := range ws {
			if w.source == "" || w.source == reply.Header.Source {
				release = append(release, w)
			} else {
				keep = append(keep, w)
			}
		}
		if len(keep) > 0 {
			b.waiters[corr] = keep
		} else {
			delete(b.waiters, corr)
		}
	}
	if _, seen := b.replies[corr]; !seen {
		b.replies[corr] = cachedReply{msg: reply.Clone(), at: b.now()}
	}
	b.waitMu.Unlock()

	status := mcp.StatusCompleted
	success := true
	if f, ok := reply.Failure(); ok {
		status = mcp.StatusFailed
		if errors.ErrorCode(f.ErrorCode) == errors.ErrCodeTimeout {
			status = mcp.StatusTimeout
		}
		success = !failureReply(f)
		if p != nil && errors.ErrorCode(f.ErrorCode) == errors.ErrCodeRateLimited {
			b.limiter.Reduce(p.target, "target replied RATE_LIMITED")
		}
	} else if resp, ok := reply.Response(); ok && !resp.Success {
		status = mcp.StatusFailed
	}
	b.history.setStatus(corr, status)
	if p != nil {
		p.done(success)
	}

	// Waiters observe the settled status and breaker.
	for _, w := range release {
		select {
		case w.ch <- reply.Clone():
		default:
		}
	}
}

// WaitForResponse blocks until a RESPONSE or ERROR correlated to messageID
// arrives from expectedSource (any source when empty). Replies that arrived
// before the call are served from a short-lived cache.
//
// On timeout the command is marked TIMEOUT, counted as a breaker failure for
// its target, and a synthetic correlated TIMEOUT error message is returned
// together with a TIMEOUT error.
func (b *Bus) WaitForResponse(ctx context.Context, messageID string, timeout time.Duration, expectedSource string) (*mcp.Message, error) {
	if messageID == "" {
		return nil, errors.Validation("message_id", "message_id is required")
	}
	w, cached := b.addWaiter(messageID, expectedSource)
	if cached != nil {
		return cached, nil
	}
	return b.await(ctx, messageID, w, timeout)
}

// Request publishes cmd and waits for its reply. The waiter is registered
// before publishing so an immediate reply cannot be missed. When admission
// rejects cmd, the bus-generated ERROR reply is returned with the error.
func (b *Bus) Request(ctx context.Context, cmd *mcp.Message, timeout time.Duration) (*mcp.Message, error) {
	if cmd == nil || cmd.Type() != mcp.TypeCommand {
		return nil, errors.Validation("message_type", "request requires a command")
	}
	w, cached := b.addWaiter(cmd.ID(), "")
	if cached != nil {
		// Same command sent again; its reply is still cached.
		return cached, nil
	}
	if _, err := b.Publish(ctx, cmd); err != nil {
		b.removeWaiter(cmd.ID(), w)
		select {
		case reply := <-w.ch:
			return reply, err
		default:
			return nil, err
		}
	}
	return b.await(ctx, cmd.ID(), w, timeout)
}

func (b *Bus) addWaiter(id, source string) (*waiter, *mcp.Message) {
	b.waitMu.Lock()
	defer b.waitMu.Unlock()
	if r, ok := b.replies[id]; ok && (source == "" || r.msg.Header.Source == source) {
		return nil, r.msg.Clone()
	}
	w := &waiter{source: source, ch: make(chan *mcp.Message, 1)}
	b.waiters[id] = append(b.waiters[id], w)
	return w, nil
}

func (b *Bus) removeWaiter(id string, target *waiter) {
	b.waitMu.Lock()
	defer b.waitMu.Unlock()
	ws := b.waiters[id]
	for i, w := range ws {
		if w == target {
			ws = append(ws[:i:i], ws[i+1:]...)
			break
		}
	}
	if len(ws) == 0 {
		delete(b.waiters, id)
	} else {
		b.waiters[id] = ws
	}
}

func (b *Bus) await(ctx context.Context, id string, w *waiter, timeout time.Duration) (*mcp.Message, error) {
	if timeout <= 0 {
		timeout = b.config.CommandTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-w.ch:
		return reply, nil
	case <-timer.C:
		b.removeWaiter(id, w)
		// A reply may have raced the timer.
		select {
		case reply := <-w.ch:
			return reply, nil
		default:
		}
		return b.timedOut(id, timeout)
	case <-ctx.Done():
		b.removeWaiter(id, w)
		return nil, errors.Wrap(ctx.Err(), "waiting for response",
			errors.WithDetail("message_id", id))
	case <-b.ctx.Done():
		b.removeWaiter(id, w)
		return nil, errors.System("bus closed while waiting for response",
			errors.WithDetail("message_id", id))
	}
}

// timedOut finalizes a command nobody answered in time.
func (b *Bus) timedOut(id string, timeout time.Duration) (*mcp.Message, error) {
	b.waitMu.Lock()
	p := b.pending[id]
	delete(b.pending, id)
	b.waitMu.Unlock()
	if p != nil {
		p.done(false)
	}
	b.history.setStatus(id, mcp.StatusTimeout)

	err := errors.Timeout(fmt.Sprintf("no response within %s", timeout),
		errors.WithDetail("message_id", id),
		errors.WithRetryDelay(time.Second))

	var notice *mcp.Message
	if orig, ok := b.MessageByID(id); ok && orig.Type() == mcp.TypeCommand {
		notice, _ = orig.FailWith(err)
	}
	if notice == nil {
		notice, _ = mcp.NewErrorNotice("bus", "bus", err, mcp.WithCorrelation(id))
	}
	return notice, err
}

// sweep expires overdue commands and stale cached replies.
func (b *Bus) sweep() {
	now := b.now()
	var overdue []string

	b.waitMu.Lock()
	for id, p := range b.pending {
		if now.After(p.deadline) {
			overdue = append(overdue, id)
		}
	}
	for id, r := range b.replies {
		if now.Sub(r.at) > b.config.ReplyCacheTTL {
			delete(b.replies, id)
		}
	}
	b.waitMu.Unlock()

	for _, id := range overdue {
		orig, ok := b.MessageByID(id)
		if !ok {
			b.waitMu.Lock()
			p := b.pending[id]
			delete(b.pending, id)
			b.waitMu.Unlock()
			if p != nil {
				p.done(false)
			}
			continue
		}
		b.log.Warn("command overdue", map[string]interface{}{
			"message_id": id,
			"target":     orig.Header.Target,
		})
		b.failCommand(orig, errors.Timeout("command received no response before its deadline",
			errors.WithDetail("message_id", id)))
	}

	for _, id := range b.history.expirePending(now) {
		b.log.MessageEvent("expired", id, "", "", "")
	}
}

func (b *Bus) sweepLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.sweep()
		case <-b.ctx.Done():
			return
		}
	}
}

package bus

import (
	"context"
	"time"

	"github.com/vinayprograms/mcpbus/errors"
	"github.com/vinayprograms/mcpbus/mcp"
	"github.com/vinayprograms/mcpbus/store"
)

// Replay re-admits persisted messages that were never marked processed, in
// timestamp order, keeping their original IDs. Each is tagged with the
// replayed metadata flag. Messages that fail admission on replay (expired,
// no route, breaker open) are marked processed so they are not replayed
// again. Returns the number of messages queued for delivery.
func (b *Bus) Replay(ctx context.Context) (int, error) {
	if b.store == nil {
		return 0, nil
	}
	start := time.Now()
	msgs, err := b.store.Query(ctx, store.Filter{})
	if err != nil {
		return 0, errors.Wrap(err, "loading unprocessed messages")
	}

	queued := 0
	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			return queued, errors.Wrap(err, "replay interrupted")
		}
		if m.Header.Status.Terminal() {
			b.markProcessed(m, true)
			continue
		}
		m.Header.Status = mcp.StatusPending
		m.SetMeta(mcp.MetaReplayed, true)
		if _, err := b.admit(ctx, m, admitOpts{replayed: true}); err != nil {
			b.log.Warn("replay rejected", map[string]interface{}{
				"message_id": m.ID(),
				"error":      err.Error(),
			})
			b.markProcessed(m, true)
			continue
		}
		queued++
	}

	b.log.Timed("replay complete", start, map[string]interface{}{
		"found":  len(msgs),
		"queued": queued,
	})
	b.exporter.LogEvent("replay_complete", map[string]interface{}{
		"found":  len(msgs),
		"queued": queued,
	})
	return queued, nil
}

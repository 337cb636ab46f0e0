package bus

import (
	"sync"
	"time"

	"github.com/vinayprograms/mcpbus/mcp"
)

// HistoryFilter selects messages from the history. Zero fields match all.
type HistoryFilter struct {
	Limit     int
	AgentID   string // matches source or target
	Type      mcp.MessageType
	SessionID string
}

func (f HistoryFilter) matches(m *mcp.Message) bool {
	if f.AgentID != "" && m.Header.Source != f.AgentID && m.Header.Target != f.AgentID {
		return false
	}
	if f.Type != "" && m.Header.MessageType != f.Type {
		return false
	}
	if f.SessionID != "" && m.Header.SessionID != f.SessionID {
		return false
	}
	return true
}

// history is a bounded ring of admitted and rejected messages. It holds the
// bus's authoritative copy of each message status.
type history struct {
	mu    sync.Mutex
	ring  []*mcp.Message
	start int
	byID  map[string]*mcp.Message
}

func newHistory(size int) *history {
	return &history{
		ring: make([]*mcp.Message, 0, size),
		byID: make(map[string]*mcp.Message, size),
	}
}

func (h *history) add(m *mcp.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.byID[m.ID()]; ok {
		// Replayed or re-admitted: refresh in place.
		*prev = *m
		return
	}
	if len(h.ring) < cap(h.ring) {
		h.ring = append(h.ring, m)
	} else {
		old := h.ring[h.start]
		delete(h.byID, old.ID())
		h.ring[h.start] = m
		h.start = (h.start + 1) % len(h.ring)
	}
	h.byID[m.ID()] = m
}

// setStatus advances a message status. Illegal moves are ignored.
func (h *history) setStatus(id string, s mcp.Status) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.byID[id]
	if !ok {
		return false
	}
	return m.Advance(s) == nil
}

func (h *history) get(id string) (*mcp.Message, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.byID[id]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// list returns matching messages, most recent first.
func (h *history) list(f HistoryFilter) []*mcp.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*mcp.Message
	n := len(h.ring)
	for i := n - 1; i >= 0; i-- {
		m := h.ring[(h.start+i)%n]
		if !f.matches(m) {
			continue
		}
		out = append(out, m.Clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// expirePending marks pending messages whose TTL elapsed as TIMEOUT and
// returns their IDs.
func (h *history) expirePending(now time.Time) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var ids []string
	for id, m := range h.byID {
		if m.Header.Status == mcp.StatusPending && m.Expired(now) {
			if m.Advance(mcp.StatusTimeout) == nil {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func (h *history) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ring)
}

// History returns messages matching f, most recent first.
func (b *Bus) History(f HistoryFilter) []*mcp.Message {
	return b.history.list(f)
}

// MessageByID returns a copy of a message still in the history.
func (b *Bus) MessageByID(id string) (*mcp.Message, bool) {
	return b.history.get(id)
}

// Status returns the current status of a message still in the history.
func (b *Bus) Status(id string) (mcp.Status, bool) {
	m, ok := b.history.get(id)
	if !ok {
		return "", false
	}
	return m.Header.Status, true
}

// Package store persists bus messages so that messages admitted but not yet
// delivered survive a process restart.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/vinayprograms/mcpbus/errors"
	"github.com/vinayprograms/mcpbus/mcp"
)

// Store is a durable message store.
type Store interface {
	// Save writes the message, replacing any previous copy with the same ID.
	Save(ctx context.Context, m *mcp.Message) error

	// Load returns the message with the given ID.
	// Returns a NOT_FOUND error if it does not exist.
	Load(ctx context.Context, id string) (*mcp.Message, error)

	// Delete removes a message. Returns nil if it does not exist.
	Delete(ctx context.Context, id string) error

	// Query returns matching messages ordered oldest first.
	Query(ctx context.Context, f Filter) ([]*mcp.Message, error)

	// MarkProcessed flags a message as delivered end to end.
	MarkProcessed(ctx context.Context, id string) error

	// Close releases resources.
	Close() error
}

// Filter selects messages in Query. Zero fields match everything.
type Filter struct {
	Types            []mcp.MessageType
	Source           string
	Target           string
	SessionID        string
	IncludeProcessed bool
	Limit            int
}

// Policy decides which messages are worth persisting.
type Policy struct {
	// MinPriority persists messages at or above this priority.
	MinPriority mcp.Priority

	// Types are always persisted regardless of priority.
	Types []mcp.MessageType
}

// DefaultPolicy persists high and critical messages plus every command.
func DefaultPolicy() Policy {
	return Policy{
		MinPriority: mcp.PriorityHigh,
		Types:       []mcp.MessageType{mcp.TypeCommand},
	}
}

// ShouldPersist reports whether m qualifies under the policy.
// Volatile events and heartbeats never qualify.
func (p Policy) ShouldPersist(m *mcp.Message) bool {
	if m.Type() == mcp.TypeHeartbeat {
		return false
	}
	if ev, ok := m.Event(); ok && ev.Volatile {
		return false
	}
	for _, t := range p.Types {
		if m.Type() == t {
			return true
		}
	}
	if p.MinPriority == "" {
		return false
	}
	return m.Header.Priority.Rank() >= p.MinPriority.Rank()
}

// record is the stored form used by key-value backends.
type record struct {
	Message   *mcp.Message `json:"message"`
	Processed bool         `json:"processed"`
	SavedAt   time.Time    `json:"saved_at"`
}

func encodeRecord(r *record) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return data, nil
}

func decodeRecord(data []byte) (*record, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if r.Message == nil {
		return nil, fmt.Errorf("decode record: missing message")
	}
	return &r, nil
}

func (f Filter) matches(r *record) bool {
	if r.Processed && !f.IncludeProcessed {
		return false
	}
	h := r.Message.Header
	if f.Source != "" && h.Source != f.Source {
		return false
	}
	if f.Target != "" && h.Target != f.Target {
		return false
	}
	if f.SessionID != "" && h.SessionID != f.SessionID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if h.MessageType == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// collect filters, orders oldest first and applies the limit.
func collect(records []*record, f Filter) []*mcp.Message {
	var out []*mcp.Message
	for _, r := range records {
		if f.matches(r) {
			out = append(out, r.Message)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Header.Timestamp.Before(out[j].Header.Timestamp)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func notFound(id string) error {
	return errors.NotFound(fmt.Sprintf("message %s not found", id), errors.WithDetail("message_id", id))
}

func closedErr() error {
	return errors.System("store closed")
}

// IsNotFound reports whether err is the not-found condition from Load.
func IsNotFound(err error) bool {
	return errors.Is(err, errors.ErrCodeNotFound)
}

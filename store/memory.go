package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/mcpbus/mcp"
)

// MemoryStore keeps messages in process memory. It survives nothing and is
// meant for tests and for running without durability.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*record
	closed  atomic.Bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*record)}
}

// Save stores a copy of m.
func (s *MemoryStore) Save(_ context.Context, m *mcp.Message) error {
	if s.closed.Load() {
		return closedErr()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[m.ID()] = &record{Message: m.Clone(), SavedAt: time.Now()}
	return nil
}

// Load returns a copy of the stored message.
func (s *MemoryStore) Load(_ context.Context, id string) (*mcp.Message, error) {
	if s.closed.Load() {
		return nil, closedErr()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, notFound(id)
	}
	return r.Message.Clone(), nil
}

// Delete removes a message.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	if s.closed.Load() {
		return closedErr()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

// Query returns copies of matching messages.
func (s *MemoryStore) Query(_ context.Context, f Filter) ([]*mcp.Message, error) {
	if s.closed.Load() {
		return nil, closedErr()
	}
	s.mu.RLock()
	records := make([]*record, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, &record{Message: r.Message.Clone(), Processed: r.Processed, SavedAt: r.SavedAt})
	}
	s.mu.RUnlock()
	return collect(records, f), nil
}

// MarkProcessed flags a message as processed.
func (s *MemoryStore) MarkProcessed(_ context.Context, id string) error {
	if s.closed.Load() {
		return closedErr()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return notFound(id)
	}
	r.Processed = true
	return nil
}

// Len returns the number of stored messages.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.closed.Store(true)
	return nil
}

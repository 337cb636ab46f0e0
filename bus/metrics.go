package bus

import (
	"sync"

	"github.com/vinayprograms/mcpbus/breaker"
	"github.com/vinayprograms/mcpbus/mcp"
	"github.com/vinayprograms/mcpbus/ratelimit"
)

// Metrics is a point-in-time snapshot of bus activity.
type Metrics struct {
	MessagesPublished   int64                         `json:"messages_published"`
	MessagesProcessed   int64                         `json:"messages_processed"`
	MessagesFailed      int64                         `json:"messages_failed"`
	MessagesRejected    int64                         `json:"messages_rejected"`
	AverageProcessingMS float64                       `json:"average_processing_time_ms"`
	QueueSize           int64                         `json:"queue_size"`
	ByType              map[mcp.MessageType]int64     `json:"messages_by_type"`
	ByTarget            map[string]int64              `json:"messages_by_target"`
	RejectedByTarget    map[string]int64              `json:"rejected_by_target"`
	Breakers            map[string]breaker.Status     `json:"breakers"`
	RateLimits          map[string]ratelimit.Capacity `json:"rate_limits"`
	Subscriptions       int                           `json:"active_subscriptions"`
	Lanes               int                           `json:"lanes"`
	HistorySize         int                           `json:"history_size"`
}

type stats struct {
	mu               sync.Mutex
	published        int64
	processed        int64
	failed           int64
	rejected         int64
	totalMS          float64
	invocations      int64
	queued           int64
	byType           map[mcp.MessageType]int64
	byTarget         map[string]int64
	rejectedByTarget map[string]int64
}

func newStats() *stats {
	return &stats{
		byType:           make(map[mcp.MessageType]int64),
		byTarget:         make(map[string]int64),
		rejectedByTarget: make(map[string]int64),
	}
}

func (s *stats) publish(m *mcp.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published++
	s.queued++
	s.byType[m.Type()]++
	s.byTarget[m.Header.Target]++
}

func (s *stats) unqueue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queued > 0 {
		s.queued--
	}
}

func (s *stats) reject(target string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected++
	s.rejectedByTarget[target]++
}

func (s *stats) observe(ms float64, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if failed {
		s.failed++
	} else {
		s.processed++
	}
	s.totalMS += ms
	s.invocations++
}

func (s *stats) snapshot() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := Metrics{
		MessagesPublished: s.published,
		MessagesProcessed: s.processed,
		MessagesFailed:    s.failed,
		MessagesRejected:  s.rejected,
		QueueSize:         s.queued,
		ByType:            make(map[mcp.MessageType]int64, len(s.byType)),
		ByTarget:          make(map[string]int64, len(s.byTarget)),
		RejectedByTarget:  make(map[string]int64, len(s.rejectedByTarget)),
	}
	if s.invocations > 0 {
		m.AverageProcessingMS = s.totalMS / float64(s.invocations)
	}
	for k, v := range s.byType {
		m.ByType[k] = v
	}
	for k, v := range s.byTarget {
		m.ByTarget[k] = v
	}
	for k, v := range s.rejectedByTarget {
		m.RejectedByTarget[k] = v
	}
	return m
}

// snapshotter is implemented by limiters that can report every bucket.
type snapshotter interface {
	Snapshot() map[string]ratelimit.Capacity
}

// Metrics returns a snapshot of counters, breaker states and rate limits.
func (b *Bus) Metrics() Metrics {
	m := b.stats.snapshot()
	m.Breakers = b.breakers.Snapshot()
	if s, ok := b.limiter.(snapshotter); ok {
		m.RateLimits = s.Snapshot()
	}
	m.Subscriptions = b.SubscriptionCount()
	m.Lanes = b.laneCount()
	m.HistorySize = b.history.len()
	return m
}

package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/vinayprograms/mcpbus/errors"
	"github.com/vinayprograms/mcpbus/mcp"
)

// Handler processes one delivered message. Each handler receives its own
// copy of the message. A returned error or a panic is reported back to the
// message source as a PROCESSING error.
type Handler func(ctx context.Context, m *mcp.Message) error

// Kind is how a subscription matches messages.
type Kind string

const (
	// KindDirect matches messages whose target is the agent ID.
	KindDirect Kind = "direct"
	// KindTopic matches messages whose target is the topic.
	KindTopic Kind = "topic"
	// KindType matches messages of one type regardless of target.
	KindType Kind = "type"
)

// Subscription is an active registration on the bus.
type Subscription struct {
	kind    Kind
	key     string
	seq     uint64
	handler Handler
	bus     *Bus
	once    sync.Once
}

// Kind returns how the subscription matches.
func (s *Subscription) Kind() Kind { return s.kind }

// Key returns the agent ID, topic or message type matched.
func (s *Subscription) Key() string { return s.key }

func (s *Subscription) String() string { return fmt.Sprintf("%s:%s", s.kind, s.key) }

// Unsubscribe removes the subscription. Deliveries already in progress
// complete. Calling it more than once is harmless.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.bus.removeSub(s) })
}

func (s *Subscription) matches(m *mcp.Message) bool {
	switch s.kind {
	case KindDirect, KindTopic:
		return s.key == m.Header.Target
	case KindType:
		return s.key == string(m.Header.MessageType)
	}
	return false
}

// SubscribeDirect delivers messages targeted at agentID.
func (b *Bus) SubscribeDirect(agentID string, h Handler) (*Subscription, error) {
	return b.subscribe(KindDirect, agentID, h)
}

// SubscribeTopic delivers messages targeted at topic.
func (b *Bus) SubscribeTopic(topic string, h Handler) (*Subscription, error) {
	return b.subscribe(KindTopic, topic, h)
}

// SubscribeType delivers every message of type t.
func (b *Bus) SubscribeType(t mcp.MessageType, h Handler) (*Subscription, error) {
	if !t.Valid() {
		return nil, errors.Validation("message_type", fmt.Sprintf("unknown message type %q", t))
	}
	return b.subscribe(KindType, string(t), h)
}

func (b *Bus) subscribe(kind Kind, key string, h Handler) (*Subscription, error) {
	if key == "" {
		return nil, errors.Validation("subscription", "subscription key is required")
	}
	if h == nil {
		return nil, errors.Validation("handler", "handler is required")
	}
	if b.closed.Load() {
		return nil, errors.System("bus closed")
	}

	b.subMu.Lock()
	b.subSeq++
	sub := &Subscription{kind: kind, key: key, seq: b.subSeq, handler: h, bus: b}
	b.subs = append(b.subs, sub)
	b.subMu.Unlock()

	b.log.Debug("subscribed", map[string]interface{}{"subscription": sub.String()})
	return sub, nil
}

func (b *Bus) removeSub(target *Subscription) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for i, sub := range b.subs {
		if sub == target {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// matching returns the subscriptions for m in registration order.
func (b *Bus) matching(m *mcp.Message) []*Subscription {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	var out []*Subscription
	for _, sub := range b.subs {
		if sub.matches(m) {
			out = append(out, sub)
		}
	}
	return out
}

// routable reports whether a direct or topic subscription exists for target.
func (b *Bus) routable(target string) bool {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	for _, sub := range b.subs {
		if sub.kind != KindType && sub.key == target {
			return true
		}
	}
	return false
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	return len(b.subs)
}

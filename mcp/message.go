package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/mcpbus/errors"
)

// IDPrefix prefixes every generated message ID.
const IDPrefix = "mcp_"

// Metadata keys the bus and agents write.
const (
	MetaRetryCount       = "retry_count"
	MetaProcessingTimeMS = "processing_time_ms"
	MetaRouteHistory     = "route_history"
	MetaClientInfo       = "client_info"
	MetaRateLimitMode    = "rate_limit_mode"
	MetaReplayed         = "replayed"
)

// Header is the routing envelope of a message.
type Header struct {
	MessageID     string        `json:"message_id"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
	Source        string        `json:"source"`
	Target        string        `json:"target"`
	MessageType   MessageType   `json:"message_type"`
	Priority      Priority      `json:"priority"`
	TTL           int           `json:"ttl,omitempty"` // seconds; 0 never expires
	SessionID     string        `json:"session_id,omitempty"`
	TraceID       string        `json:"trace_id,omitempty"`
	ContentFormat ContentFormat `json:"content_format"`
	Status        Status        `json:"status"`
}

// Message is the unit of communication on the bus.
type Message struct {
	Header   Header
	Body     Body
	Metadata map[string]any
}

// NewID returns a fresh message ID.
func NewID() string {
	return IDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ID returns the message ID.
func (m *Message) ID() string { return m.Header.MessageID }

// Type returns the message type.
func (m *Message) Type() MessageType { return m.Header.MessageType }

// Advance moves the message status forward. Backward or post-terminal moves
// fail with INVALID_TRANSITION and leave the status unchanged.
func (m *Message) Advance(next Status) error {
	if !m.Header.Status.CanAdvance(next) {
		return errors.InvalidTransition(string(m.Header.Status), string(next),
			errors.WithDetail("message_id", m.Header.MessageID))
	}
	m.Header.Status = next
	return nil
}

// Expired reports whether the TTL has elapsed at now.
func (m *Message) Expired(now time.Time) bool {
	if m.Header.TTL <= 0 {
		return false
	}
	return now.Sub(m.Header.Timestamp) > time.Duration(m.Header.TTL)*time.Second
}

// Validate checks the header and the variant's required fields.
func (m *Message) Validate() error {
	h := &m.Header
	switch {
	case h.MessageID == "":
		return errors.Validation("header.message_id", "message_id is required")
	case h.Source == "":
		return errors.Validation("header.source", "source is required")
	case h.Target == "":
		return errors.Validation("header.target", "target is required")
	case !h.MessageType.Valid():
		return errors.Validation("header.message_type", fmt.Sprintf("unknown message type %q", h.MessageType))
	case !h.Priority.Valid():
		return errors.Validation("header.priority", fmt.Sprintf("unknown priority %q", h.Priority))
	case !h.ContentFormat.Valid():
		return errors.Validation("header.content_format", fmt.Sprintf("unknown content format %q", h.ContentFormat))
	case h.TTL < 0:
		return errors.Validation("header.ttl", "ttl must not be negative")
	case h.Timestamp.IsZero():
		return errors.Validation("header.timestamp", "timestamp is required")
	}
	if m.Body == nil {
		return errors.Validation("body", "body is required")
	}
	if m.Body.Type() != h.MessageType {
		return errors.Validation("body", fmt.Sprintf("body %s does not match message type %s", m.Body.Type(), h.MessageType))
	}
	if h.MessageType.IsReply() && h.CorrelationID == "" {
		if _, isErr := m.Body.(*Error); !isErr {
			return errors.Validation("header.correlation_id", "responses must carry a correlation_id")
		}
	}
	return m.Body.validate()
}

// SetMeta sets a metadata value.
func (m *Message) SetMeta(key string, value any) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Metadata[key] = value
}

// Meta returns a metadata value.
func (m *Message) Meta(key string) (any, bool) {
	v, ok := m.Metadata[key]
	return v, ok
}

// AddRoute appends a hop to the route history.
func (m *Message) AddRoute(hop string) {
	var hops []string
	switch v := m.Metadata[MetaRouteHistory].(type) {
	case []string:
		hops = append(hops, v...)
	case []any:
		for _, h := range v {
			if s, ok := h.(string); ok {
				hops = append(hops, s)
			}
		}
	}
	m.SetMeta(MetaRouteHistory, append(hops, hop))
}

// Command returns the command body when the message is a command.
func (m *Message) Command() (*Command, bool) {
	c, ok := m.Body.(*Command)
	return c, ok
}

// Response returns the response body when the message is a response.
func (m *Message) Response() (*Response, bool) {
	r, ok := m.Body.(*Response)
	return r, ok
}

// Failure returns the error body when the message is an error.
func (m *Message) Failure() (*Error, bool) {
	e, ok := m.Body.(*Error)
	return e, ok
}

// Event returns the event body when the message is an event.
func (m *Message) Event() (*Event, bool) {
	e, ok := m.Body.(*Event)
	return e, ok
}

// Heartbeat returns the heartbeat body when the message is a heartbeat.
func (m *Message) Heartbeat() (*Heartbeat, bool) {
	h, ok := m.Body.(*Heartbeat)
	return h, ok
}

// StateUpdate returns the state update body when present.
func (m *Message) StateUpdate() (*StateUpdate, bool) {
	s, ok := m.Body.(*StateUpdate)
	return s, ok
}

// Err converts an ERROR reply into a structured error. It returns nil for
// any other message.
func (m *Message) Err() *errors.Error {
	if e, ok := m.Failure(); ok {
		return e.AsError()
	}
	return nil
}

type wireMessage struct {
	Header   Header          `json:"header"`
	Body     json.RawMessage `json:"body"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

// MarshalJSON encodes the message as {header, body, metadata}.
func (m *Message) MarshalJSON() ([]byte, error) {
	body, err := json.Marshal(m.Body)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	return json.Marshal(wireMessage{Header: m.Header, Body: body, Metadata: m.Metadata})
}

// UnmarshalJSON decodes a message, selecting the body variant from the
// header's message type.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	body := newBody(w.Header.MessageType)
	if body == nil {
		return errors.Validation("header.message_type", fmt.Sprintf("unknown message type %q", w.Header.MessageType))
	}
	if len(w.Body) > 0 && string(w.Body) != "null" {
		if err := json.Unmarshal(w.Body, body); err != nil {
			return fmt.Errorf("decode %s body: %w", w.Header.MessageType, err)
		}
	}
	m.Header = w.Header
	m.Body = body
	m.Metadata = w.Metadata
	return nil
}

// Encode marshals the message to JSON.
func Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode unmarshals a message from JSON.
func Decode(data []byte) (*Message, error) {
	m := &Message{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, err
	}
	return m, nil
}

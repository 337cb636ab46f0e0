package mcp

import (
	"time"

	"github.com/vinayprograms/mcpbus/errors"
)

// nowFunc allows tests to pin creation timestamps.
var nowFunc = func() time.Time { return time.Now().UTC().Round(0) }

// Option customizes a message under construction.
type Option func(*Message)

// WithPriority sets the message priority.
func WithPriority(p Priority) Option {
	return func(m *Message) { m.Header.Priority = p }
}

// WithTTL sets the time-to-live.
func WithTTL(ttl time.Duration) Option {
	return func(m *Message) { m.Header.TTL = int(ttl / time.Second) }
}

// WithSession sets the session ID.
func WithSession(id string) Option {
	return func(m *Message) { m.Header.SessionID = id }
}

// WithTrace sets the trace ID.
func WithTrace(id string) Option {
	return func(m *Message) { m.Header.TraceID = id }
}

// WithCorrelation links the message to an earlier one.
func WithCorrelation(id string) Option {
	return func(m *Message) { m.Header.CorrelationID = id }
}

// WithContentFormat overrides the content format.
func WithContentFormat(f ContentFormat) Option {
	return func(m *Message) { m.Header.ContentFormat = f }
}

// WithMetadata sets a metadata entry.
func WithMetadata(key string, value any) Option {
	return func(m *Message) { m.SetMeta(key, value) }
}

// WithIdempotencyKey sets the command idempotency key. Ignored for other bodies.
func WithIdempotencyKey(key string) Option {
	return func(m *Message) {
		if c, ok := m.Command(); ok {
			c.IdempotencyKey = key
		}
	}
}

// WithTimeout sets the command execution timeout. Ignored for other bodies.
func WithTimeout(d time.Duration) Option {
	return func(m *Message) {
		if c, ok := m.Command(); ok {
			c.TimeoutSeconds = int(d / time.Second)
		}
	}
}

// WithExecutionContext sets the command execution context.
func WithExecutionContext(ctx map[string]any) Option {
	return func(m *Message) {
		if c, ok := m.Command(); ok {
			c.ExecutionContext = ctx
		}
	}
}

// WithSequence sets the event sequence number. Ignored for other bodies.
func WithSequence(n int64) Option {
	return func(m *Message) {
		if e, ok := m.Event(); ok {
			e.SequenceNumber = n
		}
	}
}

// Volatile marks an event as never to be persisted.
func Volatile() Option {
	return func(m *Message) {
		if e, ok := m.Event(); ok {
			e.Volatile = true
		}
	}
}

// New builds and validates a message around body.
func New(source, target string, body Body, opts ...Option) (*Message, error) {
	if body == nil {
		return nil, errors.Validation("body", "body is required")
	}
	m := &Message{
		Header: Header{
			MessageID:     NewID(),
			Timestamp:     nowFunc(),
			Source:        source,
			Target:        target,
			MessageType:   body.Type(),
			Priority:      PriorityNormal,
			ContentFormat: FormatJSON,
			Status:        StatusPending,
		},
		Body: body,
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// NewCommand builds a command message.
func NewCommand(source, target, action string, params Params, opts ...Option) (*Message, error) {
	if params == nil {
		params = Params{}
	}
	opts = append([]Option{WithContentFormat(FormatAction)}, opts...)
	return New(source, target, &Command{Action: action, Parameters: params}, opts...)
}

// NewEvent builds an event message. The event source is the sender.
func NewEvent(source, target, eventType string, data map[string]any, opts ...Option) (*Message, error) {
	if data == nil {
		data = map[string]any{}
	}
	return New(source, target, &Event{
		EventType:   eventType,
		EventSource: source,
		Timestamp:   nowFunc(),
		Data:        data,
	}, opts...)
}

// NewQuery builds a query message.
func NewQuery(source, target, queryType string, filters map[string]any, opts ...Option) (*Message, error) {
	if filters == nil {
		filters = map[string]any{}
	}
	return New(source, target, &Query{QueryType: queryType, Filters: filters}, opts...)
}

// NewHeartbeat builds a heartbeat for agentID addressed to target.
func NewHeartbeat(agentID, target, status string, load float64, uptime time.Duration, opts ...Option) (*Message, error) {
	opts = append([]Option{WithPriority(PriorityLow)}, opts...)
	return New(agentID, target, &Heartbeat{
		AgentID:       agentID,
		Status:        status,
		Load:          load,
		UptimeSeconds: int64(uptime / time.Second),
	}, opts...)
}

// NewStateUpdate builds a state update message.
func NewStateUpdate(source, target string, update *StateUpdate, opts ...Option) (*Message, error) {
	return New(source, target, update, opts...)
}

// NewData builds a data message.
func NewData(source, target string, content any, contentType string, opts ...Option) (*Message, error) {
	return New(source, target, &Data{Content: content, ContentType: contentType}, opts...)
}

// replyTo builds the skeleton of a reply: correlation set to the command,
// endpoints swapped, session, trace and priority carried over.
func (m *Message) replyTo(body Body) (*Message, error) {
	if m.Header.MessageType != TypeCommand {
		return nil, errors.Validation("header.message_type",
			"replies can only be built from a command, got "+string(m.Header.MessageType))
	}
	reply := &Message{
		Header: Header{
			MessageID:     NewID(),
			CorrelationID: m.Header.MessageID,
			Timestamp:     nowFunc(),
			Source:        m.Header.Target,
			Target:        m.Header.Source,
			MessageType:   body.Type(),
			Priority:      m.Header.Priority,
			SessionID:     m.Header.SessionID,
			TraceID:       m.Header.TraceID,
			ContentFormat: FormatJSON,
			Status:        StatusPending,
		},
		Body: body,
	}
	if err := reply.Validate(); err != nil {
		return nil, err
	}
	return reply, nil
}

// Reply builds a RESPONSE to this command.
func (m *Message) Reply(success bool, message string, data map[string]any) (*Message, error) {
	return m.replyTo(&Response{Success: success, Message: message, Data: data})
}

// ReplyWith builds a RESPONSE from a prepared body.
func (m *Message) ReplyWith(resp *Response) (*Message, error) {
	return m.replyTo(resp)
}

// Fail builds an ERROR reply to this command.
func (m *Message) Fail(code errors.ErrorCode, message string, details map[string]any) (*Message, error) {
	return m.FailWith(errors.New(code, message, errors.WithDetails(details)))
}

// FailWith builds an ERROR reply from a structured error.
func (m *Message) FailWith(err *errors.Error) (*Message, error) {
	return m.replyTo(ErrorBody(err))
}

// NewErrorNotice builds an uncorrelated ERROR addressed to target. It is used
// when a non-command message fails and there is no command to reply to.
func NewErrorNotice(source, target string, err *errors.Error, opts ...Option) (*Message, error) {
	return New(source, target, ErrorBody(err), opts...)
}

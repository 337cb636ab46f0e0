package mcp

import (
	"time"

	"github.com/vinayprograms/mcpbus/errors"
)

// Body is the closed set of message payloads. Each variant belongs to one
// message type; the codec uses the header's type to pick the variant.
type Body interface {
	// Type returns the message type this body belongs to.
	Type() MessageType

	validate() error
}

// Command asks the target agent to perform an action.
type Command struct {
	Action           string         `json:"action"`
	Parameters       Params         `json:"parameters"`
	ExecutionContext map[string]any `json:"execution_context,omitempty"`
	TimeoutSeconds   int            `json:"timeout_seconds,omitempty"`
	IdempotencyKey   string         `json:"idempotency_key,omitempty"`
}

func (*Command) Type() MessageType { return TypeCommand }

func (c *Command) validate() error {
	if c.Action == "" {
		return errors.Validation("body.action", "command action is required")
	}
	if c.TimeoutSeconds < 0 {
		return errors.Validation("body.timeout_seconds", "timeout_seconds must not be negative")
	}
	return nil
}

// Response answers exactly one command.
type Response struct {
	Success         bool           `json:"success"`
	Message         string         `json:"message"`
	Data            map[string]any `json:"data,omitempty"`
	ErrorCode       string         `json:"error_code,omitempty"`
	ExecutionTimeMS int64          `json:"execution_time_ms,omitempty"`
	ResourceIDs     []string       `json:"resource_ids,omitempty"`
}

func (*Response) Type() MessageType { return TypeResponse }

func (r *Response) validate() error {
	if r.ExecutionTimeMS < 0 {
		return errors.Validation("body.execution_time_ms", "execution_time_ms must not be negative")
	}
	return nil
}

// Event announces something that happened. SequenceNumber increases
// monotonically per EventSource.
type Event struct {
	EventType      string         `json:"event_type"`
	EventSource    string         `json:"event_source"`
	Timestamp      time.Time      `json:"timestamp"`
	Data           map[string]any `json:"data"`
	SequenceNumber int64          `json:"sequence_number,omitempty"`
	// Volatile events are never persisted.
	Volatile bool `json:"is_volatile,omitempty"`
}

func (*Event) Type() MessageType { return TypeEvent }

func (e *Event) validate() error {
	if e.EventType == "" {
		return errors.Validation("body.event_type", "event_type is required")
	}
	if e.EventSource == "" {
		return errors.Validation("body.event_source", "event_source is required")
	}
	return nil
}

// Error reports a failure, usually in reply to a command.
type Error struct {
	ErrorCode        string               `json:"error_code"`
	ErrorMessage     string               `json:"error_message"`
	Details          map[string]any       `json:"details,omitempty"`
	RetryPossible    bool                 `json:"retry_possible"`
	SuggestedAction  string               `json:"suggested_action,omitempty"`
	Category         errors.ErrorCategory `json:"category"`
	MaxRetries       int                  `json:"max_retries,omitempty"`
	RetryDelayMS     int64                `json:"retry_delay_ms,omitempty"`
	RecoveryStrategy string               `json:"recovery_strategy,omitempty"`
	ErrorSeverity    errors.Severity      `json:"error_severity,omitempty"`
}

func (*Error) Type() MessageType { return TypeError }

func (e *Error) validate() error {
	if e.ErrorCode == "" {
		return errors.Validation("body.error_code", "error_code is required")
	}
	if e.ErrorMessage == "" {
		return errors.Validation("body.error_message", "error_message is required")
	}
	switch e.Category {
	case errors.CategoryTemporary, errors.CategoryPermanent:
	default:
		return errors.Validation("body.category", "category must be TEMPORARY or PERMANENT")
	}
	return nil
}

// AsError converts the body back into a structured error so callers can use
// the errors helpers on replies.
func (e *Error) AsError() *errors.Error {
	opts := []errors.Option{
		errors.WithCategory(e.Category),
		errors.WithRetryable(e.RetryPossible),
		errors.WithRetryDelay(time.Duration(e.RetryDelayMS) * time.Millisecond),
		errors.WithMaxRetries(e.MaxRetries),
		errors.WithDetails(e.Details),
	}
	if e.SuggestedAction != "" {
		opts = append(opts, errors.WithSuggestedAction(e.SuggestedAction))
	}
	if e.RecoveryStrategy != "" {
		opts = append(opts, errors.WithRecoveryStrategy(e.RecoveryStrategy))
	}
	if e.ErrorSeverity != "" {
		opts = append(opts, errors.WithSeverity(e.ErrorSeverity))
	}
	return errors.New(errors.ErrorCode(e.ErrorCode), e.ErrorMessage, opts...)
}

// ErrorBody builds an Error body from a structured error.
func ErrorBody(err *errors.Error) *Error {
	return &Error{
		ErrorCode:        string(err.Code()),
		ErrorMessage:     err.Error(),
		Details:          err.Details(),
		RetryPossible:    err.Retryable(),
		SuggestedAction:  err.SuggestedAction(),
		Category:         err.Category(),
		MaxRetries:       err.MaxRetries(),
		RetryDelayMS:     err.RetryDelay().Milliseconds(),
		RecoveryStrategy: err.RecoveryStrategy(),
		ErrorSeverity:    err.Severity(),
	}
}

// Query requests data from the target.
type Query struct {
	QueryType  string         `json:"query_type"`
	Filters    map[string]any `json:"filters"`
	Fields     []string       `json:"fields,omitempty"`
	Pagination map[string]any `json:"pagination,omitempty"`
	OrderBy    []string       `json:"order_by,omitempty"`
}

func (*Query) Type() MessageType { return TypeQuery }

func (q *Query) validate() error {
	if q.QueryType == "" {
		return errors.Validation("body.query_type", "query_type is required")
	}
	return nil
}

// Subscription is carried by subscribe and unsubscribe messages.
type Subscription struct {
	SubscriptionID string         `json:"subscription_id"`
	Topic          string         `json:"topic"`
	Filters        map[string]any `json:"filters,omitempty"`
	Expiration     *time.Time     `json:"expiration,omitempty"`
	// Unsubscribe marks the body as belonging to an unsubscribe message.
	Unsubscribe bool `json:"-"`
}

func (s *Subscription) Type() MessageType {
	if s.Unsubscribe {
		return TypeUnsubscribe
	}
	return TypeSubscribe
}

func (s *Subscription) validate() error {
	if s.Topic == "" {
		return errors.Validation("body.topic", "subscription topic is required")
	}
	return nil
}

// StateUpdate reports a change to a tracked entity such as a workflow.
type StateUpdate struct {
	EntityID      string         `json:"entity_id"`
	EntityType    string         `json:"entity_type"`
	PreviousState map[string]any `json:"previous_state,omitempty"`
	CurrentState  map[string]any `json:"current_state"`
	ChangedFields []string       `json:"changed_fields,omitempty"`
}

func (*StateUpdate) Type() MessageType { return TypeStateUpdate }

func (s *StateUpdate) validate() error {
	if s.EntityID == "" {
		return errors.Validation("body.entity_id", "entity_id is required")
	}
	if s.EntityType == "" {
		return errors.Validation("body.entity_type", "entity_type is required")
	}
	return nil
}

// Heartbeat reports agent liveness and load.
type Heartbeat struct {
	AgentID       string  `json:"agent_id"`
	Status        string  `json:"status"`
	Load          float64 `json:"load"`
	UptimeSeconds int64   `json:"uptime_seconds,omitempty"`
	Version       string  `json:"version,omitempty"`
}

func (*Heartbeat) Type() MessageType { return TypeHeartbeat }

func (h *Heartbeat) validate() error {
	if h.AgentID == "" {
		return errors.Validation("body.agent_id", "agent_id is required")
	}
	if h.Load < 0 || h.Load > 1 {
		return errors.Validation("body.load", "load must be within [0, 1]")
	}
	return nil
}

// Data carries an opaque payload.
type Data struct {
	Content     any    `json:"content"`
	ContentType string `json:"content_type,omitempty"`
}

func (*Data) Type() MessageType { return TypeData }

func (*Data) validate() error { return nil }

// newBody returns an empty body for the given type, used when decoding.
func newBody(t MessageType) Body {
	switch t {
	case TypeCommand:
		return &Command{}
	case TypeResponse:
		return &Response{}
	case TypeEvent:
		return &Event{}
	case TypeError:
		return &Error{}
	case TypeQuery:
		return &Query{}
	case TypeSubscribe:
		return &Subscription{}
	case TypeUnsubscribe:
		return &Subscription{Unsubscribe: true}
	case TypeStateUpdate:
		return &StateUpdate{}
	case TypeHeartbeat:
		return &Heartbeat{}
	case TypeData:
		return &Data{}
	}
	return nil
}

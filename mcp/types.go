// Package mcp defines the message protocol exchanged by agents: a typed
// header, a closed set of body variants keyed by message type, and a
// free-form metadata map.
package mcp

// MessageType selects the body variant and drives type subscriptions.
type MessageType string

const (
	TypeCommand     MessageType = "command"
	TypeResponse    MessageType = "response"
	TypeEvent       MessageType = "event"
	TypeData        MessageType = "data"
	TypeError       MessageType = "error"
	TypeQuery       MessageType = "query"
	TypeSubscribe   MessageType = "subscribe"
	TypeUnsubscribe MessageType = "unsubscribe"
	TypeHeartbeat   MessageType = "heartbeat"
	TypeStateUpdate MessageType = "state_update"
)

// MessageTypes lists every message type in wire order.
var MessageTypes = []MessageType{
	TypeCommand, TypeResponse, TypeEvent, TypeData, TypeError,
	TypeQuery, TypeSubscribe, TypeUnsubscribe, TypeHeartbeat, TypeStateUpdate,
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	for _, known := range MessageTypes {
		if t == known {
			return true
		}
	}
	return false
}

// IsReply reports whether messages of this type answer a command.
func (t MessageType) IsReply() bool {
	return t == TypeResponse || t == TypeError
}

// Priority orders messages for admission cost and persistence.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank maps a priority to an ordinal, low = 0 .. critical = 3.
// Unknown priorities rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return 1
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// ParsePriority converts a string to a Priority, defaulting to normal.
func ParsePriority(s string) Priority {
	p := Priority(s)
	if p.Valid() {
		return p
	}
	return PriorityNormal
}

// ContentFormat describes how body payloads should be interpreted.
type ContentFormat string

const (
	FormatJSON   ContentFormat = "json"
	FormatText   ContentFormat = "text"
	FormatBinary ContentFormat = "binary"
	FormatAction ContentFormat = "action"
)

// Valid reports whether f is a known content format.
func (f ContentFormat) Valid() bool {
	switch f {
	case FormatJSON, FormatText, FormatBinary, FormatAction:
		return true
	}
	return false
}

// Status tracks a message through delivery.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
	StatusTimeout    Status = "timeout"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled, StatusTimeout:
		return true
	}
	return false
}

// CanAdvance reports whether moving from s to next goes forward.
// Pending may skip processing (rejected or expired messages).
func (s Status) CanAdvance(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next.Terminal()
	case StatusProcessing:
		return next.Terminal()
	default:
		return false
	}
}

// Package telemetry provides tracing, metric instruments, and an audit
// trail exporter for the bus.
package telemetry

import (
	"time"

	"github.com/vinayprograms/mcpbus/mcp"
)

// Exporter records the bus audit trail: lifecycle events and a summary of
// every message the bus admits.
type Exporter interface {
	// LogEvent logs an event with the given name and data.
	LogEvent(name string, data map[string]interface{})
	// LogMessage logs a message summary.
	LogMessage(msg Message)
	// Flush sends any buffered data.
	Flush() error
	// Close closes the exporter.
	Close() error
}

// Message is the audit summary of one bus message. Bodies are not exported.
type Message struct {
	MessageID     string    `json:"message_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Type          string    `json:"message_type"`
	Source        string    `json:"source"`
	Target        string    `json:"target"`
	Priority      string    `json:"priority"`
	Status        string    `json:"status"`
	SessionID     string    `json:"session_id,omitempty"`
	TraceID       string    `json:"trace_id,omitempty"`
	Sent          time.Time `json:"sent"`
	Timestamp     time.Time `json:"timestamp"`
}

// Summarize builds the audit summary of m.
func Summarize(m *mcp.Message) Message {
	h := m.Header
	return Message{
		MessageID:     h.MessageID,
		CorrelationID: h.CorrelationID,
		Type:          string(h.MessageType),
		Source:        h.Source,
		Target:        h.Target,
		Priority:      string(h.Priority),
		Status:        string(h.Status),
		SessionID:     h.SessionID,
		TraceID:       h.TraceID,
		Sent:          h.Timestamp,
	}
}

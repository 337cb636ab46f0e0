// OpenTelemetry tracing for message delivery and workflow transitions.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vinayprograms/mcpbus/mcp"
)

// Span names.
const (
	SpanPublish    = "mcp.publish"
	SpanDeliver    = "mcp.deliver"
	SpanTransition = "workflow.transition"
)

// Tracer wraps OpenTelemetry tracing with bus-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  atomic.Bool // when true, message bodies are added to spans
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
	}
	return globalTracer
}

// NewTracer creates a new tracer with the given name.
func NewTracer(name string, debug bool) *Tracer {
	t := &Tracer{tracer: otel.Tracer(name)}
	t.debug.Store(debug)
	return t
}

// SetDebug enables or disables debug mode.
func (t *Tracer) SetDebug(debug bool) {
	t.debug.Store(debug)
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug.Load()
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Message Spans ---

func messageAttrs(m *mcp.Message) []attribute.KeyValue {
	h := m.Header
	attrs := []attribute.KeyValue{
		attribute.String("mcp.message_id", h.MessageID),
		attribute.String("mcp.message_type", string(h.MessageType)),
		attribute.String("mcp.source", h.Source),
		attribute.String("mcp.target", h.Target),
		attribute.String("mcp.priority", string(h.Priority)),
	}
	if h.CorrelationID != "" {
		attrs = append(attrs, attribute.String("mcp.correlation_id", h.CorrelationID))
	}
	if h.SessionID != "" {
		attrs = append(attrs, attribute.String("mcp.session_id", h.SessionID))
	}
	return attrs
}

// StartPublishSpan starts a span covering admission of m.
func (t *Tracer) StartPublishSpan(ctx context.Context, m *mcp.Message) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, SpanPublish, trace.WithSpanKind(trace.SpanKindProducer))
	span.SetAttributes(messageAttrs(m)...)
	if t.Debug() {
		span.SetAttributes(attribute.String("mcp.body", truncateAny(m.Body, 4000)))
	}
	return ctx, span
}

// StartDeliverSpan starts a span covering one handler invocation.
func (t *Tracer) StartDeliverSpan(ctx context.Context, m *mcp.Message, subscription string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, SpanDeliver, trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(messageAttrs(m)...)
	span.SetAttributes(attribute.String("mcp.subscription", subscription))
	return ctx, span
}

// TransitionSpanOptions describes a workflow stage transition.
type TransitionSpanOptions struct {
	WorkflowID string
	Stage      string
	From       string
	To         string
	Attempt    int
}

// StartTransitionSpan starts a span for a workflow transition.
func (t *Tracer) StartTransitionSpan(ctx context.Context, opts TransitionSpanOptions) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, SpanTransition, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("workflow.id", opts.WorkflowID),
		attribute.String("workflow.stage", opts.Stage),
		attribute.String("workflow.from", opts.From),
		attribute.String("workflow.to", opts.To),
	)
	if opts.Attempt > 0 {
		span.SetAttributes(attribute.Int("workflow.attempt", opts.Attempt))
	}
	return ctx, span
}

// EndSpan records err, if any, and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Context Propagation ---

// InjectContext injects trace context into a carrier for cross-process propagation.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext extracts trace context from a carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// MapCarrier is a simple map-based TextMapCarrier for context propagation.
type MapCarrier map[string]string

func (c MapCarrier) Get(key string) string {
	return c[key]
}

func (c MapCarrier) Set(key, value string) {
	c[key] = value
}

func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// --- Helpers ---

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func truncateAny(v interface{}, maxLen int) string {
	switch val := v.(type) {
	case string:
		return truncate(val, maxLen)
	case []byte:
		return truncate(string(val), maxLen)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return truncate(fmt.Sprint(v), maxLen)
	}
	return truncate(string(data), maxLen)
}

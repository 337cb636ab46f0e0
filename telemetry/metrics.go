// OpenTelemetry metric instruments for the bus and workflow engine.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope for every instrument.
const MeterName = "github.com/vinayprograms/mcpbus"

// Instruments holds the counters and histograms the bus records into. A nil
// *Instruments records nothing.
type Instruments struct {
	published   metric.Int64Counter
	processed   metric.Int64Counter
	failed      metric.Int64Counter
	rejected    metric.Int64Counter
	processing  metric.Float64Histogram
	queued      metric.Int64UpDownCounter
	transitions metric.Int64Counter
}

// NewInstruments creates instruments on meter. With a nil meter the global
// meter provider is used.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	if meter == nil {
		meter = otel.Meter(MeterName)
	}
	var (
		in  Instruments
		err error
	)
	if in.published, err = meter.Int64Counter("mcp.messages.published",
		metric.WithDescription("Messages admitted by the bus")); err != nil {
		return nil, err
	}
	if in.processed, err = meter.Int64Counter("mcp.messages.processed",
		metric.WithDescription("Handler invocations that returned without error")); err != nil {
		return nil, err
	}
	if in.failed, err = meter.Int64Counter("mcp.messages.failed",
		metric.WithDescription("Handler invocations that failed or panicked")); err != nil {
		return nil, err
	}
	if in.rejected, err = meter.Int64Counter("mcp.messages.rejected",
		metric.WithDescription("Messages refused at admission")); err != nil {
		return nil, err
	}
	if in.processing, err = meter.Float64Histogram("mcp.processing.duration",
		metric.WithDescription("Handler processing time"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if in.queued, err = meter.Int64UpDownCounter("mcp.queue.size",
		metric.WithDescription("Messages waiting in delivery lanes")); err != nil {
		return nil, err
	}
	if in.transitions, err = meter.Int64Counter("workflow.transitions",
		metric.WithDescription("Applied workflow stage transitions")); err != nil {
		return nil, err
	}
	return &in, nil
}

func typeAttrs(msgType, target string) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("mcp.message_type", msgType),
		attribute.String("mcp.target", target),
	)
}

// Published records one admitted message.
func (in *Instruments) Published(ctx context.Context, msgType, target string) {
	if in == nil {
		return
	}
	in.published.Add(ctx, 1, typeAttrs(msgType, target))
	in.queued.Add(ctx, 1)
}

// Delivered records the end of a lane delivery.
func (in *Instruments) Delivered(ctx context.Context) {
	if in == nil {
		return
	}
	in.queued.Add(ctx, -1)
}

// Processed records a handler outcome and its duration.
func (in *Instruments) Processed(ctx context.Context, msgType, target string, ms float64, failed bool) {
	if in == nil {
		return
	}
	opt := typeAttrs(msgType, target)
	if failed {
		in.failed.Add(ctx, 1, opt)
	} else {
		in.processed.Add(ctx, 1, opt)
	}
	in.processing.Record(ctx, ms, opt)
}

// Rejected records an admission rejection.
func (in *Instruments) Rejected(ctx context.Context, target, code string) {
	if in == nil {
		return
	}
	in.rejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mcp.target", target),
		attribute.String("mcp.error_code", code),
	))
}

// Transition records an applied workflow transition.
func (in *Instruments) Transition(ctx context.Context, stage, to string) {
	if in == nil {
		return
	}
	in.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow.stage", stage),
		attribute.String("workflow.to", to),
	))
}

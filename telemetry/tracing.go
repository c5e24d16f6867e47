// Package telemetry provides OpenTelemetry tracing for graph operations and
// for messages that cross the process boundary.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with runtime-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include message properties in span attributes
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
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// NewTracerFromProvider creates a tracer from an explicit provider.
func NewTracerFromProvider(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{
		tracer: tp.Tracer(name),
		debug:  debug,
	}
}

// SetDebug enables or disables debug mode.
func (t *Tracer) SetDebug(debug bool) {
	t.debug = debug
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Graph Spans ---

// GraphSpanOptions describes the outcome of an operator command.
type GraphSpanOptions struct {
	GraphID    string
	Nodes      int
	Predefined string // Name of the predefined graph, if any
}

// StartGraphSpan starts a span for an operator command such as start_graph.
func (t *Tracer) StartGraphSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "app."+op, trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(attribute.String("graph.op", op))
	return ctx, span
}

// EndGraphSpan ends an operator command span.
func (t *Tracer) EndGraphSpan(span trace.Span, opts GraphSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("graph.id", opts.GraphID),
	}
	if opts.Nodes > 0 {
		attrs = append(attrs, attribute.Int("graph.nodes", opts.Nodes))
	}
	if opts.Predefined != "" {
		attrs = append(attrs, attribute.String("graph.predefined", opts.Predefined))
	}
	span.SetAttributes(attrs...)
	endSpan(span, err)
}

// --- Bridge Spans ---

// MessageSpanOptions describes a message crossing the bridge.
type MessageSpanOptions struct {
	Kind       string
	Name       string
	CmdID      string
	Peer       string
	Properties map[string]interface{} // Only included if debug=true
}

// StartBridgeSpan starts a span for an outbound ("send") or inbound
// ("receive") bridge message.
func (t *Tracer) StartBridgeSpan(ctx context.Context, direction string) (context.Context, trace.Span) {
	kind := trace.SpanKindProducer
	if direction == "receive" {
		kind = trace.SpanKindConsumer
	}
	return t.tracer.Start(ctx, "bridge."+direction, trace.WithSpanKind(kind))
}

// EndBridgeSpan ends a bridge span with message attributes.
func (t *Tracer) EndBridgeSpan(span trace.Span, opts MessageSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("msg.kind", opts.Kind),
		attribute.String("msg.name", opts.Name),
		attribute.String("bridge.peer", opts.Peer),
	}
	if opts.CmdID != "" {
		attrs = append(attrs, attribute.String("msg.cmd_id", opts.CmdID))
	}
	if t.debug {
		for k, v := range opts.Properties {
			attrs = append(attrs, attribute.String("msg.property."+k, truncateAny(v, 500)))
		}
	}
	span.SetAttributes(attrs...)
	endSpan(span, err)
}

func endSpan(span trace.Span, err error) {
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
		return "<bytes>"
	default:
		return truncate(fmt.Sprint(val), maxLen)
	}
}

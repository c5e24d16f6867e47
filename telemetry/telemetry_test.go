package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newRecordingTracer(debug bool) (*Tracer, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	return NewTracerFromProvider(tp, "test", debug), rec
}

func attrMap(span sdktrace.ReadOnlySpan) map[string]string {
	out := make(map[string]string)
	for _, kv := range span.Attributes() {
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}

func TestGraphSpan(t *testing.T) {
	tr, rec := newRecordingTracer(false)

	_, span := tr.StartGraphSpan(context.Background(), "start_graph")
	tr.EndGraphSpan(span, GraphSpanOptions{GraphID: "g1", Nodes: 2}, nil)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "app.start_graph", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	attrs := attrMap(spans[0])
	assert.Equal(t, "g1", attrs["graph.id"])
	assert.Equal(t, "2", attrs["graph.nodes"])
}

func TestBridgeSpanError(t *testing.T) {
	tr, rec := newRecordingTracer(false)

	_, span := tr.StartBridgeSpan(context.Background(), "send")
	tr.EndBridgeSpan(span, MessageSpanOptions{
		Kind:       "cmd",
		Name:       "ping",
		Peer:       "msgpack://b",
		Properties: map[string]interface{}{"secret": "x"},
	}, errors.New("publish failed"))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, trace.SpanKindProducer, spans[0].SpanKind())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	_, leaked := attrMap(spans[0])["msg.property.secret"]
	assert.False(t, leaked, "properties must not be recorded without debug")
}

func TestBridgeSpanDebugProperties(t *testing.T) {
	tr, rec := newRecordingTracer(true)

	_, span := tr.StartBridgeSpan(context.Background(), "receive")
	tr.EndBridgeSpan(span, MessageSpanOptions{Kind: "data", Name: "d", Properties: map[string]interface{}{"n": 3}}, nil)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, trace.SpanKindConsumer, spans[0].SpanKind())
	assert.Equal(t, "3", attrMap(spans[0])["msg.property.n"])
}

func TestMapCarrierPropagation(t *testing.T) {
	tr, _ := newRecordingTracer(false)
	prop := propagation.TraceContext{}

	ctx, span := tr.StartSpan(context.Background(), "outer")
	defer span.End()

	carrier := MapCarrier{}
	prop.Inject(ctx, carrier)
	assert.Contains(t, carrier.Keys(), "traceparent")

	extracted := prop.Extract(context.Background(), carrier)
	assert.Equal(t, span.SpanContext().TraceID(), trace.SpanContextFromContext(extracted).TraceID())
}

func TestGetTracerDefaultsToNoop(t *testing.T) {
	SetGlobalTracer(nil)
	_, span := GetTracer().StartSpan(context.Background(), "x")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab...", truncate("abcdef", 2))
	assert.Equal(t, "<bytes>", truncateAny([]byte("x"), 10))
}

package telemetry

import (
	"context"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/aptima-ai/aptima-framework-sub006/errors"
)

// Resource attribute keys describing the exporting app.
const (
	AttrAppURI = attribute.Key("extgraph.app.uri")
	AttrGraphs = attribute.Key("extgraph.app.graphs")
)

// DefaultServiceName is used when neither the config nor OTEL_SERVICE_NAME
// names the service.
const DefaultServiceName = "extgraph"

// ProviderConfig configures trace export for one app.
type ProviderConfig struct {
	ServiceName    string
	ServiceVersion string

	// AppURI identifies the exporting app. It is also the service instance
	// id, so spans of apps sharing a service name stay apart.
	AppURI string

	// Graphs names the predefined graphs the app can start.
	Graphs []string

	// Endpoint is the OTLP endpoint, OTEL_EXPORTER_OTLP_ENDPOINT if empty.
	Endpoint string

	// Protocol is "grpc" (default) or "http".
	Protocol string

	Insecure bool
	Headers  map[string]string

	// Debug includes message properties in bridge span attributes.
	Debug bool

	// SampleRatio samples root spans; zero or one samples all of them.
	SampleRatio float64

	BatchTimeout  time.Duration
	ExportTimeout time.Duration

	// Global installs the provider and the W3C propagators process-wide.
	Global bool
}

// Provider owns a TracerProvider and the tracer built on it.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer *Tracer
}

// InitProvider creates an OTLP exporter for cfg and a provider around it.
// The provider must be shut down to flush buffered spans.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		return nil, errors.InvalidArgument("telemetry endpoint not configured (set endpoint or OTEL_EXPORTER_OTLP_ENDPOINT)")
	}
	endpoint = strings.TrimPrefix(endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")

	exporter, err := newExporter(ctx, endpoint, cfg)
	if err != nil {
		return nil, err
	}
	var batchOpts []sdktrace.BatchSpanProcessorOption
	if cfg.BatchTimeout > 0 {
		batchOpts = append(batchOpts, sdktrace.WithBatchTimeout(cfg.BatchTimeout))
	}
	return NewProvider(cfg, sdktrace.WithBatcher(exporter, batchOpts...))
}

func newExporter(ctx context.Context, endpoint string, cfg ProviderConfig) (sdktrace.SpanExporter, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch cfg.Protocol {
	case "", "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		if cfg.ExportTimeout > 0 {
			opts = append(opts, otlptracegrpc.WithTimeout(cfg.ExportTimeout))
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		if cfg.ExportTimeout > 0 {
			opts = append(opts, otlptracehttp.WithTimeout(cfg.ExportTimeout))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, errors.InvalidArgument("unknown telemetry protocol %q (use grpc or http)", cfg.Protocol)
	}
	if err != nil {
		return nil, errors.Wrap(err, "creating span exporter")
	}
	return exporter, nil
}

// NewProvider builds a provider describing the app in cfg around the given
// span processors or exporters. Tests pass a syncer with an in-memory
// exporter.
func NewProvider(cfg ProviderConfig, opts ...sdktrace.TracerProviderOption) (*Provider, error) {
	res, err := Resource(cfg)
	if err != nil {
		return nil, err
	}
	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}
	tp := sdktrace.NewTracerProvider(append([]sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	}, opts...)...)

	p := &Provider{
		tp:     tp,
		tracer: NewTracerFromProvider(tp, serviceName(cfg), cfg.Debug),
	}
	if cfg.Global {
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		SetGlobalTracer(p.tracer)
	}
	return p, nil
}

// Resource describes the app in cfg: service name and version, the app URI
// as service instance, and its predefined graphs.
func Resource(cfg ProviderConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(serviceName(cfg))}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	if cfg.AppURI != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(cfg.AppURI), AttrAppURI.String(cfg.AppURI))
	}
	if len(cfg.Graphs) > 0 {
		attrs = append(attrs, AttrGraphs.StringSlice(cfg.Graphs))
	}
	// Schemaless so the merge never conflicts with the SDK's schema URL.
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		return nil, errors.Wrap(err, "creating trace resource")
	}
	return res, nil
}

func serviceName(cfg ProviderConfig) string {
	if cfg.ServiceName != "" {
		return cfg.ServiceName
	}
	if name := os.Getenv("OTEL_SERVICE_NAME"); name != "" {
		return name
	}
	return DefaultServiceName
}

// Tracer returns the tracer for this provider.
func (p *Provider) Tracer() *Tracer {
	return p.tracer
}

// Shutdown flushes buffered spans and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

// ForceFlush exports every buffered span.
func (p *Provider) ForceFlush(ctx context.Context) error {
	return p.tp.ForceFlush(ctx)
}

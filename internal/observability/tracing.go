package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/manolodd/opensimmpls-sub003/core"
	"github.com/manolodd/opensimmpls-sub003/internal/logging"
)

// DefaultOTLPEndpoint is used by the otlp exporter when no endpoint is set.
const DefaultOTLPEndpoint = "localhost:4317"

// TracingConfig selects where the spans of one simulation run go.
type TracingConfig struct {
	Enabled     bool
	Exporter    string // stdout or otlp
	Endpoint    string // otlp only
	ServiceName string
	SampleRatio float64

	// Writer receives stdout-exporter spans; nil means os.Stdout.
	Writer io.Writer

	Run RunAttributes
}

// RunAttributes describe the simulated run. They are attached to the
// tracer resource, so every exported span carries them.
type RunAttributes struct {
	Scenario string
	Nodes    int
	Links    int
	TickNs   uint64
	LimitNs  uint64
	Mode     string
	Policy   string
}

// RunAttributesOf reads the run attributes off a loaded topology. Call it
// after any override of the clock or routing policy.
func RunAttributesOf(title string, topo *core.Topology) RunAttributes {
	policy := core.PolicyPlain
	if topo.RABAN() {
		policy = core.PolicyRABAN
	}
	clock := topo.Clock()
	return RunAttributes{
		Scenario: title,
		Nodes:    topo.NodeCount(),
		Links:    len(topo.Links()),
		TickNs:   clock.TickDuration(),
		LimitNs:  clock.Limit(),
		Mode:     clock.Mode().String(),
		Policy:   policy,
	}
}

func (r RunAttributes) keyValues() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("mplssim.scenario", r.Scenario),
		attribute.Int("mplssim.nodes", r.Nodes),
		attribute.Int("mplssim.links", r.Links),
		attribute.Int64("mplssim.tick_ns", int64(r.TickNs)),
		attribute.Int64("mplssim.limit_ns", int64(r.LimitNs)),
		attribute.String("mplssim.clock_mode", r.Mode),
		attribute.String("mplssim.routing_policy", r.Policy),
	}
}

// InitTracing installs the global tracer provider for a run and returns the
// function that flushes it. A disabled config installs a noop provider.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	exp, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	service := cfg.ServiceName
	if service == "" {
		service = "mplssim"
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		append([]attribute.KeyValue{semconv.ServiceName(service)}, cfg.Run.keyValues()...)...,
	))
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	ratio := min(max(cfg.SampleRatio, 0), 1)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(ratio)),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("scenario", cfg.Run.Scenario),
		logging.Float64("sample_ratio", ratio),
	)
	return tp.Shutdown, nil
}

func newSpanExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.Exporter) {
	case "", "stdout":
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		return stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	case "otlp":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = DefaultOTLPEndpoint
		}
		return otlptrace.New(ctx, otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		))
	}
	return nil, fmt.Errorf("unknown tracing exporter %q", cfg.Exporter)
}

// ShutdownWithTimeout flushes pending spans, giving up after five seconds.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil && log != nil {
		log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}

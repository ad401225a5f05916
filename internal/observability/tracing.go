// Package observability provides tracing and metrics for workflow execution.
// Tracing is OpenTelemetry with otlp or zipkin export; metrics are Prometheus
// collectors shaped for the runner.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"` // otlp, zipkin
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	ZipkinEndpoint string  `yaml:"zipkin_endpoint"`
	SampleRate     float64 `yaml:"sample_rate"` // 0.0 to 1.0
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
}

// TracerProvider wraps the OpenTelemetry tracer. Disabled config yields a
// noop tracer so call sites never branch.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerProvider creates a tracer provider per config.
func NewTracerProvider(config TracingConfig) (*TracerProvider, error) {
	if !config.Enabled {
		return &TracerProvider{
			tracer: noop.NewTracerProvider().Tracer("taskflow"),
		}, nil
	}

	if config.ServiceName == "" {
		config.ServiceName = "taskflow"
	}
	if config.SampleRate <= 0 || config.SampleRate > 1.0 {
		config.SampleRate = 1.0
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch config.Exporter {
	case "otlp":
		endpoint := config.OTLPEndpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		exporter, err = otlptracehttp.New(
			context.Background(),
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "zipkin":
		endpoint := config.ZipkinEndpoint
		if endpoint == "" {
			endpoint = "http://localhost:9411/api/v2/spans"
		}
		exporter, err = zipkin.New(endpoint)
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", config.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SampleRate)),
	)
	otel.SetTracerProvider(provider)

	return &TracerProvider{
		provider: provider,
		tracer:   provider.Tracer("taskflow"),
	}, nil
}

// Shutdown flushes and stops the tracer provider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider != nil {
		return tp.provider.Shutdown(ctx)
	}
	return nil
}

// Tracer returns the tracer.
func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// StartSpan starts a span, attaching the workflow id carried in ctx.
func (tp *TracerProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if id := WorkflowIDFromContext(ctx); id != "" {
		attrs = append(attrs, attribute.String(AttrWorkflowID, id))
	}
	return tp.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

type workflowIDKey struct{}

// WithWorkflowID stamps the workflow id onto a context for span attribution.
func WithWorkflowID(ctx context.Context, workflowID string) context.Context {
	return context.WithValue(ctx, workflowIDKey{}, workflowID)
}

// WorkflowIDFromContext reads the stamped workflow id, if any.
func WorkflowIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(workflowIDKey{}).(string)
	return id
}

// Common span names.
const (
	SpanWorkflowRun  = "taskflow.workflow.run"
	SpanStage        = "taskflow.stage"
	SpanTaskAttempt  = "taskflow.task.attempt"
	SpanProviderCall = "taskflow.provider.call"
	SpanToolExecute  = "taskflow.tool.execute"
)

// Common attribute keys.
const (
	AttrWorkflowID   = "taskflow.workflow_id"
	AttrTaskSequence = "taskflow.task_sequence"
	AttrStageIndex   = "taskflow.stage_index"
	AttrToolName     = "taskflow.tool_name"
	AttrProvider     = "taskflow.provider"
	AttrModel        = "taskflow.model"
	AttrTokenCount   = "taskflow.token_count"
	AttrCost         = "taskflow.cost"
	AttrIteration    = "taskflow.iteration"
	AttrStatus       = "taskflow.status"
	AttrError        = "taskflow.error"
)

// TaskAttrs creates task attempt attributes.
func TaskAttrs(sequence, stage int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(AttrTaskSequence, sequence),
		attribute.Int(AttrStageIndex, stage),
	}
}

// ToolAttrs creates tool attributes.
func ToolAttrs(toolName string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrToolName, toolName),
	}
}

// ModelAttrs creates provider call attributes.
func ModelAttrs(provider, model string, tokens int, cost float64) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrProvider, provider),
		attribute.String(AttrModel, model),
		attribute.Int(AttrTokenCount, tokens),
	}
	if cost > 0 {
		attrs = append(attrs, attribute.Float64(AttrCost, cost))
	}
	return attrs
}

// IterationAttrs creates tool-loop iteration attributes.
func IterationAttrs(iteration int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(AttrIteration, iteration),
	}
}

// StatusAttrs creates status attributes.
func StatusAttrs(status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrStatus, status),
	}
}

// ErrorAttrs creates error attributes.
func ErrorAttrs(err error) []attribute.KeyValue {
	if err == nil {
		return nil
	}
	return []attribute.KeyValue{
		attribute.Bool(AttrError, true),
		attribute.String("error.message", err.Error()),
	}
}

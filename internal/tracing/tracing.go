// Package tracing emits OTel spans for LLM calls, tool calls, and full
// agent runs, the same three span categories the teacher's hand-rolled
// agent/loop_tracing.go records (llm_call, tool_call, agent), wired onto the
// real go.opentelemetry.io/otel SDK instead of a bespoke collector/store
// pair, and exported via OTLP-over-HTTP when configured.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the tracer provider. Mirrors internal/config.TelemetryConfig.
type Config struct {
	Enabled       bool
	OTLPEndpoint  string
	ServiceName   string
	ExportTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ServiceName == "" {
		c.ServiceName = "conductor"
	}
	if c.ExportTimeout <= 0 {
		c.ExportTimeout = 10 * time.Second
	}
	return c
}

// NewProvider builds a TracerProvider. When cfg.Enabled is false or no
// OTLPEndpoint is set, the provider is still usable (Start/End work
// normally) but spans are never exported anywhere, so instrumentation
// doesn't need a feature flag on every call site.
func NewProvider(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, error) {
	cfg = cfg.withDefaults()

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	if cfg.Enabled && cfg.OTLPEndpoint != "" {
		exporter, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
			otlptracehttp.WithTimeout(cfg.ExportTimeout),
		)
		if err != nil {
			return nil, fmt.Errorf("tracing: build otlp exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp, nil
}

var tracer = otel.Tracer("github.com/loopwire/conductor")

// StartRunSpan opens the root span for one agent turn, the otel counterpart
// to the teacher's "agent" span category.
func StartRunSpan(ctx context.Context, sessionKey, agentCmd string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("conductor.session_key", sessionKey),
		attribute.String("conductor.agent_command", agentCmd),
	))
}

// StartLLMSpan opens a span around one LLM call, the otel counterpart to
// the teacher's "llm_call" span category.
func StartLLMSpan(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return tracer.Start(ctx, fmt.Sprintf("llm.complete %s/%s", provider, model), trace.WithAttributes(
		attribute.String("gen_ai.system", provider),
		attribute.String("gen_ai.request.model", model),
	))
}

// EndLLMSpan records token usage and closes span, mirroring the teacher's
// emitLLMSpan recording InputTokens/OutputTokens/FinishReason.
func EndLLMSpan(span trace.Span, inputTokens, outputTokens int64, finishReason string, err error) {
	span.SetAttributes(
		attribute.Int64("gen_ai.usage.input_tokens", inputTokens),
		attribute.Int64("gen_ai.usage.output_tokens", outputTokens),
	)
	if finishReason != "" {
		span.SetAttributes(attribute.String("gen_ai.response.finish_reason", finishReason))
	}
	endSpan(span, err)
}

// StartToolSpan opens a span around one agent tool invocation, the otel
// counterpart to the teacher's "tool_call" span category.
func StartToolSpan(ctx context.Context, toolName string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "tool."+toolName, trace.WithAttributes(
		attribute.String("conductor.tool_name", toolName),
	))
}

// EndSpan closes span, marking it as an error span when err is non-nil.
func EndSpan(span trace.Span, err error) {
	endSpan(span, err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.Bool("error", true))
	}
	span.End()
}

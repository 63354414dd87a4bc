package gateway

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/ollamax/ollamax/config"
)

// Telemetry exports finished generations as OTLP trace spans to a Langfuse
// compatible collector. When no collector is configured every call is a
// no-op.
type Telemetry struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	logger   *LogMonitor
}

func NewTelemetry(ctx context.Context, cfg config.Config, logger *LogMonitor) (*Telemetry, error) {
	t := &Telemetry{logger: logger}
	if cfg.LangfuseHost == "" {
		return t, nil
	}

	auth := base64.StdEncoding.EncodeToString(
		[]byte(cfg.LangfusePublicKey + ":" + cfg.LangfuseSecretKey))

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(strings.TrimSuffix(cfg.LangfuseHost, "/")+"/api/public/otel/v1/traces"),
		otlptracehttp.WithHeaders(map[string]string{
			"Authorization": "Basic " + auth,
		}),
	)
	if err != nil {
		return nil, err
	}

	t.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", "ollamax"),
		)),
	)
	t.tracer = t.provider.Tracer("ollamax/gateway")
	return t, nil
}

// RecordGeneration emits one span covering the whole generation, with the
// prompt, completion and token counts as attributes.
func (t *Telemetry) RecordGeneration(ctx context.Context, o *Observation, record UsageRecord) {
	if t.tracer == nil {
		return
	}

	_, span := t.tracer.Start(ctx, o.Action,
		trace.WithTimestamp(o.Start),
		trace.WithSpanKind(trace.SpanKindServer),
	)
	span.SetAttributes(
		attribute.String("langfuse.observation.type", "generation"),
		attribute.String("gen_ai.request.model", record.Model),
		attribute.String("gen_ai.prompt", o.InputText()),
		attribute.String("gen_ai.completion", o.ResponseContent()),
		attribute.Int("gen_ai.usage.input_tokens", record.PromptTokens),
		attribute.Int("gen_ai.usage.output_tokens", record.CompletionTokens),
		attribute.String("user.id", record.Username),
	)
	if start := o.CompletionStart(); !start.IsZero() {
		span.AddEvent("completion_start", trace.WithTimestamp(start))
	}

	stop := o.CompletionStop()
	if stop.IsZero() {
		stop = time.Now()
	}
	span.End(trace.WithTimestamp(stop))
}

func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	if err := t.provider.Shutdown(ctx); err != nil {
		t.logger.Warnf("telemetry shutdown: %v", err)
		return err
	}
	return nil
}

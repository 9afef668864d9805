// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package telemetry provides OpenTelemetry span helpers and Prometheus
// metrics on top of the structured logging internal/log already provides.
// The metrics reach the engine and runner through their MetricsRecorder
// interfaces; the engine and runner do not call the span helpers. Spans
// and metrics are optional and additive: neither
// affects execution semantics, and disabling either leaves the engine and
// runner otherwise unchanged.
package telemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig configures the tracer provider.
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string

	// Enabled gates span emission entirely; disabled installs a no-op
	// tracer provider so call sites never need their own feature check.
	Enabled bool

	// PrettyPrint enables human-readable stdout span output for local
	// development.
	PrettyPrint bool
}

// NewTracerProvider builds an SDK tracer provider that exports spans to
// stdout. A real deployment can swap this exporter for an OTLP one without
// touching any call site, since every exporter implements the same
// trace.SpanExporter interface. A disabled config returns a no-op
// provider.
func NewTracerProvider(cfg TracingConfig) (*sdktrace.TracerProvider, error) {
	if !cfg.Enabled {
		tp := sdktrace.NewTracerProvider()
		otel.SetTracerProvider(tp)
		return tp, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: building resource: %w", err)
	}

	var exporterOpts []stdouttrace.Option
	exporterOpts = append(exporterOpts, stdouttrace.WithWriter(os.Stdout))
	if cfg.PrettyPrint {
		exporterOpts = append(exporterOpts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: building span exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

// WorkflowSpan wraps a trace.Span with the attribute vocabulary the
// engine and runner use throughout a workflow's life.
type WorkflowSpan struct {
	span trace.Span
}

// StartWorkflowExecution opens the root span for one Execute/Resume call.
func StartWorkflowExecution(ctx context.Context, tracer trace.Tracer, workflowID string) (context.Context, *WorkflowSpan) {
	ctx, span := tracer.Start(ctx, "agentflow.workflow.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("agentflow.workflow_id", workflowID)),
	)
	return ctx, &WorkflowSpan{span: span}
}

// StartStep opens a span for one claimed-and-dispatched facet execution.
func StartStep(ctx context.Context, tracer trace.Tracer, stepID, facetName string) (context.Context, *WorkflowSpan) {
	ctx, span := tracer.Start(ctx, "agentflow.step.dispatch",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("agentflow.step_id", stepID),
			attribute.String("agentflow.facet_name", facetName),
		),
	)
	return ctx, &WorkflowSpan{span: span}
}

// SetAttributes adds key-value metadata to the span.
func (w *WorkflowSpan) SetAttributes(attrs map[string]any) {
	if w == nil || w.span == nil {
		return
	}
	out := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		out = append(out, toAttribute(k, v))
	}
	w.span.SetAttributes(out...)
}

// RecordError records a failed step or workflow outcome.
func (w *WorkflowSpan) RecordError(err error) {
	if w == nil || w.span == nil || err == nil {
		return
	}
	w.span.RecordError(err)
	w.span.SetStatus(codes.Error, err.Error())
}

// End closes the span. Its status stays unset unless RecordError has
// set it to Error.
func (w *WorkflowSpan) End() {
	if w == nil || w.span == nil {
		return
	}
	w.span.End()
}

func toAttribute(k string, v any) attribute.KeyValue {
	switch val := v.(type) {
	case string:
		return attribute.String(k, val)
	case int:
		return attribute.Int(k, val)
	case int64:
		return attribute.Int64(k, val)
	case float64:
		return attribute.Float64(k, val)
	case bool:
		return attribute.Bool(k, val)
	default:
		return attribute.String(k, fmt.Sprintf("%v", val))
	}
}

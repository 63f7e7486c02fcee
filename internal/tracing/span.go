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

package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer and meter scope used by the engine.
const InstrumentationName = "github.com/tombee/pipewright"

// StatusAttribute marks a span outcome. The error-aware sampler keeps spans
// that carry it with the value "error".
const StatusAttribute = "pipewright.status"

// Span wraps an OpenTelemetry span with pipeline-specific helpers.
// A nil *Span is safe to use.
type Span struct {
	span trace.Span
}

func tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// StartRun creates the root span for a pipeline run.
func StartRun(ctx context.Context, runID, pipeline string) (context.Context, *Span) {
	ctx, span := tracer().Start(ctx, fmt.Sprintf("pipeline.run: %s", pipeline),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("pipeline.name", pipeline),
			attribute.String("pipeline.run_id", runID),
			attribute.String("span.type", "pipeline.run"),
		),
	)
	return ctx, &Span{span: span}
}

// StartStage creates a span for one stage execution.
func StartStage(ctx context.Context, stage, resource string) (context.Context, *Span) {
	ctx, span := tracer().Start(ctx, fmt.Sprintf("stage: %s", stage),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("stage.name", stage),
			attribute.String("stage.resource", resource),
			attribute.String("span.type", "pipeline.stage"),
		),
	)
	return ctx, &Span{span: span}
}

// SetAttributes adds key-value attributes to the span.
func (s *Span) SetAttributes(attrs map[string]any) {
	if s == nil || s.span == nil {
		return
	}
	s.span.SetAttributes(toAttributes(attrs)...)
}

// AddEvent records a timestamped event within the span.
func (s *Span) AddEvent(name string, attrs map[string]any) {
	if s == nil || s.span == nil {
		return
	}
	s.span.AddEvent(name, trace.WithAttributes(toAttributes(attrs)...))
}

// RecordError records an error and marks the span failed.
func (s *Span) RecordError(err error) {
	if s == nil || s.span == nil || err == nil {
		return
	}
	s.span.RecordError(err)
	s.SetError(err.Error())
}

// SetOK marks the span successful.
func (s *Span) SetOK() {
	if s == nil || s.span == nil {
		return
	}
	s.span.SetAttributes(attribute.String(StatusAttribute, "ok"))
	s.span.SetStatus(codes.Ok, "")
}

// SetError marks the span failed with a description.
func (s *Span) SetError(message string) {
	if s == nil || s.span == nil {
		return
	}
	s.span.SetAttributes(attribute.String(StatusAttribute, "error"))
	s.span.SetStatus(codes.Error, message)
}

// End marks the span as complete.
func (s *Span) End() {
	if s == nil || s.span == nil {
		return
	}
	s.span.End()
}

// TraceID returns the trace ID as a string, empty when not recording.
func (s *Span) TraceID() string {
	if s == nil || s.span == nil || !s.span.SpanContext().HasTraceID() {
		return ""
	}
	return s.span.SpanContext().TraceID().String()
}

func toAttributes(attrs map[string]any) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			out = append(out, attribute.String(k, val))
		case int:
			out = append(out, attribute.Int(k, val))
		case int64:
			out = append(out, attribute.Int64(k, val))
		case float64:
			out = append(out, attribute.Float64(k, val))
		case bool:
			out = append(out, attribute.Bool(k, val))
		default:
			out = append(out, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}
	return out
}

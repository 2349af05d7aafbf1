package telemetry

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RecordStageEvent annotates the span with a stage transition.
func RecordStageEvent(span trace.Span, stage string, attempt int) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{attribute.String("stage.name", stage)}
	if attempt > 0 {
		attrs = append(attrs, attribute.Int("generation.attempt", attempt))
	}
	span.AddEvent("pipeline.stage", trace.WithAttributes(attrs...))
}

// RecordFailure attaches a coarse-grained failure reason to the span without
// leaking upstream payloads.
func RecordFailure(span trace.Span, stage, reason string) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.SetAttributes(
		attribute.String("failure.stage", stage),
		attribute.String("failure.reason", reason),
	)
	span.AddEvent("pipeline.failed")
}

// RecordAdmissionDenied marks the span with a limiter rejection.
func RecordAdmissionDenied(span trace.Span, feature string, retryAfter time.Duration) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.AddEvent("admission.denied", trace.WithAttributes(
		attribute.String("admission.feature", feature),
		attribute.Int64("admission.retry_after_ms", retryAfter.Milliseconds()),
	))
}

package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "lumina.pipeline"

var (
	metricsOnce             sync.Once
	metricsInitErr          error
	stageTransitionCounter  metric.Int64Counter
	stageFailureCounter     metric.Int64Counter
	generationAttemptsCount metric.Int64Counter
	stageLatencyHistogram   metric.Float64Histogram
)

// StageMetrics captures the fields needed to record one pipeline stage outcome.
type StageMetrics struct {
	Stage    string
	Outcome  string
	Reason   string
	Duration time.Duration
	Attempts int
}

// RecordStageMetrics emits counters and histograms that describe stage execution.
func RecordStageMetrics(ctx context.Context, m StageMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("stage.name", m.Stage),
		attribute.String("stage.outcome", m.Outcome),
	}

	stageTransitionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if m.Duration > 0 {
		stageLatencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	if m.Attempts > 0 {
		generationAttemptsCount.Add(ctx, int64(m.Attempts), metric.WithAttributes(attrs...))
	}

	if m.Reason != "" {
		stageFailureCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("stage.name", m.Stage),
			attribute.String("failure.reason", m.Reason),
		))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(meterName)

		stageTransitionCounter, metricsInitErr = meter.Int64Counter(
			"lumina.stage.transitions_total",
			metric.WithDescription("Pipeline stage executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stageFailureCounter, metricsInitErr = meter.Int64Counter(
			"lumina.stage.failures_total",
			metric.WithDescription("Pipeline items failed, partitioned by stage and reason"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		generationAttemptsCount, metricsInitErr = meter.Int64Counter(
			"lumina.generation.attempts_total",
			metric.WithDescription("Generation service calls including retries"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stageLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"lumina.stage.duration_ms",
			metric.WithDescription("Observed stage latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

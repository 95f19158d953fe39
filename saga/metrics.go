package saga

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records saga metrics with OpenTelemetry.
//
// Instruments:
//   - saga.started: runs started, by saga
//   - saga.completed: runs finished, by saga and status
//   - saga.duration: run duration in seconds
//   - saga.step.executions: forward actions, by step and result
//   - saga.step.duration: forward action duration in seconds
//   - saga.compensations: undo calls, by step and result
type MetricsRecorder struct {
	started       metric.Int64Counter
	completed     metric.Int64Counter
	duration      metric.Float64Histogram
	stepExecs     metric.Int64Counter
	stepDuration  metric.Float64Histogram
	compensations metric.Int64Counter
}

// NewMetricsRecorder creates instruments on the global meter provider under
// the given meter name.
func NewMetricsRecorder(name string) (*MetricsRecorder, error) {
	return NewMetricsRecorderWithMeter(otel.Meter(name))
}

// NewMetricsRecorderWithMeter creates instruments on meter.
func NewMetricsRecorderWithMeter(meter metric.Meter) (*MetricsRecorder, error) {
	m := &MetricsRecorder{}
	var err error

	if m.started, err = meter.Int64Counter("saga.started",
		metric.WithDescription("Total number of saga runs started"),
		metric.WithUnit("{saga}")); err != nil {
		return nil, err
	}
	if m.completed, err = meter.Int64Counter("saga.completed",
		metric.WithDescription("Total number of saga runs finished"),
		metric.WithUnit("{saga}")); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("saga.duration",
		metric.WithDescription("Saga run duration in seconds"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.stepExecs, err = meter.Int64Counter("saga.step.executions",
		metric.WithDescription("Total number of step forward actions"),
		metric.WithUnit("{step}")); err != nil {
		return nil, err
	}
	if m.stepDuration, err = meter.Float64Histogram("saga.step.duration",
		metric.WithDescription("Step forward action duration in seconds"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.compensations, err = meter.Int64Counter("saga.compensations",
		metric.WithDescription("Total number of compensating actions"),
		metric.WithUnit("{step}")); err != nil {
		return nil, err
	}

	return m, nil
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// RecordSagaStart counts a started run.
func (m *MetricsRecorder) RecordSagaStart(ctx context.Context, saga string) {
	m.started.Add(ctx, 1, metric.WithAttributes(attribute.String("saga", saga)))
}

// RecordSagaEnd counts a finished run and its duration.
func (m *MetricsRecorder) RecordSagaEnd(ctx context.Context, saga string, status Status, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("saga", saga),
		attribute.String("status", string(status)))
	m.completed.Add(ctx, 1, attrs)
	m.duration.Record(ctx, d.Seconds(), attrs)
}

// RecordStepExecution counts a forward action and its duration.
func (m *MetricsRecorder) RecordStepExecution(ctx context.Context, saga, step string, result StepResult, d time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("saga", saga),
		attribute.String("step", step),
		attribute.String("result", resultLabel(result.Success)),
	}
	if !result.Success {
		attrs = append(attrs, attribute.String("kind", string(result.Kind)))
	}
	m.stepExecs.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.stepDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

// RecordCompensation counts an undo call.
func (m *MetricsRecorder) RecordCompensation(ctx context.Context, saga, step string, result UndoResult) {
	m.compensations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("saga", saga),
		attribute.String("step", step),
		attribute.String("result", resultLabel(result.Success))))
}

// Package observability wires OpenTelemetry tracing and metrics for the
// runtime. Instrumentation methods are nil-safe so the executor can run with
// observability disabled.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/acm-runtime/acm"

// Instrumentation carries the tracer and instruments used during a run.
// A nil *Instrumentation is valid and does nothing.
type Instrumentation struct {
	tracer       trace.Tracer
	runCounter   metric.Int64Counter
	taskCounter  metric.Int64Counter
	retryCounter metric.Int64Counter
	taskDuration metric.Float64Histogram
}

// New builds instrumentation from explicit providers.
func New(tp trace.TracerProvider, mp metric.MeterProvider) (*Instrumentation, error) {
	meter := mp.Meter(scopeName)
	inst := &Instrumentation{tracer: tp.Tracer(scopeName)}

	var err error
	if inst.runCounter, err = meter.Int64Counter("acm.runs",
		metric.WithDescription("Completed runs by status")); err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	if inst.taskCounter, err = meter.Int64Counter("acm.tasks",
		metric.WithDescription("Completed tasks by status")); err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	if inst.retryCounter, err = meter.Int64Counter("acm.task.retries",
		metric.WithDescription("Task retry attempts")); err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	if inst.taskDuration, err = meter.Float64Histogram("acm.task.duration",
		metric.WithDescription("Task wall time"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	return inst, nil
}

// NewFromGlobal builds instrumentation from the global otel providers.
func NewFromGlobal() (*Instrumentation, error) {
	return New(otel.GetTracerProvider(), otel.GetMeterProvider())
}

// StartRun opens the run root span.
func (i *Instrumentation) StartRun(ctx context.Context, runID, planID string) (context.Context, trace.Span) {
	if i == nil {
		return ctx, nil
	}
	return i.tracer.Start(ctx, "acm.run", trace.WithAttributes(
		attribute.String("acm.run_id", runID),
		attribute.String("acm.plan_id", planID),
	))
}

// EndRun closes the run span and counts the run.
func (i *Instrumentation) EndRun(ctx context.Context, span trace.Span, status string) {
	if i == nil {
		return
	}
	i.runCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	if span != nil {
		span.SetAttributes(attribute.String("acm.status", status))
		span.End()
	}
}

// StartTask opens a task span.
func (i *Instrumentation) StartTask(ctx context.Context, taskID, capability string) (context.Context, trace.Span) {
	if i == nil {
		return ctx, nil
	}
	return i.tracer.Start(ctx, "acm.task", trace.WithAttributes(
		attribute.String("acm.task_id", taskID),
		attribute.String("acm.capability", capability),
	))
}

// EndTask closes a task span and records status and duration.
func (i *Instrumentation) EndTask(ctx context.Context, span trace.Span, taskID, status string, elapsed time.Duration) {
	if i == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("acm.task_id", taskID),
		attribute.String("status", status),
	)
	i.taskCounter.Add(ctx, 1, attrs)
	i.taskDuration.Record(ctx, elapsed.Seconds(), attrs)
	if span != nil {
		span.SetAttributes(attribute.String("acm.status", status))
		span.End()
	}
}

// RecordRetry counts one retry of taskID.
func (i *Instrumentation) RecordRetry(ctx context.Context, taskID string) {
	if i == nil {
		return
	}
	i.retryCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("acm.task_id", taskID)))
}

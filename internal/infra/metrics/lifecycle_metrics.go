package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/branchctl/internal/application/tenant"
	"github.com/ahrav/branchctl/internal/application/workflow"
)

var (
	_ tenant.LifecycleMetrics = (*lifecycleMetrics)(nil)
	_ workflow.StepMetrics    = (*lifecycleMetrics)(nil)
)

type lifecycleMetrics struct {
	runSuccess    metric.Int64Counter
	runFailure    metric.Int64Counter
	runDuration   metric.Float64Histogram
	rowsProcessed metric.Int64Counter
	stepDuration  metric.Float64Histogram
}

func newLifecycleMetrics(mp metric.MeterProvider) (*lifecycleMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(lifecycleMetrics)
	var err error

	if m.runSuccess, err = meter.Int64Counter(
		"lifecycle_run_success_total",
		metric.WithDescription("Total number of lifecycle runs that completed"),
	); err != nil {
		return nil, err
	}

	if m.runFailure, err = meter.Int64Counter(
		"lifecycle_run_failure_total",
		metric.WithDescription("Total number of lifecycle runs that failed, by reason"),
	); err != nil {
		return nil, err
	}

	if m.runDuration, err = meter.Float64Histogram(
		"lifecycle_run_duration_seconds",
		metric.WithDescription("Duration of lifecycle runs in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.rowsProcessed, err = meter.Int64Counter(
		"lifecycle_rows_processed_total",
		metric.WithDescription("Total number of rows deleted or renumbered by lifecycle runs"),
	); err != nil {
		return nil, err
	}

	if m.stepDuration, err = meter.Float64Histogram(
		"lifecycle_step_duration_seconds",
		metric.WithDescription("Duration of lifecycle workflow steps in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *lifecycleMetrics) IncRunSuccess(ctx context.Context, op string) {
	m.runSuccess.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", op)))
}

func (m *lifecycleMetrics) IncRunFailure(ctx context.Context, op, reason string) {
	m.runFailure.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("reason", reason),
	))
}

func (m *lifecycleMetrics) ObserveRunDuration(ctx context.Context, op string, d time.Duration) {
	m.runDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("operation", op)))
}

func (m *lifecycleMetrics) AddRowsProcessed(ctx context.Context, op string, rows int64) {
	if rows <= 0 {
		return
	}
	m.rowsProcessed.Add(ctx, rows, metric.WithAttributes(attribute.String("operation", op)))
}

func (m *lifecycleMetrics) ObserveStepDuration(ctx context.Context, wf, step string, success bool, d time.Duration) {
	m.stepDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("workflow", wf),
		attribute.String("step", step),
		attribute.Bool("success", success),
	))
}

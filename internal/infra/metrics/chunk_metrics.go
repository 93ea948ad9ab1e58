package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/branchctl/internal/application/executor"
)

var _ executor.Metrics = (*chunkMetrics)(nil)

type chunkMetrics struct {
	committed     metric.Int64Counter
	failures      metric.Int64Counter
	rows          metric.Int64Counter
	chunkDuration metric.Float64Histogram
}

func newChunkMetrics(mp metric.MeterProvider) (*chunkMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(chunkMetrics)
	var err error

	if m.committed, err = meter.Int64Counter(
		"executor_chunks_committed_total",
		metric.WithDescription("Total number of committed chunk transactions"),
	); err != nil {
		return nil, err
	}

	if m.failures, err = meter.Int64Counter(
		"executor_chunk_failures_total",
		metric.WithDescription("Total number of chunk transactions that rolled back"),
	); err != nil {
		return nil, err
	}

	if m.rows, err = meter.Int64Counter(
		"executor_rows_total",
		metric.WithDescription("Total number of rows mutated by committed chunks"),
	); err != nil {
		return nil, err
	}

	if m.chunkDuration, err = meter.Float64Histogram(
		"executor_chunk_duration_seconds",
		metric.WithDescription("Duration of chunk transactions in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *chunkMetrics) ObserveChunk(ctx context.Context, kind, action string, rows int64, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("kind", kind), attribute.String("action", action))
	m.committed.Add(ctx, 1, attrs)
	m.rows.Add(ctx, rows, attrs)
	m.chunkDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *chunkMetrics) IncChunkFailure(ctx context.Context, kind, action string) {
	m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind), attribute.String("action", action)))
}

package tenant

import (
	"context"
	"time"
)

// LifecycleMetrics defines metrics for branch lifecycle runs.
type LifecycleMetrics interface {
	// IncRunSuccess increments the count of successful runs of op.
	IncRunSuccess(ctx context.Context, op string)

	// IncRunFailure increments the count of failed runs of op.
	IncRunFailure(ctx context.Context, op string, reason string)

	// ObserveRunDuration records how long a run of op took.
	ObserveRunDuration(ctx context.Context, op string, duration time.Duration)

	// AddRowsProcessed adds the rows a run of op committed.
	AddRowsProcessed(ctx context.Context, op string, rows int64)
}

type nopMetrics struct{}

func (nopMetrics) IncRunSuccess(context.Context, string)                     {}
func (nopMetrics) IncRunFailure(context.Context, string, string)             {}
func (nopMetrics) ObserveRunDuration(context.Context, string, time.Duration) {}
func (nopMetrics) AddRowsProcessed(context.Context, string, int64)           {}

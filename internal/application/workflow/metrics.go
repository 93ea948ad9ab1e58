package workflow

import (
	"context"
	"time"
)

// StepMetrics records per-step timings of lifecycle workflows.
type StepMetrics interface {
	// ObserveStepDuration records how long a step of the named workflow took.
	ObserveStepDuration(ctx context.Context, workflow, step string, success bool, duration time.Duration)
}

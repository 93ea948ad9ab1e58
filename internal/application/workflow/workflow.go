// Package workflow runs a lifecycle run as an ordered list of named steps and records how
// each step went.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/ahrav/branchctl/pkg/common/timeutil"
)

// Step represents a single executable unit in a workflow.
// Each step has a name, description, and an execution function that will be called
// during workflow execution.
type Step struct {
	Name        string
	Description string
	Execute     func(ctx context.Context) error
}

// Result contains the consolidated outcome of a workflow execution.
type Result struct {
	Success     bool
	StartedAt   time.Time
	CompletedAt time.Time
	Error       error
	StepResults []StepResult
}

// Duration returns the wall time of the whole workflow.
func (r Result) Duration() time.Duration { return r.CompletedAt.Sub(r.StartedAt) }

// FailedStep returns the name of the step that failed, or "" on success.
func (r Result) FailedStep() string {
	for _, s := range r.StepResults {
		if !s.Success {
			return s.StepName
		}
	}
	return ""
}

// StepResult tracks the execution result of an individual workflow step.
type StepResult struct {
	StepName    string
	Success     bool
	Error       error
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithTimeProvider sets the clock used for step timings.
func WithTimeProvider(p timeutil.Provider) Option { return func(w *Workflow) { w.clock = p } }

// WithMetrics records the duration of every finished step.
func WithMetrics(name string, m StepMetrics) Option {
	return func(w *Workflow) {
		w.name = name
		w.metrics = m
	}
}

// Workflow executes its steps in order on the calling goroutine.
type Workflow struct {
	name    string
	steps   []Step
	clock   timeutil.Provider
	metrics StepMetrics
}

// New creates a workflow with the provided execution steps.
func New(steps []Step, opts ...Option) *Workflow {
	w := &Workflow{steps: steps, clock: timeutil.Default()}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Execute runs all steps in sequence and stops at the first failure. Cancellation of ctx
// is checked before every step; a step that is already running decides for itself how it
// reacts to ctx.
func (w *Workflow) Execute(ctx context.Context) Result {
	result := Result{
		Success:     true,
		StartedAt:   w.clock.Now(),
		StepResults: make([]StepResult, 0, len(w.steps)),
	}

	for _, step := range w.steps {
		stepResult := StepResult{
			StepName:  step.Name,
			StartedAt: w.clock.Now(),
		}

		err := ctx.Err()
		if err == nil {
			err = step.Execute(ctx)
		}

		stepResult.CompletedAt = w.clock.Now()
		stepResult.Duration = stepResult.CompletedAt.Sub(stepResult.StartedAt)
		if w.metrics != nil {
			w.metrics.ObserveStepDuration(ctx, w.name, step.Name, err == nil, stepResult.Duration)
		}

		if err != nil {
			stepResult.Error = err
			result.Success = false
			result.Error = fmt.Errorf("step %s failed: %w", step.Name, err)
			result.StepResults = append(result.StepResults, stepResult)
			break
		}

		stepResult.Success = true
		result.StepResults = append(result.StepResults, stepResult)
	}

	result.CompletedAt = w.clock.Now()
	return result
}

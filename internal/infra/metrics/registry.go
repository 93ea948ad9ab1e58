// Package metrics exposes the OpenTelemetry instruments recorded by lifecycle runs.
package metrics

import (
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/branchctl/internal/application/executor"
	"github.com/ahrav/branchctl/internal/application/tenant"
	"github.com/ahrav/branchctl/internal/application/workflow"
)

const namespace = "branchctl"

// Registry provides access to all metric implementations.
// It centralizes the creation and management of metrics instances.
type Registry struct {
	Lifecycle tenant.LifecycleMetrics
	Steps     workflow.StepMetrics
	Chunks    executor.Metrics
}

// NewRegistry creates and initializes all metrics implementations.
// It uses a single meter provider to ensure consistent configuration.
func NewRegistry(mp metric.MeterProvider) (*Registry, error) {
	lifecycle, err := newLifecycleMetrics(mp)
	if err != nil {
		return nil, err
	}

	chunks, err := newChunkMetrics(mp)
	if err != nil {
		return nil, err
	}

	return &Registry{
		Lifecycle: lifecycle,
		Steps:     lifecycle,
		Chunks:    chunks,
	}, nil
}

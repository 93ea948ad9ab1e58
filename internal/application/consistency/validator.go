// Package consistency verifies that rows about to be removed are no longer referenced.
package consistency

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/branchctl/internal/domain/entity"
	"github.com/ahrav/branchctl/pkg/common/logger"
)

// Validator checks every column that can point at a kind, declared or discovered.
type Validator struct {
	logger *logger.Logger
	tracer trace.Tracer
}

// New creates a Validator.
func New(log *logger.Logger, tracer trace.Tracer) *Validator {
	return &Validator{logger: log.With("component", "consistency_validator"), tracer: tracer}
}

// CheckNoDanglingReferences fails with a DependencyOrderError when any row still refers to
// one of ids. It only reads through r, so it can run inside the chunk transaction that is
// about to remove (or has just removed) the rows.
func (v *Validator) CheckNoDanglingReferences(
	ctx context.Context,
	r entity.Reader,
	kind entity.Kind,
	branchID int64,
	ids []int64,
) error {
	if len(ids) == 0 {
		return nil
	}

	ctx, span := v.tracer.Start(ctx, "consistency.CheckNoDanglingReferences", trace.WithAttributes(
		attribute.String("kind", kind.String()),
		attribute.Int64("branch_id", branchID),
		attribute.Int("ids", len(ids)),
	))
	defer span.End()

	refs, err := r.References(ctx, kind)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("listing references to %s: %w", kind, err)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Table != refs[j].Table {
			return refs[i].Table < refs[j].Table
		}
		return refs[i].Column < refs[j].Column
	})

	for _, ref := range refs {
		n, err := r.CountReferencing(ctx, ref, ids)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("counting %s.%s references to %s: %w", ref.Table, ref.Column, kind, err)
		}
		if n == 0 {
			continue
		}

		depErr := &entity.DependencyOrderError{
			Kind:         kind,
			ReferencedBy: ref.Table,
			Column:       ref.Column,
			Count:        n,
			BranchID:     branchID,
		}
		span.RecordError(depErr)
		span.SetStatus(codes.Error, "dangling reference")
		v.logger.Error(ctx, "dangling reference detected",
			"kind", kind,
			"referenced_by", ref.Table,
			"column", ref.Column,
			"count", n,
			"branch_id", branchID,
		)
		return depErr
	}
	return nil
}

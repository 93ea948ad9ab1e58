// Package sequence renumbers the sequence codes of a branch from scratch.
//
// Codes are assigned in (created_at, name, id) order, starting at 001, and always derived
// from the persisted row order. A repeated or resumed run therefore produces the same codes
// for the same data.
package sequence

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/branchctl/internal/application/executor"
	"github.com/ahrav/branchctl/internal/domain/entity"
	"github.com/ahrav/branchctl/internal/domain/tenant"
	"github.com/ahrav/branchctl/pkg/common/logger"
)

// MinWidth is the minimum number of digits of a sequence code.
const MinWidth = 3

// Code renders rank as a zero-padded sequence code.
func Code(rank int64) string { return fmt.Sprintf("%0*d", MinWidth, rank) }

// Runner executes chunked tasks.
type Runner interface {
	Run(ctx context.Context, branchID int64, tasks []executor.Task, progress executor.ProgressFunc) (executor.Result, error)
}

// Result describes a completed backfill.
type Result struct {
	BranchID     int64
	Assigned     int64
	NextSequence int64
}

// Engine assigns sequence codes for one branch at a time.
type Engine struct {
	runner  Runner
	tenants tenant.Repository

	logger *logger.Logger
	tracer trace.Tracer
}

// NewEngine creates a backfill Engine.
func NewEngine(runner Runner, tenants tenant.Repository, log *logger.Logger, tracer trace.Tracer) *Engine {
	return &Engine{
		runner:  runner,
		tenants: tenants,
		logger:  log.With("component", "sequence_backfill"),
		tracer:  tracer,
	}
}

// Task returns the update task that renumbers every sequence-bearing row of branchID.
func Task(branchID int64) (executor.Task, error) {
	filter, err := entity.BranchFilter(entity.SequenceKind, branchID)
	if err != nil {
		return executor.Task{}, err
	}
	return executor.Task{
		Kind:   entity.SequenceKind,
		Filter: filter,
		Action: executor.ActionUpdate,
		Order:  entity.OrderByCreation,
		Assign: func(ids []int64, start int64) entity.Patch {
			values := make(map[int64]string, len(ids))
			for i, id := range ids {
				values[id] = Code(start + int64(i) + 1)
			}
			return entity.Patch{
				Field:     entity.FieldSequenceCode,
				Values:    values,
				Exclusive: true,
				Scope:     filter,
			}
		},
	}, nil
}

// Backfill overwrites every sequence code of branchID and then stores the branch's
// sequence cursor. The cursor is only written once every chunk has committed; on failure
// the returned Result carries the rows already committed.
func (e *Engine) Backfill(ctx context.Context, branchID int64, progress executor.ProgressFunc) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "sequence.Backfill", trace.WithAttributes(
		attribute.Int64("branch_id", branchID),
	))
	defer span.End()

	res := Result{BranchID: branchID}

	t, err := e.tenants.FindByID(ctx, branchID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "branch lookup failed")
		return res, err
	}

	task, err := Task(branchID)
	if err != nil {
		span.RecordError(err)
		return res, err
	}

	run, err := e.runner.Run(ctx, branchID, []executor.Task{task}, progress)
	res.Assigned = run.Processed()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "assignment failed")
		e.logger.Error(ctx, "sequence assignment incomplete",
			"branch_id", branchID,
			"committed", res.Assigned,
			"error", err,
		)
		return res, err
	}

	if err := t.ResetSequence(res.Assigned); err != nil {
		span.RecordError(err)
		return res, err
	}
	if err := e.tenants.SetSequenceCounter(ctx, branchID, t.NextSequence); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cursor update failed")
		return res, fmt.Errorf("setting sequence counter of branch %d: %w", branchID, err)
	}
	res.NextSequence = t.NextSequence

	span.SetAttributes(attribute.Int64("assigned", res.Assigned))
	span.SetStatus(codes.Ok, "backfill completed")
	e.logger.Info(ctx, "sequence backfill completed", "branch_id", branchID, "assigned", res.Assigned)
	return res, nil
}

package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/branchctl/internal/application/executor"
	"github.com/ahrav/branchctl/internal/application/sequence"
	"github.com/ahrav/branchctl/internal/application/workflow"
	"github.com/ahrav/branchctl/internal/domain/entity"
	"github.com/ahrav/branchctl/internal/domain/operation"
	"github.com/ahrav/branchctl/internal/domain/tenant"
	"github.com/ahrav/branchctl/pkg/common/logger"
	"github.com/ahrav/branchctl/pkg/common/timeutil"
)

// Planner produces the ordered deletion tasks of a branch.
type Planner interface {
	Plan(branchID int64) ([]executor.Task, error)
}

// Runner executes chunked tasks.
type Runner interface {
	Run(ctx context.Context, branchID int64, tasks []executor.Task, progress executor.ProgressFunc) (executor.Result, error)
	ChunkSize() int
}

// Backfiller renumbers the sequence codes of one branch.
type Backfiller interface {
	Backfill(ctx context.Context, branchID int64, progress executor.ProgressFunc) (sequence.Result, error)
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics sets the run metrics sink.
func WithMetrics(m LifecycleMetrics) Option { return func(s *Service) { s.metrics = m } }

// WithStepMetrics sets the per-step metrics sink.
func WithStepMetrics(m workflow.StepMetrics) Option { return func(s *Service) { s.stepMetrics = m } }

// WithTimeProvider sets the clock used for run timings.
func WithTimeProvider(p timeutil.Provider) Option { return func(s *Service) { s.clock = p } }

// Service runs branch lifecycle operations: cascading deletion and sequence backfill.
// Every run holds the branch's advisory lock and is recorded in the operation ledger.
type Service struct {
	tenantRepo    tenant.Repository
	operationRepo operation.Repository
	planner       Planner
	runner        Runner
	backfiller    Backfiller
	locker        tenant.Locker

	metrics     LifecycleMetrics
	stepMetrics workflow.StepMetrics
	clock       timeutil.Provider

	logger *logger.Logger
	tracer trace.Tracer
}

// NewService creates a new lifecycle service.
func NewService(
	tenantRepo tenant.Repository,
	operationRepo operation.Repository,
	planner Planner,
	runner Runner,
	backfiller Backfiller,
	locker tenant.Locker,
	logger *logger.Logger,
	tracer trace.Tracer,
	opts ...Option,
) *Service {
	s := &Service{
		tenantRepo:    tenantRepo,
		operationRepo: operationRepo,
		planner:       planner,
		runner:        runner,
		backfiller:    backfiller,
		locker:        locker,
		metrics:       nopMetrics{},
		clock:         timeutil.Default(),
		logger:        logger.With("component", "branch_lifecycle_service"),
		tracer:        tracer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DeleteBranch removes the named branch and every row that depends on it. Dependents go
// first in dependency order; the branch row is removed last. A failed run can be repeated
// and continues from the committed state.
func (s *Service) DeleteBranch(ctx context.Context, name string, progress executor.ProgressFunc) (*DeleteResult, error) {
	log := logger.NewLoggerContext(s.logger.With("operation_type", operation.OpBranchDelete.String(), "branch_name", name))
	ctx, span := s.tracer.Start(ctx, "tenant.DeleteBranch", trace.WithAttributes(
		attribute.String("branch_name", name),
	))
	defer span.End()

	started := s.clock.Now()

	t, err := s.tenantRepo.FindByName(ctx, name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "error finding branch")
		s.recordFailure(ctx, operation.OpBranchDelete, err)
		return nil, fmt.Errorf("error finding branch (%s): %w", name, err)
	}
	log.Add("branch_id", t.ID)
	span.SetAttributes(attribute.Int64("branch_id", t.ID))

	lease, err := s.locker.Acquire(ctx, t.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "branch busy")
		s.recordFailure(ctx, operation.OpBranchDelete, err)
		return nil, err
	}
	defer s.release(ctx, lease, t.ID)
	span.AddEvent("advisory lock acquired")

	op, err := operation.NewBranchDeleteOperation(uuid.NewString(), t.ID, t.Name)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create operation for branch (%s): %w", name, err)
	}
	if err := s.startOperation(ctx, op); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "error persisting operation")
		return nil, err
	}
	log.Add("operation_id", op.ID, "run_id", op.RunID)
	span.SetAttributes(attribute.Int64("operation_id", op.ID), attribute.String("run_id", op.RunID))
	log.Info(ctx, "branch deletion started")

	res := &DeleteResult{OperationID: op.ID, RunID: op.RunID, BranchID: t.ID, BranchName: t.Name}
	track := s.tracker(op, progress)

	var tasks []executor.Task
	steps := []workflow.Step{
		{
			Name:        "verify-branch",
			Description: "Confirm the branch still exists under the lock",
			Execute: func(ctx context.Context) error {
				_, err := s.tenantRepo.FindByID(ctx, t.ID)
				return err
			},
		},
		{
			Name:        "resolve-plan",
			Description: "Order every dependent kind for deletion",
			Execute: func(ctx context.Context) error {
				planned, err := s.planner.Plan(t.ID)
				if err != nil {
					return err
				}
				tasks = planned
				if len(tasks) == 0 || tasks[len(tasks)-1].Kind != entity.KindBranch {
					return fmt.Errorf("deletion plan for branch %d does not end with the branch row", t.ID)
				}
				return nil
			},
		},
		{
			Name:        "purge-dependents",
			Description: "Delete dependent rows chunk by chunk",
			Execute: func(ctx context.Context) error {
				run, err := s.runner.Run(ctx, t.ID, tasks[:len(tasks)-1], track)
				res.Removed = append(res.Removed, counts(run)...)
				return err
			},
		},
		{
			Name:        "remove-branch",
			Description: "Delete the branch row",
			Execute: func(ctx context.Context) error {
				run, err := s.runner.Run(ctx, t.ID, tasks[len(tasks)-1:], track)
				res.Removed = append(res.Removed, counts(run)...)
				if err != nil {
					return err
				}
				op.Result = map[string]any{"branch_removed": true}
				return nil
			},
		},
	}

	wf := workflow.New(steps, workflow.WithTimeProvider(s.clock), workflow.WithMetrics(operation.OpBranchDelete.String(), s.stepMetrics))
	result := wf.Execute(ctx)
	res.Steps = result.StepResults
	res.Duration = s.clock.Since(started)

	processed := Total(res.Removed)
	outcome := map[string]any{
		"branch_removed": op.Result["branch_removed"] == true,
		"rows_removed":   processed,
	}
	s.finishOperation(ctx, op, result, outcome)
	s.metrics.AddRowsProcessed(ctx, operation.OpBranchDelete.String(), processed)
	s.metrics.ObserveRunDuration(ctx, operation.OpBranchDelete.String(), res.Duration)

	if !result.Success {
		span.RecordError(result.Error)
		span.SetStatus(codes.Error, "branch deletion failed")
		s.recordFailure(ctx, operation.OpBranchDelete, result.Error)
		log.Error(ctx, "branch deletion failed",
			"failed_step", result.FailedStep(),
			"rows_removed", processed,
			"error", result.Error,
		)
		return res, result.Error
	}

	s.metrics.IncRunSuccess(ctx, operation.OpBranchDelete.String())
	log.Info(ctx, "branch deleted", "rows_removed", processed, "duration", res.Duration)
	span.SetStatus(codes.Ok, "branch deleted")
	return res, nil
}

// BackfillSequences renumbers the sequence codes of one branch, or of every branch in
// ascending id order when branchID is nil. It stops at the first branch that fails and
// returns the results gathered so far.
func (s *Service) BackfillSequences(
	ctx context.Context,
	branchID *int64,
	progress executor.ProgressFunc,
) ([]*BackfillResult, error) {
	ctx, span := s.tracer.Start(ctx, "tenant.BackfillSequences")
	defer span.End()

	var ids []int64
	if branchID != nil {
		ids = []int64{*branchID}
	} else {
		var err error
		if ids, err = s.tenantRepo.ListIDs(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "error listing branches")
			return nil, fmt.Errorf("error listing branches: %w", err)
		}
	}
	span.SetAttributes(attribute.Int("branches", len(ids)))

	results := make([]*BackfillResult, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := s.backfillBranch(ctx, id, progress)
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "backfill failed")
			return results, err
		}
	}

	span.SetStatus(codes.Ok, "backfill completed")
	return results, nil
}

func (s *Service) backfillBranch(ctx context.Context, branchID int64, progress executor.ProgressFunc) (*BackfillResult, error) {
	log := logger.NewLoggerContext(s.logger.With(
		"operation_type", operation.OpSequenceBackfill.String(),
		"branch_id", branchID,
	))
	ctx, span := s.tracer.Start(ctx, "tenant.backfillBranch", trace.WithAttributes(
		attribute.Int64("branch_id", branchID),
	))
	defer span.End()

	started := s.clock.Now()

	if _, err := s.tenantRepo.FindByID(ctx, branchID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "error finding branch")
		s.recordFailure(ctx, operation.OpSequenceBackfill, err)
		return nil, fmt.Errorf("error finding branch (%d): %w", branchID, err)
	}

	lease, err := s.locker.Acquire(ctx, branchID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "branch busy")
		s.recordFailure(ctx, operation.OpSequenceBackfill, err)
		return nil, err
	}
	defer s.release(ctx, lease, branchID)

	op, err := operation.NewSequenceBackfillOperation(uuid.NewString(), branchID, s.runner.ChunkSize())
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create operation for branch (%d): %w", branchID, err)
	}
	if err := s.startOperation(ctx, op); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "error persisting operation")
		return nil, err
	}
	log.Add("operation_id", op.ID, "run_id", op.RunID)
	log.Info(ctx, "sequence backfill started")

	res := &BackfillResult{OperationID: op.ID, RunID: op.RunID, BranchID: branchID}
	steps := []workflow.Step{
		{
			Name:        "verify-branch",
			Description: "Confirm the branch still exists under the lock",
			Execute: func(ctx context.Context) error {
				_, err := s.tenantRepo.FindByID(ctx, branchID)
				return err
			},
		},
		{
			Name:        "assign-sequences",
			Description: "Renumber sequence codes and store the cursor",
			Execute: func(ctx context.Context) error {
				out, err := s.backfiller.Backfill(ctx, branchID, s.tracker(op, progress))
				res.Assigned = out.Assigned
				res.NextSequence = out.NextSequence
				return err
			},
		},
	}

	wf := workflow.New(steps, workflow.WithTimeProvider(s.clock), workflow.WithMetrics(operation.OpSequenceBackfill.String(), s.stepMetrics))
	result := wf.Execute(ctx)
	res.Steps = result.StepResults
	res.Duration = s.clock.Since(started)

	s.finishOperation(ctx, op, result, map[string]any{
		"assigned":      res.Assigned,
		"next_sequence": res.NextSequence,
	})
	s.metrics.AddRowsProcessed(ctx, operation.OpSequenceBackfill.String(), res.Assigned)
	s.metrics.ObserveRunDuration(ctx, operation.OpSequenceBackfill.String(), res.Duration)

	if !result.Success {
		span.RecordError(result.Error)
		span.SetStatus(codes.Error, "sequence backfill failed")
		s.recordFailure(ctx, operation.OpSequenceBackfill, result.Error)
		log.Error(ctx, "sequence backfill failed",
			"failed_step", result.FailedStep(),
			"committed", res.Assigned,
			"error", result.Error,
		)
		return res, result.Error
	}

	s.metrics.IncRunSuccess(ctx, operation.OpSequenceBackfill.String())
	log.Info(ctx, "sequence backfill completed", "assigned", res.Assigned)
	span.SetStatus(codes.Ok, "sequence backfill completed")
	return res, nil
}

func (s *Service) startOperation(ctx context.Context, op *operation.Operation) error {
	id, err := s.operationRepo.Create(ctx, op)
	if err != nil {
		return fmt.Errorf("failed to persist operation: %w", err)
	}
	op.ID = id

	op.Start()
	if err := s.operationRepo.Update(ctx, op); err != nil {
		return fmt.Errorf("failed to start operation %d: %w", id, err)
	}
	return nil
}

// finishOperation writes the terminal state of op. The ledger write must land even when
// the run was cancelled.
func (s *Service) finishOperation(ctx context.Context, op *operation.Operation, result workflow.Result, outcome map[string]any) {
	ctx = context.WithoutCancel(ctx)

	switch {
	case result.Success:
		op.Complete(outcome)
	case errors.Is(result.Error, context.Canceled):
		op.Result = outcome
		op.Cancel(result.Error.Error())
	default:
		op.Result = outcome
		op.Fail(result.Error.Error())
	}

	if err := s.operationRepo.Update(ctx, op); err != nil {
		s.logger.Error(ctx, "failed to record operation outcome",
			"operation_id", op.ID,
			"status", op.Status,
			"error", err,
		)
	}
}

// tracker records every committed chunk in the ledger before handing it to progress.
func (s *Service) tracker(op *operation.Operation, progress executor.ProgressFunc) executor.ProgressFunc {
	return func(ctx context.Context, p executor.Progress) {
		op.RecordProgress(operation.TaskProgress{
			Kind:      p.Kind.String(),
			Processed: p.Processed,
			Total:     p.Total,
			Chunks:    p.Chunk + 1,
		})
		if err := s.operationRepo.Update(context.WithoutCancel(ctx), op); err != nil {
			s.logger.Warn(ctx, "failed to record progress", "operation_id", op.ID, "kind", p.Kind, "error", err)
		}
		if progress != nil {
			progress(ctx, p)
		}
	}
}

func (s *Service) release(ctx context.Context, lease tenant.Lease, branchID int64) {
	if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
		s.logger.Error(ctx, "failed to release advisory lock", "branch_id", branchID, "error", err)
	}
}

func (s *Service) recordFailure(ctx context.Context, op operation.Op, err error) {
	s.metrics.IncRunFailure(ctx, op.String(), FailureReason(err))
}

// FailureReason classifies err for metrics and exit codes.
func FailureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, tenant.ErrTenantNotFound):
		return "not_found"
	case errors.Is(err, tenant.ErrTenantBusy):
		return "busy"
	case errors.Is(err, entity.ErrUnknownKind):
		return "unknown_kind"
	case errors.Is(err, entity.ErrDependencyOrder):
		return "dependency_order"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, entity.ErrChunkTransaction):
		return "chunk_transaction"
	default:
		return "error"
	}
}

func counts(run executor.Result) []KindCount {
	out := make([]KindCount, 0, len(run.Tasks))
	for _, t := range run.Tasks {
		out = append(out, KindCount{Kind: t.Kind.String(), Count: t.Processed})
	}
	return out
}

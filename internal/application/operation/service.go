package operation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/branchctl/internal/domain/operation"
	"github.com/ahrav/branchctl/pkg/common/logger"
	"github.com/ahrav/branchctl/pkg/common/timeutil"
)

// Service answers questions about recorded lifecycle runs. The ledger is written by the
// lifecycle service; this one only reads it.
type Service struct {
	repo  operation.Repository
	clock timeutil.Provider

	logger *logger.Logger
	tracer trace.Tracer
}

// NewService creates a new operation service with the provided repository.
func NewService(repo operation.Repository, logger *logger.Logger, tracer trace.Tracer) *Service {
	return &Service{
		repo:   repo,
		clock:  timeutil.Default(),
		logger: logger.With("component", "operation_service"),
		tracer: tracer,
	}
}

// WithTimeProvider overrides the clock used to age in-progress runs.
func (s *Service) WithTimeProvider(p timeutil.Provider) *Service {
	s.clock = p
	return s
}

// GetByID retrieves a run by its ID.
func (s *Service) GetByID(ctx context.Context, operationID int64) (*operation.Operation, error) {
	ctx, span := s.tracer.Start(ctx, "operation.GetByID", trace.WithAttributes(
		attribute.Int64("operation_id", operationID),
	))
	defer span.End()

	op, err := s.repo.FindByID(ctx, operationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "error retrieving operation")
		return nil, fmt.Errorf("failed to retrieve operation: %w", err)
	}

	if op == nil {
		span.RecordError(operation.ErrOperationNotFound)
		span.SetStatus(codes.Error, "operation not found")
		return nil, operation.ErrOperationNotFound
	}
	s.logger.Debug(ctx, "operation retrieved", "operation_id", operationID)
	span.SetStatus(codes.Ok, "operation retrieved")

	return op, nil
}

// ListIncompleteOperations returns every run that hasn't reached a terminal state. After
// a crash these are the runs to repeat.
func (s *Service) ListIncompleteOperations(ctx context.Context) ([]*operation.Operation, error) {
	ctx, span := s.tracer.Start(ctx, "operation.ListIncompleteOperations")
	defer span.End()

	ops, err := s.repo.FindIncomplete(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "error retrieving incomplete operations")
		return nil, fmt.Errorf("failed to retrieve incomplete operations: %w", err)
	}
	s.logger.Debug(ctx, "incomplete operations retrieved", "operation_count", len(ops))
	span.AddEvent("incomplete operations retrieved", trace.WithAttributes(
		attribute.Int("operation_count", len(ops)),
	))
	span.SetStatus(codes.Ok, "incomplete operations retrieved")

	return ops, nil
}

// ListStalledOperations returns in-progress runs that started more than threshold ago.
func (s *Service) ListStalledOperations(ctx context.Context, threshold time.Duration) ([]*operation.Operation, error) {
	ctx, span := s.tracer.Start(ctx, "operation.ListStalledOperations", trace.WithAttributes(
		attribute.String("threshold", threshold.String()),
	))
	defer span.End()

	incomplete, err := s.repo.FindIncomplete(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "error retrieving incomplete operations")
		return nil, fmt.Errorf("failed to retrieve incomplete operations: %w", err)
	}

	var stalled []*operation.Operation
	now := s.clock.Now()
	for _, op := range incomplete {
		if !op.IsInProgress() || op.StartedAt == nil {
			continue
		}
		if now.Sub(*op.StartedAt) > threshold {
			stalled = append(stalled, op)
		}
	}

	if len(stalled) > 0 {
		s.logger.Warn(ctx, "stalled operations found", "operation_count", len(stalled), "threshold", threshold)
	}
	span.SetAttributes(attribute.Int("stalled_count", len(stalled)))
	span.SetStatus(codes.Ok, "stalled operations retrieved")

	return stalled, nil
}

// GetOperationsByTenant returns every run recorded for a branch, newest first. Runs of a
// deleted branch are still listed.
func (s *Service) GetOperationsByTenant(ctx context.Context, tenantID int64) ([]*operation.Operation, error) {
	ctx, span := s.tracer.Start(ctx, "operation.GetOperationsByTenant", trace.WithAttributes(
		attribute.Int64("branch_id", tenantID),
	))
	defer span.End()

	ops, err := s.repo.FindByTenantID(ctx, tenantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "error retrieving operations for branch")
		return nil, fmt.Errorf("failed to retrieve operations for branch %d: %w", tenantID, err)
	}
	s.logger.Debug(ctx, "operations retrieved for branch", "branch_id", tenantID, "operation_count", len(ops))
	span.SetStatus(codes.Ok, "operations retrieved for branch")

	return ops, nil
}

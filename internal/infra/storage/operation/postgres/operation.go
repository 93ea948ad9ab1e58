// Package postgres provides the PostgreSQL implementation of operation.Repository.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/branchctl/internal/domain/operation"
	"github.com/ahrav/branchctl/internal/infra/storage"
)

var _ operation.Repository = (*operationStore)(nil)

// operationStore keeps the run ledger in the lifecycle_operations table.
type operationStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// defaultDBAttributes defines standard OpenTelemetry attributes for database operations.
var defaultDBAttributes = []attribute.KeyValue{attribute.String("db.system", "postgresql")}

// defaultCreatedBy is recorded when a run does not name its operator.
const defaultCreatedBy = "branchctl"

// NewOperationStore creates an operation.Repository backed by PostgreSQL.
func NewOperationStore(pool *pgxpool.Pool, tracer trace.Tracer) operation.Repository {
	return &operationStore{pool: pool, tracer: tracer}
}

const selectOperation = `
	SELECT id, run_id, branch_id, operation_type, status::text, parameters, progress, result,
	       error_message, created_by, created_at, started_at, completed_at, updated_at
	FROM lifecycle_operations`

// Create persists a new operation and returns its ID.
func (s *operationStore) Create(ctx context.Context, op *operation.Operation) (int64, error) {
	dbAttrs := append(defaultDBAttributes,
		attribute.String("operation.type", string(op.Type)),
		attribute.String("operation.status", string(op.Status)),
	)
	if op.TenantID != nil {
		dbAttrs = append(dbAttrs, attribute.Int64("branch.id", *op.TenantID))
	}

	var id int64
	err := storage.ExecuteAndTrace(ctx, s.tracer, "operationStore.Create", dbAttrs, func(ctx context.Context) error {
		paramsJSON, err := json.Marshal(op.Parameters)
		if err != nil {
			return err
		}

		createdBy := defaultCreatedBy
		if op.CreatedBy != nil {
			createdBy = *op.CreatedBy
		}

		return s.pool.QueryRow(ctx, `
			INSERT INTO lifecycle_operations (run_id, branch_id, operation_type, status, parameters, created_by, created_at)
			VALUES ($1, $2, $3, $4::operation_status, $5, $6, $7)
			RETURNING id`,
			op.RunID, op.TenantID, string(op.Type), string(op.Status), paramsJSON, createdBy, op.CreatedAt,
		).Scan(&id)
	})

	return id, err
}

// Update writes the state, progress and outcome of an operation.
func (s *operationStore) Update(ctx context.Context, op *operation.Operation) error {
	dbAttrs := append(defaultDBAttributes,
		attribute.Int64("operation.id", op.ID),
		attribute.String("operation.status", string(op.Status)),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "operationStore.Update", dbAttrs, func(ctx context.Context) error {
		progress := op.Progress
		if progress == nil {
			progress = []operation.TaskProgress{}
		}
		progressJSON, err := json.Marshal(progress)
		if err != nil {
			return err
		}

		var resultJSON []byte
		if op.Result != nil {
			if resultJSON, err = json.Marshal(op.Result); err != nil {
				return err
			}
		}

		tag, err := s.pool.Exec(ctx, `
			UPDATE lifecycle_operations
			SET status = $2::operation_status, progress = $3, result = $4, error_message = $5,
			    started_at = $6, completed_at = $7, updated_at = now()
			WHERE id = $1`,
			op.ID, string(op.Status), progressJSON, resultJSON, op.ErrorMessage, op.StartedAt, op.CompletedAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return operation.ErrOperationNotFound
		}
		return nil
	})
}

// FindByID retrieves a run by its ledger id.
// It returns ErrOperationNotFound when the id is unknown.
func (s *operationStore) FindByID(ctx context.Context, id int64) (*operation.Operation, error) {
	dbAttrs := append(defaultDBAttributes, attribute.Int64("operation.id", id))

	var op *operation.Operation
	err := storage.ExecuteAndTrace(ctx, s.tracer, "operationStore.FindByID", dbAttrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, selectOperation+` WHERE id = $1`, id)
		if err != nil {
			return err
		}
		op, err = pgx.CollectExactlyOneRow(rows, scanOperation)
		if errors.Is(err, pgx.ErrNoRows) {
			return operation.ErrOperationNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return op, nil
}

// FindByTenantID retrieves every operation recorded for a branch, newest first.
func (s *operationStore) FindByTenantID(ctx context.Context, tenantID int64) ([]*operation.Operation, error) {
	dbAttrs := append(defaultDBAttributes, attribute.Int64("branch.id", tenantID))
	return s.list(ctx, "operationStore.FindByTenantID", dbAttrs,
		selectOperation+` WHERE branch_id = $1 ORDER BY created_at DESC, id DESC`, tenantID)
}

// FindIncomplete retrieves all non-terminal operations, oldest first.
func (s *operationStore) FindIncomplete(ctx context.Context) ([]*operation.Operation, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("operation.filter", "incomplete"))
	return s.list(ctx, "operationStore.FindIncomplete", dbAttrs,
		selectOperation+` WHERE status IN ('pending', 'in_progress') ORDER BY id`)
}

func (s *operationStore) list(
	ctx context.Context,
	span string,
	attrs []attribute.KeyValue,
	query string,
	args ...any,
) ([]*operation.Operation, error) {
	var ops []*operation.Operation
	err := storage.ExecuteAndTrace(ctx, s.tracer, span, attrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		ops, err = pgx.CollectRows(rows, scanOperation)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ops, nil
}

// scanOperation converts a ledger row into a domain operation. Nullable columns map to
// nil pointers and JSON columns are decoded into their domain shapes.
func scanOperation(row pgx.CollectableRow) (*operation.Operation, error) {
	var (
		op                        operation.Operation
		opType, status, createdBy string
		paramsJSON, progressJSON  []byte
		resultJSON                []byte
		errorMessage              pgtype.Text
		startedAt, completedAt    pgtype.Timestamptz
		updatedAt                 time.Time
	)
	if err := row.Scan(
		&op.ID, &op.RunID, &op.TenantID, &opType, &status, &paramsJSON, &progressJSON, &resultJSON,
		&errorMessage, &createdBy, &op.CreatedAt, &startedAt, &completedAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if op.Type, err = operation.ParseType(opType); err != nil {
		return nil, err
	}
	op.Status = operation.Status(status)
	op.CreatedBy = &createdBy

	if errorMessage.Valid {
		op.ErrorMessage = &errorMessage.String
	}
	if startedAt.Valid {
		op.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		op.CompletedAt = &completedAt.Time
	}
	if !updatedAt.Equal(op.CreatedAt) {
		op.UpdatedAt = &updatedAt
	}

	op.Parameters = map[string]any{}
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &op.Parameters); err != nil {
			return nil, fmt.Errorf("decoding parameters of operation %d: %w", op.ID, err)
		}
	}
	if len(progressJSON) > 0 {
		if err := json.Unmarshal(progressJSON, &op.Progress); err != nil {
			return nil, fmt.Errorf("decoding progress of operation %d: %w", op.ID, err)
		}
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &op.Result); err != nil {
			return nil, fmt.Errorf("decoding result of operation %d: %w", op.ID, err)
		}
	}

	return &op, nil
}

package operation

import "context"

// Repository persists the run ledger.
type Repository interface {
	// Create stores a new run and returns its id.
	Create(ctx context.Context, op *Operation) (int64, error)
	// Update overwrites the state, progress and outcome of an existing run.
	Update(ctx context.Context, op *Operation) error
	// FindByID returns the run with id, or ErrOperationNotFound.
	FindByID(ctx context.Context, id int64) (*Operation, error)
	// FindByTenantID returns every run recorded for a branch, newest first, including runs
	// of a branch that no longer exists.
	FindByTenantID(ctx context.Context, tenantID int64) ([]*Operation, error)
	// FindIncomplete returns runs that have not reached a terminal status. Runs cut short
	// by a crash show up here.
	FindIncomplete(ctx context.Context) ([]*Operation, error)
}

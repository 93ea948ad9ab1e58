package tenant

import "context"

// Repository defines the branch access the lifecycle engine needs.
// This interface abstracts the underlying storage mechanism to allow
// for different implementations (database, in-memory, etc.).
type Repository interface {
	// FindByID retrieves a branch by its unique identifier.
	// Returns ErrTenantNotFound if the branch cannot be found.
	FindByID(ctx context.Context, id int64) (*Tenant, error)

	// FindByName retrieves a branch by its unique name.
	// Returns ErrTenantNotFound if the branch cannot be found.
	FindByName(ctx context.Context, name string) (*Tenant, error)

	// ListIDs returns every branch id in ascending order.
	ListIDs(ctx context.Context) ([]int64, error)

	// SetSequenceCounter persists the branch's sequence cursor.
	// Returns ErrTenantNotFound if the branch no longer exists.
	SetSequenceCounter(ctx context.Context, id int64, n int64) error
}

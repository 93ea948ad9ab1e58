package tenant

import "context"

// Lease is a held per-branch advisory lock.
type Lease interface {
	// Release gives the lock up. Releasing twice is a no-op.
	Release(ctx context.Context) error
}

// Locker hands out per-branch advisory locks. Acquire never waits: when another run holds
// the lock it fails with a *BusyError.
type Locker interface {
	Acquire(ctx context.Context, branchID int64) (Lease, error)
}

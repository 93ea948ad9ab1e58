// Package local provides an in-process branch locker.
package local

import (
	"context"
	"sync"

	"github.com/ahrav/branchctl/internal/domain/tenant"
)

// Locker guards branches within one process.
type Locker struct {
	mu   sync.Mutex
	held map[int64]struct{}
}

// New creates an empty Locker.
func New() *Locker { return &Locker{held: make(map[int64]struct{})} }

// Acquire takes the lock for branchID or fails with a *tenant.BusyError.
func (l *Locker) Acquire(ctx context.Context, branchID int64) (tenant.Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[branchID]; ok {
		return nil, &tenant.BusyError{TenantID: branchID}
	}
	l.held[branchID] = struct{}{}
	return &lease{locker: l, branchID: branchID}, nil
}

// Held reports whether branchID is locked.
func (l *Locker) Held(branchID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[branchID]
	return ok
}

type lease struct {
	locker   *Locker
	branchID int64
	once     sync.Once
}

func (l *lease) Release(context.Context) error {
	l.once.Do(func() {
		l.locker.mu.Lock()
		delete(l.locker.held, l.branchID)
		l.locker.mu.Unlock()
	})
	return nil
}

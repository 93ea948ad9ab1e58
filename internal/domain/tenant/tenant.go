package tenant

import (
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	ErrTenantNotFound = errors.New("tenant not found")
	ErrTenantBusy     = errors.New("tenant busy")
	ErrInvalidCounter = errors.New("invalid sequence counter")
)

// Tenant is a branch, the root scoping entity that owns every branch-scoped row.
type Tenant struct {
	ID   int64
	Name string
	// NextSequence is the sequence cursor written by the backfill.
	NextSequence int64
	CreatedAt    time.Time
	UpdatedAt    *time.Time
}

// ResetSequence sets the sequence cursor after a completed backfill of n rows.
func (t *Tenant) ResetSequence(n int64) error {
	if n < 0 {
		return ErrInvalidCounter
	}
	t.NextSequence = n
	now := time.Now()
	t.UpdatedAt = &now
	return nil
}

// NotFoundError reports a branch that does not exist. Ref is the id or name that was
// looked up.
type NotFoundError struct {
	Ref string
}

// NewNotFoundByID returns a NotFoundError for a branch id.
func NewNotFoundByID(id int64) *NotFoundError {
	return &NotFoundError{Ref: fmt.Sprintf("id=%d", id)}
}

// NewNotFoundByName returns a NotFoundError for a branch name.
func NewNotFoundByName(name string) *NotFoundError {
	return &NotFoundError{Ref: fmt.Sprintf("name=%q", name)}
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("branch %s not found", e.Ref) }

// Is matches ErrTenantNotFound.
func (e *NotFoundError) Is(target error) bool { return target == ErrTenantNotFound }

// BusyError reports that another run holds the advisory lock for a branch.
type BusyError struct {
	TenantID int64
	Holder   string
}

func (e *BusyError) Error() string {
	if e.Holder != "" {
		return fmt.Sprintf("branch %d is locked by %s", e.TenantID, e.Holder)
	}
	return fmt.Sprintf("branch %d is locked by another run", e.TenantID)
}

// Is matches ErrTenantBusy.
func (e *BusyError) Is(target error) bool { return target == ErrTenantBusy }

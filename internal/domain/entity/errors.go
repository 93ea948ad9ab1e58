package entity

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is checks against the typed errors below.
var (
	ErrUnknownKind      = errors.New("unknown entity kind")
	ErrDependencyOrder  = errors.New("dependency order violated")
	ErrChunkTransaction = errors.New("chunk transaction failed")
)

// UnknownKindError reports a kind the static table or the persistence layer cannot
// resolve. It is a programming error and is never retried.
type UnknownKindError struct {
	Kind   Kind
	Reason string
}

func (e *UnknownKindError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("unknown entity kind %q: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("unknown entity kind %q", e.Kind)
}

// Is matches ErrUnknownKind.
func (e *UnknownKindError) Is(target error) bool { return target == ErrUnknownKind }

// DependencyOrderError reports live references to rows that are about to be removed
// (or were just removed). The static dependency table is incomplete when this fires.
type DependencyOrderError struct {
	Kind         Kind   // kind whose rows are referenced
	ReferencedBy string // offending table
	Column       string
	Count        int64
	BranchID     int64
	ChunkIndex   int   // chunk of the delete task that found the reference
	ChunkStart   int64 // index of the chunk's first row within the task
}

func (e *DependencyOrderError) Error() string {
	return fmt.Sprintf(
		"dependency order violated: %d row(s) in %s.%s still reference %s of branch %d (chunk %d, start %d)",
		e.Count, e.ReferencedBy, e.Column, e.Kind, e.BranchID, e.ChunkIndex, e.ChunkStart,
	)
}

// Is matches ErrDependencyOrder.
func (e *DependencyOrderError) Is(target error) bool { return target == ErrDependencyOrder }

// ChunkTransactionError wraps a storage failure for one chunk. Chunks committed before
// it stay committed and the run can be resumed.
type ChunkTransactionError struct {
	Kind       Kind
	BranchID   int64
	ChunkIndex int
	ChunkStart int64 // index of the first row of the chunk within the task
	Committed  int64 // rows of the task committed before the failing chunk
	Err        error
}

func (e *ChunkTransactionError) Error() string {
	return fmt.Sprintf(
		"chunk %d of %s (branch %d, start %d, %d committed) failed: %v",
		e.ChunkIndex, e.Kind, e.BranchID, e.ChunkStart, e.Committed, e.Err,
	)
}

func (e *ChunkTransactionError) Unwrap() error { return e.Err }

// Is matches ErrChunkTransaction.
func (e *ChunkTransactionError) Is(target error) bool { return target == ErrChunkTransaction }

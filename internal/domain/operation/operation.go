// Package operation models the run ledger: one record per deletion or backfill run,
// kept after the branch it describes is gone.
package operation

import (
	"errors"
	"fmt"
	"time"
)

// ErrOperationNotFound is returned when a run id does not resolve to a ledger entry.
var ErrOperationNotFound = errors.New("operation not found")

// Op is the kind of lifecycle run.
type Op string

const (
	OpBranchDelete     Op = "branch.delete"
	OpSequenceBackfill Op = "branch.backfill_sequences"
)

var knownOps = map[Op]struct{}{
	OpBranchDelete:     {},
	OpSequenceBackfill: {},
}

// IsValid reports whether t is a known run kind.
func (t Op) IsValid() bool {
	_, ok := knownOps[t]
	return ok
}

func (t Op) String() string { return string(t) }

// ParseType reads a run kind stored in the ledger.
func ParseType(s string) (Op, error) {
	if t := Op(s); t.IsValid() {
		return t, nil
	}
	return "", fmt.Errorf("invalid operation type: %s", s)
}

// ValidationError rejects a ledger entry before it is stored.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, message string) ValidationError {
	return ValidationError{Field: field, Message: message}
}

// Status is the lifecycle state of a run:
//
//	pending -> in_progress -> completed | failed | cancelled
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is expected from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// TaskProgress is the committed progress of one task of a run.
type TaskProgress struct {
	Kind      string `json:"kind"`
	Processed int64  `json:"processed"`
	Total     int64  `json:"total"`
	Chunks    int    `json:"chunks"`
}

// Operation is the ledger entry of one run. TenantID stays set after the branch is
// deleted; the ledger has no foreign key to branches.
type Operation struct {
	ID           int64
	RunID        string
	Type         Op
	Status       Status
	TenantID     *int64
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	UpdatedAt    *time.Time
	CreatedBy    *string
	ErrorMessage *string
	Parameters   map[string]any
	Progress     []TaskProgress
	Result       map[string]any
}

// NewBranchDeleteOperation records a deletion of the named branch.
func NewBranchDeleteOperation(runID string, tenantID int64, name string) (*Operation, error) {
	return NewOperation(OpBranchDelete, runID, &tenantID, map[string]any{
		"branch_id":   tenantID,
		"branch_name": name,
	})
}

// NewSequenceBackfillOperation records a backfill of one branch.
func NewSequenceBackfillOperation(runID string, tenantID int64, chunkSize int) (*Operation, error) {
	return NewOperation(OpSequenceBackfill, runID, &tenantID, map[string]any{
		"branch_id":  tenantID,
		"chunk_size": chunkSize,
	})
}

// NewOperation creates a pending run.
func NewOperation(opType Op, runID string, tenantID *int64, params map[string]any) (*Operation, error) {
	switch {
	case !opType.IsValid():
		return nil, NewValidationError("type", "invalid operation type")
	case runID == "":
		return nil, NewValidationError("run_id", "run id is required")
	}

	return &Operation{
		RunID:      runID,
		Type:       opType,
		TenantID:   tenantID,
		Status:     StatusPending,
		Parameters: params,
		CreatedAt:  time.Now(),
	}, nil
}

// Start moves the run to in_progress.
func (o *Operation) Start() {
	now := time.Now()
	o.Status = StatusInProgress
	o.StartedAt = &now
	o.UpdatedAt = &now
}

// RecordProgress replaces the committed progress of the task for p.Kind, appending a new
// entry the first time the kind is seen.
func (o *Operation) RecordProgress(p TaskProgress) {
	for i := range o.Progress {
		if o.Progress[i].Kind == p.Kind {
			o.Progress[i] = p
			return
		}
	}
	o.Progress = append(o.Progress, p)
}

// Processed returns the rows committed across all tasks.
func (o *Operation) Processed() int64 {
	var n int64
	for _, p := range o.Progress {
		n += p.Processed
	}
	return n
}

// Complete ends the run successfully with result.
func (o *Operation) Complete(result map[string]any) {
	o.Result = result
	o.finish(StatusCompleted, nil)
}

// Fail ends the run with errMsg.
func (o *Operation) Fail(errMsg string) { o.finish(StatusFailed, &errMsg) }

// Cancel ends a run aborted at a chunk boundary.
func (o *Operation) Cancel(reason string) { o.finish(StatusCancelled, &reason) }

func (o *Operation) finish(s Status, msg *string) {
	now := time.Now()
	o.Status = s
	o.ErrorMessage = msg
	o.CompletedAt = &now
	o.UpdatedAt = &now
}

func (o *Operation) IsTerminal() bool   { return o.Status.Terminal() }
func (o *Operation) IsInProgress() bool { return o.Status == StatusInProgress }
func (o *Operation) IsPending() bool    { return o.Status == StatusPending }

// Duration returns the wall time of a finished run, or nil if it never started or has
// not finished.
func (o *Operation) Duration() *time.Duration {
	if o.StartedAt == nil || o.CompletedAt == nil {
		return nil
	}
	d := o.CompletedAt.Sub(*o.StartedAt)
	return &d
}

// IsRetryable reports whether re-running makes sense. Runs are idempotent, so every
// failed or cancelled run qualifies unless it already removed the branch row.
func (o *Operation) IsRetryable() bool {
	if o.Status != StatusFailed && o.Status != StatusCancelled {
		return false
	}
	removed, _ := o.Result["branch_removed"].(bool)
	return !(o.Type == OpBranchDelete && removed)
}

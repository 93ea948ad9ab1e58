package tenant

import (
	"time"

	"github.com/ahrav/branchctl/internal/application/workflow"
)

// DeleteResult reports a finished branch deletion run.
type DeleteResult struct {
	OperationID int64
	RunID       string
	BranchID    int64
	BranchName  string
	// Removed counts the rows removed per kind, in deletion order.
	Removed  []KindCount
	Steps    []workflow.StepResult
	Duration time.Duration
}

// BackfillResult reports a finished sequence backfill run for one branch.
type BackfillResult struct {
	OperationID  int64
	RunID        string
	BranchID     int64
	Assigned     int64
	NextSequence int64
	Steps        []workflow.StepResult
	Duration     time.Duration
}

// KindCount is the number of rows a run processed for one kind.
type KindCount struct {
	Kind  string
	Count int64
}

// Total sums counts.
func Total(counts []KindCount) int64 {
	var n int64
	for _, c := range counts {
		n += c.Count
	}
	return n
}

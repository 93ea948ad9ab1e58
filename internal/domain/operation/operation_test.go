package operation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpIsValid(t *testing.T) {
	tests := []struct {
		name     string
		opType   Op
		expected bool
	}{
		{"Valid - branch delete", OpBranchDelete, true},
		{"Valid - sequence backfill", OpSequenceBackfill, true},
		{"Invalid - empty string", Op(""), false},
		{"Invalid - unsupported op", Op("tenant.create"), false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.opType.IsValid())
		})
	}
}

func TestParseType(t *testing.T) {
	got, err := ParseType("branch.delete")
	require.NoError(t, err)
	assert.Equal(t, OpBranchDelete, got)

	got, err = ParseType("branch.backfill_sequences")
	require.NoError(t, err)
	assert.Equal(t, OpSequenceBackfill, got)

	got, err = ParseType("unsupported.operation")
	assert.Error(t, err)
	assert.Equal(t, Op(""), got)
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("run_id", "run id is required")
	assert.Equal(t, "validation error on field 'run_id': run id is required", err.Error())
}

func TestNewOperation_Error(t *testing.T) {
	tests := []struct {
		name  string
		op    Op
		runID string
		field string
	}{
		{"invalid type", Op("invalid"), "run-1", "type"},
		{"missing run id", OpBranchDelete, "", "run_id"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			op, err := NewOperation(tc.op, tc.runID, nil, nil)
			assert.Nil(t, op)

			var vErr ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tc.field, vErr.Field)
		})
	}
}

func TestNewBranchDeleteOperation(t *testing.T) {
	op, err := NewBranchDeleteOperation("run-1", 42, "downtown")
	require.NoError(t, err)

	assert.Equal(t, OpBranchDelete, op.Type)
	assert.Equal(t, StatusPending, op.Status)
	assert.Equal(t, "run-1", op.RunID)
	require.NotNil(t, op.TenantID)
	assert.Equal(t, int64(42), *op.TenantID)
	assert.Equal(t, int64(42), op.Parameters["branch_id"])
	assert.Equal(t, "downtown", op.Parameters["branch_name"])
}

func TestNewSequenceBackfillOperation(t *testing.T) {
	op, err := NewSequenceBackfillOperation("run-2", 7, 200)
	require.NoError(t, err)

	assert.Equal(t, OpSequenceBackfill, op.Type)
	assert.Equal(t, 200, op.Parameters["chunk_size"])
	assert.True(t, op.IsPending())
}

func TestOperationStateTransitions(t *testing.T) {
	t.Run("complete", func(t *testing.T) {
		op, _ := NewBranchDeleteOperation("run", 1, "b")
		op.Start()
		assert.True(t, op.IsInProgress())
		assert.NotNil(t, op.StartedAt)

		result := map[string]any{"branch_removed": true}
		op.Complete(result)

		assert.Equal(t, StatusCompleted, op.Status)
		assert.True(t, op.IsTerminal())
		assert.Equal(t, result, op.Result)
		assert.NotNil(t, op.Duration())
	})

	t.Run("fail", func(t *testing.T) {
		op, _ := NewBranchDeleteOperation("run", 1, "b")
		op.Start()
		op.Fail("chunk 2 of products failed")

		assert.Equal(t, StatusFailed, op.Status)
		require.NotNil(t, op.ErrorMessage)
		assert.Equal(t, "chunk 2 of products failed", *op.ErrorMessage)
		assert.True(t, op.IsTerminal())
	})

	t.Run("cancel before start", func(t *testing.T) {
		op, _ := NewBranchDeleteOperation("run", 1, "b")
		op.Cancel("operator abort")

		assert.Equal(t, StatusCancelled, op.Status)
		assert.Nil(t, op.Duration())
	})
}

func TestOperationDuration(t *testing.T) {
	op, _ := NewSequenceBackfillOperation("run", 1, 10)
	assert.Nil(t, op.Duration())

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)
	op.StartedAt = &start
	op.CompletedAt = &end

	require.NotNil(t, op.Duration())
	assert.Equal(t, 90*time.Second, *op.Duration())
}

func TestOperationRecordProgress(t *testing.T) {
	op, _ := NewBranchDeleteOperation("run", 1, "b")

	op.RecordProgress(TaskProgress{Kind: "refresh_tokens", Processed: 4, Total: 4, Chunks: 1})
	op.RecordProgress(TaskProgress{Kind: "products", Processed: 200, Total: 450, Chunks: 1})
	op.RecordProgress(TaskProgress{Kind: "products", Processed: 400, Total: 450, Chunks: 2})

	require.Len(t, op.Progress, 2)
	assert.Equal(t, "refresh_tokens", op.Progress[0].Kind)
	assert.Equal(t, int64(400), op.Progress[1].Processed)
	assert.Equal(t, 2, op.Progress[1].Chunks)
	assert.Equal(t, int64(404), op.Processed())
}

func TestOperationIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		setup    func() *Operation
		expected bool
	}{
		{
			name: "failed mid-run",
			setup: func() *Operation {
				op, _ := NewBranchDeleteOperation("run", 1, "b")
				op.Start()
				op.Fail("boom")
				return op
			},
			expected: true,
		},
		{
			name: "cancelled",
			setup: func() *Operation {
				op, _ := NewSequenceBackfillOperation("run", 1, 200)
				op.Cancel("abort")
				return op
			},
			expected: true,
		},
		{
			name: "failed after branch row removed",
			setup: func() *Operation {
				op, _ := NewBranchDeleteOperation("run", 1, "b")
				op.Fail("ledger update failed")
				op.Result = map[string]any{"branch_removed": true}
				return op
			},
			expected: false,
		},
		{
			name: "completed",
			setup: func() *Operation {
				op, _ := NewBranchDeleteOperation("run", 1, "b")
				op.Complete(nil)
				return op
			},
			expected: false,
		},
		{
			name: "in progress",
			setup: func() *Operation {
				op, _ := NewBranchDeleteOperation("run", 1, "b")
				op.Start()
				return op
			},
			expected: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.setup().IsRetryable())
		})
	}
}

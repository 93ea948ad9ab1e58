package executor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/branchctl/internal/application/consistency"
	"github.com/ahrav/branchctl/internal/application/executor"
	"github.com/ahrav/branchctl/internal/domain/entity"
	"github.com/ahrav/branchctl/internal/infra/storage/memory"
	"github.com/ahrav/branchctl/pkg/common/logger"
)

type mockMetrics struct{ mock.Mock }

func (m *mockMetrics) ObserveChunk(ctx context.Context, kind, action string, rows int64, d time.Duration) {
	m.Called(ctx, kind, action, rows, d)
}

func (m *mockMetrics) IncChunkFailure(ctx context.Context, kind, action string) {
	m.Called(ctx, kind, action)
}

func newExecutor(db *memory.DB, opts ...executor.Option) *executor.Executor {
	tracer := noop.NewTracerProvider().Tracer("test")
	validator := consistency.New(logger.Noop(), tracer)
	return executor.New(db, validator, logger.Noop(), tracer, opts...)
}

func deleteTask(t *testing.T, kind entity.Kind, branchID int64) executor.Task {
	t.Helper()
	filter, err := entity.BranchFilter(kind, branchID)
	require.NoError(t, err)
	return executor.Task{Kind: kind, Filter: filter, Action: executor.ActionDelete, Order: entity.OrderByCreation}
}

func collect(records *[]executor.Progress) executor.ProgressFunc {
	return func(_ context.Context, p executor.Progress) { *records = append(*records, p) }
}

// failNth fails the nth (1-based) call of op on kind.
func failNth(op memory.Op, kind entity.Kind, nth int, err error) memory.Hook {
	calls := 0
	return func(o memory.Op, k entity.Kind) error {
		if o != op || k != kind {
			return nil
		}
		calls++
		if calls == nth {
			return err
		}
		return nil
	}
}

func TestExecutor_DefaultChunkSize(t *testing.T) {
	exec := newExecutor(memory.New())
	assert.Equal(t, executor.DefaultChunkSize, exec.ChunkSize())

	exec = newExecutor(memory.New(), executor.WithChunkSize(-5))
	assert.Equal(t, 200, exec.ChunkSize())
}

func TestExecutor_DeletesInChunks(t *testing.T) {
	db := memory.New()
	seed, err := db.Seed("main", memory.SeedOptions{Products: 450})
	require.NoError(t, err)

	var records []executor.Progress
	res, err := newExecutor(db, executor.WithChunkSize(200)).Run(
		context.Background(),
		seed.BranchID,
		[]executor.Task{deleteTask(t, entity.KindProduct, seed.BranchID)},
		collect(&records),
	)
	require.NoError(t, err)

	require.Len(t, res.Tasks, 1)
	assert.Equal(t, int64(450), res.Tasks[0].Processed)
	assert.Equal(t, int64(450), res.Tasks[0].Total)
	assert.Equal(t, 3, res.Tasks[0].Chunks)
	assert.Empty(t, db.Rows(entity.KindProduct))

	require.Len(t, records, 3)
	assert.Equal(t, []int64{200, 400, 450}, []int64{records[0].Processed, records[1].Processed, records[2].Processed})
	assert.Equal(t, []int64{0, 200, 400}, []int64{records[0].ChunkStart, records[1].ChunkStart, records[2].ChunkStart})
	for _, r := range records {
		assert.Equal(t, int64(450), r.Total)
		assert.Equal(t, entity.KindProduct, r.Kind)
	}
}

func TestExecutor_EmptyTask(t *testing.T) {
	db := memory.New()
	seed, err := db.Seed("main", memory.SeedOptions{})
	require.NoError(t, err)

	var records []executor.Progress
	res, err := newExecutor(db).Run(
		context.Background(),
		seed.BranchID,
		[]executor.Task{deleteTask(t, entity.KindRefreshToken, seed.BranchID)},
		collect(&records),
	)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Processed())
	assert.Empty(t, records)
}

func TestExecutor_ResumeAfterChunkFailure(t *testing.T) {
	ctx := context.Background()
	db := memory.New()
	seed, err := db.Seed("main", memory.SeedOptions{Products: 450})
	require.NoError(t, err)
	task := deleteTask(t, entity.KindProduct, seed.BranchID)
	exec := newExecutor(db, executor.WithChunkSize(200))

	boom := errors.New("connection reset by peer")
	db.SetHook(failNth(memory.OpDelete, entity.KindProduct, 2, boom))

	res, err := exec.Run(ctx, seed.BranchID, []executor.Task{task}, nil)
	require.Error(t, err)

	var chunkErr *entity.ChunkTransactionError
	require.ErrorAs(t, err, &chunkErr)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, entity.ErrChunkTransaction)
	assert.Equal(t, entity.KindProduct, chunkErr.Kind)
	assert.Equal(t, seed.BranchID, chunkErr.BranchID)
	assert.Equal(t, 1, chunkErr.ChunkIndex)
	assert.Equal(t, int64(200), chunkErr.ChunkStart)
	assert.Equal(t, int64(200), chunkErr.Committed)
	assert.Equal(t, int64(200), res.Processed())

	remaining := make([]int64, 0, 250)
	for _, r := range db.Rows(entity.KindProduct) {
		remaining = append(remaining, r.ID)
	}
	assert.Equal(t, seed.Products[200:], remaining)

	db.SetHook(nil)
	before := db.Mutations()

	var records []executor.Progress
	res, err = exec.Run(ctx, seed.BranchID, []executor.Task{task}, collect(&records))
	require.NoError(t, err)
	assert.Equal(t, int64(250), res.Processed())
	assert.Equal(t, 250, db.Mutations()-before)
	assert.Empty(t, db.Rows(entity.KindProduct))

	require.Len(t, records, 2)
	assert.Equal(t, int64(250), records[0].Total)
	assert.Equal(t, int64(250), records[1].Processed)
}

func TestExecutor_StopsAtFirstFailingTask(t *testing.T) {
	db := memory.New()
	seed, err := db.Seed("main", memory.SeedOptions{Users: 2, TokensPerUser: 2})
	require.NoError(t, err)

	db.SetHook(failNth(memory.OpDelete, entity.KindPasswordResetToken, 1, errors.New("timeout")))

	tasks := []executor.Task{
		deleteTask(t, entity.KindRefreshToken, seed.BranchID),
		deleteTask(t, entity.KindPasswordResetToken, seed.BranchID),
		deleteTask(t, entity.KindAuditLog, seed.BranchID),
	}
	res, err := newExecutor(db).Run(context.Background(), seed.BranchID, tasks, nil)
	require.Error(t, err)

	var chunkErr *entity.ChunkTransactionError
	require.ErrorAs(t, err, &chunkErr)
	assert.Equal(t, entity.KindPasswordResetToken, chunkErr.Kind)
	assert.Equal(t, 0, chunkErr.ChunkIndex)

	require.Len(t, res.Tasks, 2)
	assert.Empty(t, db.Rows(entity.KindRefreshToken))
	assert.Len(t, db.Rows(entity.KindPasswordResetToken), 2)
	assert.Len(t, db.Rows(entity.KindAuditLog), 2)
}

func TestExecutor_DanglingReferenceAbortsRun(t *testing.T) {
	db := memory.New()
	seed, err := db.Seed("main", memory.SeedOptions{Users: 2, TokensPerUser: 2})
	require.NoError(t, err)

	tasks := []executor.Task{
		deleteTask(t, entity.KindUser, seed.BranchID),
		deleteTask(t, entity.KindRefreshToken, seed.BranchID),
	}
	_, err = newExecutor(db).Run(context.Background(), seed.BranchID, tasks, nil)
	require.Error(t, err)

	var depErr *entity.DependencyOrderError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, entity.KindUser, depErr.Kind)
	assert.Equal(t, seed.BranchID, depErr.BranchID)
	assert.NotErrorIs(t, err, entity.ErrChunkTransaction)

	assert.Len(t, db.Rows(entity.KindUser), 2)
	assert.Len(t, db.Rows(entity.KindRefreshToken), 4)
}

func TestExecutor_DanglingReferenceCarriesChunkPosition(t *testing.T) {
	db := memory.New()
	seed, err := db.Seed("main", memory.SeedOptions{Users: 2})
	require.NoError(t, err)
	_, err = db.Insert(entity.KindRefreshToken, memory.Row{
		Refs: map[entity.Kind]int64{entity.KindUser: seed.Users[1]},
	})
	require.NoError(t, err)

	tasks := []executor.Task{
		deleteTask(t, entity.KindPasswordResetToken, seed.BranchID),
		deleteTask(t, entity.KindAuditLog, seed.BranchID),
		deleteTask(t, entity.KindUser, seed.BranchID),
	}
	res, err := newExecutor(db, executor.WithChunkSize(1)).Run(context.Background(), seed.BranchID, tasks, nil)
	require.Error(t, err)

	var depErr *entity.DependencyOrderError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, entity.KindUser, depErr.Kind)
	assert.Equal(t, "refresh_tokens", depErr.ReferencedBy)
	assert.Equal(t, 1, depErr.ChunkIndex)
	assert.Equal(t, int64(1), depErr.ChunkStart)
	assert.Contains(t, err.Error(), "(chunk 1, start 1)")

	require.Len(t, res.Tasks, 3)
	assert.Equal(t, int64(1), res.Tasks[2].Processed)
	users := db.Rows(entity.KindUser)
	require.Len(t, users, 1)
	assert.Equal(t, seed.Users[1], users[0].ID)
}

func TestExecutor_CancellationHonoredAtChunkBoundary(t *testing.T) {
	db := memory.New()
	seed, err := db.Seed("main", memory.SeedOptions{Products: 450})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	progress := func(_ context.Context, p executor.Progress) {
		if p.Chunk == 0 {
			cancel()
		}
	}
	res, err := newExecutor(db, executor.WithChunkSize(200)).Run(
		ctx,
		seed.BranchID,
		[]executor.Task{deleteTask(t, entity.KindProduct, seed.BranchID)},
		progress,
	)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(200), res.Processed())
	assert.Len(t, db.Rows(entity.KindProduct), 250)
}

func TestExecutor_UpdateTaskRequiresAssign(t *testing.T) {
	db := memory.New()
	seed, err := db.Seed("main", memory.SeedOptions{Products: 1})
	require.NoError(t, err)

	task := deleteTask(t, entity.KindProduct, seed.BranchID)
	task.Action = executor.ActionUpdate

	_, err = newExecutor(db).Run(context.Background(), seed.BranchID, []executor.Task{task}, nil)
	assert.Error(t, err)
	assert.Len(t, db.Rows(entity.KindProduct), 1)
}

func TestExecutor_UpdateAdvancesOffset(t *testing.T) {
	db := memory.New()
	seed, err := db.Seed("main", memory.SeedOptions{Products: 5})
	require.NoError(t, err)

	filter, _ := entity.BranchFilter(entity.KindProduct, seed.BranchID)
	var starts []int64
	task := executor.Task{
		Kind:   entity.KindProduct,
		Filter: filter,
		Action: executor.ActionUpdate,
		Order:  entity.OrderByCreation,
		Assign: func(ids []int64, start int64) entity.Patch {
			starts = append(starts, start)
			values := make(map[int64]string, len(ids))
			for i, id := range ids {
				values[id] = string(rune('a' + int(start) + i))
			}
			return entity.Patch{Field: entity.FieldSequenceCode, Values: values, Scope: filter}
		},
	}

	res, err := newExecutor(db, executor.WithChunkSize(2)).Run(context.Background(), seed.BranchID, []executor.Task{task}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Processed())
	assert.Equal(t, []int64{0, 2, 4}, starts)

	var codes []string
	for _, r := range db.Rows(entity.KindProduct) {
		codes = append(codes, r.Code)
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, codes)
}

func TestExecutor_RecordsMetrics(t *testing.T) {
	db := memory.New()
	seed, err := db.Seed("main", memory.SeedOptions{Users: 1, TokensPerUser: 3})
	require.NoError(t, err)

	m := new(mockMetrics)
	m.On("ObserveChunk", mock.Anything, "refresh_tokens", "delete", int64(2), mock.Anything).Once()
	m.On("ObserveChunk", mock.Anything, "refresh_tokens", "delete", int64(1), mock.Anything).Once()
	m.On("IncChunkFailure", mock.Anything, "password_reset_tokens", "delete").Once()

	db.SetHook(failNth(memory.OpDelete, entity.KindPasswordResetToken, 1, errors.New("deadlock detected")))

	tasks := []executor.Task{
		deleteTask(t, entity.KindRefreshToken, seed.BranchID),
		deleteTask(t, entity.KindPasswordResetToken, seed.BranchID),
	}
	_, err = newExecutor(db, executor.WithChunkSize(2), executor.WithMetrics(m)).Run(
		context.Background(), seed.BranchID, tasks, nil,
	)
	require.Error(t, err)
	m.AssertExpectations(t)
}

func TestExecutor_ChunkTimeout(t *testing.T) {
	db := memory.New()
	seed, err := db.Seed("main", memory.SeedOptions{Users: 1, TokensPerUser: 1})
	require.NoError(t, err)

	db.SetHook(func(op memory.Op, kind entity.Kind) error {
		if op == memory.OpDelete {
			time.Sleep(20 * time.Millisecond)
		}
		return nil
	})

	_, err = newExecutor(db, executor.WithChunkTimeout(5*time.Millisecond)).Run(
		context.Background(),
		seed.BranchID,
		[]executor.Task{deleteTask(t, entity.KindRefreshToken, seed.BranchID)},
		nil,
	)
	var chunkErr *entity.ChunkTransactionError
	require.ErrorAs(t, err, &chunkErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, db.Rows(entity.KindRefreshToken), 1)
}

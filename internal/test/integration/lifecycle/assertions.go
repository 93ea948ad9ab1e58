package lifecycle

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/branchctl/internal/domain/entity"
	"github.com/ahrav/branchctl/internal/domain/operation"
	"github.com/ahrav/branchctl/internal/domain/tenant"
	entityStore "github.com/ahrav/branchctl/internal/infra/storage/entity/postgres"
	"github.com/ahrav/branchctl/internal/infra/storage/testutil"
)

// AssertBranchGone verifies that the branch row and every row scoped to it are gone.
func AssertBranchGone(t *testing.T, ctx context.Context, pool *pgxpool.Pool, repo tenant.Repository, branchID int64) {
	t.Helper()

	_, err := repo.FindByID(ctx, branchID)
	assert.ErrorIs(t, err, tenant.ErrTenantNotFound, "branch row should be removed")

	for _, kind := range entity.Kinds() {
		if kind == entity.KindBranch {
			continue
		}
		assert.Zero(t, CountOwned(t, ctx, pool, kind, branchID), "rows of %s should be removed", kind)
	}
}

// CountOwned returns the number of rows of kind scoped to branchID.
func CountOwned(t *testing.T, ctx context.Context, pool *pgxpool.Pool, kind entity.Kind, branchID int64) int64 {
	t.Helper()

	store, err := entityStore.NewStore(ctx, pool, testutil.NoOpTracer())
	require.NoError(t, err)
	filter, err := entity.BranchFilter(kind, branchID)
	require.NoError(t, err)

	n, err := store.Count(ctx, kind, filter)
	require.NoError(t, err)
	return n
}

// AssertOperationSuccess verifies that a run completed successfully.
func AssertOperationSuccess(t *testing.T, op *operation.Operation) {
	t.Helper()

	assert.Equal(t, operation.StatusCompleted, op.Status, "operation should be completed")
	assert.Nil(t, op.ErrorMessage, "operation should not have an error message")
	assert.NotNil(t, op.CompletedAt, "operation should have a completion timestamp")
}

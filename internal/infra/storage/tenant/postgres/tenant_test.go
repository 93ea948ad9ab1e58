package postgres

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/branchctl/internal/domain/tenant"
	"github.com/ahrav/branchctl/internal/infra/storage/testutil"
)

func setupTenantTest(t *testing.T) (context.Context, *pgxpool.Pool, tenant.Repository, func()) {
	t.Helper()

	pool, cleanup := testutil.SetupTestContainer(t)
	return context.Background(), pool, NewTenantStore(pool, testutil.NoOpTracer()), cleanup
}

func insertBranch(t *testing.T, pool *pgxpool.Pool, name string) int64 {
	t.Helper()
	var id int64
	err := pool.QueryRow(context.Background(),
		`INSERT INTO branches (name) VALUES ($1) RETURNING id`, name).Scan(&id)
	require.NoError(t, err)
	return id
}

func TestTenantStore_Find(t *testing.T) {
	t.Parallel()

	ctx, pool, store, cleanup := setupTenantTest(t)
	defer cleanup()

	id := insertBranch(t, pool, "downtown")

	byID, err := store.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "downtown", byID.Name)
	assert.Equal(t, int64(0), byID.NextSequence)
	assert.False(t, byID.CreatedAt.IsZero())

	byName, err := store.FindByName(ctx, "downtown")
	require.NoError(t, err)
	assert.Equal(t, id, byName.ID)
}

func TestTenantStore_NotFound(t *testing.T) {
	t.Parallel()

	ctx, _, store, cleanup := setupTenantTest(t)
	defer cleanup()

	_, err := store.FindByID(ctx, 4242)
	assert.ErrorIs(t, err, tenant.ErrTenantNotFound)

	_, err = store.FindByName(ctx, "nowhere")
	var nf *tenant.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Contains(t, nf.Error(), "nowhere")

	err = store.SetSequenceCounter(ctx, 4242, 3)
	assert.ErrorIs(t, err, tenant.ErrTenantNotFound)
}

func TestTenantStore_ListIDs(t *testing.T) {
	t.Parallel()

	ctx, pool, store, cleanup := setupTenantTest(t)
	defer cleanup()

	a := insertBranch(t, pool, "a")
	b := insertBranch(t, pool, "b")
	c := insertBranch(t, pool, "c")

	ids, err := store.ListIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{a, b, c}, ids)
}

func TestTenantStore_SetSequenceCounter(t *testing.T) {
	t.Parallel()

	ctx, pool, store, cleanup := setupTenantTest(t)
	defer cleanup()

	id := insertBranch(t, pool, "downtown")

	require.NoError(t, store.SetSequenceCounter(ctx, id, 450))

	got, err := store.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(450), got.NextSequence)

	assert.ErrorIs(t, store.SetSequenceCounter(ctx, id, -1), tenant.ErrInvalidCounter)
}

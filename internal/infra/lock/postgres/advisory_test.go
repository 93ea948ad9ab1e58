package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/branchctl/internal/domain/tenant"
	"github.com/ahrav/branchctl/internal/infra/storage/testutil"
)

func TestAdvisoryLocker(t *testing.T) {
	t.Parallel()

	pool, cleanup := testutil.SetupTestContainer(t)
	defer cleanup()

	ctx := context.Background()
	first := New(pool, testutil.NoOpTracer())
	second := New(pool, testutil.NoOpTracer())

	lease, err := first.Acquire(ctx, 42)
	require.NoError(t, err)

	_, err = second.Acquire(ctx, 42)
	var busy *tenant.BusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, int64(42), busy.TenantID)
	assert.Contains(t, busy.Holder, "postgres backend")

	other, err := second.Acquire(ctx, 43)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lease.Release(ctx))
	require.NoError(t, lease.Release(ctx))

	again, err := second.Acquire(ctx, 42)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

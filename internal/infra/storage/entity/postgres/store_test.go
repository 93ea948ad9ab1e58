package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/branchctl/internal/application/consistency"
	"github.com/ahrav/branchctl/internal/application/executor"
	"github.com/ahrav/branchctl/internal/application/planner"
	"github.com/ahrav/branchctl/internal/application/sequence"
	"github.com/ahrav/branchctl/internal/domain/entity"
	tenantpg "github.com/ahrav/branchctl/internal/infra/storage/tenant/postgres"
	"github.com/ahrav/branchctl/internal/infra/storage/testutil"
	"github.com/ahrav/branchctl/pkg/common/logger"
)

type fixture struct {
	ctx   context.Context
	pool  *pgxpool.Pool
	store *Store
}

func setupStoreTest(t *testing.T) (*fixture, func()) {
	t.Helper()

	pool, cleanup := testutil.SetupTestContainer(t)
	ctx := context.Background()
	store, err := NewStore(ctx, pool, testutil.NoOpTracer())
	require.NoError(t, err)

	return &fixture{ctx: ctx, pool: pool, store: store}, cleanup
}

func (f *fixture) insert(t *testing.T, query string, args ...any) int64 {
	t.Helper()
	var id int64
	require.NoError(t, f.pool.QueryRow(f.ctx, query+" RETURNING id", args...).Scan(&id))
	return id
}

type seeded struct {
	branch   int64
	users    []int64
	products []int64
	section  int64
}

// seed creates a branch with users, tokens, products and the rows linking them.
func (f *fixture) seed(t *testing.T, name string, users, products int) seeded {
	t.Helper()
	s := seeded{branch: f.insert(t, `INSERT INTO branches (name) VALUES ($1)`, name)}
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	brand := f.insert(t, `INSERT INTO brands (branch_id, name) VALUES ($1, 'acme')`, s.branch)
	service := f.insert(t, `INSERT INTO service_types (branch_id, name) VALUES ($1, 'dine-in')`, s.branch)
	f.insert(t, `INSERT INTO units (branch_id, name) VALUES ($1, 'kg')`, s.branch)

	for i := 0; i < users; i++ {
		uid := f.insert(t, `INSERT INTO users (branch_id, name) VALUES ($1, $2)`, s.branch, fmt.Sprintf("user-%d", i))
		s.users = append(s.users, uid)
		f.insert(t, `INSERT INTO refresh_tokens (user_id, token_hash) VALUES ($1, 'a')`, uid)
		f.insert(t, `INSERT INTO refresh_tokens (user_id, token_hash) VALUES ($1, 'b')`, uid)
		f.insert(t, `INSERT INTO password_reset_tokens (user_id, token_hash) VALUES ($1, 'c')`, uid)
		f.insert(t, `INSERT INTO audit_logs (branch_id, user_id, action) VALUES ($1, $2, 'login')`, s.branch, uid)
	}

	_, err := f.pool.Exec(f.ctx, `
		INSERT INTO products (branch_id, brand_id, name, created_at)
		SELECT $1, $2, 'product-' || lpad(g::text, 4, '0'), $3::timestamptz + (g - 1) * interval '1 minute'
		FROM generate_series(1, $4::int) AS g`, s.branch, brand, start, products)
	require.NoError(t, err)

	ids, err := f.store.FindIDs(f.ctx, entity.KindProduct, entity.Filter{BranchID: s.branch, Owner: entity.KindBranch}, entity.OrderByCreation, 0, 0)
	require.NoError(t, err)
	s.products = ids

	s.section = f.insert(t, `INSERT INTO sections (branch_id, name) VALUES ($1, 'bar')`, s.branch)
	if len(s.products) > 0 {
		f.insert(t, `INSERT INTO section_products (section_id, product_id) VALUES ($1, $2)`, s.section, s.products[0])
	}
	if len(s.users) > 0 {
		f.insert(t, `INSERT INTO section_users (section_id, user_id) VALUES ($1, $2)`, s.section, s.users[0])
		order := f.insert(t, `INSERT INTO orders (branch_id, user_id, service_type_id) VALUES ($1, $2, $3)`, s.branch, s.users[0], service)
		if len(s.products) > 0 {
			f.insert(t, `INSERT INTO order_items (order_id, product_id) VALUES ($1, $2)`, order, s.products[0])
			f.insert(t, `INSERT INTO inventory_movements (branch_id, product_id, user_id) VALUES ($1, $2, $3)`, s.branch, s.products[0], s.users[0])
		}
	}
	return s
}

func (f *fixture) count(t *testing.T, kind entity.Kind, branchID int64) int64 {
	t.Helper()
	filter, err := entity.BranchFilter(kind, branchID)
	require.NoError(t, err)
	n, err := f.store.Count(f.ctx, kind, filter)
	require.NoError(t, err)
	return n
}

func TestStore_SupportsEveryKind(t *testing.T) {
	t.Parallel()

	f, cleanup := setupStoreTest(t)
	defer cleanup()

	for _, kind := range entity.Kinds() {
		assert.True(t, f.store.Supports(kind), kind)
	}
	assert.False(t, f.store.Supports(entity.Kind("price_history")))
}

func TestStore_DroppedTableIsUnsupported(t *testing.T) {
	t.Parallel()

	f, cleanup := setupStoreTest(t)
	defer cleanup()

	_, err := f.pool.Exec(f.ctx, `DROP TABLE audit_logs`)
	require.NoError(t, err)

	store, err := NewStore(f.ctx, f.pool, testutil.NoOpTracer())
	require.NoError(t, err)
	assert.False(t, store.Supports(entity.KindAuditLog))

	_, err = planner.New(store).Plan(1)
	assert.ErrorIs(t, err, entity.ErrUnknownKind)
}

func TestStore_FindIDsOrderAndScope(t *testing.T) {
	t.Parallel()

	f, cleanup := setupStoreTest(t)
	defer cleanup()

	main := f.seed(t, "main", 2, 5)
	other := f.seed(t, "other", 1, 2)

	// Same creation time: name breaks the tie, then id.
	ts := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	b := f.insert(t, `INSERT INTO products (branch_id, name, created_at) VALUES ($1, 'b', $2)`, main.branch, ts)
	a := f.insert(t, `INSERT INTO products (branch_id, name, created_at) VALUES ($1, 'a', $2)`, main.branch, ts)

	filter, err := entity.BranchFilter(entity.KindProduct, main.branch)
	require.NoError(t, err)
	ids, err := f.store.FindIDs(f.ctx, entity.KindProduct, filter, entity.OrderByCreation, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{a, b, main.products[0]}, ids)

	ids, err = f.store.FindIDs(f.ctx, entity.KindProduct, filter, entity.OrderByCreation, 6, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{main.products[4]}, ids)

	assert.Equal(t, int64(4), f.count(t, entity.KindRefreshToken, main.branch))
	assert.Equal(t, int64(2), f.count(t, entity.KindRefreshToken, other.branch))
	assert.Equal(t, int64(1), f.count(t, entity.KindSectionUser, main.branch))
	assert.Equal(t, int64(1), f.count(t, entity.KindOrderItem, other.branch))
}

func TestStore_DeleteManyReportsConstraint(t *testing.T) {
	t.Parallel()

	f, cleanup := setupStoreTest(t)
	defer cleanup()

	s := f.seed(t, "main", 1, 1)

	err := f.store.WithTransaction(f.ctx, func(ctx context.Context, tx entity.Tx) error {
		_, err := tx.DeleteMany(ctx, entity.KindUser, s.users)
		return err
	})
	assert.ErrorIs(t, err, ErrConstraint)
	assert.Equal(t, int64(1), f.count(t, entity.KindUser, s.branch))

	var n int64
	err = f.store.WithTransaction(f.ctx, func(ctx context.Context, tx entity.Tx) error {
		var err error
		n, err = tx.DeleteMany(ctx, entity.KindAuditLog, []int64{987654})
		return err
	})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_ReferencesIncludeUndeclaredColumns(t *testing.T) {
	t.Parallel()

	f, cleanup := setupStoreTest(t)
	defer cleanup()

	_, err := f.pool.Exec(f.ctx, `
		CREATE TABLE price_history (
			id         BIGSERIAL PRIMARY KEY,
			product_id BIGINT NOT NULL REFERENCES products (id)
		)`)
	require.NoError(t, err)

	refs, err := f.store.References(f.ctx, entity.KindProduct)
	require.NoError(t, err)

	tables := make([]string, len(refs))
	for i, r := range refs {
		tables[i] = r.Table
	}
	assert.Equal(t, []string{"inventory_movements", "order_items", "price_history", "section_products"}, tables)

	s := f.seed(t, "main", 0, 2)
	f.insert(t, `INSERT INTO price_history (product_id) VALUES ($1)`, s.products[1])

	validator := consistency.New(logger.Noop(), testutil.NoOpTracer())
	err = validator.CheckNoDanglingReferences(f.ctx, f.store, entity.KindProduct, s.branch, s.products)
	var depErr *entity.DependencyOrderError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, "price_history", depErr.ReferencedBy)
}

func TestStore_ExclusiveUpdateSwapsCodes(t *testing.T) {
	t.Parallel()

	f, cleanup := setupStoreTest(t)
	defer cleanup()

	s := f.seed(t, "main", 0, 3)
	_, err := f.pool.Exec(f.ctx, `UPDATE products SET sequence_code = CASE id WHEN $1 THEN '002' WHEN $2 THEN '001' END WHERE id IN ($1, $2)`,
		s.products[0], s.products[1])
	require.NoError(t, err)

	scope, err := entity.BranchFilter(entity.KindProduct, s.branch)
	require.NoError(t, err)

	err = f.store.WithTransaction(f.ctx, func(ctx context.Context, tx entity.Tx) error {
		_, err := tx.UpdateMany(ctx, entity.KindProduct, entity.Patch{
			Field:     entity.FieldSequenceCode,
			Values:    map[int64]string{s.products[0]: "001", s.products[1]: "002"},
			Exclusive: true,
			Scope:     scope,
		})
		return err
	})
	require.NoError(t, err)

	rows, err := f.pool.Query(f.ctx, `SELECT coalesce(sequence_code, '') FROM products WHERE branch_id = $1 ORDER BY id`, s.branch)
	require.NoError(t, err)
	defer rows.Close()
	var codes []string
	for rows.Next() {
		var c string
		require.NoError(t, rows.Scan(&c))
		codes = append(codes, c)
	}
	assert.Equal(t, []string{"001", "002", ""}, codes)
}

func TestStore_EndToEndDeletionAndBackfill(t *testing.T) {
	t.Parallel()

	f, cleanup := setupStoreTest(t)
	defer cleanup()

	target := f.seed(t, "downtown", 3, 450)
	other := f.seed(t, "uptown", 1, 4)

	tracer := testutil.NoOpTracer()
	exec := executor.New(f.store, consistency.New(logger.Noop(), tracer), logger.Noop(), tracer, executor.WithChunkSize(200))
	tenants := tenantpg.NewTenantStore(f.pool, tracer)

	res, err := sequence.NewEngine(exec, tenants, logger.Noop(), tracer).Backfill(f.ctx, target.branch, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(450), res.NextSequence)

	var maxCode string
	require.NoError(t, f.pool.QueryRow(f.ctx,
		`SELECT max(sequence_code) FROM products WHERE branch_id = $1`, target.branch).Scan(&maxCode))
	assert.Equal(t, "450", maxCode)

	tasks, err := planner.New(f.store).Plan(target.branch)
	require.NoError(t, err)
	_, err = exec.Run(f.ctx, target.branch, tasks, nil)
	require.NoError(t, err)

	for _, kind := range entity.Kinds() {
		if kind == entity.KindBranch {
			continue
		}
		assert.Zero(t, f.count(t, kind, target.branch), kind)
	}
	assert.Equal(t, int64(4), f.count(t, entity.KindProduct, other.branch))

	_, err = tenants.FindByID(f.ctx, target.branch)
	assert.Error(t, err)
}

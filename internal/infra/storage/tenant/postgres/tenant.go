// Package postgres provides the PostgreSQL implementation of tenant.Repository.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/branchctl/internal/domain/tenant"
	"github.com/ahrav/branchctl/internal/infra/storage"
)

var _ tenant.Repository = (*tenantStore)(nil)

// tenantStore reads and updates rows of the branches table.
type tenantStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

var defaultDBAttributes = []attribute.KeyValue{attribute.String("db.system", "postgresql")}

// NewTenantStore creates a tenant.Repository backed by PostgreSQL.
func NewTenantStore(pool *pgxpool.Pool, tracer trace.Tracer) tenant.Repository {
	return &tenantStore{pool: pool, tracer: tracer}
}

const selectBranch = `SELECT id, name, next_sequence, created_at, updated_at FROM branches`

// FindByName retrieves a branch by name.
func (s *tenantStore) FindByName(ctx context.Context, name string) (*tenant.Tenant, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("branch.name", name))

	var t *tenant.Tenant
	err := storage.ExecuteAndTrace(ctx, s.tracer, "tenantStore.FindByName", dbAttrs, func(ctx context.Context) error {
		var err error
		t, err = scanTenant(s.pool.QueryRow(ctx, selectBranch+` WHERE name = $1`, name))
		if errors.Is(err, pgx.ErrNoRows) {
			return tenant.NewNotFoundByName(name)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// FindByID retrieves a branch by ID.
func (s *tenantStore) FindByID(ctx context.Context, id int64) (*tenant.Tenant, error) {
	dbAttrs := append(defaultDBAttributes, attribute.Int64("branch.id", id))

	var t *tenant.Tenant
	err := storage.ExecuteAndTrace(ctx, s.tracer, "tenantStore.FindByID", dbAttrs, func(ctx context.Context) error {
		var err error
		t, err = scanTenant(s.pool.QueryRow(ctx, selectBranch+` WHERE id = $1`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return tenant.NewNotFoundByID(id)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListIDs returns every branch id in ascending order.
func (s *tenantStore) ListIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := storage.ExecuteAndTrace(ctx, s.tracer, "tenantStore.ListIDs", defaultDBAttributes, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `SELECT id FROM branches ORDER BY id`)
		if err != nil {
			return err
		}
		ids, err = pgx.CollectRows(rows, pgx.RowTo[int64])
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// SetSequenceCounter persists the branch's sequence cursor.
func (s *tenantStore) SetSequenceCounter(ctx context.Context, id int64, n int64) error {
	if n < 0 {
		return tenant.ErrInvalidCounter
	}
	dbAttrs := append(defaultDBAttributes,
		attribute.Int64("branch.id", id),
		attribute.Int64("branch.next_sequence", n),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "tenantStore.SetSequenceCounter", dbAttrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx,
			`UPDATE branches SET next_sequence = $2, updated_at = now() WHERE id = $1`, id, n)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return tenant.NewNotFoundByID(id)
		}
		return nil
	})
}

func scanTenant(row pgx.Row) (*tenant.Tenant, error) {
	var (
		t         tenant.Tenant
		updatedAt time.Time
	)
	if err := row.Scan(&t.ID, &t.Name, &t.NextSequence, &t.CreatedAt, &updatedAt); err != nil {
		return nil, err
	}
	if !updatedAt.Equal(t.CreatedAt) {
		t.UpdatedAt = &updatedAt
	}
	return &t, nil
}

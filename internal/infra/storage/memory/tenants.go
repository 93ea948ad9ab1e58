package memory

import (
	"context"
	"sort"

	"github.com/ahrav/branchctl/internal/domain/entity"
	"github.com/ahrav/branchctl/internal/domain/tenant"
)

// FindByID implements tenant.Repository.
func (db *DB) FindByID(ctx context.Context, id int64) (*tenant.Tenant, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	r, ok := db.data[entity.KindBranch][id]
	if !ok {
		return nil, tenant.NewNotFoundByID(id)
	}
	return toTenant(r), nil
}

// FindByName implements tenant.Repository.
func (db *DB) FindByName(ctx context.Context, name string) (*tenant.Tenant, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, r := range db.data[entity.KindBranch] {
		if r.Name == name {
			return toTenant(r), nil
		}
	}
	return nil, tenant.NewNotFoundByName(name)
}

// ListIDs implements tenant.Repository.
func (db *DB) ListIDs(ctx context.Context) ([]int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	ids := make([]int64, 0, len(db.data[entity.KindBranch]))
	for id := range db.data[entity.KindBranch] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// SetSequenceCounter implements tenant.Repository.
func (db *DB) SetSequenceCounter(ctx context.Context, id int64, n int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	r, ok := db.data[entity.KindBranch][id]
	if !ok {
		return tenant.NewNotFoundByID(id)
	}
	if n < 0 {
		return tenant.ErrInvalidCounter
	}
	r.NextSequence = n
	return nil
}

func toTenant(r *Row) *tenant.Tenant {
	return &tenant.Tenant{
		ID:           r.ID,
		Name:         r.Name,
		NextSequence: r.NextSequence,
		CreatedAt:    r.CreatedAt,
	}
}

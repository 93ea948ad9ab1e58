package memory

import (
	"fmt"
	"time"

	"github.com/ahrav/branchctl/internal/domain/entity"
)

// SeedOptions sizes a seeded branch.
type SeedOptions struct {
	Users         int
	TokensPerUser int
	Products      int
	Sections      int
	Orders        int
	// Start is the creation time of the first product; later products are one minute apart.
	Start time.Time
}

// Seed lists the ids created for a seeded branch.
type Seed struct {
	BranchID int64
	Users    []int64
	Tokens   []int64
	Products []int64
	Sections []int64
	Orders   []int64
}

// Seed creates a branch named name with rows of every kind, wired together the way the
// back office links them.
func (db *DB) Seed(name string, opts SeedOptions) (Seed, error) {
	start := opts.Start
	if start.IsZero() {
		start = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	}

	s := Seed{BranchID: db.InsertBranch(name, start)}
	owned := func(extra map[entity.Kind]int64) map[entity.Kind]int64 {
		refs := map[entity.Kind]int64{entity.KindBranch: s.BranchID}
		for k, v := range extra {
			refs[k] = v
		}
		return refs
	}

	catalog := make(map[entity.Kind]int64)
	for _, k := range []entity.Kind{
		entity.KindBrand, entity.KindSubcategory, entity.KindTaxRate, entity.KindUnit, entity.KindServiceType,
	} {
		id, err := db.Insert(k, Row{Name: string(k), CreatedAt: start, Refs: owned(nil)})
		if err != nil {
			return s, err
		}
		catalog[k] = id
	}

	for i := 0; i < opts.Users; i++ {
		uid, err := db.Insert(entity.KindUser, Row{Name: fmt.Sprintf("user-%d", i+1), CreatedAt: start, Refs: owned(nil)})
		if err != nil {
			return s, err
		}
		s.Users = append(s.Users, uid)

		for j := 0; j < opts.TokensPerUser; j++ {
			tid, err := db.Insert(entity.KindRefreshToken, Row{
				CreatedAt: start,
				Refs:      map[entity.Kind]int64{entity.KindUser: uid},
			})
			if err != nil {
				return s, err
			}
			s.Tokens = append(s.Tokens, tid)
		}
		if _, err := db.Insert(entity.KindPasswordResetToken, Row{
			CreatedAt: start,
			Refs:      map[entity.Kind]int64{entity.KindUser: uid},
		}); err != nil {
			return s, err
		}
		if _, err := db.Insert(entity.KindAuditLog, Row{
			CreatedAt: start,
			Refs:      owned(map[entity.Kind]int64{entity.KindUser: uid}),
		}); err != nil {
			return s, err
		}
	}

	for i := 0; i < opts.Products; i++ {
		pid, err := db.Insert(entity.KindProduct, Row{
			Name:      fmt.Sprintf("product-%04d", i+1),
			CreatedAt: start.Add(time.Duration(i) * time.Minute),
			Refs: owned(map[entity.Kind]int64{
				entity.KindBrand:       catalog[entity.KindBrand],
				entity.KindSubcategory: catalog[entity.KindSubcategory],
				entity.KindTaxRate:     catalog[entity.KindTaxRate],
				entity.KindUnit:        catalog[entity.KindUnit],
			}),
		})
		if err != nil {
			return s, err
		}
		s.Products = append(s.Products, pid)
	}

	for i := 0; i < opts.Sections; i++ {
		sid, err := db.Insert(entity.KindSection, Row{Name: fmt.Sprintf("section-%d", i+1), CreatedAt: start, Refs: owned(nil)})
		if err != nil {
			return s, err
		}
		s.Sections = append(s.Sections, sid)

		if len(s.Products) > 0 {
			if _, err := db.Insert(entity.KindSectionProduct, Row{
				CreatedAt: start,
				Refs:      map[entity.Kind]int64{entity.KindSection: sid, entity.KindProduct: s.Products[i%len(s.Products)]},
			}); err != nil {
				return s, err
			}
		}
		if len(s.Users) > 0 {
			if _, err := db.Insert(entity.KindSectionUser, Row{
				CreatedAt: start,
				Refs:      map[entity.Kind]int64{entity.KindSection: sid, entity.KindUser: s.Users[i%len(s.Users)]},
			}); err != nil {
				return s, err
			}
		}
	}

	for i := 0; i < opts.Orders && len(s.Users) > 0; i++ {
		oid, err := db.Insert(entity.KindOrder, Row{
			CreatedAt: start,
			Refs: owned(map[entity.Kind]int64{
				entity.KindUser:        s.Users[i%len(s.Users)],
				entity.KindServiceType: catalog[entity.KindServiceType],
			}),
		})
		if err != nil {
			return s, err
		}
		s.Orders = append(s.Orders, oid)

		if len(s.Products) > 0 {
			pid := s.Products[i%len(s.Products)]
			if _, err := db.Insert(entity.KindOrderItem, Row{
				CreatedAt: start,
				Refs:      map[entity.Kind]int64{entity.KindOrder: oid, entity.KindProduct: pid},
			}); err != nil {
				return s, err
			}
			if _, err := db.Insert(entity.KindInventoryMovement, Row{
				CreatedAt: start,
				Refs: owned(map[entity.Kind]int64{
					entity.KindProduct: pid,
					entity.KindUser:    s.Users[i%len(s.Users)],
				}),
			}); err != nil {
				return s, err
			}
		}
	}

	return s, nil
}

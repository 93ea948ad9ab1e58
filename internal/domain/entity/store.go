package entity

import "context"

// Filter selects the rows of a kind that belong to one branch.
//
// When IDs is non-empty it wins and only those rows are selected. Otherwise rows are
// matched through Owner: directly by branch id when Owner is KindBranch, or through the
// owner's rows (and their owners, transitively) for indirectly scoped kinds.
type Filter struct {
	BranchID int64
	Owner    Kind
	IDs      []int64
}

// BranchFilter returns the filter selecting every row of kind owned by branchID.
func BranchFilter(kind Kind, branchID int64) (Filter, error) {
	if kind == KindBranch {
		return Filter{BranchID: branchID, IDs: []int64{branchID}}, nil
	}
	owner, err := OwnerOf(kind)
	if err != nil {
		return Filter{}, err
	}
	return Filter{BranchID: branchID, Owner: owner}, nil
}

// Order is a fixed row ordering used for chunk selection.
type Order int

const (
	// OrderByCreation orders by creation time, then display name where the kind has
	// one, then id. It is a strict total order.
	OrderByCreation Order = iota
	// OrderByID orders by id only.
	OrderByID
)

// Field names a column the engine is allowed to write.
type Field string

// FieldSequenceCode is the per-branch zero-padded code of a sequence-bearing row.
const FieldSequenceCode Field = "sequence_code"

// Patch assigns per-row values to one field.
type Patch struct {
	Field  Field
	Values map[int64]string
	// Exclusive releases (sets to NULL) any assigned value currently held by another row
	// matched by Scope before assigning. It keeps unique per-branch values assignable in
	// chunks without transient collisions.
	Exclusive bool
	Scope     Filter
}

// IDs returns the ids the patch touches.
func (p Patch) IDs() []int64 {
	ids := make([]int64, 0, len(p.Values))
	for id := range p.Values {
		ids = append(ids, id)
	}
	return ids
}

// Reference is a column that points at the rows of Kind.
type Reference struct {
	Kind   Kind   // referenced kind
	Table  string // referencing table
	Column string // referencing column
}

// Reader is the read side of the persistence contract. Both the store and a transaction
// satisfy it.
type Reader interface {
	// FindIDs returns up to limit ids of kind matching filter in the given order,
	// skipping offset rows.
	FindIDs(ctx context.Context, kind Kind, filter Filter, order Order, offset, limit int) ([]int64, error)

	// Count returns the number of rows of kind matching filter.
	Count(ctx context.Context, kind Kind, filter Filter) (int64, error)

	// References lists every column that points at rows of kind, both declared and
	// discovered from the underlying schema.
	References(ctx context.Context, kind Kind) ([]Reference, error)

	// CountReferencing counts rows holding ref to any of ids. Rows of the referenced kind
	// whose own id is in ids are not counted.
	CountReferencing(ctx context.Context, ref Reference, ids []int64) (int64, error)
}

// Tx is a unit of atomic work. Mutations are only available inside a transaction.
type Tx interface {
	Reader

	// DeleteMany removes the rows of kind with the given ids and returns how many were
	// removed. Absent ids are not an error.
	DeleteMany(ctx context.Context, kind Kind, ids []int64) (int64, error)

	// UpdateMany applies patch to the rows of kind and returns how many were updated.
	UpdateMany(ctx context.Context, kind Kind, patch Patch) (int64, error)
}

// Store is the persistence contract consumed by the lifecycle engine.
type Store interface {
	Reader

	// Supports reports whether the store can address kind.
	Supports(kind Kind) bool

	// WithTransaction runs fn inside a transaction, committing when fn returns nil and
	// rolling back otherwise. The error from fn is returned unchanged.
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

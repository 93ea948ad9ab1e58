// Package entity describes the closed set of branch-scoped record kinds, the static
// foreign-key relation between them and the persistence contract the lifecycle engine
// relies on.
package entity

import "sort"

// Kind identifies a family of rows that belong to a branch, directly or through a
// scoping kind. The string value doubles as the deterministic ordering key.
type Kind string

// Kinds known to the lifecycle engine.
const (
	KindBranch             Kind = "branches"
	KindSection            Kind = "sections"
	KindUser               Kind = "users"
	KindRefreshToken       Kind = "refresh_tokens"
	KindPasswordResetToken Kind = "password_reset_tokens"
	KindBrand              Kind = "brands"
	KindSubcategory        Kind = "subcategories"
	KindServiceType        Kind = "service_types"
	KindTaxRate            Kind = "tax_rates"
	KindUnit               Kind = "units"
	KindProduct            Kind = "products"
	KindSectionProduct     Kind = "section_products"
	KindSectionUser        Kind = "section_users"
	KindOrder              Kind = "orders"
	KindOrderItem          Kind = "order_items"
	KindInventoryMovement  Kind = "inventory_movements"
	KindAuditLog           Kind = "audit_logs"
)

// String returns the kind name.
func (k Kind) String() string { return string(k) }

// Edge is the static dependency entry for one kind.
type Edge struct {
	// Owner is the kind whose rows scope this kind to a branch. It is empty only for
	// KindBranch.
	Owner Kind
	// References lists the other kinds this kind holds foreign keys to.
	References []Kind
}

// edges is the build-time relation (child kind) -> (owner | referenced kinds).
// Every kind that can hold a reference to branch data must appear here.
var edges = map[Kind]Edge{
	KindBranch:             {},
	KindSection:            {Owner: KindBranch},
	KindUser:               {Owner: KindBranch},
	KindRefreshToken:       {Owner: KindUser},
	KindPasswordResetToken: {Owner: KindUser},
	KindBrand:              {Owner: KindBranch},
	KindSubcategory:        {Owner: KindBranch},
	KindServiceType:        {Owner: KindBranch},
	KindTaxRate:            {Owner: KindBranch},
	KindUnit:               {Owner: KindBranch},
	KindProduct: {
		Owner:      KindBranch,
		References: []Kind{KindBrand, KindSubcategory, KindTaxRate, KindUnit},
	},
	KindSectionProduct: {Owner: KindSection, References: []Kind{KindProduct}},
	KindSectionUser:    {Owner: KindSection, References: []Kind{KindUser}},
	KindOrder:          {Owner: KindBranch, References: []Kind{KindUser, KindServiceType}},
	KindOrderItem:      {Owner: KindOrder, References: []Kind{KindProduct}},
	KindInventoryMovement: {
		Owner:      KindBranch,
		References: []Kind{KindProduct, KindUser},
	},
	KindAuditLog: {Owner: KindBranch, References: []Kind{KindUser}},
}

// SequenceKind is the kind that carries a per-branch sequence code.
const SequenceKind = KindProduct

// Kinds returns every known kind sorted by name.
func Kinds() []Kind {
	out := make([]Kind, 0, len(edges))
	for k := range edges {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// EdgeOf returns the static edge for kind and whether the kind is known.
func EdgeOf(kind Kind) (Edge, bool) {
	e, ok := edges[kind]
	return e, ok
}

// OwnerOf returns the scoping kind for kind. It returns an UnknownKindError for kinds
// missing from the static table.
func OwnerOf(kind Kind) (Kind, error) {
	e, ok := edges[kind]
	if !ok {
		return "", &UnknownKindError{Kind: kind}
	}
	return e.Owner, nil
}

// Dependencies returns every kind that kind holds a foreign key to, owner first.
func Dependencies(kind Kind) []Kind {
	e, ok := edges[kind]
	if !ok {
		return nil
	}
	deps := make([]Kind, 0, len(e.References)+1)
	if e.Owner != "" {
		deps = append(deps, e.Owner)
	}
	return append(deps, e.References...)
}

// OwnerChain returns the scoping kinds between kind and the branch, nearest first,
// ending with KindBranch. KindBranch itself has an empty chain.
func OwnerChain(kind Kind) ([]Kind, error) {
	var chain []Kind
	seen := map[Kind]bool{kind: true}
	for cur := kind; cur != KindBranch; {
		owner, err := OwnerOf(cur)
		if err != nil {
			return nil, err
		}
		if owner == "" || seen[owner] {
			return nil, &UnknownKindError{Kind: cur, Reason: "no ownership path to branches"}
		}
		seen[owner] = true
		chain = append(chain, owner)
		cur = owner
	}
	return chain, nil
}

// foreignKeys names the column other tables use to point at a kind.
var foreignKeys = map[Kind]string{
	KindBranch:             "branch_id",
	KindSection:            "section_id",
	KindUser:               "user_id",
	KindRefreshToken:       "refresh_token_id",
	KindPasswordResetToken: "password_reset_token_id",
	KindBrand:              "brand_id",
	KindSubcategory:        "subcategory_id",
	KindServiceType:        "service_type_id",
	KindTaxRate:            "tax_rate_id",
	KindUnit:               "unit_id",
	KindProduct:            "product_id",
	KindSectionProduct:     "section_product_id",
	KindSectionUser:        "section_user_id",
	KindOrder:              "order_id",
	KindOrderItem:          "order_item_id",
	KindInventoryMovement:  "inventory_movement_id",
	KindAuditLog:           "audit_log_id",
}

// ForeignKey returns the column name used to reference rows of kind.
func ForeignKey(kind Kind) string { return foreignKeys[kind] }

// DeclaredReferences returns the columns the static table declares as pointing at kind,
// ordered by referencing table.
func DeclaredReferences(kind Kind) []Reference {
	var refs []Reference
	for _, k := range Kinds() {
		for _, dep := range Dependencies(k) {
			if dep == kind {
				refs = append(refs, Reference{Kind: kind, Table: string(k), Column: ForeignKey(kind)})
			}
		}
	}
	return refs
}

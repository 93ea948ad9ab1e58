// Package memory provides in-process implementations of the persistence contracts. The
// entity store enforces foreign keys and per-branch unique sequence codes the same way the
// PostgreSQL schema does, which makes it suitable for exercising the lifecycle engine
// without a database.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ahrav/branchctl/internal/domain/entity"
	"github.com/ahrav/branchctl/internal/domain/tenant"
)

// Op names a store call that can be intercepted with a Hook.
type Op string

const (
	OpFind   Op = "find"
	OpDelete Op = "delete"
	OpUpdate Op = "update"
)

// Hook is called before every transactional find, delete and update. A non-nil error
// fails the call and rolls the transaction back.
type Hook func(op Op, kind entity.Kind) error

// ForeignKeyViolationError mirrors a referential integrity failure.
type ForeignKeyViolationError struct {
	Table  string
	Column string
	Kind   entity.Kind
	ID     int64
}

func (e *ForeignKeyViolationError) Error() string {
	return fmt.Sprintf("foreign key violation: %s.%s still references %s id %d", e.Table, e.Column, e.Kind, e.ID)
}

// ErrUniqueViolation is returned when two rows of a branch would share a sequence code.
var ErrUniqueViolation = errors.New("unique violation")

// Row is a stored record.
type Row struct {
	ID        int64
	Name      string
	CreatedAt time.Time
	// Refs holds the foreign key values keyed by the referenced kind.
	Refs map[entity.Kind]int64
	// Code is the sequence code of sequence-bearing rows; empty means NULL.
	Code string
	// NextSequence is the cursor of branch rows.
	NextSequence int64
}

func (r *Row) clone() *Row {
	c := *r
	c.Refs = make(map[entity.Kind]int64, len(r.Refs))
	for k, v := range r.Refs {
		c.Refs[k] = v
	}
	return &c
}

type tables map[entity.Kind]map[int64]*Row

func (t tables) clone() tables {
	out := make(tables, len(t))
	for k, rows := range t {
		m := make(map[int64]*Row, len(rows))
		for id, r := range rows {
			m[id] = r.clone()
		}
		out[k] = m
	}
	return out
}

var (
	_ entity.Store      = (*DB)(nil)
	_ tenant.Repository = (*DB)(nil)
)

// DB is an in-memory relational store. Transactions are serialized and roll back to a
// snapshot on error.
type DB struct {
	mu          sync.Mutex
	data        tables
	nextID      int64
	hook        Hook
	unsupported map[entity.Kind]bool
	mutations   int
}

// New creates an empty DB.
func New() *DB {
	data := make(tables)
	for _, k := range entity.Kinds() {
		data[k] = make(map[int64]*Row)
	}
	return &DB{data: data, unsupported: make(map[entity.Kind]bool)}
}

// SetHook installs hook, replacing any previous one. A nil hook removes it.
func (db *DB) SetHook(hook Hook) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.hook = hook
}

// Hide makes Supports report false for kind.
func (db *DB) Hide(kind entity.Kind) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.unsupported[kind] = true
}

// Mutations returns the number of rows deleted or updated by committed transactions.
func (db *DB) Mutations() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.mutations
}

// InsertBranch stores a branch row and returns its id.
func (db *DB) InsertBranch(name string, createdAt time.Time) int64 {
	id, _ := db.Insert(entity.KindBranch, Row{Name: name, CreatedAt: createdAt})
	return id
}

// Insert stores a row of kind. The owner and every non-zero reference must exist.
func (db *DB) Insert(kind entity.Kind, row Row) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	edge, ok := entity.EdgeOf(kind)
	if !ok {
		return 0, &entity.UnknownKindError{Kind: kind}
	}
	if edge.Owner != "" && row.Refs[edge.Owner] == 0 {
		return 0, fmt.Errorf("%s: %s is required", kind, entity.ForeignKey(edge.Owner))
	}
	for ref, id := range row.Refs {
		if id == 0 {
			continue
		}
		if _, ok := db.data[ref][id]; !ok {
			return 0, &ForeignKeyViolationError{
				Table:  string(kind),
				Column: entity.ForeignKey(ref),
				Kind:   ref,
				ID:     id,
			}
		}
	}

	db.nextID++
	r := row.clone()
	r.ID = db.nextID
	db.data[kind][r.ID] = r
	if err := db.checkUniqueCodes(kind); err != nil {
		delete(db.data[kind], r.ID)
		return 0, err
	}
	return r.ID, nil
}

// Get returns a copy of a row and whether it exists.
func (db *DB) Get(kind entity.Kind, id int64) (Row, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	r, ok := db.data[kind][id]
	if !ok {
		return Row{}, false
	}
	return *r.clone(), true
}

// Rows returns copies of every row of kind ordered by id.
func (db *DB) Rows(kind entity.Kind) []Row {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]Row, 0, len(db.data[kind]))
	for _, r := range db.data[kind] {
		out = append(out, *r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Supports implements entity.Store.
func (db *DB) Supports(kind entity.Kind) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, known := db.data[kind]
	return known && !db.unsupported[kind]
}

// WithTransaction implements entity.Store. fn runs with exclusive access; its changes are
// discarded when it returns an error.
func (db *DB) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx entity.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	snapshot := db.data.clone()
	t := &tx{db: db}
	if err := fn(ctx, t); err != nil {
		db.data = snapshot
		return err
	}
	if err := ctx.Err(); err != nil {
		db.data = snapshot
		return err
	}
	db.mutations += t.mutations
	return nil
}

// FindIDs implements entity.Reader.
func (db *DB) FindIDs(
	ctx context.Context,
	kind entity.Kind,
	filter entity.Filter,
	order entity.Order,
	offset, limit int,
) ([]int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.findIDs(kind, filter, order, offset, limit)
}

// Count implements entity.Reader.
func (db *DB) Count(ctx context.Context, kind entity.Kind, filter entity.Filter) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	ids, err := db.findIDs(kind, filter, entity.OrderByID, 0, 0)
	return int64(len(ids)), err
}

// References implements entity.Reader. The memory store only knows declared references.
func (db *DB) References(ctx context.Context, kind entity.Kind) ([]entity.Reference, error) {
	return entity.DeclaredReferences(kind), nil
}

// CountReferencing implements entity.Reader.
func (db *DB) CountReferencing(ctx context.Context, ref entity.Reference, ids []int64) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.countReferencing(ref, ids), nil
}

func (db *DB) findIDs(kind entity.Kind, filter entity.Filter, order entity.Order, offset, limit int) ([]int64, error) {
	rows, ok := db.data[kind]
	if !ok || db.unsupported[kind] {
		return nil, &entity.UnknownKindError{Kind: kind}
	}

	matched := make([]*Row, 0, len(rows))
	for _, r := range rows {
		in, err := db.matches(kind, r, filter)
		if err != nil {
			return nil, err
		}
		if in {
			matched = append(matched, r)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if order == entity.OrderByCreation {
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			if a.Name != b.Name {
				return a.Name < b.Name
			}
		}
		return a.ID < b.ID
	})

	if offset >= len(matched) {
		return []int64{}, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}

	ids := make([]int64, len(matched))
	for i, r := range matched {
		ids[i] = r.ID
	}
	return ids, nil
}

func (db *DB) matches(kind entity.Kind, r *Row, filter entity.Filter) (bool, error) {
	if len(filter.IDs) > 0 {
		for _, id := range filter.IDs {
			if id == r.ID {
				return true, nil
			}
		}
		return false, nil
	}
	if filter.Owner == "" {
		return false, fmt.Errorf("filter for %s has neither ids nor owner", kind)
	}
	return db.ownedBy(r, filter.Owner, filter.BranchID)
}

// ownedBy follows the ownership chain of r, starting at owner, up to the branch.
func (db *DB) ownedBy(r *Row, owner entity.Kind, branchID int64) (bool, error) {
	for cur := r; ; {
		ref := cur.Refs[owner]
		if owner == entity.KindBranch {
			return ref == branchID, nil
		}
		parent, ok := db.data[owner][ref]
		if !ok {
			return false, nil
		}
		next, err := entity.OwnerOf(owner)
		if err != nil {
			return false, err
		}
		cur, owner = parent, next
	}
}

func (db *DB) countReferencing(ref entity.Reference, ids []int64) int64 {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}

	var n int64
	for _, r := range db.data[entity.Kind(ref.Table)] {
		if entity.Kind(ref.Table) == ref.Kind && set[r.ID] {
			continue
		}
		if v, ok := r.Refs[ref.Kind]; ok && set[v] {
			n++
		}
	}
	return n
}

// checkUniqueCodes enforces one sequence code per branch.
func (db *DB) checkUniqueCodes(kind entity.Kind) error {
	if kind != entity.SequenceKind {
		return nil
	}
	seen := make(map[string]int64)
	for _, r := range db.data[kind] {
		if r.Code == "" {
			continue
		}
		key := fmt.Sprintf("%d/%s", r.Refs[entity.KindBranch], r.Code)
		if other, dup := seen[key]; dup {
			return fmt.Errorf("%w: %s %q held by rows %d and %d", ErrUniqueViolation, entity.FieldSequenceCode, r.Code, other, r.ID)
		}
		seen[key] = r.ID
	}
	return nil
}

// tx runs against the DB while its lock is held by WithTransaction.
type tx struct {
	db        *DB
	mutations int
}

func (t *tx) before(ctx context.Context, op Op, kind entity.Kind) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.db.hook != nil {
		return t.db.hook(op, kind)
	}
	return nil
}

func (t *tx) FindIDs(
	ctx context.Context,
	kind entity.Kind,
	filter entity.Filter,
	order entity.Order,
	offset, limit int,
) ([]int64, error) {
	if err := t.before(ctx, OpFind, kind); err != nil {
		return nil, err
	}
	return t.db.findIDs(kind, filter, order, offset, limit)
}

func (t *tx) Count(ctx context.Context, kind entity.Kind, filter entity.Filter) (int64, error) {
	ids, err := t.db.findIDs(kind, filter, entity.OrderByID, 0, 0)
	return int64(len(ids)), err
}

func (t *tx) References(ctx context.Context, kind entity.Kind) ([]entity.Reference, error) {
	return entity.DeclaredReferences(kind), nil
}

func (t *tx) CountReferencing(ctx context.Context, ref entity.Reference, ids []int64) (int64, error) {
	return t.db.countReferencing(ref, ids), nil
}

func (t *tx) DeleteMany(ctx context.Context, kind entity.Kind, ids []int64) (int64, error) {
	if err := t.before(ctx, OpDelete, kind); err != nil {
		return 0, err
	}

	rows := t.db.data[kind]
	var n int64
	for _, id := range ids {
		if _, ok := rows[id]; !ok {
			continue
		}
		if err := t.db.checkNotReferenced(kind, id, ids); err != nil {
			return n, err
		}
		delete(rows, id)
		n++
	}
	t.mutations += int(n)
	return n, nil
}

// checkNotReferenced fails when a row outside the batch still points at kind/id.
func (db *DB) checkNotReferenced(kind entity.Kind, id int64, batch []int64) error {
	for _, ref := range entity.DeclaredReferences(kind) {
		child := entity.Kind(ref.Table)
		for _, r := range db.data[child] {
			if r.Refs[kind] != id {
				continue
			}
			if child == kind && containsID(batch, r.ID) {
				continue
			}
			return &ForeignKeyViolationError{Table: ref.Table, Column: ref.Column, Kind: kind, ID: id}
		}
	}
	return nil
}

func (t *tx) UpdateMany(ctx context.Context, kind entity.Kind, patch entity.Patch) (int64, error) {
	if err := t.before(ctx, OpUpdate, kind); err != nil {
		return 0, err
	}
	if kind != entity.SequenceKind || patch.Field != entity.FieldSequenceCode {
		return 0, fmt.Errorf("field %s of %s is not writable", patch.Field, kind)
	}

	rows := t.db.data[kind]
	if patch.Exclusive {
		assigned := make(map[string]bool, len(patch.Values))
		for _, v := range patch.Values {
			assigned[v] = true
		}
		scope, err := t.db.findIDs(kind, patch.Scope, entity.OrderByID, 0, 0)
		if err != nil {
			return 0, err
		}
		for _, id := range scope {
			if _, ours := patch.Values[id]; ours {
				continue
			}
			if r := rows[id]; assigned[r.Code] {
				r.Code = ""
			}
		}
	}

	var n int64
	for id, v := range patch.Values {
		r, ok := rows[id]
		if !ok {
			continue
		}
		r.Code = v
		n++
	}
	if err := t.db.checkUniqueCodes(kind); err != nil {
		return 0, err
	}
	t.mutations += int(n)
	return n, nil
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// Package postgres implements the lifecycle engine's persistence contract on PostgreSQL.
//
// Every kind maps to the table of the same name. Rows of indirectly scoped kinds are
// matched through nested sub-selects along the ownership chain, so no query ever joins
// more than one scoping level at a time.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/branchctl/internal/domain/entity"
	"github.com/ahrav/branchctl/internal/infra/storage"
)

var _ entity.Store = (*Store)(nil)

// ErrConstraint wraps foreign key and unique violations reported by the database.
var ErrConstraint = errors.New("constraint violation")

// named lists the kinds whose tables carry a display name used for ordering.
var named = map[entity.Kind]bool{
	entity.KindBranch:      true,
	entity.KindSection:     true,
	entity.KindUser:        true,
	entity.KindBrand:       true,
	entity.KindSubcategory: true,
	entity.KindServiceType: true,
	entity.KindTaxRate:     true,
	entity.KindUnit:        true,
	entity.KindProduct:     true,
}

var defaultDBAttributes = []attribute.KeyValue{attribute.String("db.system", "postgresql")}

// dbtx is satisfied by both the pool and a transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements entity.Store.
type Store struct {
	reader
	pool      *pgxpool.Pool
	supported map[entity.Kind]bool
}

// NewStore creates a Store and records which kinds have a table in the current schema.
func NewStore(ctx context.Context, pool *pgxpool.Pool, tracer trace.Tracer) (*Store, error) {
	kinds := entity.Kinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.String()
	}

	s := &Store{
		reader:    reader{db: pool, tracer: tracer},
		pool:      pool,
		supported: make(map[entity.Kind]bool, len(kinds)),
	}

	err := storage.ExecuteAndTrace(ctx, tracer, "entityStore.DiscoverTables", defaultDBAttributes, func(ctx context.Context) error {
		rows, err := pool.Query(ctx, `
			SELECT table_name::text
			FROM information_schema.tables
			WHERE table_schema = current_schema() AND table_name = ANY($1)`, names)
		if err != nil {
			return err
		}
		found, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return err
		}
		for _, name := range found {
			s.supported[entity.Kind(name)] = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to discover tables: %w", err)
	}
	return s, nil
}

// Supports implements entity.Store.
func (s *Store) Supports(kind entity.Kind) bool {
	_, known := entity.EdgeOf(kind)
	return known && s.supported[kind]
}

// WithTransaction implements entity.Store.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx entity.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(ptx pgx.Tx) error {
		return fn(ctx, &tx{reader: reader{db: ptx, tracer: s.tracer}})
	})
}

type reader struct {
	db     dbtx
	tracer trace.Tracer
}

func kindAttrs(kind entity.Kind) []attribute.KeyValue {
	return append(append([]attribute.KeyValue{}, defaultDBAttributes...), attribute.String("db.sql.table", kind.String()))
}

// FindIDs implements entity.Reader.
func (r *reader) FindIDs(
	ctx context.Context,
	kind entity.Kind,
	filter entity.Filter,
	order entity.Order,
	offset, limit int,
) ([]int64, error) {
	cond, args, err := scope(kind, filter, 1)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT id FROM %s WHERE %s ORDER BY %s OFFSET $%d",
		ident(kind.String()), cond, orderBy(kind, order), len(args)+1)
	args = append(args, offset)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, limit)
	}

	var ids []int64
	err = storage.ExecuteAndTrace(ctx, r.tracer, "entityStore.FindIDs", kindAttrs(kind), func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		ids, err = pgx.CollectRows(rows, pgx.RowTo[int64])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("finding %s ids: %w", kind, err)
	}
	return ids, nil
}

// Count implements entity.Reader.
func (r *reader) Count(ctx context.Context, kind entity.Kind, filter entity.Filter) (int64, error) {
	cond, args, err := scope(kind, filter, 1)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf("SELECT count(*) FROM %s WHERE %s", ident(kind.String()), cond)

	var n int64
	err = storage.ExecuteAndTrace(ctx, r.tracer, "entityStore.Count", kindAttrs(kind), func(ctx context.Context) error {
		return r.db.QueryRow(ctx, query, args...).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", kind, err)
	}
	return n, nil
}

// References implements entity.Reader. Declared references are merged with every single
// column foreign key the catalog reports against the kind's table.
func (r *reader) References(ctx context.Context, kind entity.Kind) ([]entity.Reference, error) {
	refs := entity.DeclaredReferences(kind)

	var discovered []entity.Reference
	err := storage.ExecuteAndTrace(ctx, r.tracer, "entityStore.References", kindAttrs(kind), func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, `
			SELECT src.relname::text, att.attname::text
			FROM pg_constraint con
			JOIN pg_class src ON src.oid = con.conrelid
			JOIN pg_class dst ON dst.oid = con.confrelid
			JOIN pg_namespace ns ON ns.oid = src.relnamespace
			JOIN pg_attribute att ON att.attrelid = con.conrelid AND att.attnum = con.conkey[1]
			WHERE con.contype = 'f'
			  AND cardinality(con.conkey) = 1
			  AND dst.relname = $1
			  AND ns.nspname = current_schema()`, kind.String())
		if err != nil {
			return err
		}
		discovered, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (entity.Reference, error) {
			ref := entity.Reference{Kind: kind}
			err := row.Scan(&ref.Table, &ref.Column)
			return ref, err
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("discovering references to %s: %w", kind, err)
	}

	return mergeReferences(refs, discovered), nil
}

// CountReferencing implements entity.Reader.
func (r *reader) CountReferencing(ctx context.Context, ref entity.Reference, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf("SELECT count(*) FROM %s WHERE %s = ANY($1)", ident(ref.Table), ident(ref.Column))
	if ref.Table == ref.Kind.String() {
		query += " AND NOT (id = ANY($1))"
	}

	attrs := append(kindAttrs(ref.Kind), attribute.String("referencing_table", ref.Table))
	var n int64
	err := storage.ExecuteAndTrace(ctx, r.tracer, "entityStore.CountReferencing", attrs, func(ctx context.Context) error {
		return r.db.QueryRow(ctx, query, ids).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("counting %s.%s references: %w", ref.Table, ref.Column, err)
	}
	return n, nil
}

type tx struct {
	reader
}

// DeleteMany implements entity.Tx.
func (t *tx) DeleteMany(ctx context.Context, kind entity.Kind, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if _, ok := entity.EdgeOf(kind); !ok {
		return 0, &entity.UnknownKindError{Kind: kind}
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE id = ANY($1)", ident(kind.String()))

	var n int64
	err := storage.ExecuteAndTrace(ctx, t.tracer, "entityStore.DeleteMany", kindAttrs(kind), func(ctx context.Context) error {
		tag, err := t.db.Exec(ctx, query, ids)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("deleting %s: %w", kind, classify(err))
	}
	return n, nil
}

// UpdateMany implements entity.Tx. Only the sequence code of the sequence kind is
// writable.
func (t *tx) UpdateMany(ctx context.Context, kind entity.Kind, patch entity.Patch) (int64, error) {
	if kind != entity.SequenceKind || patch.Field != entity.FieldSequenceCode {
		return 0, fmt.Errorf("field %s of %s is not writable", patch.Field, kind)
	}
	if len(patch.Values) == 0 {
		return 0, nil
	}

	ids := patch.IDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	values := make([]string, len(ids))
	for i, id := range ids {
		values[i] = patch.Values[id]
	}

	table := ident(kind.String())
	column := ident(string(patch.Field))

	var n int64
	err := storage.ExecuteAndTrace(ctx, t.tracer, "entityStore.UpdateMany", kindAttrs(kind), func(ctx context.Context) error {
		if patch.Exclusive {
			// Free every target value held by a row that is not about to receive it.
			cond, args, err := scope(kind, patch.Scope, 3)
			if err != nil {
				return err
			}
			release := fmt.Sprintf(`
				UPDATE %[1]s SET %[2]s = NULL
				WHERE %[3]s
				  AND %[2]s = ANY($2)
				  AND (id, %[2]s) NOT IN (SELECT * FROM unnest($1::bigint[], $2::text[]))`,
				table, column, cond)
			if _, err := t.db.Exec(ctx, release, append([]any{ids, values}, args...)...); err != nil {
				return err
			}
		}

		assign := fmt.Sprintf(`
			UPDATE %[1]s AS t SET %[2]s = v.value
			FROM unnest($1::bigint[], $2::text[]) AS v(id, value)
			WHERE t.id = v.id`, table, column)
		tag, err := t.db.Exec(ctx, assign, ids, values)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("updating %s.%s: %w", kind, patch.Field, classify(err))
	}
	return n, nil
}

// scope renders the WHERE condition selecting filter's rows of kind. Placeholders start
// at $next.
func scope(kind entity.Kind, filter entity.Filter, next int) (string, []any, error) {
	if _, ok := entity.EdgeOf(kind); !ok {
		return "", nil, &entity.UnknownKindError{Kind: kind}
	}
	if len(filter.IDs) > 0 {
		return fmt.Sprintf("id = ANY($%d)", next), []any{filter.IDs}, nil
	}
	if filter.Owner == "" {
		return "", nil, fmt.Errorf("filter for %s has neither ids nor owner", kind)
	}

	chain, err := entity.OwnerChain(kind)
	if err != nil {
		return "", nil, err
	}
	if len(chain) == 0 || chain[0] != filter.Owner {
		return "", nil, fmt.Errorf("filter owner %s does not own %s", filter.Owner, kind)
	}

	cond := fmt.Sprintf("%s = $%d", ident(entity.ForeignKey(entity.KindBranch)), next)
	for i := len(chain) - 2; i >= 0; i-- {
		owner := chain[i]
		cond = fmt.Sprintf("%s IN (SELECT id FROM %s WHERE %s)",
			ident(entity.ForeignKey(owner)), ident(owner.String()), cond)
	}
	return cond, []any{filter.BranchID}, nil
}

func orderBy(kind entity.Kind, order entity.Order) string {
	if order == entity.OrderByID {
		return "id"
	}
	if named[kind] {
		return "created_at, name, id"
	}
	return "created_at, id"
}

func ident(name string) string { return pgx.Identifier{name}.Sanitize() }

func mergeReferences(declared, discovered []entity.Reference) []entity.Reference {
	seen := make(map[string]bool, len(declared)+len(discovered))
	out := make([]entity.Reference, 0, len(declared)+len(discovered))
	for _, ref := range append(declared, discovered...) {
		key := ref.Table + "." + ref.Column
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Table != out[j].Table {
			return out[i].Table < out[j].Table
		}
		return out[i].Column < out[j].Column
	})
	return out
}

// classify marks integrity violations so callers can tell them from transport failures.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgerrcode.ForeignKeyViolation, pgerrcode.UniqueViolation:
		return fmt.Errorf("%w: %s (%s): %w", ErrConstraint, strings.TrimSpace(pgErr.Message), pgErr.ConstraintName, err)
	default:
		return err
	}
}
